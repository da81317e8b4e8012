package fees

import (
	"context"
	"strconv"
	"strings"

	"hwwallet/pkg/models"
	"hwwallet/pkg/rpc"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Level names.
const (
	High   = "High"
	Normal = "Normal"
	Low    = "Low"
	Custom = "Custom"
)

var (
	highFactor = decimal.NewFromFloat(1.5)
	lowFactor  = decimal.NewFromFloat(0.5)

	validate = validator.New()
)

// GetFeeLevels builds the fee menu from the recommended gas price (gwei).
// A previous Custom selection keeps its gas price.
func GetFeeLevels(symbol, recommendedGasPrice, gasLimit string, previous models.FeeLevel) []models.FeeLevel {
	price, err := decimal.NewFromString(strings.TrimSpace(recommendedGasPrice))
	if err != nil {
		price = decimal.Zero
	}
	high := price.Mul(highFactor).String()
	normal := price.String()
	low := price.Mul(lowFactor).String()

	custom := models.FeeLevel{Value: Custom, GasPrice: low}
	if previous.Value == Custom {
		custom.GasPrice = previous.GasPrice
		custom.Label = label(symbol, previous.GasPrice, gasLimit)
	}

	return []models.FeeLevel{
		{Value: High, GasPrice: high, Label: label(symbol, high, gasLimit)},
		{Value: Normal, GasPrice: normal, Label: label(symbol, normal, gasLimit)},
		{Value: Low, GasPrice: low, Label: label(symbol, low, gasLimit)},
		custom,
	}
}

func label(symbol, gasPrice, gasLimit string) string {
	return CalculateFee(gasPrice, gasLimit) + " " + symbol
}

// GetSelectedFeeLevel finds previous in levels by value, or returns the first level.
func GetSelectedFeeLevel(levels []models.FeeLevel, previous models.FeeLevel) models.FeeLevel {
	for _, l := range levels {
		if l.Value == previous.Value {
			return l
		}
	}
	if len(levels) == 0 {
		return models.FeeLevel{}
	}
	return levels[0]
}

// FindLevel looks a level up by value.
func FindLevel(levels []models.FeeLevel, value string) (models.FeeLevel, bool) {
	for _, l := range levels {
		if l.Value == value {
			return l, true
		}
	}
	return models.FeeLevel{}, false
}

func parse(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// CalculateFee returns gasPrice (gwei) times gasLimit in ether. Invalid input yields "0".
func CalculateFee(gasPrice, gasLimit string) string {
	return fee(gasPrice, gasLimit).String()
}

func fee(gasPrice, gasLimit string) decimal.Decimal {
	price, ok := parse(gasPrice)
	if !ok {
		return decimal.Zero
	}
	limit, ok := parse(gasLimit)
	if !ok {
		return decimal.Zero
	}
	return price.Mul(limit).Shift(-9)
}

// CalculateTotal returns amount plus fee in ether. Invalid input yields "0".
func CalculateTotal(amount, gasPrice, gasLimit string) string {
	a, ok := parse(amount)
	if !ok {
		return "0"
	}
	return a.Add(fee(gasPrice, gasLimit)).String()
}

// CalculateMaxAmount returns the balance left after paying the fee, never below zero.
func CalculateMaxAmount(balance, gasPrice, gasLimit string) string {
	b, ok := parse(balance)
	if !ok {
		return "0"
	}
	max := b.Sub(fee(gasPrice, gasLimit))
	if max.IsNegative() {
		return "0"
	}
	return max.String()
}

// Estimator asks a backend for a gas limit estimate.
type Estimator interface {
	EstimateGasLimit(ctx context.Context, network string, req rpc.EstimateRequest) (uint64, error)
}

// EstimateGasLimit resolves the gas limit for a data payload. Empty data gives
// defaultLimit, data that is not hex keeps current, anything else is estimated.
func EstimateGasLimit(ctx context.Context, est Estimator, network string, req rpc.EstimateRequest, current, defaultLimit string) (string, error) {
	if req.Data == "" {
		return defaultLimit, nil
	}
	if validate.Var(req.Data, "hexadecimal") != nil {
		return current, nil
	}
	limit, err := est.EstimateGasLimit(ctx, network, req)
	if err != nil {
		return current, errors.Wrap(err, "estimate gas limit")
	}
	return strconv.FormatUint(limit, 10), nil
}
