package send

import (
	"strconv"
	"strings"

	"hwwallet/pkg/config"
	"hwwallet/pkg/fees"
	"hwwallet/pkg/models"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// maxGasPrice is the gwei price above which a warning is raised.
var maxGasPrice = decimal.NewFromInt(1000)

// Input is the account context a form is validated against.
type Input struct {
	Account      models.Account
	Network      config.NetworkConfig
	Tokens       []models.Token
	PendingNonce uint64
}

// Validator recomputes derived fields and messages of a form.
type Validator interface {
	Validate(form models.SendFormState, in Input) models.SendFormState
}

// FieldValidator checks each touched field and recomputes the total, the
// max amount and the suggested nonce.
type FieldValidator struct {
	v *validator.Validate
}

func NewFieldValidator() *FieldValidator {
	return &FieldValidator{v: validator.New()}
}

func (f *FieldValidator) check(value, tag string) bool {
	return f.v.Var(value, tag) == nil
}

// ResolveNonce picks the nonce for the next transaction of an account.
// The pending nonce wins only when it is set and not behind the account.
func ResolveNonce(accountNonce, pendingNonce uint64) uint64 {
	if pendingNonce > 0 && pendingNonce >= accountNonce {
		return pendingNonce
	}
	return accountNonce
}

// SendNonce is the nonce a transaction goes out with. A typed nonce is used
// when it parses and is not below the account nonce.
func SendNonce(form models.SendFormState, accountNonce, pendingNonce uint64) uint64 {
	resolved := ResolveNonce(accountNonce, pendingNonce)
	if !form.Touched.Nonce {
		return resolved
	}
	v, err := strconv.ParseUint(strings.TrimSpace(form.Nonce), 10, 64)
	if err != nil || v < accountNonce {
		return resolved
	}
	return v
}

func (f *FieldValidator) Validate(form models.SendFormState, in Input) models.SendFormState {
	s := form.Clone()
	s.Errors = map[string]string{}
	s.Warnings = map[string]string{}
	s.Infos = map[string]string{}

	var token *models.Token
	if s.IsToken() {
		for i := range in.Tokens {
			if strings.EqualFold(in.Tokens[i].Symbol, s.Currency) {
				token = &in.Tokens[i]
				break
			}
		}
	}

	recommended := ResolveNonce(in.Account.Nonce, in.PendingNonce)
	if !s.Touched.Nonce {
		s.Nonce = strconv.FormatUint(recommended, 10)
	}

	if s.SelectedFeeLevel.Value == fees.Custom {
		syncCustomLevel(&s)
	}

	if s.SetMax {
		if token != nil {
			s.Amount = token.Balance
		} else {
			s.Amount = fees.CalculateMaxAmount(in.Account.Balance, s.GasPrice, s.GasLimit)
		}
	}
	if s.IsToken() {
		s.Total = fees.CalculateFee(s.GasPrice, s.GasLimit)
	} else {
		s.Total = fees.CalculateTotal(s.Amount, s.GasPrice, s.GasLimit)
	}

	if s.Untouched {
		return s
	}

	if s.Touched.Address {
		f.address(&s, in)
	}
	if s.Touched.Amount {
		f.amount(&s, in, token)
	}
	if s.Touched.GasLimit {
		f.gasLimit(&s, in)
	}
	if s.Touched.GasPrice {
		f.gasPrice(&s)
	}
	if s.Touched.Nonce {
		f.nonce(&s, in, recommended)
	}
	if s.Touched.Data && s.Data != "" && !f.check(s.Data, "hexadecimal") {
		s.Errors["data"] = "Data is not valid hexadecimal"
	}
	return s
}

// syncCustomLevel copies the manual gas price into the Custom level and relabels it.
func syncCustomLevel(s *models.SendFormState) {
	label := ""
	if _, err := decimal.NewFromString(s.GasPrice); err == nil {
		if _, err := strconv.ParseUint(s.GasLimit, 10, 64); err == nil {
			label = fees.CalculateFee(s.GasPrice, s.GasLimit) + " " + s.NetworkSymbol
		}
	}
	custom := models.FeeLevel{Value: fees.Custom, GasPrice: s.GasPrice, Label: label}
	for i := range s.FeeLevels {
		if s.FeeLevels[i].Value == fees.Custom {
			s.FeeLevels[i] = custom
		}
	}
	s.SelectedFeeLevel = custom
}

func (f *FieldValidator) address(s *models.SendFormState, in Input) {
	switch {
	case s.Address == "":
		s.Errors["address"] = "Address is not set"
	case !f.check(s.Address, "eth_addr"):
		s.Errors["address"] = "Address is not valid"
	case strings.EqualFold(s.Address, in.Account.Address):
		s.Infos["address"] = "Address is the same as the sending account"
	}
}

func (f *FieldValidator) amount(s *models.SendFormState, in Input, token *models.Token) {
	if s.Amount == "" {
		s.Errors["amount"] = "Amount is not set"
		return
	}
	if !f.check(s.Amount, "numeric") {
		s.Errors["amount"] = "Amount is not a number"
		return
	}
	amount, err := decimal.NewFromString(s.Amount)
	if err != nil || amount.IsNegative() {
		s.Errors["amount"] = "Amount is not a number"
		return
	}

	if token != nil {
		if -amount.Exponent() > int32(token.Decimals) {
			s.Errors["amount"] = "Maximum " + strconv.Itoa(token.Decimals) + " decimals allowed"
			return
		}
		if balance, err := decimal.NewFromString(token.Balance); err == nil && amount.GreaterThan(balance) {
			s.Errors["amount"] = "Not enough funds"
			return
		}
		fee, _ := decimal.NewFromString(s.Total)
		if balance, err := decimal.NewFromString(in.Account.Balance); err == nil && fee.GreaterThan(balance) {
			s.Errors["amount"] = "Not enough " + in.Network.Symbol + " to cover transaction fee"
		}
		return
	}
	if s.IsToken() {
		s.Errors["amount"] = "Token " + s.Currency + " is not tracked for this account"
		return
	}

	if -amount.Exponent() > 18 {
		s.Errors["amount"] = "Maximum 18 decimals allowed"
		return
	}
	total, _ := decimal.NewFromString(s.Total)
	if balance, err := decimal.NewFromString(in.Account.Balance); err == nil && total.GreaterThan(balance) {
		s.Errors["amount"] = "Not enough funds"
	}
}

func (f *FieldValidator) gasLimit(s *models.SendFormState, in Input) {
	if s.GasLimit == "" {
		s.Errors["gas_limit"] = "Gas limit is not set"
		return
	}
	limit, err := strconv.ParseUint(s.GasLimit, 10, 64)
	if !f.check(s.GasLimit, "number") || err != nil {
		s.Errors["gas_limit"] = "Gas limit is not a number"
		return
	}
	if limit == 0 {
		s.Errors["gas_limit"] = "Gas limit is too low"
		return
	}
	recommended := in.Network.DefaultGasLimit
	if s.IsToken() {
		recommended = in.Network.DefaultGasLimitTokens
	}
	if limit < recommended {
		s.Warnings["gas_limit"] = "Gas limit is below recommended"
	}
}

func (f *FieldValidator) gasPrice(s *models.SendFormState) {
	if s.GasPrice == "" {
		s.Errors["gas_price"] = "Gas price is not set"
		return
	}
	if !f.check(s.GasPrice, "numeric") {
		s.Errors["gas_price"] = "Gas price is not a number"
		return
	}
	price, err := decimal.NewFromString(s.GasPrice)
	if err != nil || !price.IsPositive() {
		s.Errors["gas_price"] = "Gas price is too low"
		return
	}
	if price.GreaterThan(maxGasPrice) {
		s.Warnings["gas_price"] = "Gas price is too high"
	}
}

func (f *FieldValidator) nonce(s *models.SendFormState, in Input, recommended uint64) {
	if s.Nonce == "" || !f.check(s.Nonce, "number") {
		s.Errors["nonce"] = "Nonce is not a valid number"
		return
	}
	n, err := strconv.ParseUint(s.Nonce, 10, 64)
	if err != nil {
		s.Errors["nonce"] = "Nonce is not a valid number"
		return
	}
	switch {
	case n < in.Account.Nonce:
		s.Warnings["nonce"] = "Nonce is lower than recommended"
	case n > recommended:
		s.Warnings["nonce"] = "Nonce is greater than recommended"
	}
}
