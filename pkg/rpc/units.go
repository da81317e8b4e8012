package rpc

import (
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// FromWei renders an integer amount shifted by decimals, e.g. wei to ether with 18.
func FromWei(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// ToWei parses a decimal amount and scales it to an integer.
func ToWei(amount string, decimals int32) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid amount %q", amount)
	}
	if d.IsNegative() {
		return nil, errors.Errorf("negative amount %q", amount)
	}
	return d.Shift(decimals).BigInt(), nil
}

// GweiToWei converts a gas price in gwei to wei.
func GweiToWei(gwei string) (*big.Int, error) {
	return ToWei(gwei, 9)
}

// WeiToGwei converts a gas price in wei to gwei.
func WeiToGwei(wei *big.Int) string {
	return FromWei(wei, 9)
}
