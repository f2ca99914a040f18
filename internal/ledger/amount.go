package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the number of decimals of the chain's native unit (wei).
const NativeDecimals = 18

const (
	// MaxAmountBits is the width of the contract's uint256 amounts.
	MaxAmountBits = 256
	// a uint256 has 78 decimal digits; sign, point and padding fit in the rest
	maxAmountLength = 100
)

// ParseAmount converts a decimal amount of the native currency ("0.01") into
// wei. Amounts finer than one wei are rejected rather than rounded.
func ParseAmount(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: amount is required", ErrInvalidInput)
	}
	if len(value) > maxAmountLength || strings.ContainsAny(value, "eE") {
		return nil, fmt.Errorf("%w: amount must be a plain decimal of at most %d characters", ErrInvalidInput, maxAmountLength)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q is not a number", ErrInvalidInput, value)
	}
	wei := d.Shift(NativeDecimals)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("%w: amount %q has more than %d decimals", ErrInvalidInput, value, NativeDecimals)
	}
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than 0", ErrInvalidInput)
	}
	n := wei.BigInt()
	if n.BitLen() > MaxAmountBits {
		return nil, fmt.Errorf("%w: amount exceeds the ledger's %d-bit range", ErrInvalidInput, MaxAmountBits)
	}
	return n, nil
}

// FormatAmount renders wei as a decimal amount of the native currency.
func FormatAmount(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -NativeDecimals).String()
}

// ParseWei parses the base-10 wei representation stored off-chain.
func ParseWei(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if len(value) > maxAmountLength {
		return nil, fmt.Errorf("%w: wei amount is too long", ErrInvalidInput)
	}
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("%w: wei amount %q", ErrInvalidInput, value)
	}
	return n, nil
}
