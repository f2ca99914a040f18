package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 5000
)

// ValidateAddress checks that addr is a well-formed, non-zero hex address.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: malformed address %q", ErrInvalidInput, addr)
	}
	if isZeroAddress(common.HexToAddress(addr).Hex()) {
		return fmt.Errorf("%w: zero address", ErrInvalidInput)
	}
	return nil
}

// ValidateEscrow checks an escrow request against the configured minimum and
// the current time.
func ValidateEscrow(req EscrowRequest, minAmount *big.Int, now time.Time) error {
	title := strings.TrimSpace(req.Title)
	if title == "" || len(title) > maxTitleLength {
		return fmt.Errorf("%w: title must be between 1 and %d characters", ErrInvalidInput, maxTitleLength)
	}
	if len(req.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidInput, maxDescriptionLength)
	}
	if req.AmountWei == nil || req.AmountWei.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0", ErrInvalidInput)
	}
	if req.AmountWei.BitLen() > MaxAmountBits {
		return fmt.Errorf("%w: amount exceeds the ledger's %d-bit range", ErrInvalidInput, MaxAmountBits)
	}
	if minAmount != nil && req.AmountWei.Cmp(minAmount) < 0 {
		return fmt.Errorf("%w: amount below minimum of %s", ErrInvalidInput, FormatAmount(minAmount))
	}
	if !req.Deadline.After(now) {
		return fmt.Errorf("%w: deadline must be in the future", ErrInvalidInput)
	}
	return nil
}
