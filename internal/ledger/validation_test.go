package ledger

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"
)

func TestValidateAddress(t *testing.T) {
	valid := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	if err := ValidateAddress(valid); err != nil {
		t.Fatalf("ValidateAddress(%s) = %v", valid, err)
	}
	for _, addr := range []string{"", "0x123", "not-an-address", zeroAddress} {
		if err := ValidateAddress(addr); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("ValidateAddress(%q) = %v, want ErrInvalidInput", addr, err)
		}
	}
}

func TestValidateEscrow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	minAmount := big.NewInt(1000)
	base := EscrowRequest{
		Title:     "Logo design",
		Deadline:  now.Add(24 * time.Hour),
		AmountWei: big.NewInt(5000),
	}
	if err := ValidateEscrow(base, minAmount, now); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tests := map[string]func(r *EscrowRequest){
		"empty title":      func(r *EscrowRequest) { r.Title = "  " },
		"long title":       func(r *EscrowRequest) { r.Title = strings.Repeat("x", maxTitleLength+1) },
		"zero amount":      func(r *EscrowRequest) { r.AmountWei = big.NewInt(0) },
		"nil amount":       func(r *EscrowRequest) { r.AmountWei = nil },
		"below minimum":    func(r *EscrowRequest) { r.AmountWei = big.NewInt(999) },
		"past deadline":    func(r *EscrowRequest) { r.Deadline = now.Add(-time.Second) },
		"deadline now":     func(r *EscrowRequest) { r.Deadline = now },
		"long description": func(r *EscrowRequest) { r.Description = strings.Repeat("x", maxDescriptionLength+1) },
		"above uint256":    func(r *EscrowRequest) { r.AmountWei = new(big.Int).Lsh(big.NewInt(1), MaxAmountBits) },
	}
	for name, mutate := range tests {
		req := base
		mutate(&req)
		if err := ValidateEscrow(req, minAmount, now); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: error = %v, want ErrInvalidInput", name, err)
		}
	}
}

func TestValidateEscrowAcceptsMaxUint256(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	maxAmount := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), MaxAmountBits), big.NewInt(1))
	req := EscrowRequest{Title: "Audit", Deadline: now.Add(time.Hour), AmountWei: maxAmount}
	if err := ValidateEscrow(req, nil, now); err != nil {
		t.Fatalf("max uint256 rejected: %v", err)
	}
}
