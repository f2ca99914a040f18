package ledger

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0.01", want: "10000000000000000"},
		{in: "1", want: "1000000000000000000"},
		{in: " 2.5 ", want: "2500000000000000000"},
		{in: "0.000000000000000001", want: "1"},
		{in: "0.0000000000000000001", wantErr: true},
		{in: "0", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
		{in: "1e3", wantErr: true},
		{in: "1E-2", wantErr: true},
		{in: "1e20000000", wantErr: true},
		{in: strings.Repeat("9", 101), wantErr: true},
		// 2^256 wei is one past the contract's range
		{in: "115792089237316195423570985008687907853269984665640564039457.584007913129639936", wantErr: true},
		{in: "115792089237316195423570985008687907853269984665640564039457.584007913129639935", want: "115792089237316195423570985008687907853269984665640564039457584007913129639935"},
	}

	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("ParseAmount(%q) error = %v, want ErrInvalidInput", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseAmount(%q) unexpected error: %v", tt.in, err)
		}
		if got.String() != tt.want {
			t.Fatalf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	wei, _ := new(big.Int).SetString("10000000000000000", 10)
	if got := FormatAmount(wei); got != "0.01" {
		t.Fatalf("FormatAmount = %q, want 0.01", got)
	}
	if got := FormatAmount(nil); got != "0" {
		t.Fatalf("FormatAmount(nil) = %q, want 0", got)
	}
}

func TestParseWei(t *testing.T) {
	n, err := ParseWei("12345")
	if err != nil || n.Int64() != 12345 {
		t.Fatalf("ParseWei = %v, %v", n, err)
	}
	if _, err := ParseWei("1.5"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ParseWei(1.5) error = %v, want ErrInvalidInput", err)
	}
}

func TestParseAmountRejectsExponentQuickly(t *testing.T) {
	start := time.Now()
	if _, err := ParseAmount("1e20000000"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ParseAmount(1e20000000) error = %v, want ErrInvalidInput", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("rejecting an exponent took %s", elapsed)
	}
}

func TestParseWeiRejectsOverlongInput(t *testing.T) {
	if _, err := ParseWei(strings.Repeat("1", 101)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ParseWei(101 digits) error = %v, want ErrInvalidInput", err)
	}
}
