package types

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"whole", "100", "100.00", nil},
		{"cents", "0.01", "0.01", nil},
		{"two decimals", "49.90", "49.90", nil},
		{"zero", "0", "", ErrAmountNotPositive},
		{"negative", "-5.00", "", ErrAmountNotPositive},
		{"three decimals", "1.005", "", ErrAmountScale},
		{"too large", "100000000000000000", "", ErrAmountTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if FormatAmount(got) != tt.want {
				t.Errorf("got %s, want %s", FormatAmount(got), tt.want)
			}
		})
	}
}

func TestParseAmountMalformed(t *testing.T) {
	if _, err := ParseAmount("ten"); err == nil {
		t.Error("expected error for malformed amount")
	}
}

func TestAmountArithmeticIsExact(t *testing.T) {
	balance := decimal.Zero
	for range 10 {
		balance = balance.Add(MustAmount("0.10"))
	}
	if !balance.Equal(MustAmount("1.00")) {
		t.Errorf("expected 1.00, got %s", balance)
	}
}

func TestMustAmountPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustAmount("0")
}
