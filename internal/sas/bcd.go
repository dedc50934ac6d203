// internal/sas/bcd.go
package sas

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxBCDAmount is the largest value a 5-byte amount field can carry
	MaxBCDAmount int64 = 9_999_999_999

	amountDigits = 10
	amountBytes  = 5
)

// AmountToBCD converts an amount in cents to its 5-byte field, one
// decimal digit pair per byte.
func AmountToBCD(amount int64) ([]byte, error) {
	if amount < 0 || amount > MaxBCDAmount {
		return nil, fmt.Errorf("amount %d out of range [0, %d]", amount, MaxBCDAmount)
	}

	digits := fmt.Sprintf("%0*d", amountDigits, amount)
	encoded := make([]byte, 0, amountBytes)
	for i := 0; i < amountDigits; i += 2 {
		pair, err := strconv.Atoi(digits[i : i+2])
		if err != nil {
			return nil, fmt.Errorf("invalid digit pair %q: %w", digits[i:i+2], err)
		}
		encoded = append(encoded, byte(pair))
	}
	return encoded, nil
}

// BCDToAmount converts a 5-byte amount field back to cents
func BCDToAmount(encoded []byte) (int64, error) {
	if len(encoded) != amountBytes {
		return 0, fmt.Errorf("amount field must be %d bytes, got %d", amountBytes, len(encoded))
	}

	var digits strings.Builder
	for _, pair := range encoded {
		if pair > 99 {
			return 0, fmt.Errorf("invalid digit pair value %d", pair)
		}
		fmt.Fprintf(&digits, "%02d", pair)
	}

	amount, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount field: %w", err)
	}
	return amount, nil
}
