package domain_test

import (
	"testing"

	"pharmaline/internal/domain"
)

func TestValidateBatchNumber(t *testing.T) {
	valid := []string{"0012025", "1234567", "9992026"}
	for _, n := range valid {
		if err := domain.ValidateBatchNumber(n); err != nil {
			t.Errorf("%q rejected: %v", n, err)
		}
	}
	invalid := []string{"", "12025", "00120456", "AAA2025", "001 025", "0012025 "}
	for _, n := range invalid {
		if err := domain.ValidateBatchNumber(n); err == nil {
			t.Errorf("%q accepted", n)
		}
	}
}
