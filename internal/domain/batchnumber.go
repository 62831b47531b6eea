package domain

import (
	"fmt"
	"regexp"
)

// Batch numbers are 7 digits: a 3-digit sequence followed by a 4-digit year.
var batchNumberRe = regexp.MustCompile(`^\d{7}$`)

func ValidateBatchNumber(n string) error {
	if !batchNumberRe.MatchString(n) {
		return fmt.Errorf("batch number %q must be 7 digits (3-digit sequence + 4-digit year)", n)
	}
	return nil
}
