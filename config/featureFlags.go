package config

import (
	"os"
	"strings"
)

// StrictBatchImmutability enables guardrails for the batch ledger:
// committed assignments can never be edited in place; corrections must go
// through compensating reversals.
//
// Set via env:
// - STRICT_BATCH_IMMUTABLE=true
func StrictBatchImmutability() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_BATCH_IMMUTABLE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// AutoAllocationEnabled controls whether the allocation engine may pick
// batches on its own when the caller supplies no explicit selections.
// Default on; some businesses insist every coil is hand-picked.
//
// Set via env:
// - AUTO_ALLOCATION=false
func AutoAllocationEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("AUTO_ALLOCATION")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
