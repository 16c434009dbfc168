package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions.
// These ensure all JSONB types implement both sql.Scanner and driver.Valuer,
// catching method signature drift at compile time rather than at runtime.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*TransactionMetadata)(nil)
	_ driver.Valuer = TransactionMetadata(nil)
)

// scanJSONB scans a JSONB database value into a Go pointer. It handles nil
// values, []byte, and string representations from different drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// valueJSONB converts a Go value to a JSONB-compatible driver.Value.
// Returns nil for nil interface values; otherwise marshals to JSON bytes.
func valueJSONB(v interface{}) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// TransactionMetadata is the free-form JSONB column on credit_transactions.
// For deductions it records the pool split under the keys
// "subscription_credits_used" and "addon_credits_used" plus an
// "addon_batches" list of {batch_id, credits_used} entries.
type TransactionMetadata map[string]any

// Scan implements sql.Scanner for JSONB columns.
func (m *TransactionMetadata) Scan(value interface{}) error {
	return scanJSONB(m, value)
}

// Value implements driver.Valuer for JSONB columns.
func (m TransactionMetadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return valueJSONB(map[string]any(m))
}

// DeductionMetadata builds the standard metadata payload for a deduction
// split. batches maps batch ID to the credits consumed from that batch;
// consumption order is not preserved here, it lives in the batch rows.
func DeductionMetadata(subUsed, addonUsed int, batches map[string]int) TransactionMetadata {
	m := TransactionMetadata{
		"subscription_credits_used": subUsed,
		"addon_credits_used":        addonUsed,
	}
	if len(batches) > 0 {
		entries := make([]map[string]any, 0, len(batches))
		for id, used := range batches {
			entries = append(entries, map[string]any{"batch_id": id, "credits_used": used})
		}
		m["addon_batches"] = entries
	}
	return m
}
