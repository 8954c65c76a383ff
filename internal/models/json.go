// Package models defines the persistent schema for the sync subsystem.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB stores a free-form document column. Scan accepts both []byte
// (PostgreSQL) and string (SQLite used in tests).
type JSONB map[string]interface{}

// Value implements driver.Valuer
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: cannot scan %T", value)
	}

	if len(data) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(data, j)
}
