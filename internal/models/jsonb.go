package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB maps a Postgres jsonb column onto map[string]any. Request and
// response payloads, analysis configs and cached results all use it.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (j *JSONB) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("JSONB: expected []byte, got %T", value)
	}

	if len(b) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(b, j)
}

// IntAt returns the integer value under key, tolerating the float64 that
// encoding/json produces for numbers.
func (j JSONB) IntAt(key string) int {
	switch v := j[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// StringAt returns the string value under key, or "" when absent or not
// a string.
func (j JSONB) StringAt(key string) string {
	s, _ := j[key].(string)
	return s
}
