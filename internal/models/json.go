package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// jsonValue and jsonScan back the JSONB columns.
func jsonValue(v any) (driver.Value, error) {
	return json.Marshal(v)
}

func jsonScan(value any, dst any) error {
	switch b := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(b, dst)
	case string:
		return json.Unmarshal([]byte(b), dst)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	return jsonScan(value, m)
}

// Location represents geographical location data
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

func (l Location) Value() (driver.Value, error) { return jsonValue(l) }

func (l *Location) Scan(value any) error { return jsonScan(value, l) }
