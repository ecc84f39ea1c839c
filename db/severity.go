package db

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

type severity string

func (s severity) String() string {
	return string(s)
}

const (
	Unknown severity = "Unknown"
	Info    severity = "Info"
	Low     severity = "Low"
	Medium  severity = "Medium"
	High    severity = "High"
)

func NewSeverity(s string) severity {
	switch strings.ToLower(s) {
	case "info":
		return Info
	case "low":
		return Low
	case "medium":
		return Medium
	case "high":
		return High
	default:
		return Unknown
	}
}

func (s *severity) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		*s = severity(v)
	case string:
		*s = severity(v)
	default:
		return fmt.Errorf("unsupported type: %T", v)
	}
	return nil
}

func (s severity) Value() (driver.Value, error) {
	return string(s), nil
}

const severityOrderQuery = `
		CASE
			WHEN severity = 'High' THEN 1
			WHEN severity = 'Medium' THEN 2
			WHEN severity = 'Low' THEN 3
			WHEN severity = 'Info' THEN 4
			WHEN severity = 'Unknown' THEN 5
			ELSE 6
		END
	`
