package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

type FraudRuleType string

const (
	FraudRuleVelocity FraudRuleType = "VELOCITY"
	FraudRuleGeoFence FraudRuleType = "GEO_FENCE"
	FraudRuleAmount   FraudRuleType = "AMOUNT"
	FraudRulePattern  FraudRuleType = "PATTERN"
	FraudRuleTime     FraudRuleType = "TIME"
	FraudRuleDevice   FraudRuleType = "DEVICE"
)

type FraudAction string

const (
	FraudActionNone    FraudAction = "NONE"
	FraudActionFlag    FraudAction = "FLAG"
	FraudActionAlert   FraudAction = "ALERT"
	FraudActionBlock   FraudAction = "BLOCK"
	FraudActionDecline FraudAction = "DECLINE"
)

// Terminates reports whether a triggered rule with this action ends evaluation.
func (a FraudAction) Terminates() bool {
	return a == FraudActionBlock || a == FraudActionDecline
}

// RuleConfig is the open-ended parameter map of a fraud rule.
type RuleConfig map[string]any

func (c RuleConfig) Value() (driver.Value, error) { return jsonValue(c) }

func (c *RuleConfig) Scan(value any) error { return jsonScan(value, c) }

// Float returns a numeric parameter or def when absent.
func (c RuleConfig) Float(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Int returns an integer parameter or def when absent.
func (c RuleConfig) Int(key string, def int64) int64 {
	switch v := c[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return def
}

// Duration reads a Go duration string such as "10m".
func (c RuleConfig) Duration(key string, def time.Duration) time.Duration {
	s, ok := c[key].(string)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Strings returns a list parameter.
func (c RuleConfig) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

// Bool returns a flag parameter or def when absent.
func (c RuleConfig) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// FraudRule is one configurable check in the fraud rule set.
type FraudRule struct {
	ID              string        `json:"id" db:"id"`
	Name            string        `json:"name" db:"name"`
	Type            FraudRuleType `json:"type" db:"rule_type"`
	Priority        int           `json:"priority" db:"priority"`
	Active          bool          `json:"active" db:"active"`
	ScoreDelta      float64       `json:"scoreDelta" db:"score_delta"`
	ActionOnTrigger FraudAction   `json:"actionOnTrigger" db:"action_on_trigger"`
	Config          RuleConfig    `json:"config" db:"config"`
	CreatedAt       time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time     `json:"updatedAt" db:"updated_at"`
}
