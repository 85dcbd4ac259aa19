package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// CaptureMode controls whether approved purchases capture immediately.
const (
	CaptureModeAuto    = "AUTO"
	CaptureModeDelayed = "DELAYED"
)

// MaxChallengeTTL caps how long a challenge stays answerable.
const MaxChallengeTTL = 30 * time.Second

// EngineConfig tunes authorization, fraud and lifecycle behaviour.
type EngineConfig struct {
	TimeZone              string        `mapstructure:"time_zone"`
	UIDSalt               string        `mapstructure:"uid_salt"`
	CardBIN               string        `mapstructure:"card_bin"`
	CaptureMode           string        `mapstructure:"capture_mode"`
	WorkerID              int64         `mapstructure:"worker_id"`
	ChallengeTTL          time.Duration `mapstructure:"challenge_ttl"`
	HSMTimeout            time.Duration `mapstructure:"hsm_timeout"`
	HighValueThreshold    int64         `mapstructure:"high_value_threshold"`
	FraudFlagThreshold    float64       `mapstructure:"fraud_flag_threshold"`
	FraudBlockThreshold   float64       `mapstructure:"fraud_block_threshold"`
	FraudScoreHalfLife    time.Duration `mapstructure:"fraud_score_half_life"`
	FraudHistoryWindow    time.Duration `mapstructure:"fraud_history_window"`
	MaxActivationAttempts int           `mapstructure:"max_activation_attempts"`
	MaxPINAttempts        int           `mapstructure:"max_pin_attempts"`
	AuthorizationHoldTTL  time.Duration `mapstructure:"authorization_hold_ttl"`
	SettlementLockTTL     time.Duration `mapstructure:"settlement_lock_ttl"`
	SettlementQueue       string        `mapstructure:"settlement_queue"`
	ActivationCodeLength  int           `mapstructure:"activation_code_length"`
	IssuerBIC             string        `mapstructure:"issuer_bic"`
}

func setEngineDefaults(v *viper.Viper) {
	v.SetDefault("engine.time_zone", "Africa/Lagos")
	v.SetDefault("engine.uid_salt", "change-me")
	v.SetDefault("engine.card_bin", "506099")
	v.SetDefault("engine.capture_mode", CaptureModeAuto)
	v.SetDefault("engine.worker_id", 1)
	v.SetDefault("engine.challenge_ttl", MaxChallengeTTL)
	v.SetDefault("engine.hsm_timeout", 2*time.Second)
	v.SetDefault("engine.high_value_threshold", 5_000_000)
	v.SetDefault("engine.fraud_flag_threshold", 50)
	v.SetDefault("engine.fraud_block_threshold", 100)
	v.SetDefault("engine.fraud_score_half_life", 24*time.Hour)
	v.SetDefault("engine.fraud_history_window", 24*time.Hour)
	v.SetDefault("engine.max_activation_attempts", 5)
	v.SetDefault("engine.max_pin_attempts", 3)
	v.SetDefault("engine.authorization_hold_ttl", 7*24*time.Hour)
	v.SetDefault("engine.settlement_lock_ttl", 5*time.Minute)
	v.SetDefault("engine.settlement_queue", "settlement_queue")
	v.SetDefault("engine.activation_code_length", 8)
	v.SetDefault("engine.issuer_bic", "RURALPAY")
}

// DefaultEngineConfig mirrors the viper defaults for callers that build an engine without a file.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TimeZone:              "UTC",
		UIDSalt:               "change-me",
		CardBIN:               "506099",
		CaptureMode:           CaptureModeAuto,
		WorkerID:              1,
		ChallengeTTL:          MaxChallengeTTL,
		HSMTimeout:            2 * time.Second,
		HighValueThreshold:    5_000_000,
		FraudFlagThreshold:    50,
		FraudBlockThreshold:   100,
		FraudScoreHalfLife:    24 * time.Hour,
		FraudHistoryWindow:    24 * time.Hour,
		MaxActivationAttempts: 5,
		MaxPINAttempts:        3,
		AuthorizationHoldTTL:  7 * 24 * time.Hour,
		SettlementLockTTL:     5 * time.Minute,
		SettlementQueue:       "settlement_queue",
		ActivationCodeLength:  8,
		IssuerBIC:             "RURALPAY",
	}
}

// Location resolves the time zone used for calendar counter windows.
func (c EngineConfig) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.TimeZone)
}

func (c *EngineConfig) validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("engine.time_zone: %w", err)
	}
	if c.ChallengeTTL <= 0 || c.ChallengeTTL > MaxChallengeTTL {
		c.ChallengeTTL = MaxChallengeTTL
	}
	if c.CaptureMode != CaptureModeAuto && c.CaptureMode != CaptureModeDelayed {
		return fmt.Errorf("engine.capture_mode: unknown mode %q", c.CaptureMode)
	}
	if len(c.CardBIN) != 6 {
		return fmt.Errorf("engine.card_bin: must be 6 digits")
	}
	if c.FraudBlockThreshold < c.FraudFlagThreshold {
		return fmt.Errorf("engine.fraud_block_threshold must not be below fraud_flag_threshold")
	}
	return nil
}
