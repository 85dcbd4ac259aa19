package models

import (
	"database/sql/driver"
	"strings"
	"time"
)

// CardState is the lifecycle state of a prepaid card.
type CardState string

const (
	CardStateCreated   CardState = "CREATED"
	CardStateIssued    CardState = "ISSUED"
	CardStateSold      CardState = "SOLD"
	CardStateInactive  CardState = "INACTIVE"
	CardStateActivated CardState = "ACTIVATED"
	CardStateSuspended CardState = "SUSPENDED"
	CardStateBlocked   CardState = "BLOCKED"
	CardStateReplaced  CardState = "REPLACED"
	CardStateExpired   CardState = "EXPIRED"
	CardStateDestroyed CardState = "DESTROYED"
)

// LimitOverrides holds per-card limits. A nil field falls back to the program default.
type LimitOverrides struct {
	PerTransactionLimit *int64 `json:"perTransactionLimit,omitempty"`
	DailyLimit          *int64 `json:"dailyLimit,omitempty"`
	DailyCountLimit     *int64 `json:"dailyCountLimit,omitempty"`
	WeeklyLimit         *int64 `json:"weeklyLimit,omitempty"`
	MonthlyLimit        *int64 `json:"monthlyLimit,omitempty"`
}

func (o LimitOverrides) Value() (driver.Value, error) { return jsonValue(o) }

func (o *LimitOverrides) Scan(value any) error { return jsonScan(value, o) }

// PrepaidCard is a physical closed-loop NFC card and its stored value.
type PrepaidCard struct {
	ID             string    `json:"id" db:"id"`
	CardNumber     string    `json:"cardNumber" db:"card_number"`
	CardUIDHash    string    `json:"-" db:"card_uid_hash"`
	KeySlotID      string    `json:"-" db:"key_slot_id"` // key reference id in the registry
	ProgramID      string    `json:"programId" db:"program_id"`
	BatchID        string    `json:"batchId" db:"batch_id"`
	SequenceNumber int64     `json:"sequenceNumber" db:"sequence_number"`
	VendorID       string    `json:"vendorId,omitempty" db:"vendor_id"`
	State          CardState `json:"state" db:"state"`
	StateReason    string    `json:"stateReason,omitempty" db:"state_reason"`
	Balance        int64     `json:"balance" db:"balance"`
	PendingBalance int64     `json:"pendingBalance" db:"pending_balance"`
	Currency       string    `json:"currency" db:"currency"`

	DailySpent            int64     `json:"dailySpent" db:"daily_spent"`
	WeeklySpent           int64     `json:"weeklySpent" db:"weekly_spent"`
	MonthlySpent          int64     `json:"monthlySpent" db:"monthly_spent"`
	DailyTransactionCount int64     `json:"dailyTransactionCount" db:"daily_transaction_count"`
	OfflineDailySpent     int64     `json:"offlineDailySpent" db:"offline_daily_spent"`
	DailyResetAt          time.Time `json:"dailyResetAt" db:"daily_reset_at"`
	WeeklyResetAt         time.Time `json:"weeklyResetAt" db:"weekly_reset_at"`
	MonthlyResetAt        time.Time `json:"monthlyResetAt" db:"monthly_reset_at"`

	PINHash            string         `json:"-" db:"pin_hash"`
	PINAttempts        int            `json:"-" db:"pin_attempts"`
	ActivationCodeHash string         `json:"-" db:"activation_code_hash"`
	ActivationAttempts int            `json:"-" db:"activation_attempts"`
	Limits             LimitOverrides `json:"limits" db:"limits"`

	FraudScore     float64    `json:"fraudScore" db:"fraud_score"`
	FraudScoreAt   *time.Time `json:"fraudScoreAt,omitempty" db:"fraud_score_at"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty" db:"last_used_at"`
	LastTerminalID string     `json:"lastTerminalId,omitempty" db:"last_terminal_id"`
	LastLocation   *Location  `json:"lastLocation,omitempty" db:"last_location"`

	UserID   string     `json:"userId,omitempty" db:"user_id"`
	WalletID string     `json:"walletId,omitempty" db:"wallet_id"`
	BoundAt  *time.Time `json:"boundAt,omitempty" db:"bound_at"`

	ReplacedByCardID string `json:"replacedByCardId,omitempty" db:"replaced_by_card_id"`
	ReplacesCardID   string `json:"replacesCardId,omitempty" db:"replaces_card_id"`

	ExpiresAt   *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty" db:"activated_at"`
	Version     int        `json:"version" db:"version"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

// MaskedNumber returns the card number safe for logs.
func (c *PrepaidCard) MaskedNumber() string {
	return MaskCardNumber(c.CardNumber)
}

// IsExpiredAt reports whether the card validity has lapsed at t.
func (c *PrepaidCard) IsExpiredAt(t time.Time) bool {
	return c.ExpiresAt != nil && !t.Before(*c.ExpiresAt)
}

// MaskCardNumber keeps the first six and last four digits.
func MaskCardNumber(number string) string {
	if len(number) <= 10 {
		return strings.Repeat("*", len(number))
	}
	return number[:6] + strings.Repeat("*", len(number)-10) + number[len(number)-4:]
}
