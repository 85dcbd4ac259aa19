package models

import (
	"database/sql/driver"
	"time"

	"github.com/shopspring/decimal"
)

type ProgramCategory string

const (
	ProgramCategoryAnonymous ProgramCategory = "ANONYMOUS"
	ProgramCategoryNamed     ProgramCategory = "NAMED"
	ProgramCategoryCorporate ProgramCategory = "CORPORATE"
	ProgramCategoryGift      ProgramCategory = "GIFT"
)

type SecurityTier string

const (
	SecurityTierBasic    SecurityTier = "BASIC"
	SecurityTierStandard SecurityTier = "STANDARD"
	SecurityTierHigh     SecurityTier = "HIGH"
)

type ProgramStatus string

const (
	ProgramStatusDraft     ProgramStatus = "DRAFT"
	ProgramStatusPublished ProgramStatus = "PUBLISHED"
	ProgramStatusRetired   ProgramStatus = "RETIRED"
)

// FeeSchedule prices each operation as a fixed minor-unit amount plus a percentage.
type FeeSchedule struct {
	PurchaseFixed   int64           `json:"purchaseFixed"`
	PurchasePercent decimal.Decimal `json:"purchasePercent"`
	ReloadFixed     int64           `json:"reloadFixed"`
	ReloadPercent   decimal.Decimal `json:"reloadPercent"`
	ReplacementFee  int64           `json:"replacementFee"`
}

func (f FeeSchedule) Value() (driver.Value, error) { return jsonValue(f) }

func (f *FeeSchedule) Scan(value any) error { return jsonScan(value, f) }

// OfflinePolicy bounds what a card may spend without a live HSM round-trip.
type OfflinePolicy struct {
	Allowed               bool  `json:"allowed"`
	TransactionLimit      int64 `json:"transactionLimit"`
	DailyLimit            int64 `json:"dailyLimit"`
	CertificateValidHours int   `json:"certificateValidHours"`
}

func (o OfflinePolicy) Value() (driver.Value, error) { return jsonValue(o) }

func (o *OfflinePolicy) Scan(value any) error { return jsonScan(value, o) }

// CardProgram is the product configuration a batch of cards is manufactured under.
// Once published it is never modified.
type CardProgram struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Category       ProgramCategory `json:"category" db:"category"`
	KYCRequired    bool            `json:"kycRequired" db:"kyc_required"`
	Currency       string          `json:"currency" db:"currency"`
	Price          int64           `json:"price" db:"price"`
	InitialBalance int64           `json:"initialBalance" db:"initial_balance"`
	MaxBalance     int64           `json:"maxBalance" db:"max_balance"`

	PerTransactionLimit        int64 `json:"perTransactionLimit" db:"per_transaction_limit"`
	DailyTransactionLimit      int64 `json:"dailyTransactionLimit" db:"daily_transaction_limit"`
	DailyTransactionCountLimit int64 `json:"dailyTransactionCountLimit" db:"daily_transaction_count_limit"`
	WeeklyLimit                int64 `json:"weeklyLimit" db:"weekly_limit"`
	MonthlyLimit               int64 `json:"monthlyLimit" db:"monthly_limit"`
	MinReload                  int64 `json:"minReload" db:"min_reload"`
	MaxReload                  int64 `json:"maxReload" db:"max_reload"`

	Fees           FeeSchedule   `json:"fees" db:"fees"`
	ValidityMonths int           `json:"validityMonths" db:"validity_months"`
	SecurityTier   SecurityTier  `json:"securityTier" db:"security_tier"`
	Offline        OfflinePolicy `json:"offline" db:"offline_policy"`

	Status      ProgramStatus `json:"status" db:"status"`
	PublishedAt *time.Time    `json:"publishedAt,omitempty" db:"published_at"`
	CreatedAt   time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time     `json:"updatedAt" db:"updated_at"`
}

// RequiresPIN reports whether cards on this program must carry a PIN.
func (p *CardProgram) RequiresPIN() bool {
	return p.SecurityTier == SecurityTierHigh
}
