package models

import (
	"database/sql/driver"
	"time"
)

// MerchantTotal aggregates settled amounts for one merchant.
type MerchantTotal struct {
	MerchantID       string `json:"merchantId"`
	TransactionCount int    `json:"transactionCount"`
	Gross            int64  `json:"gross"`
	Fees             int64  `json:"fees"`
	Net              int64  `json:"net"`
}

// MerchantTotals is stored as JSONB.
type MerchantTotals []MerchantTotal

func (m MerchantTotals) Value() (driver.Value, error) { return jsonValue(m) }

func (m *MerchantTotals) Scan(value any) error { return jsonScan(value, m) }

// SettlementBatch groups captured transactions finalized together.
type SettlementBatch struct {
	ID               string         `json:"id" db:"id"`
	BatchNumber      string         `json:"batchNumber" db:"batch_number"`
	Currency         string         `json:"currency" db:"currency"`
	Cutoff           time.Time      `json:"cutoff" db:"cutoff"`
	TransactionCount int            `json:"transactionCount" db:"transaction_count"`
	Gross            int64          `json:"gross" db:"gross"`
	Fees             int64          `json:"fees" db:"fees"`
	Net              int64          `json:"net" db:"net"`
	Merchants        MerchantTotals `json:"merchants" db:"merchant_totals"`
	MessageID        string         `json:"messageId,omitempty" db:"message_id"`
	CreatedAt        time.Time      `json:"createdAt" db:"created_at"`
}
