package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchStatusManufactured  BatchStatus = "MANUFACTURED"
	BatchStatusProvisioned   BatchStatus = "PROVISIONED"
	BatchStatusInCirculation BatchStatus = "IN_CIRCULATION"
	BatchStatusClosed        BatchStatus = "CLOSED"
)

// CardBatch is a manufactured lot covering a contiguous sequence range.
type CardBatch struct {
	ID            string      `json:"id" db:"id"`
	BatchNumber   string      `json:"batchNumber" db:"batch_number"`
	ProgramID     string      `json:"programId" db:"program_id"`
	SequenceStart int64       `json:"sequenceStart" db:"sequence_start"`
	SequenceEnd   int64       `json:"sequenceEnd" db:"sequence_end"`
	CardCount     int64       `json:"cardCount" db:"card_count"`
	MasterKeyID   string      `json:"masterKeyId" db:"master_key_id"`
	Status        BatchStatus `json:"status" db:"status"`

	Warehouse   int64 `json:"warehouse" db:"warehouse_count"`
	Distributed int64 `json:"distributed" db:"distributed_count"`
	Sold        int64 `json:"sold" db:"sold_count"`
	Activated   int64 `json:"activated" db:"activated_count"`
	Defective   int64 `json:"defective" db:"defective_count"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// RangeValid checks the sequence range against the declared card count.
func (b *CardBatch) RangeValid() bool {
	return b.SequenceStart > 0 && b.SequenceEnd >= b.SequenceStart &&
		b.SequenceEnd-b.SequenceStart+1 == b.CardCount
}

// Contains reports whether seq falls inside the batch.
func (b *CardBatch) Contains(seq int64) bool {
	return seq >= b.SequenceStart && seq <= b.SequenceEnd
}

// CountersValid reports whether every inventory counter is non-negative.
func (b *CardBatch) CountersValid() bool {
	return b.Warehouse >= 0 && b.Distributed >= 0 && b.Sold >= 0 && b.Activated >= 0 && b.Defective >= 0
}

// RangesOverlap reports whether [aStart,aEnd] and [bStart,bEnd] intersect.
func RangesOverlap(aStart, aEnd, bStart, bEnd int64) bool {
	return aStart <= bEnd && bStart <= aEnd
}

type VendorStatus string

const (
	VendorStatusActive    VendorStatus = "ACTIVE"
	VendorStatusSuspended VendorStatus = "SUSPENDED"
)

// Vendor is a retail agent that sells cards from assigned inventory.
type Vendor struct {
	ID                string          `json:"id" db:"id"`
	Name              string          `json:"name" db:"name"`
	CommissionRate    decimal.Decimal `json:"commissionRate" db:"commission_rate"` // percent of sale price
	Status            VendorStatus    `json:"status" db:"status"`
	CommissionBalance int64           `json:"commissionBalance" db:"commission_balance"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}

// VendorInventory is a sub-range of a batch in a vendor's custody.
type VendorInventory struct {
	ID                string     `json:"id" db:"id"`
	VendorID          string     `json:"vendorId" db:"vendor_id"`
	BatchID           string     `json:"batchId" db:"batch_id"`
	SequenceStart     int64      `json:"sequenceStart" db:"sequence_start"`
	SequenceEnd       int64      `json:"sequenceEnd" db:"sequence_end"`
	CardsAssigned     int64      `json:"cardsAssigned" db:"cards_assigned"`
	CardsSold         int64      `json:"cardsSold" db:"cards_sold"`
	CardsReturned     int64      `json:"cardsReturned" db:"cards_returned"`
	CardsDamaged      int64      `json:"cardsDamaged" db:"cards_damaged"`
	CommissionAccrued int64      `json:"commissionAccrued" db:"commission_accrued"`
	LastReconciledAt  *time.Time `json:"lastReconciledAt,omitempty" db:"last_reconciled_at"`
	CreatedAt         time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time  `json:"updatedAt" db:"updated_at"`
}

// OnHand is the number of cards still in the vendor's custody.
func (i *VendorInventory) OnHand() int64 {
	return i.CardsAssigned - i.CardsSold - i.CardsReturned - i.CardsDamaged
}

// Contains reports whether seq falls inside the allotment.
func (i *VendorInventory) Contains(seq int64) bool {
	return seq >= i.SequenceStart && seq <= i.SequenceEnd
}

// VendorSale records one card sold by a vendor.
type VendorSale struct {
	ID            string    `json:"id" db:"id"`
	VendorID      string    `json:"vendorId" db:"vendor_id"`
	InventoryID   string    `json:"inventoryId" db:"inventory_id"`
	CardID        string    `json:"cardId" db:"card_id"`
	SalePrice     int64     `json:"salePrice" db:"sale_price"`
	Commission    int64     `json:"commission" db:"commission"`
	PaymentMethod string    `json:"paymentMethod" db:"payment_method"`
	SoldAt        time.Time `json:"soldAt" db:"sold_at"`
}

// VendorReconciliation summarises a vendor's custody and sales over a period.
type VendorReconciliation struct {
	VendorID         string    `json:"vendorId"`
	PeriodStart      time.Time `json:"periodStart"`
	PeriodEnd        time.Time `json:"periodEnd"`
	CardsAssigned    int64     `json:"cardsAssigned"`
	CardsSold        int64     `json:"cardsSold"`
	CardsReturned    int64     `json:"cardsReturned"`
	CardsDamaged     int64     `json:"cardsDamaged"`
	CardsOnHand      int64     `json:"cardsOnHand"`
	PeriodSales      int64     `json:"periodSales"`
	PeriodRevenue    int64     `json:"periodRevenue"`
	PeriodCommission int64     `json:"periodCommission"`
	CommissionDue    int64     `json:"commissionDue"`
	Discrepancies    []string  `json:"discrepancies,omitempty"`
	ReconciledAt     time.Time `json:"reconciledAt"`
}
