// Package repository persists cards, inventory and the transaction ledger.
// Every mutation runs inside Store.Atomic, which holds exclusive locks on the
// entities named up front for the whole unit of work.
package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ruralpay/cardengine/internal/models"
)

var (
	ErrNotFound   = errors.New("repository: not found")
	ErrDuplicate  = errors.New("repository: duplicate key")
	ErrConflict   = errors.New("repository: state conflict")
	ErrImmutable  = errors.New("repository: record is immutable")
	ErrConstraint = errors.New("repository: check constraint violated")
)

// LockKind orders lock acquisition. Locks are always taken in ascending kind,
// then ascending id, so two units of work can never wait on each other.
type LockKind int

const (
	LockBatch LockKind = iota
	LockInventory
	LockVendor
	LockCard
)

func (k LockKind) String() string {
	switch k {
	case LockBatch:
		return "batch"
	case LockInventory:
		return "inventory"
	case LockVendor:
		return "vendor"
	case LockCard:
		return "card"
	}
	return "unknown"
}

type LockKey struct {
	Kind LockKind
	ID   string
}

func BatchLock(id string) LockKey     { return LockKey{Kind: LockBatch, ID: id} }
func InventoryLock(id string) LockKey { return LockKey{Kind: LockInventory, ID: id} }
func VendorLock(id string) LockKey    { return LockKey{Kind: LockVendor, ID: id} }
func CardLock(id string) LockKey      { return LockKey{Kind: LockCard, ID: id} }

// SortLocks returns the keys deduplicated in acquisition order.
func SortLocks(keys []LockKey) []LockKey {
	seen := make(map[LockKey]struct{}, len(keys))
	out := make([]LockKey, 0, len(keys))
	for _, k := range keys {
		if k.ID == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reader is the read side shared by the store and open transactions.
type Reader interface {
	GetProgram(ctx context.Context, id string) (*models.CardProgram, error)
	ListPrograms(ctx context.Context) ([]models.CardProgram, error)

	GetBatch(ctx context.Context, id string) (*models.CardBatch, error)
	ListBatches(ctx context.Context) ([]models.CardBatch, error)

	GetVendor(ctx context.Context, id string) (*models.Vendor, error)
	GetInventory(ctx context.Context, id string) (*models.VendorInventory, error)
	ListInventoryByBatch(ctx context.Context, batchID string) ([]models.VendorInventory, error)
	ListInventoryByVendor(ctx context.Context, vendorID string) ([]models.VendorInventory, error)
	ListVendorSales(ctx context.Context, vendorID string, from, to time.Time) ([]models.VendorSale, error)

	GetCard(ctx context.Context, id string) (*models.PrepaidCard, error)
	GetCardByUIDHash(ctx context.Context, uidHash string) (*models.PrepaidCard, error)
	GetCardBySequence(ctx context.Context, batchID string, seq int64) (*models.PrepaidCard, error)
	ListCardsByBatch(ctx context.Context, batchID string) ([]models.PrepaidCard, error)
	// ListCardsDueExpiry returns non-terminal cards whose expiresAt is at or before at.
	ListCardsDueExpiry(ctx context.Context, at time.Time, limit int) ([]models.PrepaidCard, error)

	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	// ListTransactionsByCard returns the card's transactions since the given time, newest first.
	ListTransactionsByCard(ctx context.Context, cardID string, since time.Time, limit int) ([]models.Transaction, error)
	ListCapturedForSettlement(ctx context.Context, currency string, cutoff time.Time) ([]models.Transaction, error)
	ListStaleAuthorizations(ctx context.Context, before time.Time) ([]models.Transaction, error)
	ListUnsyncedOffline(ctx context.Context, limit int) ([]models.Transaction, error)
	// GetOfflineByCounter returns the card's earliest terminal-synced offline
	// transaction carrying the given chip counter.
	GetOfflineByCounter(ctx context.Context, cardID string, counter int64) (*models.Transaction, error)

	GetKey(ctx context.Context, keyID string) (*models.KeyReference, error)
	ListKeys(ctx context.Context) ([]models.KeyReference, error)

	ListFraudRules(ctx context.Context, activeOnly bool) ([]models.FraudRule, error)

	GetSettlementBatch(ctx context.Context, id string) (*models.SettlementBatch, error)
}

// Tx is an open unit of work. Reads observe the unit's own uncommitted writes.
type Tx interface {
	Reader

	InsertProgram(ctx context.Context, p *models.CardProgram) error
	UpdateProgram(ctx context.Context, p *models.CardProgram) error

	InsertBatch(ctx context.Context, b *models.CardBatch) error
	UpdateBatch(ctx context.Context, b *models.CardBatch) error

	InsertVendor(ctx context.Context, v *models.Vendor) error
	UpdateVendor(ctx context.Context, v *models.Vendor) error
	InsertInventory(ctx context.Context, inv *models.VendorInventory) error
	UpdateInventory(ctx context.Context, inv *models.VendorInventory) error
	InsertVendorSale(ctx context.Context, sale *models.VendorSale) error

	InsertCard(ctx context.Context, c *models.PrepaidCard) error
	// UpdateCard bumps the card version.
	UpdateCard(ctx context.Context, c *models.PrepaidCard) error

	InsertTransaction(ctx context.Context, t *models.Transaction) error
	// UpdateTransaction rewrites a non-settled transaction. When allowedFrom is
	// non-empty the stored state must be one of them or ErrConflict is returned.
	UpdateTransaction(ctx context.Context, t *models.Transaction, allowedFrom ...models.TransactionState) error
	// RecordRefund updates refund linkage, the one change permitted after settlement.
	RecordRefund(ctx context.Context, id string, refunded int64, status models.RefundStatus) error
	MarkSettled(ctx context.Context, ids []string, batchID string, at time.Time) error

	InsertKey(ctx context.Context, k *models.KeyReference) error
	UpdateKeyStatus(ctx context.Context, keyID string, status models.KeyStatus, at time.Time) error

	UpsertFraudRule(ctx context.Context, r *models.FraudRule) error

	InsertSettlementBatch(ctx context.Context, b *models.SettlementBatch) error
}

// Store runs units of work. fn's error rolls the unit back and is returned as is.
type Store interface {
	Reader
	Atomic(ctx context.Context, locks []LockKey, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// expirableStates are the states the expiry sweep moves to EXPIRED.
var expirableStates = []models.CardState{
	models.CardStateInactive,
	models.CardStateActivated,
	models.CardStateSuspended,
}

func isExpirable(s models.CardState) bool {
	for _, e := range expirableStates {
		if e == s {
			return true
		}
	}
	return false
}
