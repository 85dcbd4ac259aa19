package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruralpay/cardengine/internal/models"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

type memState struct {
	programs    map[string]models.CardProgram
	batches     map[string]models.CardBatch
	vendors     map[string]models.Vendor
	inventory   map[string]models.VendorInventory
	sales       map[string]models.VendorSale
	cards       map[string]models.PrepaidCard
	txns        map[string]models.Transaction
	keys        map[string]models.KeyReference
	rules       map[string]models.FraudRule
	settlements map[string]models.SettlementBatch
}

func newMemState() *memState {
	return &memState{
		programs:    map[string]models.CardProgram{},
		batches:     map[string]models.CardBatch{},
		vendors:     map[string]models.Vendor{},
		inventory:   map[string]models.VendorInventory{},
		sales:       map[string]models.VendorSale{},
		cards:       map[string]models.PrepaidCard{},
		txns:        map[string]models.Transaction{},
		keys:        map[string]models.KeyReference{},
		rules:       map[string]models.FraudRule{},
		settlements: map[string]models.SettlementBatch{},
	}
}

// MemoryStore keeps everything in process. Entity locks are per id, so units
// of work on different cards run in parallel.
type MemoryStore struct {
	mu   sync.RWMutex
	base *memState

	txnByKey     map[string]string
	txnByRef     map[string]string
	cardByUID    map[string]string
	cardByNumber map[string]string

	lockMu sync.Mutex
	locks  map[LockKey]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		base:         newMemState(),
		txnByKey:     map[string]string{},
		txnByRef:     map[string]string{},
		cardByUID:    map[string]string{},
		cardByNumber: map[string]string{},
		locks:        map[LockKey]chan struct{}{},
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) entityLock(k LockKey) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	ch, ok := s.locks[k]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[k] = ch
	}
	return ch
}

func (s *MemoryStore) exists(k LockKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ok bool
	switch k.Kind {
	case LockBatch:
		_, ok = s.base.batches[k.ID]
	case LockInventory:
		_, ok = s.base.inventory[k.ID]
	case LockVendor:
		_, ok = s.base.vendors[k.ID]
	case LockCard:
		_, ok = s.base.cards[k.ID]
	}
	return ok
}

// Atomic acquires the locks in order, runs fn against a staged overlay and
// publishes the overlay only if fn succeeds and uniqueness still holds.
func (s *MemoryStore) Atomic(ctx context.Context, locks []LockKey, fn func(tx Tx) error) error {
	held := make([]chan struct{}, 0, len(locks))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}()

	for _, k := range SortLocks(locks) {
		ch := s.entityLock(k)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			return ctx.Err()
		}
		if !s.exists(k) {
			return fmt.Errorf("lock %s %s: %w", k.Kind, k.ID, ErrNotFound)
		}
	}

	tx := &memTx{memView: memView{store: s, staged: newMemState()}}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range tx.newTxns {
		t := tx.staged.txns[id]
		if _, dup := s.txnByKey[t.IdempotencyKey]; dup {
			return fmt.Errorf("idempotency key %s: %w", t.IdempotencyKey, ErrDuplicate)
		}
		if _, dup := s.txnByRef[t.Reference]; dup {
			return fmt.Errorf("reference %s: %w", t.Reference, ErrDuplicate)
		}
	}
	for _, id := range tx.newCards {
		c := tx.staged.cards[id]
		if _, dup := s.cardByUID[c.CardUIDHash]; dup {
			return fmt.Errorf("card uid: %w", ErrDuplicate)
		}
		if _, dup := s.cardByNumber[c.CardNumber]; dup {
			return fmt.Errorf("card number: %w", ErrDuplicate)
		}
	}

	apply(s.base.programs, tx.staged.programs)
	apply(s.base.batches, tx.staged.batches)
	apply(s.base.vendors, tx.staged.vendors)
	apply(s.base.inventory, tx.staged.inventory)
	apply(s.base.sales, tx.staged.sales)
	apply(s.base.cards, tx.staged.cards)
	apply(s.base.txns, tx.staged.txns)
	apply(s.base.keys, tx.staged.keys)
	apply(s.base.rules, tx.staged.rules)
	apply(s.base.settlements, tx.staged.settlements)

	for _, id := range tx.newTxns {
		t := s.base.txns[id]
		s.txnByKey[t.IdempotencyKey] = id
		s.txnByRef[t.Reference] = id
	}
	for _, id := range tx.newCards {
		c := s.base.cards[id]
		s.cardByUID[c.CardUIDHash] = id
		s.cardByNumber[c.CardNumber] = id
	}
	return nil
}

func apply[T any](dst, src map[string]T) {
	for id, v := range src {
		dst[id] = v
	}
}

func lookup[T any](base, staged map[string]T, id string) (T, bool) {
	if v, ok := staged[id]; ok {
		return v, true
	}
	v, ok := base[id]
	return v, ok
}

func values[T any](base, staged map[string]T, keep func(*T) bool) []T {
	out := make([]T, 0)
	for id, v := range base {
		if _, shadowed := staged[id]; shadowed {
			continue
		}
		if keep(&v) {
			out = append(out, v)
		}
	}
	for _, v := range staged {
		if keep(&v) {
			out = append(out, v)
		}
	}
	return out
}

func clip[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// memView reads through the staged overlay of a unit of work, if any.
type memView struct {
	store  *MemoryStore
	staged *memState
}

func (s *MemoryStore) view() memView {
	return memView{store: s, staged: &memState{}}
}

func (v memView) rlock() func() {
	v.store.mu.RLock()
	return v.store.mu.RUnlock
}

func (s *MemoryStore) GetProgram(ctx context.Context, id string) (*models.CardProgram, error) {
	return s.view().GetProgram(ctx, id)
}

func (v memView) GetProgram(_ context.Context, id string) (*models.CardProgram, error) {
	defer v.rlock()()
	p, ok := lookup(v.store.base.programs, v.staged.programs, id)
	if !ok {
		return nil, fmt.Errorf("program %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPrograms(ctx context.Context) ([]models.CardProgram, error) {
	return s.view().ListPrograms(ctx)
}

func (v memView) ListPrograms(context.Context) ([]models.CardProgram, error) {
	defer v.rlock()()
	out := values(v.store.base.programs, v.staged.programs, func(*models.CardProgram) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, id string) (*models.CardBatch, error) {
	return s.view().GetBatch(ctx, id)
}

func (v memView) GetBatch(_ context.Context, id string) (*models.CardBatch, error) {
	defer v.rlock()()
	b, ok := lookup(v.store.base.batches, v.staged.batches, id)
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryStore) ListBatches(ctx context.Context) ([]models.CardBatch, error) {
	return s.view().ListBatches(ctx)
}

func (v memView) ListBatches(context.Context) ([]models.CardBatch, error) {
	defer v.rlock()()
	out := values(v.store.base.batches, v.staged.batches, func(*models.CardBatch) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (s *MemoryStore) GetVendor(ctx context.Context, id string) (*models.Vendor, error) {
	return s.view().GetVendor(ctx, id)
}

func (v memView) GetVendor(_ context.Context, id string) (*models.Vendor, error) {
	defer v.rlock()()
	vendor, ok := lookup(v.store.base.vendors, v.staged.vendors, id)
	if !ok {
		return nil, fmt.Errorf("vendor %s: %w", id, ErrNotFound)
	}
	return &vendor, nil
}

func (s *MemoryStore) GetInventory(ctx context.Context, id string) (*models.VendorInventory, error) {
	return s.view().GetInventory(ctx, id)
}

func (v memView) GetInventory(_ context.Context, id string) (*models.VendorInventory, error) {
	defer v.rlock()()
	inv, ok := lookup(v.store.base.inventory, v.staged.inventory, id)
	if !ok {
		return nil, fmt.Errorf("inventory %s: %w", id, ErrNotFound)
	}
	return &inv, nil
}

func (s *MemoryStore) ListInventoryByBatch(ctx context.Context, batchID string) ([]models.VendorInventory, error) {
	return s.view().ListInventoryByBatch(ctx, batchID)
}

func (v memView) ListInventoryByBatch(_ context.Context, batchID string) ([]models.VendorInventory, error) {
	defer v.rlock()()
	out := values(v.store.base.inventory, v.staged.inventory, func(i *models.VendorInventory) bool {
		return i.BatchID == batchID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceStart < out[j].SequenceStart })
	return out, nil
}

func (s *MemoryStore) ListInventoryByVendor(ctx context.Context, vendorID string) ([]models.VendorInventory, error) {
	return s.view().ListInventoryByVendor(ctx, vendorID)
}

func (v memView) ListInventoryByVendor(_ context.Context, vendorID string) ([]models.VendorInventory, error) {
	defer v.rlock()()
	out := values(v.store.base.inventory, v.staged.inventory, func(i *models.VendorInventory) bool {
		return i.VendorID == vendorID
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].SequenceStart < out[j].SequenceStart
	})
	return out, nil
}

func (s *MemoryStore) ListVendorSales(ctx context.Context, vendorID string, from, to time.Time) ([]models.VendorSale, error) {
	return s.view().ListVendorSales(ctx, vendorID, from, to)
}

func (v memView) ListVendorSales(_ context.Context, vendorID string, from, to time.Time) ([]models.VendorSale, error) {
	defer v.rlock()()
	out := values(v.store.base.sales, v.staged.sales, func(s *models.VendorSale) bool {
		return s.VendorID == vendorID && !s.SoldAt.Before(from) && s.SoldAt.Before(to)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SoldAt.Before(out[j].SoldAt) })
	return out, nil
}

func (s *MemoryStore) GetCard(ctx context.Context, id string) (*models.PrepaidCard, error) {
	return s.view().GetCard(ctx, id)
}

func (v memView) GetCard(_ context.Context, id string) (*models.PrepaidCard, error) {
	defer v.rlock()()
	c, ok := lookup(v.store.base.cards, v.staged.cards, id)
	if !ok {
		return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) GetCardByUIDHash(ctx context.Context, uidHash string) (*models.PrepaidCard, error) {
	return s.view().GetCardByUIDHash(ctx, uidHash)
}

func (v memView) GetCardByUIDHash(_ context.Context, uidHash string) (*models.PrepaidCard, error) {
	defer v.rlock()()
	for _, c := range v.staged.cards {
		if c.CardUIDHash == uidHash {
			return &c, nil
		}
	}
	if id, ok := v.store.cardByUID[uidHash]; ok {
		c := v.store.base.cards[id]
		return &c, nil
	}
	return nil, fmt.Errorf("card uid: %w", ErrNotFound)
}

func (s *MemoryStore) GetCardBySequence(ctx context.Context, batchID string, seq int64) (*models.PrepaidCard, error) {
	return s.view().GetCardBySequence(ctx, batchID, seq)
}

func (v memView) GetCardBySequence(_ context.Context, batchID string, seq int64) (*models.PrepaidCard, error) {
	defer v.rlock()()
	found := values(v.store.base.cards, v.staged.cards, func(c *models.PrepaidCard) bool {
		return c.BatchID == batchID && c.SequenceNumber == seq
	})
	if len(found) == 0 {
		return nil, fmt.Errorf("card %s/%d: %w", batchID, seq, ErrNotFound)
	}
	return &found[0], nil
}

func (s *MemoryStore) ListCardsByBatch(ctx context.Context, batchID string) ([]models.PrepaidCard, error) {
	return s.view().ListCardsByBatch(ctx, batchID)
}

func (v memView) ListCardsByBatch(_ context.Context, batchID string) ([]models.PrepaidCard, error) {
	defer v.rlock()()
	out := values(v.store.base.cards, v.staged.cards, func(c *models.PrepaidCard) bool { return c.BatchID == batchID })
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (s *MemoryStore) ListCardsDueExpiry(ctx context.Context, at time.Time, limit int) ([]models.PrepaidCard, error) {
	return s.view().ListCardsDueExpiry(ctx, at, limit)
}

func (v memView) ListCardsDueExpiry(_ context.Context, at time.Time, limit int) ([]models.PrepaidCard, error) {
	defer v.rlock()()
	out := values(v.store.base.cards, v.staged.cards, func(c *models.PrepaidCard) bool {
		return isExpirable(c.State) && c.ExpiresAt != nil && !c.ExpiresAt.After(at)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return clip(out, limit), nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return s.view().GetTransaction(ctx, id)
}

func (v memView) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	defer v.rlock()()
	t, ok := lookup(v.store.base.txns, v.staged.txns, id)
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	return s.view().GetTransactionByIdempotencyKey(ctx, key)
}

func (v memView) GetTransactionByIdempotencyKey(_ context.Context, key string) (*models.Transaction, error) {
	defer v.rlock()()
	for _, t := range v.staged.txns {
		if t.IdempotencyKey == key {
			return &t, nil
		}
	}
	if id, ok := v.store.txnByKey[key]; ok {
		t, _ := lookup(v.store.base.txns, v.staged.txns, id)
		return &t, nil
	}
	return nil, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
}

func (s *MemoryStore) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	return s.view().GetTransactionByReference(ctx, reference)
}

func (v memView) GetTransactionByReference(_ context.Context, reference string) (*models.Transaction, error) {
	defer v.rlock()()
	for _, t := range v.staged.txns {
		if t.Reference == reference {
			return &t, nil
		}
	}
	if id, ok := v.store.txnByRef[reference]; ok {
		t, _ := lookup(v.store.base.txns, v.staged.txns, id)
		return &t, nil
	}
	return nil, fmt.Errorf("reference %s: %w", reference, ErrNotFound)
}

func (s *MemoryStore) ListTransactionsByCard(ctx context.Context, cardID string, since time.Time, limit int) ([]models.Transaction, error) {
	return s.view().ListTransactionsByCard(ctx, cardID, since, limit)
}

func (v memView) ListTransactionsByCard(_ context.Context, cardID string, since time.Time, limit int) ([]models.Transaction, error) {
	defer v.rlock()()
	out := values(v.store.base.txns, v.staged.txns, func(t *models.Transaction) bool {
		return t.CardID == cardID && !t.OccurredAt.Before(since)
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].Reference > out[j].Reference
		}
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	return clip(out, limit), nil
}

func (s *MemoryStore) ListCapturedForSettlement(ctx context.Context, currency string, cutoff time.Time) ([]models.Transaction, error) {
	return s.view().ListCapturedForSettlement(ctx, currency, cutoff)
}

func (v memView) ListCapturedForSettlement(_ context.Context, currency string, cutoff time.Time) ([]models.Transaction, error) {
	defer v.rlock()()
	out := values(v.store.base.txns, v.staged.txns, func(t *models.Transaction) bool {
		return t.State == models.TransactionStateCaptured &&
			(currency == "" || t.Currency == currency) &&
			(!t.IsOffline || t.SyncedAt != nil) &&
			t.CapturedAt != nil && !t.CapturedAt.After(cutoff)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(*out[j].CapturedAt) })
	return out, nil
}

func (s *MemoryStore) ListStaleAuthorizations(ctx context.Context, before time.Time) ([]models.Transaction, error) {
	return s.view().ListStaleAuthorizations(ctx, before)
}

func (v memView) ListStaleAuthorizations(_ context.Context, before time.Time) ([]models.Transaction, error) {
	defer v.rlock()()
	out := values(v.store.base.txns, v.staged.txns, func(t *models.Transaction) bool {
		return t.State == models.TransactionStateAuthorized && t.OccurredAt.Before(before)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (s *MemoryStore) ListUnsyncedOffline(ctx context.Context, limit int) ([]models.Transaction, error) {
	return s.view().ListUnsyncedOffline(ctx, limit)
}

func (v memView) ListUnsyncedOffline(_ context.Context, limit int) ([]models.Transaction, error) {
	defer v.rlock()()
	out := values(v.store.base.txns, v.staged.txns, func(t *models.Transaction) bool {
		return t.IsOffline && t.SyncedAt == nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return clip(out, limit), nil
}

func (s *MemoryStore) GetOfflineByCounter(ctx context.Context, cardID string, counter int64) (*models.Transaction, error) {
	return s.view().GetOfflineByCounter(ctx, cardID, counter)
}

func (v memView) GetOfflineByCounter(_ context.Context, cardID string, counter int64) (*models.Transaction, error) {
	defer v.rlock()()
	out := values(v.store.base.txns, v.staged.txns, func(t *models.Transaction) bool {
		return t.TerminalSynced() && t.CardID == cardID && t.OfflineCounter == counter
	})
	if len(out) == 0 {
		return nil, fmt.Errorf("offline counter %d on card %s: %w", counter, cardID, ErrNotFound)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return &out[0], nil
}

func (s *MemoryStore) GetKey(ctx context.Context, keyID string) (*models.KeyReference, error) {
	return s.view().GetKey(ctx, keyID)
}

func (v memView) GetKey(_ context.Context, keyID string) (*models.KeyReference, error) {
	defer v.rlock()()
	k, ok := lookup(v.store.base.keys, v.staged.keys, keyID)
	if !ok {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrNotFound)
	}
	return &k, nil
}

func (s *MemoryStore) ListKeys(ctx context.Context) ([]models.KeyReference, error) {
	return s.view().ListKeys(ctx)
}

func (v memView) ListKeys(context.Context) ([]models.KeyReference, error) {
	defer v.rlock()()
	out := values(v.store.base.keys, v.staged.keys, func(*models.KeyReference) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

func (s *MemoryStore) ListFraudRules(ctx context.Context, activeOnly bool) ([]models.FraudRule, error) {
	return s.view().ListFraudRules(ctx, activeOnly)
}

func (v memView) ListFraudRules(_ context.Context, activeOnly bool) ([]models.FraudRule, error) {
	defer v.rlock()()
	out := values(v.store.base.rules, v.staged.rules, func(r *models.FraudRule) bool { return r.Active || !activeOnly })
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetSettlementBatch(ctx context.Context, id string) (*models.SettlementBatch, error) {
	return s.view().GetSettlementBatch(ctx, id)
}

func (v memView) GetSettlementBatch(_ context.Context, id string) (*models.SettlementBatch, error) {
	defer v.rlock()()
	b, ok := lookup(v.store.base.settlements, v.staged.settlements, id)
	if !ok {
		return nil, fmt.Errorf("settlement batch %s: %w", id, ErrNotFound)
	}
	return &b, nil
}

// memTx stages writes until the unit of work commits.
type memTx struct {
	memView
	newTxns  []string
	newCards []string
}

func (t *memTx) has(exists func(base, staged *memState) bool) bool {
	defer t.rlock()()
	return exists(t.store.base, t.staged)
}

func (t *memTx) InsertProgram(_ context.Context, p *models.CardProgram) error {
	if t.has(func(b, s *memState) bool { _, ok := lookup(b.programs, s.programs, p.ID); return ok }) {
		return fmt.Errorf("program %s: %w", p.ID, ErrDuplicate)
	}
	t.staged.programs[p.ID] = *p
	return nil
}

func (t *memTx) UpdateProgram(_ context.Context, p *models.CardProgram) error {
	if !t.has(func(b, s *memState) bool { _, ok := lookup(b.programs, s.programs, p.ID); return ok }) {
		return fmt.Errorf("program %s: %w", p.ID, ErrNotFound)
	}
	t.staged.programs[p.ID] = *p
	return nil
}

func (t *memTx) InsertBatch(_ context.Context, b *models.CardBatch) error {
	if t.has(func(base, s *memState) bool {
		for _, other := range values(base.batches, s.batches, func(*models.CardBatch) bool { return true }) {
			if other.ID == b.ID || other.BatchNumber == b.BatchNumber {
				return true
			}
		}
		return false
	}) {
		return fmt.Errorf("batch %s: %w", b.BatchNumber, ErrDuplicate)
	}
	if !b.CountersValid() {
		return fmt.Errorf("batch %s counters: %w", b.ID, ErrConstraint)
	}
	t.staged.batches[b.ID] = *b
	return nil
}

func (t *memTx) UpdateBatch(_ context.Context, b *models.CardBatch) error {
	if !t.has(func(base, s *memState) bool { _, ok := lookup(base.batches, s.batches, b.ID); return ok }) {
		return fmt.Errorf("batch %s: %w", b.ID, ErrNotFound)
	}
	if !b.CountersValid() {
		return fmt.Errorf("batch %s counters: %w", b.ID, ErrConstraint)
	}
	b.Version++
	t.staged.batches[b.ID] = *b
	return nil
}

func (t *memTx) InsertVendor(_ context.Context, v *models.Vendor) error {
	if t.has(func(b, s *memState) bool { _, ok := lookup(b.vendors, s.vendors, v.ID); return ok }) {
		return fmt.Errorf("vendor %s: %w", v.ID, ErrDuplicate)
	}
	t.staged.vendors[v.ID] = *v
	return nil
}

func (t *memTx) UpdateVendor(_ context.Context, v *models.Vendor) error {
	if !t.has(func(b, s *memState) bool { _, ok := lookup(b.vendors, s.vendors, v.ID); return ok }) {
		return fmt.Errorf("vendor %s: %w", v.ID, ErrNotFound)
	}
	t.staged.vendors[v.ID] = *v
	return nil
}

func inventoryValid(inv *models.VendorInventory) bool {
	return inv.CardsSold >= 0 && inv.CardsReturned >= 0 && inv.CardsDamaged >= 0 &&
		inv.CardsSold+inv.CardsReturned+inv.CardsDamaged <= inv.CardsAssigned
}

func (t *memTx) InsertInventory(_ context.Context, inv *models.VendorInventory) error {
	if t.has(func(b, s *memState) bool { _, ok := lookup(b.inventory, s.inventory, inv.ID); return ok }) {
		return fmt.Errorf("inventory %s: %w", inv.ID, ErrDuplicate)
	}
	if !inventoryValid(inv) {
		return fmt.Errorf("inventory %s counters: %w", inv.ID, ErrConstraint)
	}
	t.staged.inventory[inv.ID] = *inv
	return nil
}

func (t *memTx) UpdateInventory(_ context.Context, inv *models.VendorInventory) error {
	if !t.has(func(b, s *memState) bool { _, ok := lookup(b.inventory, s.inventory, inv.ID); return ok }) {
		return fmt.Errorf("inventory %s: %w", inv.ID, ErrNotFound)
	}
	if !inventoryValid(inv) {
		return fmt.Errorf("inventory %s counters: %w", inv.ID, ErrConstraint)
	}
	t.staged.inventory[inv.ID] = *inv
	return nil
}

func (t *memTx) InsertVendorSale(_ context.Context, sale *models.VendorSale) error {
	if t.has(func(b, s *memState) bool {
		for _, other := range values(b.sales, s.sales, func(*models.VendorSale) bool { return true }) {
			if other.ID == sale.ID || other.CardID == sale.CardID {
				return true
			}
		}
		return false
	}) {
		return fmt.Errorf("sale of card %s: %w", sale.CardID, ErrDuplicate)
	}
	t.staged.sales[sale.ID] = *sale
	return nil
}

func cardValid(c *models.PrepaidCard) bool {
	return c.Balance >= 0 && c.PendingBalance >= 0
}

func (t *memTx) InsertCard(_ context.Context, c *models.PrepaidCard) error {
	if t.has(func(b, s *memState) bool {
		if _, ok := lookup(b.cards, s.cards, c.ID); ok {
			return true
		}
		for _, other := range s.cards {
			if other.CardUIDHash == c.CardUIDHash || other.CardNumber == c.CardNumber {
				return true
			}
		}
		_, uid := t.store.cardByUID[c.CardUIDHash]
		_, num := t.store.cardByNumber[c.CardNumber]
		return uid || num
	}) {
		return fmt.Errorf("card %s: %w", c.MaskedNumber(), ErrDuplicate)
	}
	if !cardValid(c) {
		return fmt.Errorf("card %s balance: %w", c.ID, ErrConstraint)
	}
	t.staged.cards[c.ID] = *c
	t.newCards = append(t.newCards, c.ID)
	return nil
}

func (t *memTx) UpdateCard(_ context.Context, c *models.PrepaidCard) error {
	if !t.has(func(b, s *memState) bool { _, ok := lookup(b.cards, s.cards, c.ID); return ok }) {
		return fmt.Errorf("card %s: %w", c.ID, ErrNotFound)
	}
	if !cardValid(c) {
		return fmt.Errorf("card %s balance: %w", c.ID, ErrConstraint)
	}
	c.Version++
	t.staged.cards[c.ID] = *c
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *models.Transaction) error {
	if t.has(func(b, s *memState) bool {
		if _, ok := lookup(b.txns, s.txns, txn.ID); ok {
			return true
		}
		for _, other := range s.txns {
			if other.IdempotencyKey == txn.IdempotencyKey || other.Reference == txn.Reference {
				return true
			}
		}
		_, key := t.store.txnByKey[txn.IdempotencyKey]
		_, ref := t.store.txnByRef[txn.Reference]
		return key || ref
	}) {
		return fmt.Errorf("transaction %s: %w", txn.IdempotencyKey, ErrDuplicate)
	}
	t.staged.txns[txn.ID] = *txn
	t.newTxns = append(t.newTxns, txn.ID)
	return nil
}

func (t *memTx) currentTxn(id string) (models.Transaction, bool) {
	defer t.rlock()()
	return lookup(t.store.base.txns, t.staged.txns, id)
}

func (t *memTx) UpdateTransaction(_ context.Context, txn *models.Transaction, allowedFrom ...models.TransactionState) error {
	current, ok := t.currentTxn(txn.ID)
	if !ok {
		return fmt.Errorf("transaction %s: %w", txn.ID, ErrNotFound)
	}
	if current.State == models.TransactionStateSettled {
		return fmt.Errorf("transaction %s: %w", txn.ID, ErrImmutable)
	}
	if len(allowedFrom) > 0 && !stateIn(current.State, allowedFrom) {
		return fmt.Errorf("transaction %s is %s: %w", txn.ID, current.State, ErrConflict)
	}
	t.staged.txns[txn.ID] = *txn
	return nil
}

func stateIn(s models.TransactionState, set []models.TransactionState) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

func (t *memTx) RecordRefund(_ context.Context, id string, refunded int64, status models.RefundStatus) error {
	current, ok := t.currentTxn(id)
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if refunded < 0 || refunded > current.Amount {
		return fmt.Errorf("transaction %s refund %d: %w", id, refunded, ErrConstraint)
	}
	current.RefundedAmount = refunded
	current.RefundStatus = status
	t.staged.txns[id] = current
	return nil
}

func (t *memTx) MarkSettled(_ context.Context, ids []string, batchID string, at time.Time) error {
	for _, id := range ids {
		current, ok := t.currentTxn(id)
		if !ok {
			return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		if current.State != models.TransactionStateCaptured {
			return fmt.Errorf("transaction %s is %s: %w", id, current.State, ErrConflict)
		}
		settledAt := at
		current.State = models.TransactionStateSettled
		current.SettlementBatchID = batchID
		current.SettledAt = &settledAt
		t.staged.txns[id] = current
	}
	return nil
}

func (t *memTx) InsertKey(_ context.Context, k *models.KeyReference) error {
	if t.has(func(b, s *memState) bool { _, ok := lookup(b.keys, s.keys, k.KeyID); return ok }) {
		return fmt.Errorf("key %s: %w", k.KeyID, ErrDuplicate)
	}
	t.staged.keys[k.KeyID] = *k
	return nil
}

func (t *memTx) UpdateKeyStatus(_ context.Context, keyID string, status models.KeyStatus, at time.Time) error {
	t.store.mu.RLock()
	k, ok := lookup(t.store.base.keys, t.staged.keys, keyID)
	t.store.mu.RUnlock()
	if !ok {
		return fmt.Errorf("key %s: %w", keyID, ErrNotFound)
	}
	k.Status = status
	k.UpdatedAt = at
	t.staged.keys[keyID] = k
	return nil
}

func (t *memTx) UpsertFraudRule(_ context.Context, r *models.FraudRule) error {
	t.staged.rules[r.ID] = *r
	return nil
}

func (t *memTx) InsertSettlementBatch(_ context.Context, b *models.SettlementBatch) error {
	if t.has(func(base, s *memState) bool { _, ok := lookup(base.settlements, s.settlements, b.ID); return ok }) {
		return fmt.Errorf("settlement batch %s: %w", b.ID, ErrDuplicate)
	}
	t.staged.settlements[b.ID] = *b
	return nil
}
