package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/ruralpay/cardengine/internal/models"
)

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)

var lockQueries = map[LockKind]string{
	LockBatch:     `SELECT id FROM card_batches WHERE id = $1 FOR UPDATE`,
	LockInventory: `SELECT id FROM vendor_inventory WHERE id = $1 FOR UPDATE`,
	LockVendor:    `SELECT id FROM vendors WHERE id = $1 FOR UPDATE`,
	LockCard:      `SELECT id FROM prepaid_cards WHERE id = $1 FOR UPDATE`,
}

// PostgresStore maps units of work onto database transactions with row locks.
type PostgresStore struct {
	pgReader
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: db}, db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Atomic locks the rows named by locks with SELECT ... FOR UPDATE in a fixed
// order before running fn.
func (s *PostgresStore) Atomic(ctx context.Context, locks []LockKey, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	for _, k := range SortLocks(locks) {
		var id string
		if err = sqlTx.QueryRowContext(ctx, lockQueries[k.Kind], k.ID).Scan(&id); err != nil {
			return fmt.Errorf("lock %s %s: %w", k.Kind, k.ID, mapErr(err))
		}
	}

	if err = fn(&pgTx{pgReader{q: sqlTx}}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

type pgReader struct {
	q queryer
}

func getOne[T any](ctx context.Context, q queryer, query string, scan func(rowScanner, *T) error, what string, args ...any) (*T, error) {
	var out T
	if err := scan(q.QueryRowContext(ctx, query, args...), &out); err != nil {
		return nil, fmt.Errorf("%s: %w", what, mapErr(err))
	}
	return &out, nil
}

func getMany[T any](ctx context.Context, q queryer, query string, scan func(rowScanner, *T) error, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	return collect(rows, err, scan)
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (r pgReader) GetProgram(ctx context.Context, id string) (*models.CardProgram, error) {
	return getOne(ctx, r.q, selectSQL("card_programs", programColumns)+` WHERE id = $1`, scanProgram, "program "+id, id)
}

func (r pgReader) ListPrograms(ctx context.Context) ([]models.CardProgram, error) {
	return getMany(ctx, r.q, selectSQL("card_programs", programColumns)+` ORDER BY id`, scanProgram)
}

func (r pgReader) GetBatch(ctx context.Context, id string) (*models.CardBatch, error) {
	return getOne(ctx, r.q, selectSQL("card_batches", batchColumns)+` WHERE id = $1`, scanBatch, "batch "+id, id)
}

func (r pgReader) ListBatches(ctx context.Context) ([]models.CardBatch, error) {
	return getMany(ctx, r.q, selectSQL("card_batches", batchColumns)+` ORDER BY batch_number`, scanBatch)
}

func (r pgReader) GetVendor(ctx context.Context, id string) (*models.Vendor, error) {
	return getOne(ctx, r.q, selectSQL("vendors", vendorColumns)+` WHERE id = $1`, scanVendor, "vendor "+id, id)
}

func (r pgReader) GetInventory(ctx context.Context, id string) (*models.VendorInventory, error) {
	return getOne(ctx, r.q, selectSQL("vendor_inventory", inventoryColumns)+` WHERE id = $1`, scanInventory, "inventory "+id, id)
}

func (r pgReader) ListInventoryByBatch(ctx context.Context, batchID string) ([]models.VendorInventory, error) {
	return getMany(ctx, r.q, selectSQL("vendor_inventory", inventoryColumns)+
		` WHERE batch_id = $1 ORDER BY sequence_start`, scanInventory, batchID)
}

func (r pgReader) ListInventoryByVendor(ctx context.Context, vendorID string) ([]models.VendorInventory, error) {
	return getMany(ctx, r.q, selectSQL("vendor_inventory", inventoryColumns)+
		` WHERE vendor_id = $1 ORDER BY batch_id, sequence_start`, scanInventory, vendorID)
}

func (r pgReader) ListVendorSales(ctx context.Context, vendorID string, from, to time.Time) ([]models.VendorSale, error) {
	return getMany(ctx, r.q, selectSQL("vendor_sales", saleColumns)+
		` WHERE vendor_id = $1 AND sold_at >= $2 AND sold_at < $3 ORDER BY sold_at`, scanSale, vendorID, from, to)
}

func (r pgReader) GetCard(ctx context.Context, id string) (*models.PrepaidCard, error) {
	return getOne(ctx, r.q, selectSQL("prepaid_cards", cardColumns)+` WHERE id = $1`, scanCard, "card "+id, id)
}

func (r pgReader) GetCardByUIDHash(ctx context.Context, uidHash string) (*models.PrepaidCard, error) {
	return getOne(ctx, r.q, selectSQL("prepaid_cards", cardColumns)+` WHERE card_uid_hash = $1`, scanCard, "card uid", uidHash)
}

func (r pgReader) GetCardBySequence(ctx context.Context, batchID string, seq int64) (*models.PrepaidCard, error) {
	return getOne(ctx, r.q, selectSQL("prepaid_cards", cardColumns)+
		` WHERE batch_id = $1 AND sequence_number = $2`, scanCard, fmt.Sprintf("card %s/%d", batchID, seq), batchID, seq)
}

func (r pgReader) ListCardsByBatch(ctx context.Context, batchID string) ([]models.PrepaidCard, error) {
	return getMany(ctx, r.q, selectSQL("prepaid_cards", cardColumns)+
		` WHERE batch_id = $1 ORDER BY sequence_number`, scanCard, batchID)
}

func (r pgReader) ListCardsDueExpiry(ctx context.Context, at time.Time, limit int) ([]models.PrepaidCard, error) {
	states := make([]string, len(expirableStates))
	for i, s := range expirableStates {
		states[i] = string(s)
	}
	return getMany(ctx, r.q, selectSQL("prepaid_cards", cardColumns)+
		` WHERE state = ANY($1) AND expires_at <= $2 ORDER BY expires_at LIMIT $3`,
		scanCard, pq.Array(states), at, limitArg(limit))
}

func (r pgReader) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return getOne(ctx, r.q, selectSQL("transactions", transactionColumns)+` WHERE id = $1`, scanTransaction, "transaction "+id, id)
}

func (r pgReader) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	return getOne(ctx, r.q, selectSQL("transactions", transactionColumns)+
		` WHERE idempotency_key = $1`, scanTransaction, "idempotency key "+key, key)
}

func (r pgReader) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	return getOne(ctx, r.q, selectSQL("transactions", transactionColumns)+
		` WHERE transaction_reference = $1`, scanTransaction, "reference "+reference, reference)
}

func (r pgReader) ListTransactionsByCard(ctx context.Context, cardID string, since time.Time, limit int) ([]models.Transaction, error) {
	return getMany(ctx, r.q, selectSQL("transactions", transactionColumns)+
		` WHERE card_id = $1 AND occurred_at >= $2 ORDER BY occurred_at DESC, transaction_reference DESC LIMIT $3`,
		scanTransaction, cardID, since, limitArg(limit))
}

func (r pgReader) ListCapturedForSettlement(ctx context.Context, currency string, cutoff time.Time) ([]models.Transaction, error) {
	return getMany(ctx, r.q, selectSQL("transactions", transactionColumns)+
		` WHERE state = 'CAPTURED' AND ($1::text = '' OR currency = $1::text) AND captured_at <= $2`+
			` AND (NOT is_offline OR synced_at IS NOT NULL) ORDER BY captured_at`,
		scanTransaction, currency, cutoff)
}

func (r pgReader) ListStaleAuthorizations(ctx context.Context, before time.Time) ([]models.Transaction, error) {
	return getMany(ctx, r.q, selectSQL("transactions", transactionColumns)+
		` WHERE state = 'AUTHORIZED' AND occurred_at < $1 ORDER BY occurred_at`, scanTransaction, before)
}

func (r pgReader) ListUnsyncedOffline(ctx context.Context, limit int) ([]models.Transaction, error) {
	return getMany(ctx, r.q, selectSQL("transactions", transactionColumns)+
		` WHERE is_offline AND synced_at IS NULL ORDER BY occurred_at LIMIT $1`, scanTransaction, limitArg(limit))
}

func (r pgReader) GetOfflineByCounter(ctx context.Context, cardID string, counter int64) (*models.Transaction, error) {
	return getOne(ctx, r.q, selectSQL("transactions", transactionColumns)+
		` WHERE card_id = $1 AND is_offline AND offline_mac <> '' AND offline_counter = $2 ORDER BY created_at LIMIT 1`,
		scanTransaction, fmt.Sprintf("offline counter %d on card %s", counter, cardID), cardID, counter)
}

func (r pgReader) GetKey(ctx context.Context, keyID string) (*models.KeyReference, error) {
	return getOne(ctx, r.q, selectSQL("key_references", keyColumns)+` WHERE key_id = $1`, scanKey, "key "+keyID, keyID)
}

func (r pgReader) ListKeys(ctx context.Context) ([]models.KeyReference, error) {
	return getMany(ctx, r.q, selectSQL("key_references", keyColumns)+` ORDER BY key_id`, scanKey)
}

func (r pgReader) ListFraudRules(ctx context.Context, activeOnly bool) ([]models.FraudRule, error) {
	return getMany(ctx, r.q, selectSQL("fraud_rules", fraudRuleColumns)+
		` WHERE active OR NOT $1 ORDER BY priority, id`, scanFraudRule, activeOnly)
}

func (r pgReader) GetSettlementBatch(ctx context.Context, id string) (*models.SettlementBatch, error) {
	return getOne(ctx, r.q, selectSQL("settlement_batches", settlementColumns)+` WHERE id = $1`, scanSettlement, "settlement batch "+id, id)
}

type pgTx struct {
	pgReader
}

func (t *pgTx) exec(ctx context.Context, what, query string, args ...any) error {
	if _, err := t.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", what, mapErr(err))
	}
	return nil
}

func (t *pgTx) execOne(ctx context.Context, what, query string, args ...any) error {
	if err := expectOne(t.q.ExecContext(ctx, query, args...)); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (t *pgTx) InsertProgram(ctx context.Context, p *models.CardProgram) error {
	return t.exec(ctx, "insert program", insertSQL("card_programs", programColumns), programArgs(p)...)
}

func (t *pgTx) UpdateProgram(ctx context.Context, p *models.CardProgram) error {
	return t.execOne(ctx, "update program", updateSQL("card_programs", programColumns), programArgs(p)...)
}

func (t *pgTx) InsertBatch(ctx context.Context, b *models.CardBatch) error {
	return t.exec(ctx, "insert batch", insertSQL("card_batches", batchColumns), batchArgs(b)...)
}

func (t *pgTx) UpdateBatch(ctx context.Context, b *models.CardBatch) error {
	b.Version++
	return t.execOne(ctx, "update batch", updateSQL("card_batches", batchColumns), batchArgs(b)...)
}

func (t *pgTx) InsertVendor(ctx context.Context, v *models.Vendor) error {
	return t.exec(ctx, "insert vendor", insertSQL("vendors", vendorColumns), vendorArgs(v)...)
}

func (t *pgTx) UpdateVendor(ctx context.Context, v *models.Vendor) error {
	return t.execOne(ctx, "update vendor", updateSQL("vendors", vendorColumns), vendorArgs(v)...)
}

func (t *pgTx) InsertInventory(ctx context.Context, inv *models.VendorInventory) error {
	return t.exec(ctx, "insert inventory", insertSQL("vendor_inventory", inventoryColumns), inventoryArgs(inv)...)
}

func (t *pgTx) UpdateInventory(ctx context.Context, inv *models.VendorInventory) error {
	return t.execOne(ctx, "update inventory", updateSQL("vendor_inventory", inventoryColumns), inventoryArgs(inv)...)
}

func (t *pgTx) InsertVendorSale(ctx context.Context, sale *models.VendorSale) error {
	return t.exec(ctx, "insert vendor sale", insertSQL("vendor_sales", saleColumns), saleArgs(sale)...)
}

func (t *pgTx) InsertCard(ctx context.Context, c *models.PrepaidCard) error {
	return t.exec(ctx, "insert card", insertSQL("prepaid_cards", cardColumns), cardArgs(c)...)
}

func (t *pgTx) UpdateCard(ctx context.Context, c *models.PrepaidCard) error {
	c.Version++
	return t.execOne(ctx, "update card", updateSQL("prepaid_cards", cardColumns), cardArgs(c)...)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	return t.exec(ctx, "insert transaction", insertSQL("transactions", transactionColumns), transactionArgs(txn)...)
}

func (t *pgTx) UpdateTransaction(ctx context.Context, txn *models.Transaction, allowedFrom ...models.TransactionState) error {
	var current models.TransactionState
	err := t.q.QueryRowContext(ctx, `SELECT state FROM transactions WHERE id = $1 FOR UPDATE`, txn.ID).Scan(&current)
	if err != nil {
		return fmt.Errorf("transaction %s: %w", txn.ID, mapErr(err))
	}
	if current == models.TransactionStateSettled {
		return fmt.Errorf("transaction %s: %w", txn.ID, ErrImmutable)
	}
	if len(allowedFrom) > 0 && !stateIn(current, allowedFrom) {
		return fmt.Errorf("transaction %s is %s: %w", txn.ID, current, ErrConflict)
	}
	return t.execOne(ctx, "update transaction", updateSQL("transactions", transactionColumns), transactionArgs(txn)...)
}

func (t *pgTx) RecordRefund(ctx context.Context, id string, refunded int64, status models.RefundStatus) error {
	return t.execOne(ctx, "record refund",
		`UPDATE transactions SET refunded_amount = $2, refund_status = $3 WHERE id = $1 AND $2 <= amount`,
		id, refunded, status)
}

func (t *pgTx) MarkSettled(ctx context.Context, ids []string, batchID string, at time.Time) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE transactions SET state = 'SETTLED', settlement_batch_id = $1, settled_at = $2
		 WHERE id = ANY($3) AND state = 'CAPTURED'`,
		batchID, at, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark settled: %w", mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != int64(len(ids)) {
		return fmt.Errorf("mark settled: %d of %d captured: %w", n, len(ids), ErrConflict)
	}
	return nil
}

func (t *pgTx) InsertKey(ctx context.Context, k *models.KeyReference) error {
	return t.exec(ctx, "insert key", insertSQL("key_references", keyColumns), keyArgs(k)...)
}

func (t *pgTx) UpdateKeyStatus(ctx context.Context, keyID string, status models.KeyStatus, at time.Time) error {
	return t.execOne(ctx, "update key "+keyID,
		`UPDATE key_references SET status = $2, updated_at = $3 WHERE key_id = $1`, keyID, status, at)
}

func (t *pgTx) UpsertFraudRule(ctx context.Context, r *models.FraudRule) error {
	return t.exec(ctx, "upsert fraud rule", insertSQL("fraud_rules", fraudRuleColumns)+
		` ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, rule_type = EXCLUDED.rule_type,
		 priority = EXCLUDED.priority, active = EXCLUDED.active, score_delta = EXCLUDED.score_delta,
		 action_on_trigger = EXCLUDED.action_on_trigger, config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		fraudRuleArgs(r)...)
}

func (t *pgTx) InsertSettlementBatch(ctx context.Context, b *models.SettlementBatch) error {
	return t.exec(ctx, "insert settlement batch", insertSQL("settlement_batches", settlementColumns), settlementArgs(b)...)
}
