package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cardRow(id string, balance int64, state models.CardState) []driver.Value {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	values := map[string]driver.Value{
		"id":               id,
		"card_number":      "6273840000000017",
		"card_uid_hash":    "uidhash",
		"key_slot_id":      "key-1",
		"program_id":       "prog-1",
		"batch_id":         "batch-1",
		"sequence_number":  int64(1),
		"state":            string(state),
		"balance":          balance,
		"pending_balance":  int64(0),
		"currency":         "NGN",
		"daily_reset_at":   now,
		"weekly_reset_at":  now,
		"monthly_reset_at": now,
		"limits":           []byte(`{"dailyLimit":300}`),
		"fraud_score":      float64(0),
		"wallet_id":        "wallet-9",
		"version":          int64(3),
		"created_at":       now,
		"updated_at":       now,
	}
	row := make([]driver.Value, len(cardColumns))
	for i, col := range cardColumns {
		row[i] = values[col]
		if row[i] == nil && (col == "daily_spent" || col == "weekly_spent" || col == "monthly_spent" ||
			col == "daily_transaction_count" || col == "offline_daily_spent" ||
			col == "pin_attempts" || col == "activation_attempts") {
			row[i] = int64(0)
		}
	}
	return row
}

func TestPostgresStore_GetCard(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	t.Run("scans nullable columns", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, card_number, .* FROM prepaid_cards WHERE id = \\$1").
			WithArgs("card-1").
			WillReturnRows(sqlmock.NewRows(cardColumns).AddRow(cardRow("card-1", 700, models.CardStateActivated)...))

		card, err := store.GetCard(ctx, "card-1")
		require.NoError(t, err)
		assert.Equal(t, int64(700), card.Balance)
		assert.Equal(t, models.CardStateActivated, card.State)
		assert.Equal(t, "wallet-9", card.WalletID)
		assert.Empty(t, card.VendorID)
		assert.Nil(t, card.ExpiresAt)
		assert.Nil(t, card.LastLocation)
		require.NotNil(t, card.Limits.DailyLimit)
		assert.Equal(t, int64(300), *card.Limits.DailyLimit)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing card", func(t *testing.T) {
		mock.ExpectQuery("FROM prepaid_cards WHERE id = \\$1").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows(cardColumns))

		_, err := store.GetCard(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_GetOfflineByCounter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM transactions WHERE card_id = \\$1 AND is_offline AND offline_mac <> '' AND offline_counter = \\$2 ORDER BY created_at LIMIT 1").
		WithArgs("card-1", int64(7)).
		WillReturnRows(sqlmock.NewRows(transactionColumns))

	_, err = NewPostgresStore(db).GetOfflineByCounter(context.Background(), "card-1", 7)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Atomic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	t.Run("locks rows in kind then id order", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM card_batches WHERE id = \\$1 FOR UPDATE").
			WithArgs("batch-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("batch-1"))
		mock.ExpectQuery("SELECT id FROM prepaid_cards WHERE id = \\$1 FOR UPDATE").
			WithArgs("card-a").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("card-a"))
		mock.ExpectQuery("SELECT id FROM prepaid_cards WHERE id = \\$1 FOR UPDATE").
			WithArgs("card-b").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("card-b"))
		mock.ExpectCommit()

		err := store.Atomic(ctx, []LockKey{CardLock("card-b"), CardLock("card-a"), BatchLock("batch-1")}, func(Tx) error {
			return nil
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when the unit fails", func(t *testing.T) {
		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM prepaid_cards WHERE id = \\$1 FOR UPDATE").
			WithArgs("card-a").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("card-a"))
		mock.ExpectRollback()

		err := store.Atomic(ctx, []LockKey{CardLock("card-a")}, func(Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation maps to duplicate", func(t *testing.T) {
		txn := testTxn("t1", "card-a", models.TransactionStateCaptured)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnError(&pq.Error{Code: pgUniqueViolation, Constraint: "transactions_idempotency_key_key"})
		mock.ExpectRollback()

		err := store.Atomic(ctx, nil, func(tx Tx) error { return tx.InsertTransaction(ctx, txn) })
		assert.ErrorIs(t, err, ErrDuplicate)
		assert.Contains(t, err.Error(), "transactions_idempotency_key_key")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("check violation maps to constraint", func(t *testing.T) {
		card := &models.PrepaidCard{ID: "card-a", Balance: -5, Version: 3}

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE prepaid_cards SET card_number = \\$2").
			WillReturnError(&pq.Error{Code: pgCheckViolation, Constraint: "prepaid_cards_balance_check"})
		mock.ExpectRollback()

		err := store.Atomic(ctx, nil, func(tx Tx) error { return tx.UpdateCard(ctx, card) })
		assert.ErrorIs(t, err, ErrConstraint)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_TransactionGuards(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	t.Run("settled transaction is immutable", func(t *testing.T) {
		txn := testTxn("t1", "card-a", models.TransactionStateReversed)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT state FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("SETTLED"))
		mock.ExpectRollback()

		err := store.Atomic(ctx, nil, func(tx Tx) error { return tx.UpdateTransaction(ctx, txn) })
		assert.ErrorIs(t, err, ErrImmutable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mark settled detects non-captured rows", func(t *testing.T) {
		at := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE transactions SET state = 'SETTLED'").
			WithArgs("stl-1", at, pq.Array([]string{"t1", "t2"})).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectRollback()

		err := store.Atomic(ctx, nil, func(tx Tx) error {
			return tx.MarkSettled(ctx, []string{"t1", "t2"}, "stl-1", at)
		})
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refund linkage", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE transactions SET refunded_amount = \\$2, refund_status = \\$3").
			WithArgs("t1", int64(40), models.RefundStatusPartial).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.Atomic(ctx, nil, func(tx Tx) error {
			return tx.RecordRefund(ctx, "t1", 40, models.RefundStatusPartial)
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLBuilders(t *testing.T) {
	assert.Equal(t, "INSERT INTO vendors (id, name) VALUES ($1, $2)", insertSQL("vendors", []string{"id", "name"}))
	assert.Equal(t, "UPDATE vendors SET name = $2, status = $3 WHERE id = $1", updateSQL("vendors", []string{"id", "name", "status"}))
}
