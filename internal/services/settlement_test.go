package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/cardengine/internal/models"
)

func TestMerchantTotals(t *testing.T) {
	totals := merchantTotals([]models.Transaction{
		{Type: models.TransactionTypePurchase, MerchantID: "M-002", Amount: 30, FeeAmount: 2},
		{Type: models.TransactionTypePurchase, MerchantID: "M-001", Amount: 40, FeeAmount: 2},
		{Type: models.TransactionTypeRefund, MerchantID: "M-001", Amount: 10},
		{Type: models.TransactionTypeReload, Amount: 100},
		{Type: models.TransactionTypeReversal, MerchantID: "M-001", Amount: 5},
	})
	require.Len(t, totals, 2)
	assert.Equal(t, models.MerchantTotal{MerchantID: "M-001", TransactionCount: 2, Gross: 40, Fees: 2, Net: 30}, totals[0])
	assert.Equal(t, models.MerchantTotal{MerchantID: "M-002", TransactionCount: 1, Gross: 30, Fees: 2, Net: 30}, totals[1])
}

func TestSettle(t *testing.T) {
	h := newHarness(t, withProgram(func(p *models.CardProgram) {
		p.Fees.PurchaseFixed = 2
	}))
	card, uid := h.activeCard("user-1")
	_, err := h.reload(card.ID, "user-1", "r1", 100)
	require.NoError(t, err)

	first, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-1", 40))
	require.NoError(t, err)
	req := h.tap(uid, "tap-2", 30)
	req.MerchantID = "M-002"
	_, err = h.engine.Authorization.Authorize(h.ctx, req)
	require.NoError(t, err)
	_, err = h.engine.Authorization.Refund(h.ctx, RefundRequest{
		IdempotencyKey: "refund-1", TransactionID: first.TransactionID, Amount: 10,
	}, adminActor)
	require.NoError(t, err)
	balance := h.card(card.ID).Balance

	_, err = h.engine.Settlement.Settle(h.ctx, "NGN", h.clock.Now().Add(-time.Hour), adminActor)
	assert.ErrorIs(t, err, ErrNothingToSettle)

	batch, err := h.engine.Settlement.Settle(h.ctx, "NGN", h.clock.Now(), adminActor)
	require.NoError(t, err)
	assert.Equal(t, 4, batch.TransactionCount)
	assert.Equal(t, int64(70), batch.Gross)
	assert.Equal(t, int64(4), batch.Fees)
	assert.Equal(t, int64(60), batch.Net)
	require.Len(t, batch.Merchants, 2)
	assert.NotEmpty(t, batch.MessageID)

	assert.Equal(t, balance, h.card(card.ID).Balance)
	settled, err := h.store.GetTransaction(h.ctx, first.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStateSettled, settled.State)
	assert.Equal(t, batch.ID, settled.SettlementBatchID)
	assert.NotNil(t, settled.SettledAt)

	assert.Equal(t, []string{batch.ID}, h.queue.Published())
	assert.Contains(t, h.sink.Actions(batch.ID), "SETTLEMENT_BATCH_CREATED")

	_, err = h.engine.Settlement.Settle(h.ctx, "NGN", h.clock.Now(), adminActor)
	assert.ErrorIs(t, err, ErrNothingToSettle)

	_, err = h.engine.Authorization.Reverse(h.ctx, ReverseRequest{
		IdempotencyKey: "rev-1", TransactionID: first.TransactionID,
	}, adminActor)
	assert.ErrorIs(t, err, ErrNotReversible)

	t.Run("export", func(t *testing.T) {
		doc, err := h.engine.Settlement.ExportBatch(h.ctx, batch.ID)
		require.NoError(t, err)
		assert.Contains(t, doc, batch.MessageID)
		assert.Contains(t, doc, "M-001")
		assert.Contains(t, doc, "M-002")
		assert.Contains(t, doc, "RURALPAY")

		report, err := h.engine.Settlement.StatusReport(h.ctx, batch.ID, "ACSC")
		require.NoError(t, err)
		assert.Contains(t, report, "ACSC")
	})
}

func TestSettle_OneRunPerCurrency(t *testing.T) {
	locker := NewLocalLocker()
	h := newHarness(t, withDeps(func(d *EngineDeps) { d.Locker = locker }))
	_, uid := h.activeCard("user-1")
	_, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-1", 10))
	require.NoError(t, err)

	release, err := locker.Acquire(h.ctx, "settlement:NGN", time.Minute)
	require.NoError(t, err)
	_, err = h.engine.Settlement.Settle(h.ctx, "NGN", h.clock.Now(), adminActor)
	assert.ErrorIs(t, err, ErrSettlementInProgress)
	require.NoError(t, release(context.Background()))

	batch, err := h.engine.Settlement.Settle(h.ctx, "NGN", h.clock.Now(), adminActor)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.TransactionCount)
}
