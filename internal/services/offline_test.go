package services

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/cardengine/internal/models"
)

func withOffline() harnessOption {
	return withProgram(func(p *models.CardProgram) {
		p.Offline = models.OfflinePolicy{Allowed: true, TransactionLimit: 40, DailyLimit: 60, CertificateValidHours: 12}
	})
}

// offlineSpend builds an entry with the MAC the chip would produce.
func (h *harness) offlineSpend(card *models.PrepaidCard, uid, key string, amount, counter int64) OfflineTransactionRequest {
	h.t.Helper()
	at := h.clock.Now().Add(-time.Hour)
	payload := OfflineMACPayload(card.ID, "T-009", "M-001", amount, "NGN", counter, at)
	mac, err := h.hsm.CardMAC(h.slotFor(uid), payload)
	require.NoError(h.t, err)
	return OfflineTransactionRequest{
		IdempotencyKey: key,
		CardUID:        uid,
		TerminalID:     "T-009",
		MerchantID:     "M-001",
		Amount:         amount,
		Currency:       "NGN",
		Counter:        counter,
		OccurredAt:     at,
		MAC:            hex.EncodeToString(mac),
	}
}

func TestOfflineSync(t *testing.T) {
	h := newHarness(t, withOffline())
	card, uid := h.activeCard("user-1")

	good := h.offlineSpend(card, uid, "off-1", 30, 1)
	forged := h.offlineSpend(card, uid, "off-2", 10, 2)
	forged.MAC = "00ff00ff"
	overdraft := h.offlineSpend(card, uid, "off-3", 25, 3)
	stranger := h.offlineSpend(card, uid, "off-4", 5, 4)
	stranger.CardUID = "04FFFFFFFFFFFF"

	results, err := h.engine.Offline.Sync(h.ctx, OfflineSyncRequest{
		Transactions: []OfflineTransactionRequest{good, forged, overdraft, stranger},
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, models.TransactionStateCaptured, results[0].State)
	assert.False(t, results[0].ReviewRequired)

	assert.Equal(t, models.TransactionStatePending, results[1].State)
	assert.True(t, results[1].ReviewRequired)

	assert.Equal(t, models.TransactionStatePending, results[2].State)
	assert.True(t, results[2].ReviewRequired)

	assert.Equal(t, string(DeclineCardNotFound), results[3].Error)
	assert.Empty(t, results[3].TransactionID)

	c := h.card(card.ID)
	assert.Equal(t, int64(20), c.Balance)
	assert.Equal(t, int64(30), c.OfflineDailySpent)
	assert.Equal(t, "T-009", c.LastTerminalID)

	txn, err := h.store.GetTransaction(h.ctx, results[2].TransactionID)
	require.NoError(t, err)
	assert.Contains(t, txn.ReviewReason, "offline overdraft")
	assert.True(t, txn.BalanceConsistent())
	assert.Contains(t, h.sink.Actions(results[1].TransactionID), "OFFLINE_REVIEW_REQUIRED")

	t.Run("resync is idempotent", func(t *testing.T) {
		again, err := h.engine.Offline.Sync(h.ctx, OfflineSyncRequest{Transactions: []OfflineTransactionRequest{good}})
		require.NoError(t, err)
		assert.Equal(t, results[0].TransactionID, again[0].TransactionID)
		assert.Equal(t, int64(20), h.card(card.ID).Balance)
	})

	t.Run("over the offline cap", func(t *testing.T) {
		h.reload(card.ID, "user-1", "top-up", 100)
		big := h.offlineSpend(card, uid, "off-5", 45, 5)
		res, err := h.engine.Offline.Sync(h.ctx, OfflineSyncRequest{Transactions: []OfflineTransactionRequest{big}})
		require.NoError(t, err)
		assert.True(t, res[0].ReviewRequired)
	})
}

func TestOfflineSync_NotAllowedIsFlagged(t *testing.T) {
	h := newHarness(t)
	card, uid := h.activeCard("user-1")

	res, err := h.engine.Offline.Sync(h.ctx, OfflineSyncRequest{
		Transactions: []OfflineTransactionRequest{h.offlineSpend(card, uid, "off-1", 10, 1)},
	})
	require.NoError(t, err)
	assert.True(t, res[0].ReviewRequired)
	txn, err := h.store.GetTransaction(h.ctx, res[0].TransactionID)
	require.NoError(t, err)
	assert.Contains(t, txn.ReviewReason, "program does not allow offline spends")
}

func TestOfflineSync_CounterReuseIsHeld(t *testing.T) {
	h := newHarness(t, withOffline())
	card, uid := h.activeCard("user-1")

	first := h.offlineSpend(card, uid, "off-a", 20, 7)
	again := first
	again.IdempotencyKey = "off-b"
	next := h.offlineSpend(card, uid, "off-c", 10, 8)

	results, err := h.engine.Offline.Sync(h.ctx, OfflineSyncRequest{
		Transactions: []OfflineTransactionRequest{first, again, next},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, models.TransactionStateCaptured, results[0].State)
	assert.False(t, results[0].ReviewRequired)

	assert.Equal(t, models.TransactionStatePending, results[1].State)
	assert.True(t, results[1].ReviewRequired)
	assert.NotEqual(t, results[0].TransactionID, results[1].TransactionID)

	assert.Equal(t, models.TransactionStateCaptured, results[2].State)

	assert.Equal(t, int64(20), h.card(card.ID).Balance)

	held, err := h.store.GetTransaction(h.ctx, results[1].TransactionID)
	require.NoError(t, err)
	assert.Contains(t, held.ReviewReason, "offline counter 7 already used by "+results[0].TransactionReference)
	assert.Equal(t, int64(0), held.FeeAmount)
	assert.True(t, held.BalanceConsistent())
	assert.Contains(t, h.sink.Actions(held.ID), "OFFLINE_REVIEW_REQUIRED")
}

func TestReconcileOffline(t *testing.T) {
	var flaky *flakyHSM
	h := newHarness(t, withOffline(), withDeps(func(d *EngineDeps) {
		flaky = &flakyHSM{Boundary: d.HSM}
		d.HSM = flaky
	}))
	card, uid := h.activeCard("user-1")

	flaky.down.Store(true)
	res, err := h.engine.Offline.Sync(h.ctx, OfflineSyncRequest{
		Transactions: []OfflineTransactionRequest{h.offlineSpend(card, uid, "off-1", 10, 1)},
	})
	require.NoError(t, err)
	txn, err := h.store.GetTransaction(h.ctx, res[0].TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.CryptoResultTimeout, txn.CryptoResult)
	assert.Nil(t, txn.SyncedAt)

	report, err := h.engine.Offline.ReconcileOffline(h.ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 1, Deferred: 1}, report)

	flaky.down.Store(false)
	report, err = h.engine.Offline.ReconcileOffline(h.ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 1, Validated: 1}, report)

	txn, err = h.store.GetTransaction(h.ctx, res[0].TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.CryptoResultValid, txn.CryptoResult)
	assert.NotNil(t, txn.SyncedAt)

	report, err = h.engine.Offline.ReconcileOffline(h.ctx, 50)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestOfflineCertificate(t *testing.T) {
	h := newHarness(t, withOffline())
	card, _ := h.activeCard("user-1")
	gw := h.engine.Gateway

	cert, err := gw.IssueOfflineCertificate(h.ctx, card, h.program)
	require.NoError(t, err)
	assert.Equal(t, int64(40), cert.TransactionLimit)
	assert.Equal(t, cert.IssuedAt.Add(12*time.Hour), cert.ExpiresAt)

	require.NoError(t, gw.VerifyOfflineCertificate(h.ctx, cert, card.ID, h.clock.Now()))
	assert.ErrorIs(t, gw.VerifyOfflineCertificate(h.ctx, cert, "other-card", h.clock.Now()), ErrInvalidOfflineCertificate)
	assert.ErrorIs(t, gw.VerifyOfflineCertificate(h.ctx, cert, card.ID, h.clock.Now().Add(13*time.Hour)), ErrInvalidOfflineCertificate)

	tampered := *cert
	tampered.TransactionLimit = 4000
	assert.ErrorIs(t, gw.VerifyOfflineCertificate(h.ctx, &tampered, card.ID, h.clock.Now()), ErrInvalidOfflineCertificate)

	plain := scenarioProgram()
	_, err = gw.IssueOfflineCertificate(h.ctx, card, plain)
	assert.ErrorIs(t, err, ErrOfflineNotAllowed)
}
