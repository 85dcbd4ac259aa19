package services

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/cardengine/internal/config"
	"github.com/ruralpay/cardengine/internal/models"
)

func TestAuthorize_ReloadThenSpendScenario(t *testing.T) {
	h := newHarness(t)
	card, uid := h.activeCard("user-1")
	require.Equal(t, int64(50), card.Balance)

	_, err := h.reload(card.ID, "user-1", "reload-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(150), h.card(card.ID).Balance)

	resp, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-1", 80))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.AuthorizationCode)
	assert.Equal(t, int64(70), resp.BalanceAfter)

	after := h.card(card.ID)
	assert.Equal(t, int64(70), after.Balance)
	assert.Equal(t, int64(80), after.DailySpent)

	resp, err = h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-2", 80))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, DeclineInsufficientBalance, CodeFor(err))
	assert.False(t, resp.Success)
	assert.Equal(t, int64(70), resp.BalanceAfter)

	final := h.card(card.ID)
	assert.Equal(t, int64(70), final.Balance)
	assert.Equal(t, int64(80), final.DailySpent, "declines do not count against velocity")

	declined, err := h.store.GetTransactionByIdempotencyKey(h.ctx, "tap-2")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStateDeclined, declined.State)
	assert.True(t, declined.BalanceConsistent())
}

func TestAuthorize_ExpiredChallenge(t *testing.T) {
	h := newHarness(t)
	card, uid := h.activeCard("user-1")

	req := h.tap(uid, "tap-late", 40)
	h.clock.Advance(31 * time.Second)

	_, err := h.engine.Authorization.Authorize(h.ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChallengeExpiredOrReused)
	assert.Equal(t, int64(50), h.card(card.ID).Balance)
}

func TestAuthorize_ChallengeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	card, uid := h.activeCard("user-1")

	req := h.tap(uid, "tap-a", 10)
	_, err := h.engine.Authorization.Authorize(h.ctx, req)
	require.NoError(t, err)

	req.IdempotencyKey = "tap-b"
	_, err = h.engine.Authorization.Authorize(h.ctx, req)
	assert.Equal(t, DeclineChallengeExpired, CodeFor(err))
	assert.Equal(t, int64(40), h.card(card.ID).Balance)
}

func TestAuthorize_BlockedCard(t *testing.T) {
	h := newHarness(t)
	card, uid := h.activeCard("user-1")
	_, err := h.engine.Lifecycle.Block(h.ctx, card.ID, "reported stolen", adminActor)
	require.NoError(t, err)

	resp, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-blocked", 20))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCardNotActivated)
	assert.Equal(t, DeclineCardNotActivated, resp.DeclineCode)
	assert.Equal(t, int64(50), h.card(card.ID).Balance)

	var audited bool
	for _, e := range h.sink.Events() {
		if e.EntityID == resp.TransactionID && e.Action == "PURCHASE_DECLINED" {
			audited = true
		}
	}
	assert.True(t, audited, "decline must be audited")
}

func TestAuthorize_Idempotency(t *testing.T) {
	h := newHarness(t)
	card, uid := h.activeCard("user-1")

	req := h.tap(uid, "tap-once", 30)
	first, err := h.engine.Authorization.Authorize(h.ctx, req)
	require.NoError(t, err)

	t.Run("approved request replays", func(t *testing.T) {
		again, err := h.engine.Authorization.Authorize(h.ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
		assert.Equal(t, int64(20), h.card(card.ID).Balance)
	})

	t.Run("declined request replays its decline", func(t *testing.T) {
		big := h.tap(uid, "tap-too-big", 100)
		_, err1 := h.engine.Authorization.Authorize(h.ctx, big)
		require.Error(t, err1)
		resp, err2 := h.engine.Authorization.Authorize(h.ctx, big)
		require.Error(t, err2)
		assert.Equal(t, CodeFor(err1), CodeFor(err2))
		assert.False(t, resp.Success)
	})

	t.Run("key from another operation is refused", func(t *testing.T) {
		_, err := h.reload(card.ID, "user-1", "shared-key", 50)
		require.NoError(t, err)
		assert.Equal(t, int64(70), h.card(card.ID).Balance)

		resp, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "shared-key", 10))
		assert.ErrorIs(t, err, ErrIdempotencyKeyReused)
		assert.Nil(t, resp)

		_, err = h.engine.Authorization.Refund(h.ctx, RefundRequest{
			IdempotencyKey: "tap-once", TransactionID: first.TransactionID, Amount: 5,
		}, adminActor)
		assert.ErrorIs(t, err, ErrIdempotencyKeyReused)
		assert.Equal(t, int64(70), h.card(card.ID).Balance)
	})
}

func TestAuthorize_Limits(t *testing.T) {
	t.Run("per transaction limit", func(t *testing.T) {
		h := newHarness(t)
		card, uid := h.activeCard("user-1")
		_, err := h.reload(card.ID, "user-1", "r1", 300)
		require.NoError(t, err)

		_, err = h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-1", 101))
		var limitErr *LimitExceededError
		require.True(t, errors.As(err, &limitErr))
		assert.Equal(t, LimitPerTransaction, limitErr.LimitType)
	})

	t.Run("daily limit resets at the calendar day", func(t *testing.T) {
		h := newHarness(t)
		card, uid := h.activeCard("user-1")
		_, err := h.reload(card.ID, "user-1", "r1", 400)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, fmt.Sprintf("tap-%d", i), 100))
			require.NoError(t, err)
		}
		_, err = h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-4", 50))
		var limitErr *LimitExceededError
		require.True(t, errors.As(err, &limitErr))
		assert.Equal(t, LimitDailyAmount, limitErr.LimitType)

		h.clock.Advance(14 * time.Hour)
		_, err = h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-5", 50))
		require.NoError(t, err)
		assert.Equal(t, int64(50), h.card(card.ID).DailySpent)
	})
}

func TestAuthorize_CurrencyMismatch(t *testing.T) {
	h := newHarness(t)
	_, uid := h.activeCard("user-1")

	req := h.tap(uid, "tap-usd", 10)
	req.Currency = "USD"
	_, err := h.engine.Authorization.Authorize(h.ctx, req)
	assert.Equal(t, DeclineCurrencyMismatch, CodeFor(err))
}

func TestAuthorize_WrongResponse(t *testing.T) {
	h := newHarness(t)
	card, uid := h.activeCard("user-1")

	req := h.tap(uid, "tap-forged", 10)
	req.Response = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	resp, err := h.engine.Authorization.Authorize(h.ctx, req)
	assert.Equal(t, DeclineCryptoFailed, CodeFor(err))
	assert.False(t, resp.Success)
	assert.Equal(t, int64(50), h.card(card.ID).Balance)
}

func TestAuthorize_PurchaseFee(t *testing.T) {
	h := newHarness(t, withProgram(func(p *models.CardProgram) {
		p.Fees.PurchaseFixed = 2
	}))
	card, uid := h.activeCard("user-1")

	resp, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-fee", 40))
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.FeeAmount)
	assert.Equal(t, int64(8), h.card(card.ID).Balance)

	txn, err := h.store.GetTransaction(h.ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.True(t, txn.BalanceConsistent())
}

func TestAuthorize_RevokedKeySuspendsCard(t *testing.T) {
	h := newHarness(t)
	card, uid := h.activeCard("user-1")
	req := h.tap(uid, "tap-revoked", 10)

	_, err := h.engine.Keys.Revoke(h.ctx, card.KeySlotID, adminActor)
	require.NoError(t, err)

	_, err = h.engine.Authorization.Authorize(h.ctx, req)
	assert.Equal(t, DeclineKeyRevoked, CodeFor(err))
	assert.Equal(t, models.CardStateSuspended, h.card(card.ID).State)

	ref, err := h.engine.Lifecycle.RekeyCard(h.ctx, card.ID, adminActor)
	require.NoError(t, err)
	assert.Equal(t, 2, ref.KeyVersion)
	_, err = h.engine.Lifecycle.Reinstate(h.ctx, card.ID, "rekeyed", adminActor)
	require.NoError(t, err)

	_, err = h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-after-rekey", 10))
	require.NoError(t, err)
}

func TestAuthorize_ConcurrentTapsDoNotLoseUpdates(t *testing.T) {
	h := newHarness(t, withProgram(func(p *models.CardProgram) {
		p.DailyTransactionLimit = 0
		p.MaxBalance = 10_000
		p.MaxReload = 10_000
	}), withConfig(func(c *config.EngineConfig) {
		// repeated identical taps would otherwise push the fraud score to a block
		c.FraudBlockThreshold = 0
	}))
	card, uid := h.activeCard("user-1")
	_, err := h.reload(card.ID, "user-1", "r1", 950)
	require.NoError(t, err)

	// 1000 on the card; 15 taps of 100 can only partly succeed
	reqs := make([]TapToPayRequest, 15)
	for i := range reqs {
		reqs[i] = h.tap(uid, fmt.Sprintf("tap-%d", i), 100)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	approved := 0
	for _, req := range reqs {
		wg.Add(1)
		go func(req TapToPayRequest) {
			defer wg.Done()
			resp, err := h.engine.Authorization.Authorize(h.ctx, req)
			if err == nil && resp.Success {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}(req)
	}
	wg.Wait()

	final := h.card(card.ID)
	assert.Equal(t, 10, approved)
	assert.Equal(t, int64(0), final.Balance)
	assert.Equal(t, int64(1000), final.DailySpent)
	assert.Equal(t, int64(10), final.DailyTransactionCount)
}

func TestAuthorize_DelayedCaptureAndReversal(t *testing.T) {
	h := newHarness(t, withConfig(func(c *config.EngineConfig) {
		c.CaptureMode = config.CaptureModeDelayed
	}))
	card, uid := h.activeCard("user-1")

	resp, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-hold", 30))
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStateAuthorized, resp.State)

	t.Run("capture", func(t *testing.T) {
		captured, err := h.engine.Authorization.Capture(h.ctx, resp.TransactionID, adminActor)
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStateCaptured, captured.State)

		_, err = h.engine.Authorization.Capture(h.ctx, resp.TransactionID, adminActor)
		assert.ErrorIs(t, err, ErrInvalidStateTransition)
	})

	t.Run("reverse restores balance and velocity", func(t *testing.T) {
		rev, err := h.engine.Authorization.Reverse(h.ctx, ReverseRequest{
			IdempotencyKey: "rev-1", TransactionID: resp.TransactionID, Reason: "customer cancelled",
		}, adminActor)
		require.NoError(t, err)
		assert.Equal(t, models.TransactionTypeReversal, rev.Type)
		assert.Equal(t, int64(30), rev.Amount)

		c := h.card(card.ID)
		assert.Equal(t, int64(50), c.Balance)
		assert.Equal(t, int64(0), c.DailySpent)

		again, err := h.engine.Authorization.Reverse(h.ctx, ReverseRequest{
			IdempotencyKey: "rev-1", TransactionID: resp.TransactionID,
		}, adminActor)
		require.NoError(t, err)
		assert.Equal(t, rev.ID, again.ID)
		assert.Equal(t, int64(50), h.card(card.ID).Balance)

		_, err = h.engine.Authorization.Reverse(h.ctx, ReverseRequest{
			IdempotencyKey: "rev-2", TransactionID: resp.TransactionID,
		}, adminActor)
		assert.ErrorIs(t, err, ErrNotReversible)
	})
}

func TestExpireAuthorizations(t *testing.T) {
	h := newHarness(t, withConfig(func(c *config.EngineConfig) {
		c.CaptureMode = config.CaptureModeDelayed
		c.AuthorizationHoldTTL = time.Hour
	}))
	card, uid := h.activeCard("user-1")

	resp, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-stale", 25))
	require.NoError(t, err)
	assert.Equal(t, int64(25), h.card(card.ID).Balance)

	n, err := h.engine.Authorization.ExpireAuthorizations(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Hour)
	n, err = h.engine.Authorization.ExpireAuthorizations(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	orig, err := h.store.GetTransaction(h.ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStateExpired, orig.State)
	assert.Equal(t, int64(50), h.card(card.ID).Balance)
}

func TestRefund(t *testing.T) {
	h := newHarness(t)
	card, uid := h.activeCard("user-1")

	resp, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-1", 40))
	require.NoError(t, err)

	refund, err := h.engine.Authorization.Refund(h.ctx, RefundRequest{
		IdempotencyKey: "refund-1", TransactionID: resp.TransactionID, Amount: 15,
	}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionTypeRefund, refund.Type)
	assert.Equal(t, int64(25), h.card(card.ID).Balance)

	orig, err := h.store.GetTransaction(h.ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusPartial, orig.RefundStatus)
	assert.Equal(t, int64(15), orig.RefundedAmount)

	_, err = h.engine.Authorization.Refund(h.ctx, RefundRequest{
		IdempotencyKey: "refund-2", TransactionID: resp.TransactionID, Amount: 30,
	}, adminActor)
	assert.ErrorIs(t, err, ErrRefundExceedsOriginal)

	_, err = h.engine.Authorization.Refund(h.ctx, RefundRequest{
		IdempotencyKey: "refund-3", TransactionID: resp.TransactionID, Amount: 25,
	}, adminActor)
	require.NoError(t, err)
	orig, err = h.store.GetTransaction(h.ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusFull, orig.RefundStatus)
	assert.Equal(t, int64(50), h.card(card.ID).Balance)

	_, err = h.engine.Authorization.Reverse(h.ctx, ReverseRequest{
		IdempotencyKey: "rev-after-refund", TransactionID: resp.TransactionID,
	}, adminActor)
	assert.ErrorIs(t, err, ErrNotReversible)
}

func TestAdjustments_CardMustAcceptCredit(t *testing.T) {
	t.Run("refund after replacement", func(t *testing.T) {
		h := newHarness(t)
		card, uid := h.activeCard("user-1")
		resp, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-1", 40))
		require.NoError(t, err)
		h.warehouseCard()

		res, err := h.engine.Replacement.Replace(h.ctx, ReplaceCardRequest{
			IdempotencyKey: "replace-1", CardID: card.ID, Reason: "lost",
		}, adminActor)
		require.NoError(t, err)
		assert.Equal(t, int64(10), res.Replacement.Balance)

		_, err = h.engine.Authorization.Refund(h.ctx, RefundRequest{
			IdempotencyKey: "refund-1", TransactionID: resp.TransactionID, Amount: 40,
		}, adminActor)
		assert.ErrorIs(t, err, ErrCardNotActivated)

		orig := h.card(card.ID)
		assert.Equal(t, models.CardStateReplaced, orig.State)
		assert.Equal(t, int64(0), orig.Balance)
		purchase, err := h.store.GetTransaction(h.ctx, resp.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), purchase.RefundedAmount)
	})

	t.Run("reversal on a blocked card", func(t *testing.T) {
		h := newHarness(t)
		card, uid := h.activeCard("user-1")
		resp, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-1", 40))
		require.NoError(t, err)
		_, err = h.engine.Lifecycle.Block(h.ctx, card.ID, "stolen", adminActor)
		require.NoError(t, err)

		_, err = h.engine.Authorization.Reverse(h.ctx, ReverseRequest{
			IdempotencyKey: "rev-1", TransactionID: resp.TransactionID,
		}, adminActor)
		assert.ErrorIs(t, err, ErrCardNotActivated)
		assert.Equal(t, int64(10), h.card(card.ID).Balance)
	})

	t.Run("suspended card still takes a refund", func(t *testing.T) {
		h := newHarness(t)
		card, uid := h.activeCard("user-1")
		resp, err := h.engine.Authorization.Authorize(h.ctx, h.tap(uid, "tap-1", 40))
		require.NoError(t, err)
		_, err = h.engine.Lifecycle.Suspend(h.ctx, card.ID, "owner request", adminActor)
		require.NoError(t, err)

		_, err = h.engine.Authorization.Refund(h.ctx, RefundRequest{
			IdempotencyKey: "refund-1", TransactionID: resp.TransactionID, Amount: 40,
		}, adminActor)
		require.NoError(t, err)
		assert.Equal(t, int64(50), h.card(card.ID).Balance)
	})
}
