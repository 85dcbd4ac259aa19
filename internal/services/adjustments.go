package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
	"github.com/ruralpay/cardengine/pkg/idgen"
)

type ReverseRequest struct {
	IdempotencyKey string `json:"idempotencyKey" validate:"required,max=128"`
	TransactionID  string `json:"transactionId" validate:"required"`
	Reason         string `json:"reason,omitempty"`
}

type RefundRequest struct {
	IdempotencyKey string `json:"idempotencyKey" validate:"required,max=128"`
	TransactionID  string `json:"transactionId" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Reason         string `json:"reason,omitempty"`
}

// completedRecord builds a captured ledger record against card. The caller
// applies the balance change and sets BalanceAfter.
func (c *core) completedRecord(typ models.TransactionType, card *models.PrepaidCard, key string, amount, fee int64, now time.Time) *models.Transaction {
	return &models.Transaction{
		ID:               uuid.NewString(),
		Reference:        idgen.TransactionReference(),
		IdempotencyKey:   key,
		CardID:           card.ID,
		Type:             typ,
		State:            models.TransactionStateCaptured,
		Currency:         card.Currency,
		Amount:           amount,
		FeeAmount:        fee,
		NetAmount:        amount - fee,
		BalanceBefore:    card.Balance,
		CryptoResult:     models.CryptoResultNotRequired,
		FraudCheckResult: models.FraudResultPass,
		RefundStatus:     models.RefundStatusNone,
		OccurredAt:       now,
		CreatedAt:        now,
		CapturedAt:       timePtr(now),
	}
}

// withinMaxBalance enforces balance + pending <= maxBalance after a credit of net.
func withinMaxBalance(card *models.PrepaidCard, program *models.CardProgram, net int64) error {
	if program.MaxBalance > 0 && card.Balance+card.PendingBalance+net > program.MaxBalance {
		return fmt.Errorf("%w: %d would exceed %d", ErrMaxBalanceExceeded, card.Balance+card.PendingBalance+net, program.MaxBalance)
	}
	return nil
}

// acceptsCredit allows money back only onto cards that can still spend it.
// A suspended card keeps its balance until it is reinstated or replaced.
func acceptsCredit(card *models.PrepaidCard) error {
	switch card.State {
	case models.CardStateActivated, models.CardStateSuspended:
		return nil
	}
	return fmt.Errorf("%w: card is %s", ErrCardNotActivated, card.State)
}

// keyReuse refuses to replay a record written by a different kind of operation.
// Terminal-synced offline spends are a separate kind from online purchases.
func keyReuse(t *models.Transaction, typ models.TransactionType, synced bool) error {
	if t.Type == typ && t.TerminalSynced() == synced {
		return nil
	}
	return fmt.Errorf("%w: %s is a %s", ErrIdempotencyKeyReused, t.Reference, t.Type)
}

// replayedAdjustment returns the stored record for a repeated key.
func replayedAdjustment(ctx context.Context, r repository.Reader, key string, typ models.TransactionType, synced bool) (*models.Transaction, bool, error) {
	t, err := r.GetTransactionByIdempotencyKey(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := keyReuse(t, typ, synced); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// Capture completes a delayed-capture authorization.
func (s *AuthorizationService) Capture(ctx context.Context, transactionID string, actor models.Actor) (*models.Transaction, error) {
	original, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	var captured *models.Transaction
	err = s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(original.CardID)}, func(tx repository.Tx) error {
		t, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.Type != models.TransactionTypePurchase || t.State != models.TransactionStateAuthorized {
			return fmt.Errorf("%w: cannot capture %s %s", ErrInvalidStateTransition, t.Type, t.State)
		}
		t.State = models.TransactionStateCaptured
		t.CapturedAt = timePtr(s.clock())
		captured = t
		return tx.UpdateTransaction(ctx, t, models.TransactionStateAuthorized)
	})
	if err != nil {
		return nil, err
	}
	s.recordTransaction(ctx, captured, actor)
	return captured, nil
}

// Reverse voids an authorized or captured purchase and returns amount plus fee to the card.
func (s *AuthorizationService) Reverse(ctx context.Context, req ReverseRequest, actor models.Actor) (*models.Transaction, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	if prior, ok, err := replayedAdjustment(ctx, s.store, req.IdempotencyKey, models.TransactionTypeReversal, false); ok || err != nil {
		return prior, err
	}
	original, err := s.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}

	var reversal, updated *models.Transaction
	err = s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(original.CardID)}, func(tx repository.Tx) error {
		if prior, ok, err := replayedAdjustment(ctx, tx, req.IdempotencyKey, models.TransactionTypeReversal, false); ok || err != nil {
			reversal = prior
			return err
		}
		orig, err := tx.GetTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if orig.Type != models.TransactionTypePurchase || orig.RefundedAmount > 0 ||
			(orig.State != models.TransactionStateAuthorized && orig.State != models.TransactionStateCaptured) {
			return fmt.Errorf("%w: %s %s", ErrNotReversible, orig.Type, orig.State)
		}
		card, err := loadCard(ctx, tx, orig.CardID)
		if err != nil {
			return err
		}
		if err := acceptsCredit(card); err != nil {
			return err
		}
		program, err := tx.GetProgram(ctx, card.ProgramID)
		if err != nil {
			return err
		}
		back := orig.Amount + orig.FeeAmount
		if err := withinMaxBalance(card, program, back); err != nil {
			return err
		}

		now := s.clock()
		reversal = s.completedRecord(models.TransactionTypeReversal, card, req.IdempotencyKey, back, 0, now)
		reversal.OriginalTransactionID = orig.ID
		reversal.MerchantID = orig.MerchantID
		reversal.TerminalID = orig.TerminalID
		reversal.Metadata = models.Metadata{"reason": req.Reason}
		card.Balance += back
		reversal.BalanceAfter = card.Balance
		s.velocity.Release(card, orig.Amount, orig.OccurredAt, orig.IsOffline)
		card.UpdatedAt = now
		if err := checkIntegrity(card, reversal); err != nil {
			return err
		}

		allowed := orig.State
		orig.State = models.TransactionStateReversed
		orig.ReversedAt = timePtr(now)
		if err := tx.UpdateTransaction(ctx, orig, allowed); err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, card); err != nil {
			return err
		}
		updated = orig
		return tx.InsertTransaction(ctx, reversal)
	})
	if errors.Is(err, ErrBalanceIntegrity) {
		s.integrityAlert(ctx, original.CardID, err)
	}
	if err != nil {
		return nil, err
	}
	if updated != nil {
		logger.Log.Info("[LEDGER] purchase reversed", zap.String("original", updated.Reference), zap.String("reversal", reversal.Reference))
		s.recordTransaction(ctx, updated, actor)
		s.recordTransaction(ctx, reversal, actor)
	}
	return reversal, nil
}

// Refund credits back part or all of a captured or settled purchase.
func (s *AuthorizationService) Refund(ctx context.Context, req RefundRequest, actor models.Actor) (*models.Transaction, error) {
	if err := s.validator.Validate(&req); err != nil {
		if req.Amount <= 0 {
			return nil, ErrInvalidAmount
		}
		return nil, err
	}
	if prior, ok, err := replayedAdjustment(ctx, s.store, req.IdempotencyKey, models.TransactionTypeRefund, false); ok || err != nil {
		return prior, err
	}
	original, err := s.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}

	var refund *models.Transaction
	fresh := false
	err = s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(original.CardID)}, func(tx repository.Tx) error {
		if prior, ok, err := replayedAdjustment(ctx, tx, req.IdempotencyKey, models.TransactionTypeRefund, false); ok || err != nil {
			refund = prior
			return err
		}
		orig, err := tx.GetTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if orig.Type != models.TransactionTypePurchase ||
			(orig.State != models.TransactionStateCaptured && orig.State != models.TransactionStateSettled) {
			return fmt.Errorf("%w: %s %s", ErrNotRefundable, orig.Type, orig.State)
		}
		if req.Amount > orig.Refundable() {
			return fmt.Errorf("%w: %d requested, %d refundable", ErrRefundExceedsOriginal, req.Amount, orig.Refundable())
		}
		card, err := loadCard(ctx, tx, orig.CardID)
		if err != nil {
			return err
		}
		if err := acceptsCredit(card); err != nil {
			return err
		}
		program, err := tx.GetProgram(ctx, card.ProgramID)
		if err != nil {
			return err
		}
		if err := withinMaxBalance(card, program, req.Amount); err != nil {
			return err
		}

		now := s.clock()
		refund = s.completedRecord(models.TransactionTypeRefund, card, req.IdempotencyKey, req.Amount, 0, now)
		refund.OriginalTransactionID = orig.ID
		refund.MerchantID = orig.MerchantID
		refund.TerminalID = orig.TerminalID
		refund.Metadata = models.Metadata{"reason": req.Reason}
		card.Balance += req.Amount
		refund.BalanceAfter = card.Balance
		card.UpdatedAt = now
		if err := checkIntegrity(card, refund); err != nil {
			return err
		}

		refunded := orig.RefundedAmount + req.Amount
		status := models.RefundStatusPartial
		if refunded == orig.Amount {
			status = models.RefundStatusFull
		}
		if err := tx.RecordRefund(ctx, orig.ID, refunded, status); err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, card); err != nil {
			return err
		}
		fresh = true
		return tx.InsertTransaction(ctx, refund)
	})
	if errors.Is(err, ErrBalanceIntegrity) {
		s.integrityAlert(ctx, original.CardID, err)
	}
	if err != nil {
		return nil, err
	}
	if fresh {
		logger.Log.Info("[LEDGER] refund recorded", zap.String("original", original.Reference), zap.Int64("amount", req.Amount))
		s.recordTransaction(ctx, refund, actor)
	}
	return refund, nil
}

// ExpireAuthorizations releases holds older than the configured hold TTL.
func (s *AuthorizationService) ExpireAuthorizations(ctx context.Context) (int, error) {
	stale, err := s.store.ListStaleAuthorizations(ctx, s.clock().Add(-s.cfg.AuthorizationHoldTTL))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, t := range stale {
		reversal, err := s.expireOne(ctx, t.ID, t.CardID)
		if err != nil {
			logger.Log.Warn("[LEDGER] could not expire authorization", zap.String("reference", t.Reference), zap.Error(err))
			continue
		}
		if reversal != nil {
			expired++
			s.recordTransaction(ctx, reversal, models.SystemActor)
		}
	}
	return expired, nil
}

func (s *AuthorizationService) expireOne(ctx context.Context, transactionID, cardID string) (*models.Transaction, error) {
	var reversal *models.Transaction
	err := s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(cardID)}, func(tx repository.Tx) error {
		orig, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if orig.State != models.TransactionStateAuthorized {
			return nil
		}
		card, err := loadCard(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if err := acceptsCredit(card); err != nil {
			return err
		}
		program, err := tx.GetProgram(ctx, card.ProgramID)
		if err != nil {
			return err
		}
		back := orig.Amount + orig.FeeAmount
		if err := withinMaxBalance(card, program, back); err != nil {
			return err
		}
		now := s.clock()
		reversal = s.completedRecord(models.TransactionTypeReversal, card, "expire:"+orig.ID, back, 0, now)
		reversal.OriginalTransactionID = orig.ID
		reversal.MerchantID = orig.MerchantID
		card.Balance += back
		reversal.BalanceAfter = card.Balance
		s.velocity.Release(card, orig.Amount, orig.OccurredAt, orig.IsOffline)
		card.UpdatedAt = now
		if err := checkIntegrity(card, reversal); err != nil {
			return err
		}
		orig.State = models.TransactionStateExpired
		orig.ReversedAt = timePtr(now)
		if err := tx.UpdateTransaction(ctx, orig, models.TransactionStateAuthorized); err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, card); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, reversal)
	})
	return reversal, err
}
