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

// OfflineTransactionRequest is one spend a terminal approved without the HSM.
type OfflineTransactionRequest struct {
	IdempotencyKey string           `json:"idempotencyKey" validate:"required,max=128"`
	CardUID        string           `json:"cardUid" validate:"required,max=64"`
	TerminalID     string           `json:"terminalId" validate:"required"`
	MerchantID     string           `json:"merchantId" validate:"required"`
	Amount         int64            `json:"amount" validate:"required,gt=0"`
	Currency       string           `json:"currency" validate:"required,len=3"`
	Counter        int64            `json:"counter" validate:"gte=0"`
	OccurredAt     time.Time        `json:"occurredAt" validate:"required"`
	MAC            string           `json:"mac" validate:"required,hexadecimal"`
	Location       *models.Location `json:"location,omitempty"`
}

type OfflineSyncRequest struct {
	Transactions []OfflineTransactionRequest `json:"transactions" validate:"required,min=1,max=500,dive"`
}

type OfflineSyncResult struct {
	IdempotencyKey       string                  `json:"idempotencyKey"`
	TransactionID        string                  `json:"transactionId,omitempty"`
	TransactionReference string                  `json:"transactionReference,omitempty"`
	State                models.TransactionState `json:"state,omitempty"`
	ReviewRequired       bool                    `json:"reviewRequired"`
	Error                string                  `json:"error,omitempty"`
}

// ReconcileReport summarises one pass over unsynced offline transactions.
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Validated int `json:"validated"`
	Flagged   int `json:"flagged"`
	Deferred  int `json:"deferred"`
}

// OfflineService ingests terminal-approved spends and later proves their MACs.
type OfflineService struct {
	core
	gateway   *Gateway
	velocity  *Velocity
	validator *ValidationHelper
}

// Sync posts a terminal's offline batch. Each entry is independent; one bad
// entry does not stop the rest.
func (s *OfflineService) Sync(ctx context.Context, req OfflineSyncRequest) ([]OfflineSyncResult, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	results := make([]OfflineSyncResult, 0, len(req.Transactions))
	for _, item := range req.Transactions {
		res := OfflineSyncResult{IdempotencyKey: item.IdempotencyKey}
		t, err := s.syncOne(ctx, item)
		if err != nil {
			res.Error = string(CodeFor(err))
			logger.Log.Warn("[OFFLINE] sync entry rejected", zap.String("key", item.IdempotencyKey), zap.Error(err))
		}
		if t != nil {
			res.TransactionID = t.ID
			res.TransactionReference = t.Reference
			res.State = t.State
			res.ReviewRequired = t.ReviewRequired
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *OfflineService) syncOne(ctx context.Context, item OfflineTransactionRequest) (*models.Transaction, error) {
	if prior, ok, err := replayedAdjustment(ctx, s.store, item.IdempotencyKey, models.TransactionTypePurchase, true); ok || err != nil {
		return prior, err
	}
	card, err := s.store.GetCardByUIDHash(ctx, s.uidHash(item.CardUID))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, err
	}
	if item.Currency != card.Currency {
		return nil, ErrCurrencyMismatch
	}
	program, err := s.store.GetProgram(ctx, card.ProgramID)
	if err != nil {
		return nil, err
	}

	payload := OfflineMACPayload(card.ID, item.TerminalID, item.MerchantID, item.Amount, item.Currency, item.Counter, item.OccurredAt)
	v, macErr := s.gateway.ValidateOfflineMAC(ctx, s.store, card.KeySlotID, payload, item.MAC)
	switch {
	case macErr == nil, errors.Is(macErr, ErrHSMTimeout), errors.Is(macErr, ErrCryptoValidationFailed):
	case errors.Is(macErr, ErrKeyRevoked), errors.Is(macErr, ErrKeyInactive):
		v.Result = models.CryptoResultInvalid
	default:
		return nil, macErr
	}

	var txn *models.Transaction
	fresh := false
	err = s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(card.ID)}, func(tx repository.Tx) error {
		if prior, ok, err := replayedAdjustment(ctx, tx, item.IdempotencyKey, models.TransactionTypePurchase, true); ok || err != nil {
			txn = prior
			return err
		}
		c, err := loadCard(ctx, tx, card.ID)
		if err != nil {
			return err
		}
		now := s.clock()
		fee := PurchaseFee(program, item.Amount)
		txn = &models.Transaction{
			ID:               uuid.NewString(),
			Reference:        idgen.TransactionReference(),
			IdempotencyKey:   item.IdempotencyKey,
			CardID:           c.ID,
			Type:             models.TransactionTypePurchase,
			State:            models.TransactionStatePending,
			Currency:         item.Currency,
			Amount:           item.Amount,
			FeeAmount:        fee,
			NetAmount:        item.Amount,
			BalanceBefore:    c.Balance,
			BalanceAfter:     c.Balance,
			MerchantID:       item.MerchantID,
			TerminalID:       item.TerminalID,
			Location:         item.Location,
			CryptoResult:     v.Result,
			HSMAuditID:       v.AuditID,
			IsOffline:        true,
			OfflineCounter:   item.Counter,
			OfflineMAC:       item.MAC,
			FraudCheckResult: models.FraudResultPass,
			RefundStatus:     models.RefundStatusNone,
			OccurredAt:       item.OccurredAt,
			CreatedAt:        now,
		}
		if v.Result != models.CryptoResultTimeout {
			txn.SyncedAt = timePtr(now)
		}

		var review []string
		replayed := false
		if first, err := tx.GetOfflineByCounter(ctx, c.ID, item.Counter); err == nil {
			replayed = true
			review = append(review, fmt.Sprintf("offline counter %d already used by %s", item.Counter, first.Reference))
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if v.Result == models.CryptoResultInvalid {
			review = append(review, "offline MAC invalid")
		}
		if !program.Offline.Allowed {
			review = append(review, "program does not allow offline spends")
		}
		s.velocity.Reset(c, now)
		if err := s.velocity.CheckOffline(c, program, item.Amount); err != nil && !errors.Is(err, ErrOfflineNotAllowed) {
			review = append(review, err.Error())
		}

		switch {
		case replayed:
			txn.FeeAmount = 0
		case c.Balance < item.Amount+fee:
			// already spent at the terminal; held for manual adjustment instead of overdrawing
			review = append(review, "offline overdraft")
			txn.FeeAmount = 0
		case v.Result == models.CryptoResultInvalid:
			txn.FeeAmount = 0
		default:
			c.Balance -= item.Amount + fee
			txn.BalanceAfter = c.Balance
			txn.State = models.TransactionStateCaptured
			txn.CapturedAt = timePtr(now)
			txn.AuthorizationCode = idgen.AuthorizationCode()
			if !item.OccurredAt.Before(c.DailyResetAt) {
				s.velocity.Reserve(c, item.Amount, true)
			} else {
				c.WeeklySpent += item.Amount
				c.MonthlySpent += item.Amount
			}
			if c.LastUsedAt == nil || item.OccurredAt.After(*c.LastUsedAt) {
				c.LastUsedAt = timePtr(item.OccurredAt)
				c.LastTerminalID = item.TerminalID
			}
		}
		if len(review) > 0 {
			txn.ReviewRequired = true
			txn.ReviewReason = fmt.Sprint(review)
		}
		c.UpdatedAt = now
		if err := checkIntegrity(c, txn); err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, c); err != nil {
			return err
		}
		fresh = true
		return tx.InsertTransaction(ctx, txn)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		if prior, ok, lookupErr := replayedAdjustment(ctx, s.store, item.IdempotencyKey, models.TransactionTypePurchase, true); ok && lookupErr == nil {
			return prior, nil
		}
	}
	if errors.Is(err, ErrBalanceIntegrity) {
		s.integrityAlert(ctx, card.ID, err)
	}
	if err != nil {
		return nil, err
	}
	if fresh {
		s.recordTransaction(ctx, txn, models.Actor{Type: models.ActorTerminal, ID: item.TerminalID})
		if txn.ReviewRequired {
			s.record(ctx, auditEvent(models.AuditCategorySecurity, "transaction", txn.ID, models.SystemActor, "OFFLINE_REVIEW_REQUIRED",
				nil, models.Metadata{"reason": txn.ReviewReason, "cardId": txn.CardID}))
		}
	}
	return txn, nil
}

// ReconcileOffline re-validates cryptograms the HSM could not check at the
// time. Transactions whose HSM check times out again stay unsynced.
func (s *OfflineService) ReconcileOffline(ctx context.Context, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	pending, err := s.store.ListUnsyncedOffline(ctx, limit)
	if err != nil {
		return report, err
	}
	for i := range pending {
		t := &pending[i]
		report.Checked++
		card, err := loadCard(ctx, s.store, t.CardID)
		if err != nil {
			return report, err
		}

		var v Verification
		var verr error
		if nonce, ok := t.Metadata["deferredNonce"].(string); ok {
			response, _ := t.Metadata["deferredResponse"].(string)
			v, verr = s.gateway.ValidateDeferredResponse(ctx, s.store, card.KeySlotID, nonce, response)
		} else {
			payload := OfflineMACPayload(card.ID, t.TerminalID, t.MerchantID, t.Amount, t.Currency, t.OfflineCounter, t.OccurredAt)
			v, verr = s.gateway.ValidateOfflineMAC(ctx, s.store, card.KeySlotID, payload, t.OfflineMAC)
		}
		switch {
		case errors.Is(verr, ErrHSMTimeout):
			report.Deferred++
			continue
		case verr == nil:
		case errors.Is(verr, ErrCryptoValidationFailed), errors.Is(verr, ErrKeyRevoked), errors.Is(verr, ErrKeyInactive):
			v.Result = models.CryptoResultInvalid
		default:
			return report, verr
		}

		valid := v.Result == models.CryptoResultValid
		err = s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(t.CardID)}, func(tx repository.Tx) error {
			cur, err := tx.GetTransaction(ctx, t.ID)
			if err != nil {
				return err
			}
			if cur.SyncedAt != nil {
				return nil
			}
			cur.SyncedAt = timePtr(s.clock())
			cur.CryptoResult = v.Result
			if v.AuditID != "" {
				cur.HSMAuditID = v.AuditID
			}
			if !valid {
				cur.ReviewRequired = true
				cur.ReviewReason = "deferred cryptogram invalid"
			}
			return tx.UpdateTransaction(ctx, cur)
		})
		if err != nil {
			return report, err
		}
		if valid {
			report.Validated++
			continue
		}
		report.Flagged++
		logger.Log.Warn("[OFFLINE] deferred cryptogram invalid", zap.String("reference", t.Reference))
		s.record(ctx, auditEvent(models.AuditCategorySecurity, "transaction", t.ID, models.SystemActor, "OFFLINE_REVIEW_REQUIRED",
			nil, models.Metadata{"reason": "deferred cryptogram invalid", "cardId": t.CardID}))
	}
	if report.Checked > 0 {
		logger.Log.Info("[OFFLINE] reconciliation pass complete",
			zap.Int("checked", report.Checked),
			zap.Int("validated", report.Validated),
			zap.Int("flagged", report.Flagged),
			zap.Int("deferred", report.Deferred))
	}
	return report, nil
}
