package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
	"github.com/ruralpay/cardengine/pkg/idgen"
)

// Reload funding sources. Bank transfers arrive later and land in the pending balance.
const (
	SourceWallet       = "WALLET"
	SourceBankTransfer = "BANK_TRANSFER"
	SourceAgentCash    = "AGENT_CASH"
)

type ReloadCardRequest struct {
	IdempotencyKey string `json:"idempotencyKey" validate:"required,max=128"`
	CardID         string `json:"cardId" validate:"required"`
	UserID         string `json:"userId" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	SourceType     string `json:"sourceType" validate:"required,oneof=WALLET BANK_TRANSFER AGENT_CASH"`
	SourceWalletID string `json:"sourceWalletId,omitempty"`
	AgentID        string `json:"agentId,omitempty" validate:"required_if=SourceType AGENT_CASH"`
}

// ReloadService credits cards from external money. It never runs spend checks.
type ReloadService struct {
	core
	wallets   WalletService
	validator *ValidationHelper
}

func (s *ReloadService) sourceWallet(req ReloadCardRequest, card *models.PrepaidCard) (string, error) {
	switch req.SourceType {
	case SourceAgentCash:
		return "agent:" + req.AgentID, nil
	case SourceWallet:
		if req.SourceWalletID != "" {
			return req.SourceWalletID, nil
		}
		if card.WalletID == "" {
			return "", ErrWalletNotBound
		}
		return card.WalletID, nil
	}
	return "", nil
}

// checkReloadable covers everything that can be decided without money moving.
func checkReloadable(req ReloadCardRequest, card *models.PrepaidCard, program *models.CardProgram, net int64) error {
	if card.State != models.CardStateActivated {
		return fmt.Errorf("%w: card is %s", ErrCardNotActivated, card.State)
	}
	if card.UserID != "" && card.UserID != req.UserID {
		return ErrCardOwnership
	}
	if err := CheckReload(program, req.Amount); err != nil {
		return err
	}
	return withinMaxBalance(card, program, net)
}

// Reload debits the funding wallet, then credits the card. A failed card
// credit is compensated back to the wallet.
func (s *ReloadService) Reload(ctx context.Context, req ReloadCardRequest, actor models.Actor) (*models.Transaction, error) {
	if err := s.validator.Validate(&req); err != nil {
		if req.Amount <= 0 {
			return nil, ErrInvalidAmount
		}
		return nil, err
	}
	if prior, ok, err := replayedAdjustment(ctx, s.store, req.IdempotencyKey, models.TransactionTypeReload, false); ok || err != nil {
		return prior, err
	}

	card, err := loadCard(ctx, s.store, req.CardID)
	if err != nil {
		return nil, err
	}
	program, err := s.store.GetProgram(ctx, card.ProgramID)
	if err != nil {
		return nil, err
	}
	fee := ReloadFee(program, req.Amount)
	if fee >= req.Amount {
		return nil, fmt.Errorf("%w: fee %d consumes reload %d", ErrInvalidAmount, fee, req.Amount)
	}
	net := req.Amount - fee
	if err := checkReloadable(req, card, program, net); err != nil {
		return nil, err
	}

	walletID, err := s.sourceWallet(req, card)
	if err != nil {
		return nil, err
	}
	pending := req.SourceType == SourceBankTransfer
	if !pending {
		if err := s.wallets.Debit(ctx, walletID, req.Amount, req.IdempotencyKey); err != nil {
			logger.Log.Warn("[RELOAD] source debit refused", zap.String("card", card.MaskedNumber()), zap.Error(err))
			return nil, err
		}
	}

	var txn *models.Transaction
	fresh := false
	err = s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(card.ID)}, func(tx repository.Tx) error {
		if prior, ok, err := replayedAdjustment(ctx, tx, req.IdempotencyKey, models.TransactionTypeReload, false); ok || err != nil {
			txn = prior
			return err
		}
		card, err := loadCard(ctx, tx, req.CardID)
		if err != nil {
			return err
		}
		if err := checkReloadable(req, card, program, net); err != nil {
			return err
		}

		now := s.clock()
		txn = &models.Transaction{
			ID:               uuid.NewString(),
			Reference:        idgen.TransactionReference(),
			IdempotencyKey:   req.IdempotencyKey,
			CardID:           card.ID,
			Type:             models.TransactionTypeReload,
			State:            models.TransactionStateCaptured,
			Currency:         card.Currency,
			Amount:           req.Amount,
			FeeAmount:        fee,
			NetAmount:        net,
			BalanceBefore:    card.Balance,
			CryptoResult:     models.CryptoResultNotRequired,
			FraudCheckResult: models.FraudResultPass,
			RefundStatus:     models.RefundStatusNone,
			SourceType:       req.SourceType,
			SourceWalletID:   walletID,
			AgentID:          req.AgentID,
			OccurredAt:       now,
			CreatedAt:        now,
		}
		if pending {
			txn.State = models.TransactionStatePending
			card.PendingBalance += net
		} else {
			card.Balance += net
			txn.CapturedAt = timePtr(now)
		}
		txn.BalanceAfter = card.Balance
		card.UpdatedAt = now
		if err := checkIntegrity(card, txn); err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, card); err != nil {
			return err
		}
		fresh = true
		return tx.InsertTransaction(ctx, txn)
	})
	if err != nil {
		if errors.Is(err, ErrBalanceIntegrity) {
			s.integrityAlert(ctx, card.ID, err)
		}
		if !pending && !errors.Is(err, repository.ErrDuplicate) {
			s.compensate(ctx, walletID, req)
		}
		if errors.Is(err, repository.ErrDuplicate) {
			if prior, ok, lookupErr := replayedAdjustment(ctx, s.store, req.IdempotencyKey, models.TransactionTypeReload, false); ok && lookupErr == nil {
				return prior, nil
			}
		}
		return nil, err
	}
	if fresh {
		logger.Log.Info("[RELOAD] card reloaded",
			zap.String("reference", txn.Reference),
			zap.String("card", card.MaskedNumber()),
			zap.Int64("net", net),
			zap.Bool("pending", pending))
		s.recordTransaction(ctx, txn, actor)
	}
	return txn, nil
}

// compensate returns a debited reload to its wallet.
func (s *ReloadService) compensate(ctx context.Context, walletID string, req ReloadCardRequest) {
	ref := req.IdempotencyKey + ":compensation"
	if err := s.wallets.Credit(ctx, walletID, req.Amount, ref); err != nil {
		logger.Log.Error("[RELOAD] compensation credit failed, manual action required",
			zap.String("wallet", walletID), zap.String("reference", ref), zap.Error(err))
		s.record(ctx, auditEvent(models.AuditCategoryIntegrity, "card", req.CardID, models.SystemActor, "RELOAD_COMPENSATION_FAILED",
			nil, models.Metadata{"walletId": walletID, "amount": req.Amount, "reference": ref}))
		return
	}
	logger.Log.Warn("[RELOAD] card credit failed, wallet compensated", zap.String("reference", ref))
}

// ConfirmPendingReload moves a pending reload into the spendable balance.
func (s *ReloadService) ConfirmPendingReload(ctx context.Context, transactionID string, actor models.Actor) (*models.Transaction, error) {
	return s.settlePending(ctx, transactionID, true, actor)
}

// FailPendingReload drops a pending reload whose funds never arrived.
func (s *ReloadService) FailPendingReload(ctx context.Context, transactionID string, actor models.Actor) (*models.Transaction, error) {
	return s.settlePending(ctx, transactionID, false, actor)
}

func (s *ReloadService) settlePending(ctx context.Context, transactionID string, confirm bool, actor models.Actor) (*models.Transaction, error) {
	original, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	var updated *models.Transaction
	err = s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(original.CardID)}, func(tx repository.Tx) error {
		t, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.Type != models.TransactionTypeReload || t.State != models.TransactionStatePending {
			return fmt.Errorf("%w: %s %s", ErrNotPending, t.Type, t.State)
		}
		card, err := loadCard(ctx, tx, t.CardID)
		if err != nil {
			return err
		}
		now := s.clock()
		card.PendingBalance -= t.NetAmount
		t.BalanceBefore = card.Balance
		if confirm {
			card.Balance += t.NetAmount
			t.State = models.TransactionStateCaptured
			t.CapturedAt = timePtr(now)
		} else {
			t.State = models.TransactionStateFailed
		}
		t.BalanceAfter = card.Balance
		card.UpdatedAt = now
		if err := checkIntegrity(card, t); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, t, models.TransactionStatePending); err != nil {
			return err
		}
		updated = t
		return tx.UpdateCard(ctx, card)
	})
	if errors.Is(err, ErrBalanceIntegrity) {
		s.integrityAlert(ctx, original.CardID, err)
	}
	if err != nil {
		return nil, err
	}
	s.recordTransaction(ctx, updated, actor)
	return updated, nil
}
