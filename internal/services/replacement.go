package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
)

type ReplaceCardRequest struct {
	IdempotencyKey    string `json:"idempotencyKey" validate:"required,max=120"`
	CardID            string `json:"cardId" validate:"required"`
	ReplacementCardID string `json:"replacementCardId,omitempty"`
	// BalanceToTransfer defaults to the whole balance.
	BalanceToTransfer *int64 `json:"balanceToTransfer,omitempty" validate:"omitempty,gte=0"`
	Reason            string `json:"reason" validate:"required,max=255"`
}

type ReplacementResult struct {
	Original    *models.PrepaidCard `json:"original"`
	Replacement *models.PrepaidCard `json:"replacement"`
	TransferOut *models.Transaction `json:"transferOut"`
	TransferIn  *models.Transaction `json:"transferIn"`
	// Activation is only present on the first response; replays omit the code.
	Activation *ActivationPacket `json:"activation,omitempty"`
}

// ReplacementService swaps a lost, damaged or blocked card for warehouse stock
// and moves its balance across.
type ReplacementService struct {
	core
	validator *ValidationHelper
}

// pickReplacement returns a warehouse card from the same program.
func (s *ReplacementService) pickReplacement(ctx context.Context, original *models.PrepaidCard, wanted string) (*models.PrepaidCard, error) {
	if wanted != "" {
		c, err := loadCard(ctx, s.store, wanted)
		if err != nil {
			return nil, err
		}
		if c.ProgramID != original.ProgramID || c.State != models.CardStateIssued || c.VendorID != "" {
			return nil, fmt.Errorf("%w: replacement card is not warehouse stock of the same program", ErrCardNotInInventory)
		}
		return c, nil
	}
	batches, err := s.store.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		if b.ProgramID != original.ProgramID || b.Warehouse == 0 {
			continue
		}
		cards, err := s.store.ListCardsByBatch(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		for i := range cards {
			if cards[i].State == models.CardStateIssued && cards[i].VendorID == "" {
				return &cards[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no warehouse stock for program %s", ErrCardNotInInventory, original.ProgramID)
}

func (s *ReplacementService) replayed(ctx context.Context, key string) (*ReplacementResult, bool, error) {
	in, ok, err := replayedAdjustment(ctx, s.store, key+":in", models.TransactionTypeBalanceTransferIn, false)
	if !ok || err != nil {
		return nil, false, err
	}
	out, _, err := replayedAdjustment(ctx, s.store, key+":out", models.TransactionTypeBalanceTransferOut, false)
	if err != nil {
		return nil, false, err
	}
	res := &ReplacementResult{TransferIn: in, TransferOut: out}
	if res.Replacement, err = loadCard(ctx, s.store, in.CardID); err != nil {
		return nil, false, err
	}
	if out != nil {
		if res.Original, err = loadCard(ctx, s.store, out.CardID); err != nil {
			return nil, false, err
		}
	}
	return res, true, nil
}

// Replace retires the original card and credits the replacement with the
// transferred balance less the replacement fee. Any balance not transferred is
// forfeited as the fee on the outgoing record, so the original always ends at zero.
func (s *ReplacementService) Replace(ctx context.Context, req ReplaceCardRequest, actor models.Actor) (*ReplacementResult, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	if res, ok, err := s.replayed(ctx, req.IdempotencyKey); ok || err != nil {
		return res, err
	}

	original, err := loadCard(ctx, s.store, req.CardID)
	if err != nil {
		return nil, err
	}
	replacement, err := s.pickReplacement(ctx, original, req.ReplacementCardID)
	if err != nil {
		return nil, err
	}
	code, codeHash, err := newActivationCode(s.cfg.ActivationCodeLength)
	if err != nil {
		return nil, err
	}

	var (
		res    *ReplacementResult
		events []models.NFCAuditEvent
	)
	locks := []repository.LockKey{
		repository.BatchLock(replacement.BatchID),
		repository.CardLock(original.ID),
		repository.CardLock(replacement.ID),
	}
	err = s.store.Atomic(ctx, locks, func(tx repository.Tx) error {
		res, events = nil, nil
		orig, err := loadCard(ctx, tx, original.ID)
		if err != nil {
			return err
		}
		repl, err := loadCard(ctx, tx, replacement.ID)
		if err != nil {
			return err
		}
		if repl.State != models.CardStateIssued || repl.VendorID != "" {
			return fmt.Errorf("%w: replacement card is %s", ErrCardNotInInventory, repl.State)
		}
		if !CanTransition(orig.State, models.CardStateReplaced) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, orig.State, models.CardStateReplaced)
		}
		if orig.PendingBalance > 0 {
			return fmt.Errorf("%w: %d pending on original card", ErrPendingBalance, orig.PendingBalance)
		}
		transfer := orig.Balance
		if req.BalanceToTransfer != nil {
			transfer = *req.BalanceToTransfer
		}
		if transfer > orig.Balance {
			return fmt.Errorf("%w: %d requested, %d available", ErrReplacementBalanceExceedsOriginal, transfer, orig.Balance)
		}
		program, err := tx.GetProgram(ctx, repl.ProgramID)
		if err != nil {
			return err
		}
		fee := min(program.Fees.ReplacementFee, transfer)
		if err := withinMaxBalance(repl, program, transfer-fee); err != nil {
			return err
		}
		batch, err := loadBatch(ctx, tx, repl.BatchID)
		if err != nil {
			return err
		}

		now := s.clock()
		out := s.completedRecord(models.TransactionTypeBalanceTransferOut, orig, req.IdempotencyKey+":out", transfer, orig.Balance-transfer, now)
		orig.Balance = 0
		out.BalanceAfter = orig.Balance
		in := s.completedRecord(models.TransactionTypeBalanceTransferIn, repl, req.IdempotencyKey+":in", transfer, fee, now)
		repl.Balance += transfer - fee
		in.BalanceAfter = repl.Balance
		in.OriginalTransactionID = out.ID
		out.Metadata = models.Metadata{"replacementCardId": repl.ID, "reason": req.Reason}
		in.Metadata = models.Metadata{"originalCardId": orig.ID}

		ev, err := transition(orig, models.CardStateReplaced, req.Reason, actor, now)
		if err != nil {
			return err
		}
		events = append(events, ev)
		for _, to := range []models.CardState{models.CardStateSold, models.CardStateInactive} {
			ev, err := transition(repl, to, "replacement for "+orig.MaskedNumber(), actor, now)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		orig.ReplacedByCardID = repl.ID
		repl.ReplacesCardID = orig.ID
		repl.UserID = orig.UserID
		repl.Limits = orig.Limits
		repl.ActivationCodeHash = codeHash
		repl.ActivationAttempts = 0

		if err := checkIntegrity(orig, out); err != nil {
			return err
		}
		if err := checkIntegrity(repl, in); err != nil {
			return err
		}

		batch.Warehouse--
		batch.Sold++
		batch.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, orig); err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, repl); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, out); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, in); err != nil {
			return err
		}
		res = &ReplacementResult{Original: orig, Replacement: repl, TransferOut: out, TransferIn: in}
		return nil
	})
	switch {
	case errors.Is(err, repository.ErrDuplicate):
		if prior, ok, lookupErr := s.replayed(ctx, req.IdempotencyKey); ok && lookupErr == nil {
			return prior, nil
		}
		return nil, err
	case errors.Is(err, ErrBalanceIntegrity):
		s.integrityAlert(ctx, original.ID, err)
		return nil, err
	case err != nil:
		return nil, err
	}

	s.record(ctx, events...)
	s.recordTransaction(ctx, res.TransferOut, actor)
	s.recordTransaction(ctx, res.TransferIn, actor)
	logger.Log.Info("[LIFECYCLE] card replaced",
		zap.String("original", res.Original.MaskedNumber()),
		zap.String("replacement", res.Replacement.MaskedNumber()),
		zap.Int64("transferred", res.TransferIn.Amount),
		zap.Int64("forfeited", res.TransferOut.FeeAmount))

	if res.Activation, err = NewActivationPacket(res.Replacement.ID, res.Replacement.CardNumber, code); err != nil {
		// the replacement is committed; the code is still returned without an image
		logger.Log.Warn("[LIFECYCLE] activation qr not rendered", zap.Error(err))
		res.Activation = &ActivationPacket{CardID: res.Replacement.ID, CardNumber: res.Replacement.CardNumber, ActivationCode: code}
	}
	return res, nil
}
