package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
	"github.com/ruralpay/cardengine/pkg/idgen"
)

// SettlementService closes captured transactions into batches. It never
// moves card balances.
type SettlementService struct {
	core
	iso    *ISO20022Service
	locker Locker
	queue  SettlementQueue
}

// merchantTotals aggregates what each merchant is owed. Purchases add their
// amount, refunds deduct theirs; fees are issuer revenue paid by the cardholder.
func merchantTotals(txns []models.Transaction) models.MerchantTotals {
	byMerchant := map[string]*models.MerchantTotal{}
	for _, t := range txns {
		if t.MerchantID == "" || (t.Type != models.TransactionTypePurchase && t.Type != models.TransactionTypeRefund) {
			continue
		}
		m, ok := byMerchant[t.MerchantID]
		if !ok {
			m = &models.MerchantTotal{MerchantID: t.MerchantID}
			byMerchant[t.MerchantID] = m
		}
		m.TransactionCount++
		if t.Type == models.TransactionTypePurchase {
			m.Gross += t.Amount
			m.Fees += t.FeeAmount
			m.Net += t.Amount
		} else {
			m.Net -= t.Amount
		}
	}
	out := make(models.MerchantTotals, 0, len(byMerchant))
	for _, m := range byMerchant {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MerchantID < out[j].MerchantID })
	return out
}

// Settle batches every captured transaction in currency captured at or
// before cutoff. Only one run per currency may be in flight across instances.
func (s *SettlementService) Settle(ctx context.Context, currency string, cutoff time.Time, actor models.Actor) (*models.SettlementBatch, error) {
	release, err := s.locker.Acquire(ctx, "settlement:"+currency, s.cfg.SettlementLockTTL)
	if errors.Is(err, ErrLockFailed) {
		return nil, ErrSettlementInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("settlement lock: %w", err)
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			logger.Log.Warn("[SETTLEMENT] lock release failed", zap.Error(err))
		}
	}()

	candidates, err := s.store.ListCapturedForSettlement(ctx, currency, cutoff)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNothingToSettle
	}
	locks := make([]repository.LockKey, 0, len(candidates))
	for _, t := range candidates {
		locks = append(locks, repository.CardLock(t.CardID))
	}

	var batch *models.SettlementBatch
	err = s.store.Atomic(ctx, locks, func(tx repository.Tx) error {
		batch = nil
		// anything reversed or refunded to zero since the listing drops out here
		var (
			settled []models.Transaction
			ids     []string
		)
		for _, c := range candidates {
			t, err := tx.GetTransaction(ctx, c.ID)
			if err != nil {
				return err
			}
			if t.State != models.TransactionStateCaptured {
				continue
			}
			settled = append(settled, *t)
			ids = append(ids, t.ID)
		}
		if len(ids) == 0 {
			return ErrNothingToSettle
		}

		now := s.clock()
		b := &models.SettlementBatch{
			ID:               uuid.NewString(),
			BatchNumber:      idgen.SettlementBatchNumber(),
			Currency:         currency,
			Cutoff:           cutoff,
			TransactionCount: len(ids),
			Merchants:        merchantTotals(settled),
			MessageID:        uuid.NewString(),
			CreatedAt:        now,
		}
		for _, m := range b.Merchants {
			b.Gross += m.Gross
			b.Fees += m.Fees
			b.Net += m.Net
		}
		if err := tx.InsertSettlementBatch(ctx, b); err != nil {
			return err
		}
		if err := tx.MarkSettled(ctx, ids, b.ID, now); err != nil {
			return err
		}
		batch = b
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNothingToSettle) {
			logger.Log.Error("[SETTLEMENT] settlement run failed", zap.String("currency", currency), zap.Error(err))
		}
		return nil, err
	}

	if err := s.queue.Publish(ctx, batch.ID); err != nil {
		// the batch is committed; payout workers also poll for unexported batches
		logger.Log.Error("[SETTLEMENT] could not notify settlement queue", zap.String("batch", batch.BatchNumber), zap.Error(err))
	}
	logger.Log.Info("[SETTLEMENT] batch created",
		zap.String("batch", batch.BatchNumber),
		zap.Int("transactions", batch.TransactionCount),
		zap.Int64("net", batch.Net))
	s.record(ctx, auditEvent(models.AuditCategorySettlement, "settlement_batch", batch.ID, actor, "SETTLEMENT_BATCH_CREATED", nil,
		models.Metadata{"batchNumber": batch.BatchNumber, "transactionCount": batch.TransactionCount, "gross": batch.Gross, "fees": batch.Fees, "net": batch.Net}))
	return batch, nil
}

// ExportBatch renders the batch as a pacs.008 document.
func (s *SettlementService) ExportBatch(ctx context.Context, batchID string) (string, error) {
	batch, err := s.store.GetSettlementBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	doc, err := s.iso.CreatePacs008(batch)
	if err != nil {
		return "", err
	}
	return s.iso.ConvertToXML(doc)
}

// StatusReport renders a pacs.002 for the batch with the given status code.
func (s *SettlementService) StatusReport(ctx context.Context, batchID, status string) (string, error) {
	batch, err := s.store.GetSettlementBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	doc, err := s.iso.CreatePacs002(batch, status)
	if err != nil {
		return "", err
	}
	return s.iso.ConvertToXML(doc)
}

func (s *SettlementService) GetBatch(ctx context.Context, batchID string) (*models.SettlementBatch, error) {
	return s.store.GetSettlementBatch(ctx, batchID)
}
