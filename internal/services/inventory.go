package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
	"github.com/ruralpay/cardengine/pkg/idgen"
)

type CreateBatchRequest struct {
	ProgramID     string `json:"programId" validate:"required"`
	SequenceStart int64  `json:"sequenceStart" validate:"required,gt=0"`
	CardCount     int64  `json:"cardCount" validate:"required,gt=0,lte=100000"`
}

type ProvisionCardRequest struct {
	BatchID        string `json:"batchId" validate:"required"`
	SequenceNumber int64  `json:"sequenceNumber" validate:"required,gt=0"`
	CardUID        string `json:"cardUid" validate:"required,max=64"`
}

type CreateVendorRequest struct {
	Name           string          `json:"name" validate:"required,max=120"`
	CommissionRate decimal.Decimal `json:"commissionRate"`
}

type AssignInventoryRequest struct {
	VendorID      string `json:"vendorId" validate:"required"`
	BatchID       string `json:"batchId" validate:"required"`
	SequenceStart int64  `json:"sequenceStart" validate:"required,gt=0"`
	SequenceEnd   int64  `json:"sequenceEnd" validate:"required,gtefield=SequenceStart"`
}

type VendorSaleRequest struct {
	VendorID      string `json:"vendorId" validate:"required"`
	CardID        string `json:"cardId" validate:"required"`
	PaymentMethod string `json:"paymentMethod" validate:"required,oneof=CASH TRANSFER POS"`
}

type InventoryAdjustmentRequest struct {
	VendorID string `json:"vendorId" validate:"required"`
	CardID   string `json:"cardId" validate:"required"`
	Reason   string `json:"reason,omitempty"`
}

// InventoryService provisions cards and tracks their custody from the
// warehouse to vendors.
type InventoryService struct {
	core
	keys      *HSMKeyService
	validator *ValidationHelper
}

// CardNumber builds BIN + zero padded sequence + Luhn check digit, 16 digits in total.
func CardNumber(bin string, seq int64) string {
	body := fmt.Sprintf("%s%0*d", bin, 15-len(bin), seq)
	return body + string(rune('0'+luhnCheckDigit(body)))
}

func luhnCheckDigit(body string) int {
	sum := 0
	double := true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10
}

// LuhnValid reports whether number carries a correct check digit.
func LuhnValid(number string) bool {
	if len(number) < 2 {
		return false
	}
	return luhnCheckDigit(number[:len(number)-1]) == int(number[len(number)-1]-'0')
}

// CreateBatch registers a manufactured batch and its master key. The range
// must not overlap any existing batch.
func (s *InventoryService) CreateBatch(ctx context.Context, req CreateBatchRequest, actor models.Actor) (*models.CardBatch, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	if _, err := publishedProgram(ctx, s.store, req.ProgramID); err != nil {
		return nil, err
	}
	end := req.SequenceStart + req.CardCount - 1
	if err := s.checkBatchRange(ctx, s.store, req.SequenceStart, end); err != nil {
		return nil, err
	}

	master, err := s.keys.CreateMasterKey(ctx, "batch-master", actor)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	batch := &models.CardBatch{
		ID:            uuid.NewString(),
		BatchNumber:   idgen.CardBatchNumber(),
		ProgramID:     req.ProgramID,
		SequenceStart: req.SequenceStart,
		SequenceEnd:   end,
		CardCount:     req.CardCount,
		MasterKeyID:   master.KeyID,
		Status:        models.BatchStatusManufactured,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = s.store.Atomic(ctx, nil, func(tx repository.Tx) error {
		if err := s.checkBatchRange(ctx, tx, batch.SequenceStart, batch.SequenceEnd); err != nil {
			return err
		}
		return tx.InsertBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info("[INVENTORY] batch created",
		zap.String("batch", batch.BatchNumber),
		zap.Int64("start", batch.SequenceStart),
		zap.Int64("end", batch.SequenceEnd))
	s.record(ctx, auditEvent(models.AuditCategoryInventory, "batch", batch.ID, actor, "BATCH_CREATED", nil,
		models.Metadata{"batchNumber": batch.BatchNumber, "sequenceStart": batch.SequenceStart, "sequenceEnd": batch.SequenceEnd}))
	return batch, nil
}

func (s *InventoryService) checkBatchRange(ctx context.Context, r repository.Reader, start, end int64) error {
	batches, err := r.ListBatches(ctx)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if models.RangesOverlap(start, end, b.SequenceStart, b.SequenceEnd) {
			return fmt.Errorf("%w: overlaps batch %s", ErrInventoryRangeConflict, b.BatchNumber)
		}
	}
	return nil
}

// ProvisionCard derives the card key from the batch master and creates the
// card in CREATED state. The opening balance is loaded when the card is sold.
func (s *InventoryService) ProvisionCard(ctx context.Context, req ProvisionCardRequest, actor models.Actor) (*models.PrepaidCard, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	batch, err := loadBatch(ctx, s.store, req.BatchID)
	if err != nil {
		return nil, err
	}
	if !batch.Contains(req.SequenceNumber) {
		return nil, fmt.Errorf("%w: sequence %d outside batch %s", ErrInventoryRangeConflict, req.SequenceNumber, batch.BatchNumber)
	}
	program, err := s.store.GetProgram(ctx, batch.ProgramID)
	if err != nil {
		return nil, err
	}
	uidHash := s.uidHash(req.CardUID)
	key, err := s.keys.DeriveCardKey(ctx, batch.MasterKeyID, uidHash, 1)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	card := &models.PrepaidCard{
		ID:             uuid.NewString(),
		CardNumber:     CardNumber(s.cfg.CardBIN, req.SequenceNumber),
		CardUIDHash:    uidHash,
		KeySlotID:      key.KeyID,
		ProgramID:      program.ID,
		BatchID:        batch.ID,
		SequenceNumber: req.SequenceNumber,
		State:          models.CardStateCreated,
		Currency:       program.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.store.Atomic(ctx, []repository.LockKey{repository.BatchLock(batch.ID)}, func(tx repository.Tx) error {
		b, err := loadBatch(ctx, tx, batch.ID)
		if err != nil {
			return err
		}
		if _, err := tx.GetCardBySequence(ctx, b.ID, req.SequenceNumber); err == nil {
			return fmt.Errorf("%w: sequence %d already provisioned", ErrInventoryRangeConflict, req.SequenceNumber)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err := tx.InsertKey(ctx, key); err != nil {
			return err
		}
		if b.Status == models.BatchStatusManufactured {
			b.Status = models.BatchStatusProvisioned
			b.UpdatedAt = now
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
		}
		return tx.InsertCard(ctx, card)
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info("[INVENTORY] card provisioned", zap.String("card", card.MaskedNumber()), zap.String("batch", batch.BatchNumber))
	s.record(ctx, auditEvent(models.AuditCategoryLifecycle, "card", card.ID, actor, "CARD_CREATED", nil,
		models.Metadata{"state": card.State, "batchId": batch.ID, "sequenceNumber": card.SequenceNumber, "keyId": key.KeyID}))
	return card, nil
}

// IssueCards moves every CREATED card of the batch into the warehouse.
func (s *InventoryService) IssueCards(ctx context.Context, batchID string, actor models.Actor) (int, error) {
	cards, err := s.store.ListCardsByBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	locks := []repository.LockKey{repository.BatchLock(batchID)}
	for _, c := range cards {
		if c.State == models.CardStateCreated {
			locks = append(locks, repository.CardLock(c.ID))
		}
	}
	if len(locks) == 1 {
		return 0, nil
	}

	var events []models.NFCAuditEvent
	err = s.store.Atomic(ctx, locks, func(tx repository.Tx) error {
		events = nil
		batch, err := loadBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		now := s.clock()
		for _, k := range locks[1:] {
			card, err := loadCard(ctx, tx, k.ID)
			if err != nil {
				return err
			}
			if card.State != models.CardStateCreated {
				continue
			}
			ev, err := transition(card, models.CardStateIssued, "moved to warehouse", actor, now)
			if err != nil {
				return err
			}
			if err := tx.UpdateCard(ctx, card); err != nil {
				return err
			}
			batch.Warehouse++
			events = append(events, ev)
		}
		batch.UpdatedAt = now
		return tx.UpdateBatch(ctx, batch)
	})
	if err != nil {
		return 0, err
	}
	s.record(ctx, events...)
	logger.Log.Info("[INVENTORY] cards issued to warehouse", zap.String("batchId", batchID), zap.Int("count", len(events)))
	return len(events), nil
}

// MarkDefective destroys a card that never left the warehouse.
func (s *InventoryService) MarkDefective(ctx context.Context, cardID, reason string, actor models.Actor) (*models.PrepaidCard, error) {
	card, err := loadCard(ctx, s.store, cardID)
	if err != nil {
		return nil, err
	}
	var event models.NFCAuditEvent
	err = s.store.Atomic(ctx, []repository.LockKey{repository.BatchLock(card.BatchID), repository.CardLock(cardID)}, func(tx repository.Tx) error {
		c, err := loadCard(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if c.VendorID != "" || (c.State != models.CardStateCreated && c.State != models.CardStateIssued) {
			return fmt.Errorf("%w: card is %s and not in the warehouse", ErrInvalidStateTransition, c.State)
		}
		batch, err := loadBatch(ctx, tx, c.BatchID)
		if err != nil {
			return err
		}
		from := c.State
		now := s.clock()
		if event, err = transition(c, models.CardStateDestroyed, "defective: "+reason, actor, now); err != nil {
			return err
		}
		if from == models.CardStateIssued {
			batch.Warehouse--
		}
		batch.Defective++
		batch.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		card = c
		return tx.UpdateCard(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, event)
	return card, nil
}

// CreateVendor registers an active retail agent.
func (s *InventoryService) CreateVendor(ctx context.Context, req CreateVendorRequest, actor models.Actor) (*models.Vendor, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	if req.CommissionRate.IsNegative() || req.CommissionRate.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: commission rate must be between 0 and 100", ErrValidation)
	}
	now := s.clock()
	v := &models.Vendor{
		ID:             uuid.NewString(),
		Name:           req.Name,
		CommissionRate: req.CommissionRate,
		Status:         models.VendorStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Atomic(ctx, nil, func(tx repository.Tx) error { return tx.InsertVendor(ctx, v) }); err != nil {
		return nil, err
	}
	s.record(ctx, auditEvent(models.AuditCategoryInventory, "vendor", v.ID, actor, "VENDOR_CREATED", nil,
		models.Metadata{"name": v.Name, "commissionRate": v.CommissionRate.String()}))
	return v, nil
}

func activeVendor(ctx context.Context, r repository.Reader, id string) (*models.Vendor, error) {
	v, err := r.GetVendor(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status != models.VendorStatusActive {
		return nil, fmt.Errorf("%w: vendor is %s", ErrVendorInactive, v.Status)
	}
	return v, nil
}

// AssignInventory hands a contiguous range of warehouse cards to a vendor.
func (s *InventoryService) AssignInventory(ctx context.Context, req AssignInventoryRequest, actor models.Actor) (*models.VendorInventory, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	cards, err := s.store.ListCardsByBatch(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	locks := []repository.LockKey{repository.BatchLock(req.BatchID), repository.VendorLock(req.VendorID)}
	for _, c := range cards {
		if c.SequenceNumber >= req.SequenceStart && c.SequenceNumber <= req.SequenceEnd {
			locks = append(locks, repository.CardLock(c.ID))
		}
	}

	count := req.SequenceEnd - req.SequenceStart + 1
	inv := &models.VendorInventory{
		ID:            uuid.NewString(),
		VendorID:      req.VendorID,
		BatchID:       req.BatchID,
		SequenceStart: req.SequenceStart,
		SequenceEnd:   req.SequenceEnd,
		CardsAssigned: count,
	}
	err = s.store.Atomic(ctx, locks, func(tx repository.Tx) error {
		batch, err := loadBatch(ctx, tx, req.BatchID)
		if err != nil {
			return err
		}
		if !batch.Contains(req.SequenceStart) || !batch.Contains(req.SequenceEnd) {
			return fmt.Errorf("%w: range outside batch %s", ErrInventoryRangeConflict, batch.BatchNumber)
		}
		if _, err := activeVendor(ctx, tx, req.VendorID); err != nil {
			return err
		}
		existing, err := tx.ListInventoryByBatch(ctx, batch.ID)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if models.RangesOverlap(req.SequenceStart, req.SequenceEnd, other.SequenceStart, other.SequenceEnd) {
				return fmt.Errorf("%w: overlaps allotment %s", ErrInventoryRangeConflict, other.ID)
			}
		}

		now := s.clock()
		var moved int64
		for _, k := range locks[2:] {
			c, err := loadCard(ctx, tx, k.ID)
			if err != nil {
				return err
			}
			if c.State != models.CardStateIssued || c.VendorID != "" {
				return fmt.Errorf("%w: card %s is %s", ErrCardNotInInventory, c.MaskedNumber(), c.State)
			}
			c.VendorID = req.VendorID
			c.UpdatedAt = now
			if err := tx.UpdateCard(ctx, c); err != nil {
				return err
			}
			moved++
		}
		if moved != count {
			return fmt.Errorf("%w: %d of %d cards in range are in the warehouse", ErrCardNotInInventory, moved, count)
		}

		batch.Warehouse -= count
		batch.Distributed += count
		batch.Status = models.BatchStatusInCirculation
		batch.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		inv.CreatedAt, inv.UpdatedAt = now, now
		return tx.InsertInventory(ctx, inv)
	})
	if errors.Is(err, repository.ErrConstraint) {
		return nil, fmt.Errorf("%w: %v", ErrCardNotInInventory, err)
	}
	if err != nil {
		return nil, err
	}

	logger.Log.Info("[INVENTORY] cards assigned to vendor",
		zap.String("vendorId", req.VendorID),
		zap.Int64("start", req.SequenceStart),
		zap.Int64("end", req.SequenceEnd))
	s.record(ctx, auditEvent(models.AuditCategoryInventory, "vendor_inventory", inv.ID, actor, "INVENTORY_ASSIGNED", nil,
		models.Metadata{"vendorId": inv.VendorID, "batchId": inv.BatchID, "sequenceStart": inv.SequenceStart, "sequenceEnd": inv.SequenceEnd}))
	return inv, nil
}

// vendorCustody resolves the allotment that holds a vendor's card.
type vendorCustody struct {
	card   *models.PrepaidCard
	batch  *models.CardBatch
	vendor *models.Vendor
	inv    *models.VendorInventory
}

func (s *InventoryService) custodyLocks(ctx context.Context, vendorID, cardID string) ([]repository.LockKey, error) {
	card, err := loadCard(ctx, s.store, cardID)
	if err != nil {
		return nil, err
	}
	invs, err := s.store.ListInventoryByVendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	locks := []repository.LockKey{repository.BatchLock(card.BatchID), repository.VendorLock(vendorID), repository.CardLock(cardID)}
	for _, inv := range invs {
		if inv.BatchID == card.BatchID && inv.Contains(card.SequenceNumber) {
			return append(locks, repository.InventoryLock(inv.ID)), nil
		}
	}
	return nil, fmt.Errorf("%w: card not assigned to vendor", ErrCardNotInInventory)
}

func (s *InventoryService) loadCustody(ctx context.Context, tx repository.Tx, locks []repository.LockKey) (*vendorCustody, error) {
	var c vendorCustody
	var err error
	for _, k := range locks {
		switch k.Kind {
		case repository.LockBatch:
			c.batch, err = loadBatch(ctx, tx, k.ID)
		case repository.LockVendor:
			c.vendor, err = activeVendor(ctx, tx, k.ID)
		case repository.LockCard:
			c.card, err = loadCard(ctx, tx, k.ID)
		case repository.LockInventory:
			c.inv, err = tx.GetInventory(ctx, k.ID)
		}
		if err != nil {
			return nil, err
		}
	}
	if c.card.VendorID != c.vendor.ID || c.card.State != models.CardStateIssued {
		return nil, fmt.Errorf("%w: card is %s", ErrCardNotInInventory, c.card.State)
	}
	return &c, nil
}

// RecordVendorSale sells a card from a vendor's stock. The card moves
// ISSUED -> SOLD -> INACTIVE and the buyer gets a one-time activation code.
func (s *InventoryService) RecordVendorSale(ctx context.Context, req VendorSaleRequest, actor models.Actor) (*ActivationPacket, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	locks, err := s.custodyLocks(ctx, req.VendorID, req.CardID)
	if err != nil {
		return nil, err
	}
	code, codeHash, err := newActivationCode(s.cfg.ActivationCodeLength)
	if err != nil {
		return nil, err
	}

	var (
		events []models.NFCAuditEvent
		sold   *models.PrepaidCard
		sale   *models.VendorSale
	)
	err = s.store.Atomic(ctx, locks, func(tx repository.Tx) error {
		events = nil
		c, err := s.loadCustody(ctx, tx, locks)
		if err != nil {
			return err
		}
		program, err := tx.GetProgram(ctx, c.batch.ProgramID)
		if err != nil {
			return err
		}
		now := s.clock()
		for _, to := range []models.CardState{models.CardStateSold, models.CardStateInactive} {
			ev, err := transition(c.card, to, "sold by vendor", actor, now)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		c.card.ActivationCodeHash = codeHash
		c.card.ActivationAttempts = 0
		if err := withinMaxBalance(c.card, program, program.InitialBalance); err != nil {
			return err
		}
		c.card.Balance += program.InitialBalance
		if err := tx.UpdateCard(ctx, c.card); err != nil {
			return err
		}

		commission := Commission(program.Price, c.vendor.CommissionRate)
		c.inv.CardsSold++
		c.inv.CommissionAccrued += commission
		c.inv.UpdatedAt = now
		if err := tx.UpdateInventory(ctx, c.inv); err != nil {
			return err
		}
		c.vendor.CommissionBalance += commission
		c.vendor.UpdatedAt = now
		if err := tx.UpdateVendor(ctx, c.vendor); err != nil {
			return err
		}
		c.batch.Distributed--
		c.batch.Sold++
		c.batch.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, c.batch); err != nil {
			return err
		}

		sale = &models.VendorSale{
			ID:            uuid.NewString(),
			VendorID:      c.vendor.ID,
			InventoryID:   c.inv.ID,
			CardID:        c.card.ID,
			SalePrice:     program.Price,
			Commission:    commission,
			PaymentMethod: req.PaymentMethod,
			SoldAt:        now,
		}
		sold = c.card
		return tx.InsertVendorSale(ctx, sale)
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, events...)
	s.record(ctx, auditEvent(models.AuditCategoryInventory, "vendor_sale", sale.ID, actor, "CARD_SOLD", nil,
		models.Metadata{"vendorId": sale.VendorID, "cardId": sale.CardID, "salePrice": sale.SalePrice, "commission": sale.Commission}))
	logger.Log.Info("[INVENTORY] vendor sale recorded", zap.String("vendorId", sale.VendorID), zap.String("card", sold.MaskedNumber()))
	return NewActivationPacket(sold.ID, sold.CardNumber, code)
}

// ReturnCard takes an unsold card back from a vendor into the warehouse.
func (s *InventoryService) ReturnCard(ctx context.Context, req InventoryAdjustmentRequest, actor models.Actor) error {
	return s.adjustCustody(ctx, req, actor, false)
}

// RecordDamaged writes off a card damaged while in a vendor's custody.
func (s *InventoryService) RecordDamaged(ctx context.Context, req InventoryAdjustmentRequest, actor models.Actor) error {
	return s.adjustCustody(ctx, req, actor, true)
}

func (s *InventoryService) adjustCustody(ctx context.Context, req InventoryAdjustmentRequest, actor models.Actor, damaged bool) error {
	if err := s.validator.Validate(&req); err != nil {
		return err
	}
	locks, err := s.custodyLocks(ctx, req.VendorID, req.CardID)
	if err != nil {
		return err
	}
	var events []models.NFCAuditEvent
	err = s.store.Atomic(ctx, locks, func(tx repository.Tx) error {
		events = nil
		c, err := s.loadCustody(ctx, tx, locks)
		if err != nil {
			return err
		}
		now := s.clock()
		c.batch.Distributed--
		if damaged {
			ev, err := transition(c.card, models.CardStateDestroyed, "damaged: "+req.Reason, actor, now)
			if err != nil {
				return err
			}
			events = append(events, ev)
			c.inv.CardsDamaged++
			c.batch.Defective++
		} else {
			c.card.VendorID = ""
			c.card.UpdatedAt = now
			c.inv.CardsReturned++
			c.batch.Warehouse++
		}
		c.inv.UpdatedAt = now
		c.batch.UpdatedAt = now
		if err := tx.UpdateCard(ctx, c.card); err != nil {
			return err
		}
		if err := tx.UpdateInventory(ctx, c.inv); err != nil {
			return err
		}
		return tx.UpdateBatch(ctx, c.batch)
	})
	if err != nil {
		return err
	}
	action := "CARD_RETURNED"
	if damaged {
		action = "CARD_DAMAGED"
	}
	s.record(ctx, events...)
	s.record(ctx, auditEvent(models.AuditCategoryInventory, "card", req.CardID, actor, action, nil,
		models.Metadata{"vendorId": req.VendorID, "reason": req.Reason}))
	return nil
}

// ReconcileVendor reports a vendor's custody and period sales, flagging
// allotments whose counters disagree with the cards themselves.
func (s *InventoryService) ReconcileVendor(ctx context.Context, vendorID string, from, to time.Time, actor models.Actor) (*models.VendorReconciliation, error) {
	vendor, err := s.store.GetVendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	invs, err := s.store.ListInventoryByVendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	sales, err := s.store.ListVendorSales(ctx, vendorID, from, to)
	if err != nil {
		return nil, err
	}

	rec := &models.VendorReconciliation{
		VendorID:      vendorID,
		PeriodStart:   from,
		PeriodEnd:     to,
		CommissionDue: vendor.CommissionBalance,
		ReconciledAt:  s.clock(),
	}
	for _, inv := range invs {
		rec.CardsAssigned += inv.CardsAssigned
		rec.CardsSold += inv.CardsSold
		rec.CardsReturned += inv.CardsReturned
		rec.CardsDamaged += inv.CardsDamaged
		rec.CardsOnHand += inv.OnHand()

		cards, err := s.store.ListCardsByBatch(ctx, inv.BatchID)
		if err != nil {
			return nil, err
		}
		var held int64
		for _, c := range cards {
			if inv.Contains(c.SequenceNumber) && c.VendorID == vendorID && c.State == models.CardStateIssued {
				held++
			}
		}
		if held != inv.OnHand() {
			rec.Discrepancies = append(rec.Discrepancies,
				fmt.Sprintf("allotment %s: counters show %d on hand, %d cards held", inv.ID, inv.OnHand(), held))
		}
	}
	for _, sale := range sales {
		rec.PeriodSales++
		rec.PeriodRevenue += sale.SalePrice
		rec.PeriodCommission += sale.Commission
	}

	locks := make([]repository.LockKey, 0, len(invs))
	for _, inv := range invs {
		locks = append(locks, repository.InventoryLock(inv.ID))
	}
	if err := s.store.Atomic(ctx, locks, func(tx repository.Tx) error {
		for _, k := range locks {
			inv, err := tx.GetInventory(ctx, k.ID)
			if err != nil {
				return err
			}
			inv.LastReconciledAt = timePtr(rec.ReconciledAt)
			if err := tx.UpdateInventory(ctx, inv); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if len(rec.Discrepancies) > 0 {
		logger.Log.Warn("[INVENTORY] vendor reconciliation found discrepancies",
			zap.String("vendorId", vendorID), zap.Strings("discrepancies", rec.Discrepancies))
	}
	s.record(ctx, auditEvent(models.AuditCategoryInventory, "vendor", vendorID, actor, "VENDOR_RECONCILED", nil,
		models.Metadata{"cardsOnHand": rec.CardsOnHand, "periodSales": rec.PeriodSales, "discrepancies": len(rec.Discrepancies)}))
	return rec, nil
}

func (s *InventoryService) GetBatch(ctx context.Context, id string) (*models.CardBatch, error) {
	return loadBatch(ctx, s.store, id)
}

func (s *InventoryService) ListBatches(ctx context.Context) ([]models.CardBatch, error) {
	return s.store.ListBatches(ctx)
}
