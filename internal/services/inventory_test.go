package services

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/cardengine/internal/models"
)

func TestCardNumber(t *testing.T) {
	n := CardNumber("506099", 1000)
	assert.Len(t, n, 16)
	assert.Equal(t, "506099000001000", n[:15])
	assert.True(t, LuhnValid(n))

	assert.True(t, LuhnValid("4111111111111111"))
	assert.False(t, LuhnValid("4111111111111112"))
	assert.False(t, LuhnValid("4"))
}

func TestCreateBatch(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Inventory.CreateBatch(h.ctx, CreateBatchRequest{
		ProgramID: h.program.ID, SequenceStart: 1050, CardCount: 100,
	}, adminActor)
	assert.ErrorIs(t, err, ErrInventoryRangeConflict)

	next, err := h.engine.Inventory.CreateBatch(h.ctx, CreateBatchRequest{
		ProgramID: h.program.ID, SequenceStart: 1100, CardCount: 50,
	}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, int64(1149), next.SequenceEnd)
	assert.True(t, next.RangeValid())
	assert.NotEqual(t, h.batch.MasterKeyID, next.MasterKeyID)

	draft := scenarioProgram()
	draft.Name = "Draft"
	draft, err = h.engine.Programs.CreateProgram(h.ctx, draft, adminActor)
	require.NoError(t, err)
	_, err = h.engine.Inventory.CreateBatch(h.ctx, CreateBatchRequest{
		ProgramID: draft.ID, SequenceStart: 5000, CardCount: 10,
	}, adminActor)
	assert.ErrorIs(t, err, ErrProgramNotPublished)
}

func TestProvisionCard(t *testing.T) {
	h := newHarness(t)

	card, err := h.engine.Inventory.ProvisionCard(h.ctx, ProvisionCardRequest{
		BatchID: h.batch.ID, SequenceNumber: 1000, CardUID: uidFor(1000),
	}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, models.CardStateCreated, card.State)
	assert.Equal(t, CardNumber("506099", 1000), card.CardNumber)
	assert.NotEqual(t, uidFor(1000), card.CardUIDHash)

	key, err := h.store.GetKey(h.ctx, card.KeySlotID)
	require.NoError(t, err)
	assert.Equal(t, h.batch.MasterKeyID, key.ParentKeyID)

	_, err = h.engine.Inventory.ProvisionCard(h.ctx, ProvisionCardRequest{
		BatchID: h.batch.ID, SequenceNumber: 1000, CardUID: uidFor(9999),
	}, adminActor)
	assert.ErrorIs(t, err, ErrInventoryRangeConflict)

	_, err = h.engine.Inventory.ProvisionCard(h.ctx, ProvisionCardRequest{
		BatchID: h.batch.ID, SequenceNumber: 2000, CardUID: uidFor(2000),
	}, adminActor)
	assert.ErrorIs(t, err, ErrInventoryRangeConflict)

	issued, err := h.engine.Inventory.IssueCards(h.ctx, h.batch.ID, adminActor)
	require.NoError(t, err)
	assert.Equal(t, 1, issued)
	batch, err := h.engine.Inventory.GetBatch(h.ctx, h.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), batch.Warehouse)
	assert.Equal(t, models.BatchStatusProvisioned, batch.Status)
}

func TestVendorCustody(t *testing.T) {
	h := newHarness(t)
	sold, _ := h.warehouseCard()
	returned, _ := h.warehouseCard()
	damaged, _ := h.warehouseCard()

	inv, err := h.engine.Inventory.AssignInventory(h.ctx, AssignInventoryRequest{
		VendorID: h.vendor.ID, BatchID: h.batch.ID, SequenceStart: 1000, SequenceEnd: 1002,
	}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, int64(3), inv.CardsAssigned)

	batch, err := h.store.GetBatch(h.ctx, h.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), batch.Warehouse)
	assert.Equal(t, int64(3), batch.Distributed)
	assert.Equal(t, models.BatchStatusInCirculation, batch.Status)

	t.Run("overlapping allotment", func(t *testing.T) {
		_, err := h.engine.Inventory.AssignInventory(h.ctx, AssignInventoryRequest{
			VendorID: h.vendor.ID, BatchID: h.batch.ID, SequenceStart: 1002, SequenceEnd: 1002,
		}, adminActor)
		assert.ErrorIs(t, err, ErrInventoryRangeConflict)
	})

	t.Run("range with unprovisioned cards", func(t *testing.T) {
		_, err := h.engine.Inventory.AssignInventory(h.ctx, AssignInventoryRequest{
			VendorID: h.vendor.ID, BatchID: h.batch.ID, SequenceStart: 1003, SequenceEnd: 1004,
		}, adminActor)
		assert.ErrorIs(t, err, ErrCardNotInInventory)
	})

	packet, err := h.engine.Inventory.RecordVendorSale(h.ctx, VendorSaleRequest{
		VendorID: h.vendor.ID, CardID: sold.ID, PaymentMethod: "CASH",
	}, adminActor)
	require.NoError(t, err)
	assert.Len(t, packet.ActivationCode, 8)
	c := h.card(sold.ID)
	assert.Equal(t, models.CardStateInactive, c.State)
	assert.Equal(t, int64(50), c.Balance)

	vendor, err := h.store.GetVendor(h.ctx, h.vendor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), vendor.CommissionBalance)

	require.NoError(t, h.engine.Inventory.ReturnCard(h.ctx, InventoryAdjustmentRequest{
		VendorID: h.vendor.ID, CardID: returned.ID, Reason: "unsold",
	}, adminActor))
	require.NoError(t, h.engine.Inventory.RecordDamaged(h.ctx, InventoryAdjustmentRequest{
		VendorID: h.vendor.ID, CardID: damaged.ID, Reason: "water",
	}, adminActor))
	assert.Equal(t, models.CardStateDestroyed, h.card(damaged.ID).State)
	assert.Empty(t, h.card(returned.ID).VendorID)

	_, err = h.engine.Inventory.RecordVendorSale(h.ctx, VendorSaleRequest{
		VendorID: h.vendor.ID, CardID: returned.ID, PaymentMethod: "CASH",
	}, adminActor)
	assert.ErrorIs(t, err, ErrCardNotInInventory)

	batch, err = h.store.GetBatch(h.ctx, h.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), batch.Warehouse)
	assert.Equal(t, int64(0), batch.Distributed)
	assert.Equal(t, int64(1), batch.Sold)
	assert.Equal(t, int64(1), batch.Defective)
	assert.True(t, batch.CountersValid())

	rec, err := h.engine.Inventory.ReconcileVendor(h.ctx, h.vendor.ID,
		h.clock.Now().Add(-time.Hour), h.clock.Now().Add(time.Hour), adminActor)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.CardsAssigned)
	assert.Equal(t, int64(1), rec.CardsSold)
	assert.Equal(t, int64(1), rec.CardsReturned)
	assert.Equal(t, int64(1), rec.CardsDamaged)
	assert.Equal(t, int64(0), rec.CardsOnHand)
	assert.Equal(t, int64(1), rec.PeriodSales)
	assert.Equal(t, int64(200), rec.PeriodRevenue)
	assert.Equal(t, int64(10), rec.PeriodCommission)
	assert.Empty(t, rec.Discrepancies)
}

func TestCreateVendor_CommissionBounds(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Inventory.CreateVendor(h.ctx, CreateVendorRequest{
		Name: "Greedy", CommissionRate: decimal.NewFromInt(150),
	}, adminActor)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMarkDefective(t *testing.T) {
	h := newHarness(t)
	card, _ := h.warehouseCard()

	destroyed, err := h.engine.Inventory.MarkDefective(h.ctx, card.ID, "bad antenna", adminActor)
	require.NoError(t, err)
	assert.Equal(t, models.CardStateDestroyed, destroyed.State)
	batch, err := h.store.GetBatch(h.ctx, h.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), batch.Warehouse)
	assert.Equal(t, int64(1), batch.Defective)

	sold, _, _ := h.soldCard()
	_, err = h.engine.Inventory.MarkDefective(h.ctx, sold.ID, "bad antenna", adminActor)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}
