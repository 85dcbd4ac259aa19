package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/cardengine/internal/audit"
	"github.com/ruralpay/cardengine/internal/config"
	"github.com/ruralpay/cardengine/internal/hsm"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
)

var (
	softHSMOnce sync.Once
	softHSM     *hsm.SoftHSM
	softHSMErr  error
)

// sharedHSM avoids generating a fresh RSA signing key for every test.
func sharedHSM(t *testing.T) *hsm.SoftHSM {
	t.Helper()
	softHSMOnce.Do(func() {
		softHSM, softHSMErr = hsm.InitSoftHSM(hsm.Config{MasterKey: "services-test", Salt: []byte("0123456789abcdef")})
	})
	require.NoError(t, softHSMErr)
	return softHSM
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var adminActor = models.Actor{Type: models.ActorAdmin, ID: "admin-1"}

type harness struct {
	t       *testing.T
	ctx     context.Context
	engine  *Engine
	store   repository.Store
	hsm     *hsm.SoftHSM
	wallets *MemoryWallets
	queue   *MemorySettlementQueue
	sink    *audit.MemorySink
	clock   *testClock

	program *models.CardProgram
	batch   *models.CardBatch
	vendor  *models.Vendor
	nextSeq int64
}

type harnessSetup struct {
	cfg     *config.EngineConfig
	program *models.CardProgram
	deps    *EngineDeps
}

type harnessOption func(*harnessSetup)

func withProgram(fn func(p *models.CardProgram)) harnessOption {
	return func(s *harnessSetup) { fn(s.program) }
}

func withConfig(fn func(c *config.EngineConfig)) harnessOption {
	return func(s *harnessSetup) { fn(s.cfg) }
}

func withDeps(fn func(d *EngineDeps)) harnessOption {
	return func(s *harnessSetup) { fn(s.deps) }
}

// scenarioProgram matches the worked example: max balance 500, 100 per
// transaction, 300 a day, an opening balance of 50 and no fees.
func scenarioProgram() *models.CardProgram {
	return &models.CardProgram{
		Name:                  "Market Day",
		Category:              models.ProgramCategoryAnonymous,
		Currency:              "NGN",
		Price:                 200,
		InitialBalance:        50,
		MaxBalance:            500,
		PerTransactionLimit:   100,
		DailyTransactionLimit: 300,
		MinReload:             10,
		MaxReload:             400,
		ValidityMonths:        24,
		SecurityTier:          models.SecurityTierStandard,
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	return newHarnessWithStore(t, repository.NewMemoryStore(), opts...)
}

func newHarnessWithStore(t *testing.T, store repository.Store, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		store:   store,
		hsm:     sharedHSM(t),
		wallets: NewMemoryWallets(),
		queue:   &MemorySettlementQueue{},
		sink:    audit.NewMemorySink(),
		clock:   &testClock{t: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)},
		nextSeq: 1000,
	}
	cfg := config.DefaultEngineConfig()
	program := scenarioProgram()
	deps := EngineDeps{
		Store:    store,
		HSM:      h.hsm,
		Wallets:  h.wallets,
		Queue:    h.queue,
		KYC:      StaticKYC{AllowAll: true},
		Screener: StaticScreener{Denied: map[string]bool{"user-sanctioned": true}},
		Audit:    audit.NewLogger(h.sink),
		Now:      h.clock.Now,
	}
	setup := &harnessSetup{cfg: &cfg, program: program, deps: &deps}
	for _, opt := range opts {
		opt(setup)
	}
	deps.Config = cfg

	engine, err := NewEngine(deps)
	require.NoError(t, err)
	h.engine = engine
	require.NoError(t, engine.Bootstrap(h.ctx))

	h.program, err = engine.Programs.CreateProgram(h.ctx, program, adminActor)
	require.NoError(t, err)
	h.program, err = engine.Programs.PublishProgram(h.ctx, h.program.ID, adminActor)
	require.NoError(t, err)

	h.batch, err = engine.Inventory.CreateBatch(h.ctx, CreateBatchRequest{
		ProgramID: h.program.ID, SequenceStart: 1000, CardCount: 100,
	}, adminActor)
	require.NoError(t, err)

	h.vendor, err = engine.Inventory.CreateVendor(h.ctx, CreateVendorRequest{
		Name: "Kano Market Kiosk", CommissionRate: decimal.NewFromInt(5),
	}, adminActor)
	require.NoError(t, err)
	return h
}

func uidFor(n int64) string {
	return fmt.Sprintf("04A1B2C3%06X", n)
}

// warehouseCard provisions one card and moves it into the warehouse.
func (h *harness) warehouseCard() (*models.PrepaidCard, string) {
	h.t.Helper()
	seq := h.nextSeq
	h.nextSeq++
	uid := uidFor(seq)
	card, err := h.engine.Inventory.ProvisionCard(h.ctx, ProvisionCardRequest{
		BatchID: h.batch.ID, SequenceNumber: seq, CardUID: uid,
	}, adminActor)
	require.NoError(h.t, err)
	_, err = h.engine.Inventory.IssueCards(h.ctx, h.batch.ID, adminActor)
	require.NoError(h.t, err)
	return h.card(card.ID), uid
}

// soldCard takes a warehouse card through a vendor sale.
func (h *harness) soldCard() (*models.PrepaidCard, string, *ActivationPacket) {
	h.t.Helper()
	card, uid := h.warehouseCard()
	_, err := h.engine.Inventory.AssignInventory(h.ctx, AssignInventoryRequest{
		VendorID: h.vendor.ID, BatchID: h.batch.ID,
		SequenceStart: card.SequenceNumber, SequenceEnd: card.SequenceNumber,
	}, adminActor)
	require.NoError(h.t, err)
	packet, err := h.engine.Inventory.RecordVendorSale(h.ctx, VendorSaleRequest{
		VendorID: h.vendor.ID, CardID: card.ID, PaymentMethod: "CASH",
	}, adminActor)
	require.NoError(h.t, err)
	return h.card(card.ID), uid, packet
}

// activeCard returns an ACTIVATED card owned by userID with a funded wallet.
func (h *harness) activeCard(userID string) (*models.PrepaidCard, string) {
	h.t.Helper()
	card, uid, packet := h.soldCard()
	h.wallets.Fund(userID, "wallet-"+userID, 100_000)
	challengeID, response := h.answer(uid, "", models.ChallengePurposeActivation)
	_, err := h.engine.Activation.Activate(h.ctx, ActivateCardRequest{
		CardUID:        uid,
		ActivationCode: packet.ActivationCode,
		UserID:         userID,
		ChallengeID:    challengeID,
		Response:       response,
	}, models.Actor{Type: models.ActorUser, ID: userID})
	require.NoError(h.t, err)
	return h.card(card.ID), uid
}

// answer issues a challenge and computes the chip's response to it.
func (h *harness) answer(uid, terminalID string, purpose models.ChallengePurpose) (string, string) {
	h.t.Helper()
	ch, err := h.engine.Gateway.IssueChallenge(h.ctx, uid, terminalID, purpose)
	require.NoError(h.t, err)
	nonce, err := hex.DecodeString(ch.Nonce)
	require.NoError(h.t, err)
	resp, err := h.hsm.CardResponse(h.slotFor(uid), nonce)
	require.NoError(h.t, err)
	return ch.ID, hex.EncodeToString(resp)
}

func (h *harness) slotFor(uid string) string {
	h.t.Helper()
	card, err := h.store.GetCardByUIDHash(h.ctx, HashCardUID(config.DefaultEngineConfig().UIDSalt, uid))
	require.NoError(h.t, err)
	key, err := h.store.GetKey(h.ctx, card.KeySlotID)
	require.NoError(h.t, err)
	return key.HSMSlotID
}

// tap builds a fully answered purchase request.
func (h *harness) tap(uid, key string, amount int64) TapToPayRequest {
	h.t.Helper()
	challengeID, response := h.answer(uid, "T-001", models.ChallengePurposePayment)
	return TapToPayRequest{
		IdempotencyKey: key,
		CardUID:        uid,
		TerminalID:     "T-001",
		MerchantID:     "M-001",
		Amount:         amount,
		Currency:       "NGN",
		ChallengeID:    challengeID,
		Response:       response,
	}
}

func (h *harness) card(id string) *models.PrepaidCard {
	h.t.Helper()
	c, err := h.store.GetCard(h.ctx, id)
	require.NoError(h.t, err)
	return c
}

func (h *harness) reload(cardID, userID, key string, amount int64) (*models.Transaction, error) {
	return h.engine.Reloads.Reload(h.ctx, ReloadCardRequest{
		IdempotencyKey: key,
		CardID:         cardID,
		UserID:         userID,
		Amount:         amount,
		SourceType:     SourceWallet,
	}, models.Actor{Type: models.ActorUser, ID: userID})
}

func validTapRequest() TapToPayRequest {
	return TapToPayRequest{
		IdempotencyKey: "tap-1",
		CardUID:        "04A1B2C3D4E5F6",
		TerminalID:     "T-001",
		MerchantID:     "M-001",
		Amount:         8000,
		Currency:       "NGN",
		ChallengeID:    "ch-1",
		Response:       "a1b2c3",
	}
}
