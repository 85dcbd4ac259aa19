package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/cardengine/internal/audit"
	"github.com/ruralpay/cardengine/internal/config"
	"github.com/ruralpay/cardengine/internal/hsm"
	mW "github.com/ruralpay/cardengine/internal/middleware"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
	"github.com/ruralpay/cardengine/internal/services"
)

var (
	hsmOnce sync.Once
	testHSM *hsm.SoftHSM
	hsmErr  error
)

var operator = models.Actor{Type: models.ActorAdmin, ID: "admin-1"}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	engine  *services.Engine
	hsm     *hsm.SoftHSM
	wallets *services.MemoryWallets
	auth    *mW.Authenticator
	router  http.Handler

	batch  *models.CardBatch
	vendor *models.Vendor
	seq    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hsmOnce.Do(func() {
		testHSM, hsmErr = hsm.InitSoftHSM(hsm.Config{MasterKey: "handlers-test", Salt: []byte("0123456789abcdef")})
	})
	require.NoError(t, hsmErr)

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		hsm:     testHSM,
		wallets: services.NewMemoryWallets(),
		auth:    mW.NewAuthenticator("handlers-secret", "cardengine"),
		seq:     1000,
	}
	engine, err := services.NewEngine(services.EngineDeps{
		Store:   repository.NewMemoryStore(),
		HSM:     testHSM,
		Wallets: f.wallets,
		KYC:     services.StaticKYC{AllowAll: true},
		Audit:   audit.NewLogger(audit.NewMemorySink()),
		Config:  config.DefaultEngineConfig(),
	})
	require.NoError(t, err)
	require.NoError(t, engine.Bootstrap(f.ctx))
	f.engine = engine
	f.router = NewRouter(engine, f.auth, RouterConfig{})

	program, err := engine.Programs.CreateProgram(f.ctx, &models.CardProgram{
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
	}, operator)
	require.NoError(t, err)
	program, err = engine.Programs.PublishProgram(f.ctx, program.ID, operator)
	require.NoError(t, err)

	f.batch, err = engine.Inventory.CreateBatch(f.ctx, services.CreateBatchRequest{
		ProgramID: program.ID, SequenceStart: 1000, CardCount: 100,
	}, operator)
	require.NoError(t, err)
	f.vendor, err = engine.Inventory.CreateVendor(f.ctx, services.CreateVendorRequest{
		Name: "Kano Market Kiosk", CommissionRate: decimal.NewFromInt(5),
	}, operator)
	require.NoError(t, err)
	return f
}

func (f *fixture) token(subject string, role mW.Role) string {
	f.t.Helper()
	tok, err := f.auth.IssueToken(subject, role, time.Hour)
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(f.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// soldCard provisions a card, hands it to the vendor and sells it.
func (f *fixture) soldCard() (*models.PrepaidCard, string, string) {
	f.t.Helper()
	seq := f.seq
	f.seq++
	uid := "04A1B2C3" + strings.ToUpper(hex.EncodeToString([]byte{byte(seq >> 16), byte(seq >> 8), byte(seq)}))
	card, err := f.engine.Inventory.ProvisionCard(f.ctx, services.ProvisionCardRequest{
		BatchID: f.batch.ID, SequenceNumber: seq, CardUID: uid,
	}, operator)
	require.NoError(f.t, err)
	_, err = f.engine.Inventory.IssueCards(f.ctx, f.batch.ID, operator)
	require.NoError(f.t, err)
	_, err = f.engine.Inventory.AssignInventory(f.ctx, services.AssignInventoryRequest{
		VendorID: f.vendor.ID, BatchID: f.batch.ID, SequenceStart: seq, SequenceEnd: seq,
	}, operator)
	require.NoError(f.t, err)
	packet, err := f.engine.Inventory.RecordVendorSale(f.ctx, services.VendorSaleRequest{
		VendorID: f.vendor.ID, CardID: card.ID, PaymentMethod: "CASH",
	}, operator)
	require.NoError(f.t, err)
	return card, uid, packet.ActivationCode
}

// respond plays the chip: it asks for a challenge over HTTP and answers it.
func (f *fixture) respond(token, uid, terminalID string, purpose models.ChallengePurpose) (string, string) {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/v1/terminal/challenges", token, ChallengeRequest{
		CardUID: uid, TerminalID: terminalID, Purpose: purpose,
	})
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
	ch := decode[ChallengeResponse](f.t, rec)

	card, err := f.engine.Store().GetCardByUIDHash(f.ctx, services.HashCardUID(config.DefaultEngineConfig().UIDSalt, uid))
	require.NoError(f.t, err)
	key, err := f.engine.Store().GetKey(f.ctx, card.KeySlotID)
	require.NoError(f.t, err)
	nonce, err := hex.DecodeString(ch.Nonce)
	require.NoError(f.t, err)
	resp, err := f.hsm.CardResponse(key.HSMSlotID, nonce)
	require.NoError(f.t, err)
	return ch.ChallengeID, hex.EncodeToString(resp)
}

// activeCard activates a sold card for userID through the API.
func (f *fixture) activeCard(userID string) (*models.PrepaidCard, string) {
	f.t.Helper()
	card, uid, code := f.soldCard()
	f.wallets.Fund(userID, "wallet-"+userID, 100_000)
	admin := f.token("admin-1", mW.RoleAdmin)
	challengeID, response := f.respond(admin, uid, "", models.ChallengePurposeActivation)

	rec := f.do(http.MethodPost, "/api/v1/cards/activate", f.token(userID, mW.RoleUser), services.ActivateCardRequest{
		CardUID: uid, ActivationCode: code, UserID: "someone-else", ChallengeID: challengeID, Response: response,
	})
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[services.ActivationResult](f.t, rec)
	require.Equal(f.t, userID, res.Card.UserID)
	return card, uid
}

func TestRouter_Authentication(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/admin/programs", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/v1/admin/programs", f.token("user-1", mW.RoleUser), nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/v1/terminal/authorize", f.token("V-1", mW.RoleVendor), "{}").Code)

	rec = f.do(http.MethodGet, "/api/v1/admin/programs", f.token("admin-1", mW.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTerminal_TapToPay(t *testing.T) {
	f := newFixture(t)
	card, uid := f.activeCard("user-1")
	terminal := f.token("T-001", mW.RoleTerminal)

	tap := func(key string, amount int64) *httptest.ResponseRecorder {
		challengeID, response := f.respond(terminal, uid, "T-001", models.ChallengePurposePayment)
		return f.do(http.MethodPost, "/api/v1/terminal/authorize", terminal, services.TapToPayRequest{
			IdempotencyKey: key, CardUID: uid, TerminalID: "T-001", MerchantID: "M-001",
			Amount: amount, Currency: "NGN", ChallengeID: challengeID, Response: response,
		})
	}

	rec := tap("tap-1", 30)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[services.TapToPayResponse](t, rec)
	assert.True(t, approved.Success)
	assert.Equal(t, int64(20), approved.BalanceAfter)
	assert.NotEmpty(t, approved.AuthorizationCode)

	t.Run("declines are answered with 200", func(t *testing.T) {
		rec := tap("tap-2", 40)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		declined := decode[services.TapToPayResponse](t, rec)
		assert.False(t, declined.Success)
		assert.Equal(t, services.DeclineInsufficientBalance, declined.DeclineCode)
	})

	t.Run("unknown card", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/terminal/authorize", terminal, services.TapToPayRequest{
			IdempotencyKey: "tap-3", CardUID: "04FFFFFFFFFFFF", TerminalID: "T-001", MerchantID: "M-001",
			Amount: 10, Currency: "NGN", ChallengeID: "missing", Response: "00",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		declined := decode[services.TapToPayResponse](t, rec)
		assert.False(t, declined.Success)
		assert.Equal(t, services.DeclineCardNotFound, declined.DeclineCode)
	})

	t.Run("terminal cannot act for another terminal", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/terminal/challenges", terminal, ChallengeRequest{
			CardUID: uid, TerminalID: "T-999",
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "TERMINAL_MISMATCH", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("malformed bodies", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/terminal/authorize", terminal, `{"cardUid":"x","surprise":true}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, rec).Code)

		rec = f.do(http.MethodPost, "/api/v1/terminal/authorize", terminal, `{"cardUid":"x"}{"cardUid":"y"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("owner sees the purchase", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/cards/"+card.ID+"/transactions?limit=10", f.token("user-1", mW.RoleUser), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode[struct {
			Transactions []models.Transaction `json:"transactions"`
		}](t, rec)
		keys := make([]string, 0, len(body.Transactions))
		for _, txn := range body.Transactions {
			keys = append(keys, txn.IdempotencyKey)
		}
		assert.Contains(t, keys, "tap-1")
	})
}

func TestCards_Ownership(t *testing.T) {
	f := newFixture(t)
	card, _ := f.activeCard("user-1")

	rec := f.do(http.MethodGet, "/api/v1/cards/"+card.ID, f.token("user-1", mW.RoleUser), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(50), decode[models.PrepaidCard](t, rec).Balance)

	rec = f.do(http.MethodGet, "/api/v1/cards/"+card.ID, f.token("user-2", mW.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CARD_OWNERSHIP", decode[ErrorResponse](t, rec).Code)

	rec = f.do(http.MethodGet, "/api/v1/cards/missing", f.token("admin-1", mW.RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/cards/"+card.ID+"/transactions?since=yesterday", f.token("user-1", mW.RoleUser), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCards_ReloadAndSuspend(t *testing.T) {
	f := newFixture(t)
	card, _ := f.activeCard("user-1")
	user := f.token("user-1", mW.RoleUser)

	rec := f.do(http.MethodPost, "/api/v1/cards/"+card.ID+"/reload", user, services.ReloadCardRequest{
		IdempotencyKey: "r1", UserID: "user-1", Amount: 100, SourceType: services.SourceWallet,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	txn := decode[models.Transaction](t, rec)
	assert.Equal(t, int64(150), txn.BalanceAfter)

	rec = f.do(http.MethodPost, "/api/v1/cards/"+card.ID+"/reload", user, services.ReloadCardRequest{
		IdempotencyKey: "r2", UserID: "user-1", Amount: 5, SourceType: services.SourceWallet,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(services.DeclineLimitExceeded), decode[ErrorResponse](t, rec).Code)

	rec = f.do(http.MethodPost, "/api/v1/cards/"+card.ID+"/reload", user, services.ReloadCardRequest{
		IdempotencyKey: "r3", UserID: "user-1", Amount: 100, SourceType: services.SourceAgentCash, AgentID: "V-1",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/cards/"+card.ID+"/suspend", user, ReasonRequest{Reason: "left at home"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.CardStateSuspended, decode[models.PrepaidCard](t, rec).State)
}

func TestAdmin_LifecycleAndSettlement(t *testing.T) {
	f := newFixture(t)
	admin := f.token("admin-1", mW.RoleAdmin)

	rec := f.do(http.MethodPost, "/api/v1/admin/settlements", admin, SettleRequest{Currency: "NGN"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOTHING_TO_SETTLE", decode[ErrorResponse](t, rec).Code)

	rec = f.do(http.MethodPost, "/api/v1/admin/settlements", admin, SettleRequest{Currency: "NAIRA"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	card, uid := f.activeCard("user-1")
	terminal := f.token("T-001", mW.RoleTerminal)
	challengeID, response := f.respond(terminal, uid, "T-001", models.ChallengePurposePayment)
	rec = f.do(http.MethodPost, "/api/v1/terminal/authorize", terminal, services.TapToPayRequest{
		IdempotencyKey: "tap-1", CardUID: uid, TerminalID: "T-001", MerchantID: "M-001",
		Amount: 30, Currency: "NGN", ChallengeID: challengeID, Response: response,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decode[services.TapToPayResponse](t, rec).Success)

	rec = f.do(http.MethodPost, "/api/v1/admin/settlements", admin, SettleRequest{Currency: "NGN"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	batch := decode[models.SettlementBatch](t, rec)
	assert.Equal(t, int64(30), batch.Net)

	rec = f.do(http.MethodGet, "/api/v1/admin/settlements/"+batch.ID+"/pacs008", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "xml")
	assert.Contains(t, rec.Body.String(), "M-001")

	rec = f.do(http.MethodPost, "/api/v1/admin/cards/"+card.ID+"/block", admin, ReasonRequest{Reason: "reported stolen"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.CardStateBlocked, decode[models.PrepaidCard](t, rec).State)

	rec = f.do(http.MethodPost, "/api/v1/admin/cards/"+card.ID+"/explode", admin, ReasonRequest{Reason: "?"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	challengeID, response = f.respond(terminal, uid, "T-001", models.ChallengePurposePayment)
	rec = f.do(http.MethodPost, "/api/v1/terminal/authorize", terminal, services.TapToPayRequest{
		IdempotencyKey: "tap-2", CardUID: uid, TerminalID: "T-001", MerchantID: "M-001",
		Amount: 10, Currency: "NGN", ChallengeID: challengeID, Response: response,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, services.DeclineCardNotActivated, decode[services.TapToPayResponse](t, rec).DeclineCode)
}

func TestSendServiceError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &services.ValidationError{Fields: map[string]string{"Amount": "required"}}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"not found", services.ErrCardNotFound, http.StatusNotFound, string(services.DeclineCardNotFound)},
		{"locked", services.ErrPINLocked, http.StatusLocked, string(services.DeclinePINLocked)},
		{"hsm down", hsm.ErrUnavailable, http.StatusServiceUnavailable, string(services.DeclineSystemError)},
		{"decline", services.ErrInsufficientBalance, http.StatusUnprocessableEntity, string(services.DeclineInsufficientBalance)},
		{"key reused", services.ErrIdempotencyKeyReused, http.StatusConflict, "IDEMPOTENCY_KEY_REUSED"},
		{"unknown", assert.AnError, http.StatusInternalServerError, string(services.DeclineSystemError)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			sendServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}
