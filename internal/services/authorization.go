package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/config"
	"github.com/ruralpay/cardengine/internal/hsm"
	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
	"github.com/ruralpay/cardengine/pkg/idgen"
)

// TapToPayRequest is what a terminal sends after the card answered a challenge.
type TapToPayRequest struct {
	IdempotencyKey     string              `json:"idempotencyKey" validate:"required,max=128"`
	CardUID            string              `json:"cardUid" validate:"required,max=64"`
	TerminalID         string              `json:"terminalId" validate:"required"`
	MerchantID         string              `json:"merchantId" validate:"required"`
	Amount             int64               `json:"amount" validate:"required,gt=0"`
	Currency           string              `json:"currency" validate:"required,len=3"`
	ChallengeID        string              `json:"challengeId" validate:"required"`
	Response           string              `json:"response" validate:"required,hexadecimal"`
	PIN                string              `json:"pin,omitempty" validate:"omitempty,numeric,min=4,max=6"`
	Location           *models.Location    `json:"location,omitempty"`
	DeviceFingerprint  string              `json:"deviceFingerprint,omitempty"`
	OfflineCertificate *OfflineCertificate `json:"offlineCertificate,omitempty"`
}

// TapToPayResponse is returned for approvals and declines alike.
type TapToPayResponse struct {
	Success              bool                    `json:"success"`
	TransactionID        string                  `json:"transactionId,omitempty"`
	TransactionReference string                  `json:"transactionReference,omitempty"`
	AuthorizationCode    string                  `json:"authorizationCode,omitempty"`
	State                models.TransactionState `json:"state,omitempty"`
	Amount               int64                   `json:"amount"`
	FeeAmount            int64                   `json:"feeAmount"`
	BalanceAfter         int64                   `json:"balanceAfter"`
	DeclineCode          DeclineCode             `json:"declineCode,omitempty"`
	DeclineReason        string                  `json:"declineReason,omitempty"`
	ReviewRequired       bool                    `json:"reviewRequired"`
	Offline              bool                    `json:"offline"`
}

func responseFor(t *models.Transaction) *TapToPayResponse {
	return &TapToPayResponse{
		Success:              t.State != models.TransactionStateDeclined && t.State != models.TransactionStateFailed,
		TransactionID:        t.ID,
		TransactionReference: t.Reference,
		AuthorizationCode:    t.AuthorizationCode,
		State:                t.State,
		Amount:               t.Amount,
		FeeAmount:            t.FeeAmount,
		BalanceAfter:         t.BalanceAfter,
		DeclineCode:          DeclineCode(t.DeclineCode),
		DeclineReason:        t.DeclineReason,
		ReviewRequired:       t.ReviewRequired,
		Offline:              t.IsOffline,
	}
}

// replay rebuilds the original outcome of a committed request.
func replay(t *models.Transaction) (*TapToPayResponse, error) {
	resp := responseFor(t)
	if t.State == models.TransactionStateDeclined {
		code := DeclineCode(t.DeclineCode)
		return resp, &DeclineError{Code: code, Reason: t.DeclineReason, Err: errorForCode(code)}
	}
	return resp, nil
}

// AuthorizationService runs tap-to-pay authorizations and their follow-ups.
type AuthorizationService struct {
	core
	gateway   *Gateway
	lifecycle *LifecycleService
	velocity  *Velocity
	fraud     *FraudEngine
	screener  SanctionsScreener
	validator *ValidationHelper
}

type authAttempt struct {
	req     TapToPayRequest
	card    *models.PrepaidCard
	program *models.CardProgram
	rules   []models.FraudRule
	now     time.Time

	verification Verification
	offline      bool
	pinRequired  bool
	pinOK        bool
	keyRevoked   bool
	preDecline   error
}

// Authorize debits a card for a purchase. Expensive and suspending work
// (PIN hashing, screening, the HSM round-trip) happens before the card lock;
// the locked unit only checks, mutates and appends.
//
// A decline returns both the recorded response and a *DeclineError.
func (s *AuthorizationService) Authorize(ctx context.Context, req TapToPayRequest) (*TapToPayResponse, error) {
	if err := s.validator.Validate(&req); err != nil {
		if req.Amount <= 0 {
			return nil, decline(ErrInvalidAmount)
		}
		return nil, err
	}

	existing, err := s.store.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		if err := keyReuse(existing, models.TransactionTypePurchase, false); err != nil {
			return nil, err
		}
		logger.Log.Info("[AUTHORIZE] duplicate request replayed", zap.String("reference", existing.Reference))
		return replay(existing)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	card, err := s.store.GetCardByUIDHash(ctx, s.uidHash(req.CardUID))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, decline(ErrCardNotFound)
	}
	if err != nil {
		return nil, err
	}
	program, err := s.store.GetProgram(ctx, card.ProgramID)
	if err != nil {
		return nil, err
	}
	rules, err := s.store.ListFraudRules(ctx, true)
	if err != nil {
		return nil, err
	}

	a := &authAttempt{req: req, card: card, program: program, rules: rules, now: s.clock()}
	if err := s.preLock(ctx, a); err != nil {
		if CodeFor(err) == DeclineSystemError {
			return nil, err
		}
		a.preDecline = err
	}
	return s.commit(ctx, a)
}

// preLock runs the checks that do not need the card lock.
func (s *AuthorizationService) preLock(ctx context.Context, a *authAttempt) error {
	card, req := a.card, a.req

	if card.State != models.CardStateActivated {
		if card.State == models.CardStateExpired {
			return ErrCardExpired
		}
		return fmt.Errorf("%w: card is %s", ErrCardNotActivated, card.State)
	}
	if req.Currency != card.Currency {
		return ErrCurrencyMismatch
	}

	a.pinRequired = a.program.RequiresPIN() || (req.PIN != "" && card.PINHash != "")
	if a.pinRequired {
		if req.PIN == "" || card.PINHash == "" {
			return ErrPINRequired
		}
		ok, err := hsm.VerifySecret(req.PIN, card.PINHash)
		if err != nil {
			return fmt.Errorf("verify pin: %w", err)
		}
		a.pinOK = ok
	}

	if s.cfg.HighValueThreshold > 0 && req.Amount >= s.cfg.HighValueThreshold {
		subject := card.UserID
		if subject == "" {
			subject = card.ID
		}
		ok, err := s.screener.Screen(ctx, subject, req.Amount)
		if err != nil {
			return fmt.Errorf("screening: %w", err)
		}
		if !ok {
			return ErrScreeningFailed
		}
	}

	v, err := s.gateway.VerifyResponse(ctx, s.store, VerifyRequest{
		ChallengeID: req.ChallengeID,
		Response:    req.Response,
		CardUID:     req.CardUID,
		TerminalID:  req.TerminalID,
		Purpose:     models.ChallengePurposePayment,
		KeyID:       card.KeySlotID,
	})
	a.verification = v
	if errors.Is(err, ErrHSMTimeout) && s.offlineEligible(ctx, a) {
		logger.Log.Warn("[AUTHORIZE] hsm timeout, falling back to offline authorization",
			zap.String("card", card.MaskedNumber()))
		a.offline = true
		return nil
	}
	if errors.Is(err, ErrKeyRevoked) {
		a.keyRevoked = true
	}
	return err
}

func (s *AuthorizationService) offlineEligible(ctx context.Context, a *authAttempt) bool {
	if !a.program.Offline.Allowed || a.req.OfflineCertificate == nil || a.verification.Challenge == nil {
		return false
	}
	return s.gateway.VerifyOfflineCertificate(ctx, a.req.OfflineCertificate, a.card.ID, a.now) == nil
}

// commit runs the locked unit and records the outcome, approved or declined.
func (s *AuthorizationService) commit(ctx context.Context, a *authAttempt) (*TapToPayResponse, error) {
	var (
		prior    *models.Transaction
		txn      *models.Transaction
		declined error
		events   []models.NFCAuditEvent
	)
	err := s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(a.card.ID)}, func(tx repository.Tx) error {
		prior, txn, declined, events = nil, nil, nil, nil

		existing, err := tx.GetTransactionByIdempotencyKey(ctx, a.req.IdempotencyKey)
		if err == nil {
			prior = existing
			return keyReuse(existing, models.TransactionTypePurchase, false)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		card, err := loadCard(ctx, tx, a.card.ID)
		if err != nil {
			return err
		}
		txn = s.newPurchase(a, card)

		declined = a.preDecline
		if declined == nil {
			out, err := s.authorizeLocked(ctx, tx, a, card, txn)
			if err != nil {
				return err
			}
			events, declined = out.events, out.declined
		}
		if declined != nil {
			markDeclined(txn, card, declined)
		}
		if err := tx.UpdateCard(ctx, card); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, txn)
	})

	switch {
	case errors.Is(err, repository.ErrDuplicate):
		existing, lookupErr := s.store.GetTransactionByIdempotencyKey(ctx, a.req.IdempotencyKey)
		if lookupErr != nil {
			return nil, err
		}
		if err := keyReuse(existing, models.TransactionTypePurchase, false); err != nil {
			return nil, err
		}
		return replay(existing)
	case errors.Is(err, ErrIdempotencyKeyReused):
		return nil, err
	case errors.Is(err, ErrBalanceIntegrity):
		s.integrityAlert(ctx, a.card.ID, err)
		return nil, decline(err)
	case err != nil:
		logger.Log.Error("[AUTHORIZE] authorization failed", zap.String("card", a.card.MaskedNumber()), zap.Error(err))
		return nil, err
	case prior != nil:
		return replay(prior)
	}

	s.record(ctx, events...)
	s.recordTransaction(ctx, txn, models.Actor{Type: models.ActorTerminal, ID: a.req.TerminalID})
	if a.keyRevoked {
		s.lifecycle.suspendForRevokedKey(ctx, a.card.ID)
	}

	if declined != nil {
		logger.Log.Info("[AUTHORIZE] declined",
			zap.String("reference", txn.Reference),
			zap.String("card", a.card.MaskedNumber()),
			zap.String("code", txn.DeclineCode))
		return responseFor(txn), decline(declined)
	}
	logger.Log.Info("[AUTHORIZE] approved",
		zap.String("reference", txn.Reference),
		zap.String("card", a.card.MaskedNumber()),
		zap.Int64("amount", txn.Amount),
		zap.Bool("offline", txn.IsOffline))
	return responseFor(txn), nil
}

// lockedOutcome is the verdict of the locked unit. A non-nil declined is a
// business refusal that still commits.
type lockedOutcome struct {
	events   []models.NFCAuditEvent
	declined error
}

func (o *lockedOutcome) refuse(err error) (lockedOutcome, error) {
	o.declined = err
	return *o, nil
}

// authorizeLocked evaluates the request against the freshly read card. An
// error aborts the whole unit.
func (s *AuthorizationService) authorizeLocked(ctx context.Context, tx repository.Tx, a *authAttempt, card *models.PrepaidCard, txn *models.Transaction) (lockedOutcome, error) {
	var out lockedOutcome
	now, amount := a.now, a.req.Amount

	if card.State != models.CardStateActivated {
		if card.State == models.CardStateExpired {
			return out.refuse(ErrCardExpired)
		}
		return out.refuse(fmt.Errorf("%w: card is %s", ErrCardNotActivated, card.State))
	}
	if card.IsExpiredAt(now) {
		if ev, err := transition(card, models.CardStateExpired, "validity period ended", models.SystemActor, now); err == nil {
			out.events = append(out.events, ev)
		}
		return out.refuse(ErrCardExpired)
	}

	if a.pinRequired {
		if card.PINAttempts >= s.cfg.MaxPINAttempts {
			return out.refuse(ErrPINLocked)
		}
		if !a.pinOK {
			card.PINAttempts++
			if card.PINAttempts >= s.cfg.MaxPINAttempts {
				if ev, err := transition(card, models.CardStateSuspended, "PIN attempts exceeded", models.SystemActor, now); err == nil {
					out.events = append(out.events, ev)
				}
				return out.refuse(ErrPINLocked)
			}
			return out.refuse(ErrPINInvalid)
		}
		card.PINAttempts = 0
	}

	s.velocity.Reset(card, now)
	var limitErr error
	if a.offline {
		limitErr = s.velocity.CheckOffline(card, a.program, amount)
	} else {
		limitErr = s.velocity.Check(card, a.program, amount)
	}
	if limitErr != nil {
		return out.refuse(limitErr)
	}

	fee := PurchaseFee(a.program, amount)
	txn.FeeAmount = fee

	history, err := tx.ListTransactionsByCard(ctx, card.ID, now.Add(-s.cfg.FraudHistoryWindow), 500)
	if err != nil {
		return out, err
	}
	decision := s.fraud.Evaluate(a.rules, FraudInput{
		Card:              card,
		Amount:            amount,
		MerchantID:        a.req.MerchantID,
		TerminalID:        a.req.TerminalID,
		DeviceFingerprint: a.req.DeviceFingerprint,
		Location:          a.req.Location,
		At:                now,
		History:           history,
	})
	txn.FraudScore = decision.Score
	txn.FraudCheckResult = decision.Result
	card.FraudScore = decision.RunningScore
	card.FraudScoreAt = timePtr(now)
	for _, alert := range decision.Alerts {
		out.events = append(out.events, auditEvent(models.AuditCategorySecurity, "card", card.ID, models.SystemActor, "FRAUD_ALERT",
			nil, models.Metadata{"alert": alert, "transactionReference": txn.Reference}))
	}
	if decision.Result == models.FraudResultBlock {
		return out.refuse(&DeclineError{Code: DeclineFraudBlock, Reason: decision.Reason, Err: ErrFraudBlocked})
	}
	if decision.Result == models.FraudResultFlag {
		txn.ReviewRequired = true
		txn.ReviewReason = decision.Reason
	}

	if card.Balance < amount+fee {
		return out.refuse(ErrInsufficientBalance)
	}

	txn.BalanceBefore = card.Balance
	card.Balance -= amount + fee
	txn.BalanceAfter = card.Balance
	s.velocity.Reserve(card, amount, a.offline)

	txn.AuthorizationCode = idgen.AuthorizationCode()
	if s.cfg.CaptureMode == config.CaptureModeDelayed {
		txn.State = models.TransactionStateAuthorized
	} else {
		txn.State = models.TransactionStateCaptured
		txn.CapturedAt = timePtr(now)
	}
	card.LastUsedAt = timePtr(now)
	card.LastTerminalID = a.req.TerminalID
	if a.req.Location != nil {
		card.LastLocation = a.req.Location
	}
	card.UpdatedAt = now

	if err := checkIntegrity(card, txn); err != nil {
		return out, err
	}
	return out, nil
}

func (s *AuthorizationService) newPurchase(a *authAttempt, card *models.PrepaidCard) *models.Transaction {
	t := &models.Transaction{
		ID:               uuid.NewString(),
		Reference:        idgen.TransactionReference(),
		IdempotencyKey:   a.req.IdempotencyKey,
		CardID:           card.ID,
		Type:             models.TransactionTypePurchase,
		State:            models.TransactionStatePending,
		Currency:         a.req.Currency,
		Amount:           a.req.Amount,
		NetAmount:        a.req.Amount,
		BalanceBefore:    card.Balance,
		BalanceAfter:     card.Balance,
		MerchantID:       a.req.MerchantID,
		TerminalID:       a.req.TerminalID,
		Location:         a.req.Location,
		ChallengeID:      a.req.ChallengeID,
		CryptoResult:     a.verification.Result,
		HSMAuditID:       a.verification.AuditID,
		IsOffline:        a.offline,
		FraudCheckResult: models.FraudResultPass,
		RefundStatus:     models.RefundStatusNone,
		OccurredAt:       a.now,
		CreatedAt:        a.now,
	}
	if t.CryptoResult == "" {
		t.CryptoResult = models.CryptoResultNotRequired
	}
	if a.offline && a.verification.Challenge != nil {
		// kept so reconciliation can replay the cryptogram against the HSM
		t.Metadata = models.Metadata{
			"deferredNonce":    a.verification.Challenge.Nonce,
			"deferredResponse": a.req.Response,
		}
	}
	return t
}

// markDeclined turns a pending record into a decline with an untouched balance.
func markDeclined(t *models.Transaction, card *models.PrepaidCard, reason error) {
	de := decline(reason)
	t.State = models.TransactionStateDeclined
	t.DeclineCode = string(de.Code)
	t.DeclineReason = de.Reason
	t.FeeAmount = 0
	t.BalanceBefore = card.Balance
	t.BalanceAfter = card.Balance
	t.AuthorizationCode = ""
	t.CapturedAt = nil
}

// checkIntegrity is the last gate before a balance mutation is written.
func checkIntegrity(card *models.PrepaidCard, t *models.Transaction) error {
	if card.Balance < 0 || card.PendingBalance < 0 {
		return fmt.Errorf("%w: card %s balance %d pending %d", ErrBalanceIntegrity, card.ID, card.Balance, card.PendingBalance)
	}
	if !t.BalanceConsistent() {
		return fmt.Errorf("%w: %s %s before %d after %d amount %d fee %d", ErrBalanceIntegrity,
			t.Type, t.Reference, t.BalanceBefore, t.BalanceAfter, t.Amount, t.FeeAmount)
	}
	return nil
}

func (c *core) integrityAlert(ctx context.Context, cardID string, err error) {
	logger.Log.Error("[INTEGRITY] balance mismatch, unit aborted", zap.String("cardId", cardID), zap.Error(err))
	c.record(ctx, auditEvent(models.AuditCategoryIntegrity, "card", cardID, models.SystemActor, "INTEGRITY_ALERT",
		nil, models.Metadata{"error": err.Error()}))
}

func (c *core) recordTransaction(ctx context.Context, t *models.Transaction, actor models.Actor) {
	action := string(t.Type) + "_" + string(t.State)
	c.record(ctx, auditEvent(models.AuditCategoryTransaction, "transaction", t.ID, actor, action, nil, models.Metadata{
		"cardId":         t.CardID,
		"reference":      t.Reference,
		"amount":         t.Amount,
		"feeAmount":      t.FeeAmount,
		"balanceBefore":  t.BalanceBefore,
		"balanceAfter":   t.BalanceAfter,
		"declineCode":    t.DeclineCode,
		"fraudResult":    t.FraudCheckResult,
		"reviewRequired": t.ReviewRequired,
	}))
}
