package services

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/hsm"
	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
)

// Gateway issues challenges and verifies card cryptograms through the HSM.
type Gateway struct {
	core
	hsm        hsm.Boundary
	keys       *HSMKeyService
	challenges ChallengeStore

	pubMu     sync.Mutex
	publicKey *rsa.PublicKey
}

// VerifyRequest is a card's answer to a previously issued challenge.
type VerifyRequest struct {
	ChallengeID string
	Response    string // hex
	CardUID     string
	TerminalID  string
	Purpose     models.ChallengePurpose
	KeyID       string
}

// Verification is what the HSM said about a cryptogram.
type Verification struct {
	Result    models.CryptoResult
	AuditID   string
	Challenge *models.Challenge
}

// IssueChallenge creates a single-use nonce bound to the card UID and, when
// given, the terminal.
func (g *Gateway) IssueChallenge(ctx context.Context, cardUID, terminalID string, purpose models.ChallengePurpose) (*models.Challenge, error) {
	if cardUID == "" {
		return nil, fmt.Errorf("%w: card uid required", ErrValidation)
	}
	if purpose == "" {
		purpose = models.ChallengePurposePayment
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	now := g.clock()
	ch := &models.Challenge{
		ID:          uuid.NewString(),
		Nonce:       hex.EncodeToString(nonce),
		CardUIDHash: g.uidHash(cardUID),
		TerminalID:  terminalID,
		Purpose:     purpose,
		IssuedAt:    now,
		ExpiresAt:   now.Add(g.cfg.ChallengeTTL),
	}
	if err := g.challenges.Put(ctx, ch, g.cfg.ChallengeTTL); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}
	return ch, nil
}

// VerifyResponse consumes the challenge and asks the HSM to check the
// response. INVALID returns ErrCryptoValidationFailed and TIMEOUT returns
// ErrHSMTimeout; both still carry the Verification.
func (g *Gateway) VerifyResponse(ctx context.Context, r repository.Reader, req VerifyRequest) (Verification, error) {
	ch, err := g.challenges.Take(ctx, req.ChallengeID)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{Challenge: ch}
	if g.clock().After(ch.ExpiresAt) {
		return v, ErrChallengeExpiredOrReused
	}
	if ch.CardUIDHash != g.uidHash(req.CardUID) {
		return v, fmt.Errorf("%w: challenge issued to another card", ErrCryptoValidationFailed)
	}
	if ch.TerminalID != "" && ch.TerminalID != req.TerminalID {
		return v, fmt.Errorf("%w: challenge issued to another terminal", ErrCryptoValidationFailed)
	}
	if req.Purpose != "" && ch.Purpose != req.Purpose {
		return v, fmt.Errorf("%w: challenge purpose mismatch", ErrCryptoValidationFailed)
	}

	key, err := g.keys.RequireActive(ctx, r, req.KeyID)
	if err != nil {
		return v, err
	}
	nonce, err := hex.DecodeString(ch.Nonce)
	if err != nil {
		return v, fmt.Errorf("corrupt challenge nonce: %w", err)
	}
	response, err := hex.DecodeString(req.Response)
	if err != nil {
		v.Result = models.CryptoResultInvalid
		return v, fmt.Errorf("%w: response is not hex", ErrCryptoValidationFailed)
	}

	return g.validate(ctx, v, func(hctx context.Context) (hsm.ValidationResult, error) {
		return g.hsm.ValidateResponse(hctx, key.HSMSlotID, nonce, response)
	})
}

// ValidateOfflineMAC checks the MAC a card produced over an offline transaction.
func (g *Gateway) ValidateOfflineMAC(ctx context.Context, r repository.Reader, keyID string, payload []byte, macHex string) (Verification, error) {
	var v Verification
	key, err := g.keys.RequireActive(ctx, r, keyID)
	if err != nil {
		return v, err
	}
	mac, err := hex.DecodeString(macHex)
	if err != nil {
		v.Result = models.CryptoResultInvalid
		return v, fmt.Errorf("%w: mac is not hex", ErrCryptoValidationFailed)
	}
	return g.validate(ctx, v, func(hctx context.Context) (hsm.ValidationResult, error) {
		return g.hsm.ValidateMAC(hctx, key.HSMSlotID, payload, mac)
	})
}

// ValidateDeferredResponse re-checks a challenge response captured while the
// HSM was unreachable. The challenge itself is long gone, so its nonce travels with the transaction.
func (g *Gateway) ValidateDeferredResponse(ctx context.Context, r repository.Reader, keyID, nonceHex, responseHex string) (Verification, error) {
	var v Verification
	key, err := g.keys.RequireActive(ctx, r, keyID)
	if err != nil {
		return v, err
	}
	nonce, err1 := hex.DecodeString(nonceHex)
	response, err2 := hex.DecodeString(responseHex)
	if err1 != nil || err2 != nil {
		v.Result = models.CryptoResultInvalid
		return v, fmt.Errorf("%w: deferred cryptogram is not hex", ErrCryptoValidationFailed)
	}
	return g.validate(ctx, v, func(hctx context.Context) (hsm.ValidationResult, error) {
		return g.hsm.ValidateResponse(hctx, key.HSMSlotID, nonce, response)
	})
}

func (g *Gateway) validate(ctx context.Context, v Verification, call func(context.Context) (hsm.ValidationResult, error)) (Verification, error) {
	hctx, cancel := context.WithTimeout(ctx, g.cfg.HSMTimeout)
	defer cancel()

	res, err := call(hctx)
	v.AuditID = res.AuditID
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, hsm.ErrUnavailable)):
		res.Outcome = hsm.OutcomeTimeout
	case err != nil:
		return v, fmt.Errorf("hsm validate: %w", err)
	case hctx.Err() != nil && res.Outcome == "":
		res.Outcome = hsm.OutcomeTimeout
	}

	switch res.Outcome {
	case hsm.OutcomeValid:
		v.Result = models.CryptoResultValid
		return v, nil
	case hsm.OutcomeTimeout:
		v.Result = models.CryptoResultTimeout
		logger.Log.Warn("[GATEWAY] hsm validation timed out", zap.String("auditId", v.AuditID))
		return v, ErrHSMTimeout
	default:
		v.Result = models.CryptoResultInvalid
		return v, ErrCryptoValidationFailed
	}
}

// OfflineCertificate lets a terminal approve small spends without the HSM.
// Only the issuer can sign one; anyone with the public key can check it.
type OfflineCertificate struct {
	CardID           string    `json:"cardId"`
	Currency         string    `json:"currency"`
	TransactionLimit int64     `json:"transactionLimit"`
	DailyLimit       int64     `json:"dailyLimit"`
	IssuedAt         time.Time `json:"issuedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	Signature        string    `json:"signature"`
}

func (c *OfflineCertificate) signingPayload() []byte {
	return []byte(fmt.Sprintf("OFFLINE-CERT|%s|%s|%d|%d|%d|%d",
		c.CardID, c.Currency, c.TransactionLimit, c.DailyLimit, c.IssuedAt.Unix(), c.ExpiresAt.Unix()))
}

// IssueOfflineCertificate signs the program's offline caps for one card.
func (g *Gateway) IssueOfflineCertificate(ctx context.Context, card *models.PrepaidCard, program *models.CardProgram) (*OfflineCertificate, error) {
	if !program.Offline.Allowed {
		return nil, ErrOfflineNotAllowed
	}
	if _, err := g.keys.RequireActive(ctx, g.store, hsm.OfflineSigningSlot); err != nil {
		return nil, err
	}
	hours := program.Offline.CertificateValidHours
	if hours <= 0 {
		hours = 24
	}
	now := g.clock().Truncate(time.Second)
	cert := &OfflineCertificate{
		CardID:           card.ID,
		Currency:         card.Currency,
		TransactionLimit: program.Offline.TransactionLimit,
		DailyLimit:       program.Offline.DailyLimit,
		IssuedAt:         now,
		ExpiresAt:        now.Add(time.Duration(hours) * time.Hour),
	}
	if card.ExpiresAt != nil && card.ExpiresAt.Before(cert.ExpiresAt) {
		cert.ExpiresAt = card.ExpiresAt.Truncate(time.Second)
	}
	sig, err := g.hsm.SignOfflineCertificate(ctx, cert.signingPayload())
	if err != nil {
		return nil, fmt.Errorf("sign offline certificate: %w", err)
	}
	cert.Signature = base64.StdEncoding.EncodeToString(sig)
	return cert, nil
}

// VerifyOfflineCertificate checks the signature locally with the cached public key.
func (g *Gateway) VerifyOfflineCertificate(ctx context.Context, cert *OfflineCertificate, cardID string, at time.Time) error {
	if cert == nil {
		return fmt.Errorf("%w: missing", ErrInvalidOfflineCertificate)
	}
	if cert.CardID != cardID {
		return fmt.Errorf("%w: issued to another card", ErrInvalidOfflineCertificate)
	}
	if at.Before(cert.IssuedAt) || !at.Before(cert.ExpiresAt) {
		return fmt.Errorf("%w: outside validity window", ErrInvalidOfflineCertificate)
	}
	pub, err := g.offlinePublicKey(ctx)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(cert.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrInvalidOfflineCertificate)
	}
	hashed := sha256.Sum256(cert.signingPayload())
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], sig); err != nil {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidOfflineCertificate)
	}
	return nil
}

func (g *Gateway) offlinePublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	g.pubMu.Lock()
	defer g.pubMu.Unlock()
	if g.publicKey != nil {
		return g.publicKey, nil
	}
	pub, err := g.hsm.OfflinePublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("offline public key: %w", err)
	}
	g.publicKey = pub
	return pub, nil
}

// OfflineMACPayload is the byte string a card MACs for an offline spend.
func OfflineMACPayload(cardID, terminalID, merchantID string, amount int64, currency string, counter int64, occurredAt time.Time) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%s|%d|%d",
		cardID, terminalID, merchantID, amount, currency, counter, occurredAt.Unix()))
}
