package hsm

import (
	"context"
	"crypto/rsa"
	"errors"
)

// Outcome is the verdict of a keyed verification inside the HSM.
type Outcome string

const (
	OutcomeValid   Outcome = "VALID"
	OutcomeInvalid Outcome = "INVALID"
	OutcomeTimeout Outcome = "TIMEOUT"
)

// ValidationResult is everything the engine learns from a verification.
type ValidationResult struct {
	Outcome Outcome `json:"outcome"`
	AuditID string  `json:"auditId"`
}

var (
	ErrSlotNotFound = errors.New("hsm: key slot not found")
	ErrUnavailable  = errors.New("hsm: unavailable")
)

// Boundary is the only way the engine touches key material. Slots are opaque
// identifiers and no key bytes cross this interface.
type Boundary interface {
	// GenerateKeySlot creates a new symmetric master key and returns its slot.
	GenerateKeySlot(ctx context.Context, label string) (string, error)
	// DeriveCardKey diversifies a per-card key from a master slot.
	DeriveCardKey(ctx context.Context, masterSlotID string, diversification []byte) (string, error)
	// ValidateResponse checks a card's answer to a challenge nonce.
	ValidateResponse(ctx context.Context, slotID string, challenge, response []byte) (ValidationResult, error)
	// ValidateMAC checks a MAC a card produced over an offline transaction.
	ValidateMAC(ctx context.Context, slotID string, payload, mac []byte) (ValidationResult, error)
	// SignOfflineCertificate signs with the issuer offline signing key.
	SignOfflineCertificate(ctx context.Context, payload []byte) ([]byte, error)
	// OfflinePublicKey returns the public half of the offline signing key.
	OfflinePublicKey(ctx context.Context) (*rsa.PublicKey, error)
}
