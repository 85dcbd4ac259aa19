package hsm

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"github.com/ruralpay/cardengine/internal/logger"
)

// OfflineSigningSlot is the RSA key that signs offline spending certificates.
const OfflineSigningSlot = "offline_signing"

// IssuerMasterSlot is the root symmetric key batch masters hang under.
const IssuerMasterSlot = "issuer_master"

type slotKind string

const (
	slotSymmetric slotKind = "SYMMETRIC"
	slotRSA       slotKind = "RSA"
)

// keySlot is the on-disk and in-memory form of one key. It never leaves this package.
type keySlot struct {
	ID        string    `json:"id"`
	Kind      slotKind  `json:"kind"`
	Parent    string    `json:"parent,omitempty"`
	Secret    []byte    `json:"secret,omitempty"`
	RSADER    []byte    `json:"rsaDer,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	private *rsa.PrivateKey
}

// Config holds SoftHSM configuration
type Config struct {
	MasterKey    string
	KeyStorePath string
	Salt         []byte // Optional: if nil, will be generated
}

// SoftHSM is an in-process Boundary for development and tests. Keys are kept
// in memory and, when KeyStorePath is set, persisted encrypted under an
// Argon2id-derived master key.
type SoftHSM struct {
	slots        map[string]*keySlot
	masterKey    []byte
	mu           sync.RWMutex
	keyStorePath string
}

var validKeyID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// InitSoftHSM initializes the software HSM
func InitSoftHSM(config Config) (*SoftHSM, error) {
	if config.MasterKey == "" {
		return nil, errors.New("master key required")
	}

	salt := config.Salt
	if len(salt) == 0 {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	h := &SoftHSM{
		slots:        make(map[string]*keySlot),
		masterKey:    deriveKey(config.MasterKey, salt, 32),
		keyStorePath: config.KeyStorePath,
	}

	if err := h.loadKeys(); err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}

	if err := h.generateDefaultKeys(); err != nil {
		return nil, fmt.Errorf("failed to generate default keys: %w", err)
	}

	logger.Log.Info("[HSM] software HSM initialized", zap.Int("slots", len(h.slots)))
	return h, nil
}

// GenerateKeySlot creates a random 256-bit master key.
func (h *SoftHSM) GenerateKeySlot(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	slotID := label
	if slotID == "" {
		slotID = "slot_" + uuid.NewString()[:8]
	}
	if err := validateKeyID(slotID); err != nil {
		return "", fmt.Errorf("invalid key ID: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.slots[slotID]; exists {
		return "", fmt.Errorf("key with ID %s already exists", slotID)
	}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	slot := &keySlot{ID: slotID, Kind: slotSymmetric, Secret: secret, CreatedAt: time.Now()}
	if err := h.store(slot); err != nil {
		return "", err
	}

	logger.Log.Info("[HSM] key slot generated", zap.String("slot", slotID))
	return slotID, nil
}

// DeriveCardKey derives HMAC-SHA256(master, diversification). Deriving twice with
// the same input returns the same slot.
func (h *SoftHSM) DeriveCardKey(ctx context.Context, masterSlotID string, diversification []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	master, ok := h.slots[masterSlotID]
	if !ok || master.Kind != slotSymmetric {
		return "", ErrSlotNotFound
	}

	mac := hmac.New(sha256.New, master.Secret)
	mac.Write(diversification)
	secret := mac.Sum(nil)

	idSum := sha256.Sum256(append([]byte(masterSlotID+":"), diversification...))
	slotID := "card_" + hex.EncodeToString(idSum[:12])

	if _, exists := h.slots[slotID]; exists {
		return slotID, nil
	}

	slot := &keySlot{ID: slotID, Kind: slotSymmetric, Parent: masterSlotID, Secret: secret, CreatedAt: time.Now()}
	if err := h.store(slot); err != nil {
		return "", err
	}
	return slotID, nil
}

// ValidateResponse compares the response with HMAC-SHA256(cardKey, challenge).
func (h *SoftHSM) ValidateResponse(ctx context.Context, slotID string, challenge, response []byte) (ValidationResult, error) {
	return h.verify(ctx, slotID, challengeMessage(challenge), response)
}

// ValidateMAC compares the MAC with HMAC-SHA256(cardKey, "MAC" || payload).
func (h *SoftHSM) ValidateMAC(ctx context.Context, slotID string, payload, mac []byte) (ValidationResult, error) {
	return h.verify(ctx, slotID, macMessage(payload), mac)
}

func (h *SoftHSM) verify(ctx context.Context, slotID string, message, presented []byte) (ValidationResult, error) {
	result := ValidationResult{AuditID: uuid.NewString()}
	if ctx.Err() != nil {
		result.Outcome = OutcomeTimeout
		return result, nil
	}

	h.mu.RLock()
	slot, ok := h.slots[slotID]
	h.mu.RUnlock()
	if !ok || slot.Kind != slotSymmetric {
		return result, ErrSlotNotFound
	}

	expected := keyedMAC(slot.Secret, message)
	if subtle.ConstantTimeCompare(expected, presented) == 1 {
		result.Outcome = OutcomeValid
	} else {
		result.Outcome = OutcomeInvalid
	}
	return result, nil
}

// SignOfflineCertificate signs payload with the offline signing key.
func (h *SoftHSM) SignOfflineCertificate(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.RLock()
	slot, ok := h.slots[OfflineSigningSlot]
	h.mu.RUnlock()
	if !ok || slot.private == nil {
		return nil, ErrSlotNotFound
	}

	hashed := sha256.Sum256(payload)
	signature, err := rsa.SignPKCS1v15(rand.Reader, slot.private, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign data: %w", err)
	}
	return signature, nil
}

// OfflinePublicKey returns the offline signing public key.
func (h *SoftHSM) OfflinePublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	slot, ok := h.slots[OfflineSigningSlot]
	if !ok || slot.private == nil {
		return nil, ErrSlotNotFound
	}
	return &slot.private.PublicKey, nil
}

// CardResponse computes what a personalised chip answers to a challenge. It
// exists so development terminals and tests can emulate a card.
func (h *SoftHSM) CardResponse(slotID string, challenge []byte) ([]byte, error) {
	return h.emulate(slotID, challengeMessage(challenge))
}

// CardMAC computes the offline transaction MAC a personalised chip would produce.
func (h *SoftHSM) CardMAC(slotID string, payload []byte) ([]byte, error) {
	return h.emulate(slotID, macMessage(payload))
}

func (h *SoftHSM) emulate(slotID string, message []byte) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	slot, ok := h.slots[slotID]
	if !ok || slot.Kind != slotSymmetric {
		return nil, ErrSlotNotFound
	}
	return keyedMAC(slot.Secret, message), nil
}

// DeleteKey removes a slot from memory and disk.
func (h *SoftHSM) DeleteKey(slotID string) error {
	if err := validateKeyID(slotID); err != nil {
		return fmt.Errorf("invalid key ID: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.slots[slotID]; !exists {
		return ErrSlotNotFound
	}
	delete(h.slots, slotID)

	if h.keyStorePath == "" {
		return nil
	}
	keyPath := filepath.Join(h.keyStorePath, slotID+".key")
	if err := os.Remove(keyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}

	logger.Log.Info("[HSM] key slot deleted", zap.String("slot", slotID))
	return nil
}

func challengeMessage(challenge []byte) []byte {
	return append([]byte("CHL"), challenge...)
}

func macMessage(payload []byte) []byte {
	return append([]byte("MAC"), payload...)
}

func keyedMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}

// store must be called with h.mu held.
func (h *SoftHSM) store(slot *keySlot) error {
	h.slots[slot.ID] = slot
	if err := h.saveKeyToDisk(slot); err != nil {
		delete(h.slots, slot.ID)
		return fmt.Errorf("failed to save key to disk: %w", err)
	}
	return nil
}

func (h *SoftHSM) generateDefaultKeys() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.slots[IssuerMasterSlot]; !ok {
		secret := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			return err
		}
		if err := h.store(&keySlot{ID: IssuerMasterSlot, Kind: slotSymmetric, Secret: secret, CreatedAt: time.Now()}); err != nil {
			return err
		}
	}

	if _, ok := h.slots[OfflineSigningSlot]; !ok {
		privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return fmt.Errorf("failed to generate RSA key: %w", err)
		}
		slot := &keySlot{
			ID:        OfflineSigningSlot,
			Kind:      slotRSA,
			RSADER:    x509.MarshalPKCS1PrivateKey(privateKey),
			CreatedAt: time.Now(),
			private:   privateKey,
		}
		if err := h.store(slot); err != nil {
			return err
		}
	}
	return nil
}

func (h *SoftHSM) loadKeys() error {
	if h.keyStorePath == "" {
		return nil
	}

	files, err := os.ReadDir(h.keyStorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(h.keyStorePath, 0700)
		}
		return err
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".key" {
			continue
		}

		keyData, err := os.ReadFile(filepath.Join(h.keyStorePath, file.Name()))
		if err != nil {
			continue
		}

		decrypted, err := h.decryptWithMasterKey(keyData)
		if err != nil {
			logger.Log.Warn("[HSM] skipping undecryptable key file", zap.String("file", file.Name()))
			continue
		}

		var slot keySlot
		if err := json.Unmarshal(decrypted, &slot); err != nil {
			continue
		}
		if slot.Kind == slotRSA {
			slot.private, err = x509.ParsePKCS1PrivateKey(slot.RSADER)
			if err != nil {
				continue
			}
		}
		h.slots[slot.ID] = &slot
	}

	return nil
}

func (h *SoftHSM) saveKeyToDisk(slot *keySlot) error {
	if h.keyStorePath == "" {
		return nil
	}

	if err := validateKeyID(slot.ID); err != nil {
		return fmt.Errorf("invalid key ID: %w", err)
	}

	keyData, err := json.Marshal(slot)
	if err != nil {
		return err
	}

	encrypted, err := h.encryptWithMasterKey(keyData)
	if err != nil {
		return err
	}

	keyPath := filepath.Join(h.keyStorePath, slot.ID+".key")
	return os.WriteFile(keyPath, encrypted, 0600)
}

func (h *SoftHSM) encryptWithMasterKey(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(h.masterKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

func (h *SoftHSM) decryptWithMasterKey(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(h.masterKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func deriveKey(password string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), salt, 3, 32*1024, 4, keyLen)
}

// validateKeyID validates key ID to prevent path traversal attacks
func validateKeyID(keyID string) error {
	if keyID == "" {
		return errors.New("key ID cannot be empty")
	}

	if filepath.IsAbs(keyID) {
		return errors.New("key ID cannot be an absolute path")
	}

	if filepath.Clean(keyID) != keyID {
		return errors.New("key ID contains invalid path elements")
	}

	if !validKeyID.MatchString(keyID) {
		return errors.New("key ID contains invalid characters")
	}

	return nil
}
