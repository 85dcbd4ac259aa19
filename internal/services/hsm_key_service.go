package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/hsm"
	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
)

// HSMKeyService is the key reference registry. It records which HSM slot
// backs each key and gates every crypto operation on the key's status.
type HSMKeyService struct {
	core
	hsm hsm.Boundary
}

var keyTransitions = map[models.KeyStatus][]models.KeyStatus{
	models.KeyStatusActive:    {models.KeyStatusSuspended, models.KeyStatusRevoked, models.KeyStatusExpired},
	models.KeyStatusSuspended: {models.KeyStatusActive, models.KeyStatusRevoked, models.KeyStatusExpired},
}

// SyncKeysToRegistry registers the HSM's built-in slots if they are missing.
func (s *HSMKeyService) SyncKeysToRegistry(ctx context.Context) error {
	builtin := []struct {
		slot    string
		keyType models.KeyType
	}{
		{hsm.IssuerMasterSlot, models.KeyTypeIssuerMaster},
		{hsm.OfflineSigningSlot, models.KeyTypeOfflineSigning},
	}
	for _, b := range builtin {
		_, err := s.store.GetKey(ctx, b.slot)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to sync key %s: %w", b.slot, err)
		}
		now := s.clock()
		ref := &models.KeyReference{
			KeyID:      b.slot,
			KeyType:    b.keyType,
			HSMSlotID:  b.slot,
			Status:     models.KeyStatusActive,
			KeyVersion: 1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.Atomic(ctx, nil, func(tx repository.Tx) error {
			return tx.InsertKey(ctx, ref)
		}); err != nil && !errors.Is(err, repository.ErrDuplicate) {
			return fmt.Errorf("failed to sync key %s: %w", b.slot, err)
		}
		logger.Log.Info("[KEYS] registered built-in key", zap.String("keyId", b.slot))
	}
	return nil
}

// CreateMasterKey generates a batch master key in the HSM and registers it.
func (s *HSMKeyService) CreateMasterKey(ctx context.Context, label string, actor models.Actor) (*models.KeyReference, error) {
	if _, err := s.RequireActive(ctx, s.store, hsm.IssuerMasterSlot); err != nil {
		return nil, fmt.Errorf("issuer master: %w", err)
	}
	keyID := "bmk_" + uuid.NewString()
	// slot labels must be unique inside the HSM
	slot, err := s.hsm.GenerateKeySlot(ctx, label+"_"+keyID[4:12])
	if err != nil {
		return nil, fmt.Errorf("generate key slot: %w", err)
	}
	now := s.clock()
	ref := &models.KeyReference{
		KeyID:       keyID,
		KeyType:     models.KeyTypeBatchMaster,
		HSMSlotID:   slot,
		ParentKeyID: hsm.IssuerMasterSlot,
		Status:      models.KeyStatusActive,
		KeyVersion:  1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Atomic(ctx, nil, func(tx repository.Tx) error {
		return tx.InsertKey(ctx, ref)
	}); err != nil {
		return nil, err
	}
	s.record(ctx, auditEvent(models.AuditCategoryKey, "key", ref.KeyID, actor, "KEY_CREATED", nil,
		models.Metadata{"keyType": ref.KeyType, "parentKeyId": ref.ParentKeyID}))
	return ref, nil
}

// DeriveCardKey diversifies a card key from a batch master. The returned
// reference is not stored; the caller inserts it with the card.
func (s *HSMKeyService) DeriveCardKey(ctx context.Context, masterKeyID, uidHash string, version int) (*models.KeyReference, error) {
	master, err := s.RequireActive(ctx, s.store, masterKeyID)
	if err != nil {
		return nil, err
	}
	slot, err := s.hsm.DeriveCardKey(ctx, master.HSMSlotID, diversification(uidHash, version))
	if err != nil {
		return nil, fmt.Errorf("derive card key: %w", err)
	}
	now := s.clock()
	return &models.KeyReference{
		KeyID:       "ck_" + uuid.NewString(),
		KeyType:     models.KeyTypeCardAuth,
		HSMSlotID:   slot,
		ParentKeyID: masterKeyID,
		Status:      models.KeyStatusActive,
		KeyVersion:  version,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func diversification(uidHash string, version int) []byte {
	return []byte(fmt.Sprintf("%s:%d", uidHash, version))
}

// RequireActive returns the key when it and every ancestor may be used.
// A revoked key anywhere in the chain yields ErrKeyRevoked.
func (s *HSMKeyService) RequireActive(ctx context.Context, r repository.Reader, keyID string) (*models.KeyReference, error) {
	var leaf *models.KeyReference
	now := s.clock()
	for id, depth := keyID, 0; id != "" && depth < 4; depth++ {
		ref, err := r.GetKey(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: key %s not registered", ErrKeyInactive, id)
		}
		if err != nil {
			return nil, err
		}
		switch {
		case ref.Status == models.KeyStatusRevoked:
			return nil, ErrKeyRevoked
		case ref.Status != models.KeyStatusActive:
			return nil, fmt.Errorf("%w: key %s is %s", ErrKeyInactive, id, ref.Status)
		case ref.ExpiresAt != nil && !now.Before(*ref.ExpiresAt):
			return nil, fmt.Errorf("%w: key %s expired", ErrKeyInactive, id)
		}
		if leaf == nil {
			leaf = ref
		}
		id = ref.ParentKeyID
	}
	if leaf == nil {
		return nil, fmt.Errorf("%w: empty key id", ErrKeyInactive)
	}
	return leaf, nil
}

// SetStatus moves a key between statuses. REVOKED and EXPIRED are final.
func (s *HSMKeyService) SetStatus(ctx context.Context, keyID string, status models.KeyStatus, actor models.Actor) (*models.KeyReference, error) {
	var updated *models.KeyReference
	var old models.KeyStatus
	err := s.store.Atomic(ctx, nil, func(tx repository.Tx) error {
		ref, err := tx.GetKey(ctx, keyID)
		if err != nil {
			return err
		}
		allowed := false
		for _, to := range keyTransitions[ref.Status] {
			if to == status {
				allowed = true
			}
		}
		if !allowed {
			return fmt.Errorf("%w: key %s -> %s", ErrInvalidStateTransition, ref.Status, status)
		}
		old = ref.Status
		if err := tx.UpdateKeyStatus(ctx, keyID, status, s.clock()); err != nil {
			return err
		}
		updated, err = tx.GetKey(ctx, keyID)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Warn("[KEYS] key status changed",
		zap.String("keyId", keyID), zap.String("from", string(old)), zap.String("to", string(status)))
	s.record(ctx, auditEvent(models.AuditCategoryKey, "key", keyID, actor, "KEY_"+string(status),
		models.Metadata{"status": old}, models.Metadata{"status": status}))
	return updated, nil
}

func (s *HSMKeyService) Revoke(ctx context.Context, keyID string, actor models.Actor) (*models.KeyReference, error) {
	return s.SetStatus(ctx, keyID, models.KeyStatusRevoked, actor)
}

func (s *HSMKeyService) List(ctx context.Context) ([]models.KeyReference, error) {
	return s.store.ListKeys(ctx)
}
