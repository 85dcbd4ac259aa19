package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
)

// allowedTransitions is the complete card state graph.
var allowedTransitions = map[models.CardState][]models.CardState{
	models.CardStateCreated:   {models.CardStateIssued, models.CardStateDestroyed},
	models.CardStateIssued:    {models.CardStateSold, models.CardStateDestroyed},
	models.CardStateSold:      {models.CardStateInactive, models.CardStateDestroyed},
	models.CardStateInactive:  {models.CardStateActivated, models.CardStateExpired, models.CardStateDestroyed},
	models.CardStateActivated: {models.CardStateSuspended, models.CardStateBlocked, models.CardStateReplaced, models.CardStateExpired},
	models.CardStateSuspended: {models.CardStateActivated, models.CardStateBlocked, models.CardStateReplaced, models.CardStateExpired},
	models.CardStateBlocked:   {models.CardStateReplaced, models.CardStateDestroyed},
	models.CardStateExpired:   {models.CardStateReplaced, models.CardStateDestroyed},
}

// CanTransition reports whether the graph has an edge from -> to.
func CanTransition(from, to models.CardState) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// transition moves the card in memory and returns the audit record for it.
// The card is untouched when the edge does not exist.
func transition(card *models.PrepaidCard, to models.CardState, reason string, actor models.Actor, now time.Time) (models.NFCAuditEvent, error) {
	from := card.State
	if !CanTransition(from, to) {
		return models.NFCAuditEvent{}, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	card.State = to
	card.StateReason = reason
	card.UpdatedAt = now
	return auditEvent(models.AuditCategoryLifecycle, "card", card.ID, actor, "CARD_"+string(to),
		models.Metadata{"state": from},
		models.Metadata{"state": to, "reason": reason}), nil
}

// LifecycleService drives administrative card transitions.
type LifecycleService struct {
	core
	keys *HSMKeyService
}

// Transition applies one edge of the state graph under the card lock.
func (s *LifecycleService) Transition(ctx context.Context, cardID string, to models.CardState, reason string, actor models.Actor) (*models.PrepaidCard, error) {
	var updated *models.PrepaidCard
	var event models.NFCAuditEvent
	err := s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(cardID)}, func(tx repository.Tx) error {
		card, err := loadCard(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if to == models.CardStateActivated && card.State == models.CardStateSuspended {
			if err := s.canReinstate(ctx, tx, card); err != nil {
				return err
			}
		}
		event, err = transition(card, to, reason, actor, s.clock())
		if err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, card); err != nil {
			return err
		}
		updated = card
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, err
	}

	logger.Log.Info("[LIFECYCLE] card transitioned",
		zap.String("card", updated.MaskedNumber()),
		zap.Any("from", event.OldValues["state"]),
		zap.String("to", string(to)))
	s.record(ctx, event)
	return updated, nil
}

// canReinstate refuses to reactivate a card whose key is unusable or whose validity lapsed.
func (s *LifecycleService) canReinstate(ctx context.Context, r repository.Reader, card *models.PrepaidCard) error {
	if card.IsExpiredAt(s.clock()) {
		return ErrCardExpired
	}
	_, err := s.keys.RequireActive(ctx, r, card.KeySlotID)
	return err
}

func (s *LifecycleService) Suspend(ctx context.Context, cardID, reason string, actor models.Actor) (*models.PrepaidCard, error) {
	return s.Transition(ctx, cardID, models.CardStateSuspended, reason, actor)
}

func (s *LifecycleService) Reinstate(ctx context.Context, cardID, reason string, actor models.Actor) (*models.PrepaidCard, error) {
	return s.Transition(ctx, cardID, models.CardStateActivated, reason, actor)
}

func (s *LifecycleService) Block(ctx context.Context, cardID, reason string, actor models.Actor) (*models.PrepaidCard, error) {
	return s.Transition(ctx, cardID, models.CardStateBlocked, reason, actor)
}

func (s *LifecycleService) Expire(ctx context.Context, cardID string, actor models.Actor) (*models.PrepaidCard, error) {
	return s.Transition(ctx, cardID, models.CardStateExpired, "validity period ended", actor)
}

// Destroy retires a card. Inventory counters are only adjusted through
// MarkDefective and vendor damage reports.
func (s *LifecycleService) Destroy(ctx context.Context, cardID, reason string, actor models.Actor) (*models.PrepaidCard, error) {
	return s.Transition(ctx, cardID, models.CardStateDestroyed, reason, actor)
}

// ExpireDueCards moves cards past their expiry date to EXPIRED.
func (s *LifecycleService) ExpireDueCards(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListCardsDueExpiry(ctx, s.clock(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, card := range due {
		if _, err := s.Expire(ctx, card.ID, models.SystemActor); err != nil {
			if errors.Is(err, ErrInvalidStateTransition) {
				continue
			}
			return expired, fmt.Errorf("expire card %s: %w", card.ID, err)
		}
		expired++
	}
	if expired > 0 {
		logger.Log.Info("[LIFECYCLE] expiry sweep complete", zap.Int("expired", expired))
	}
	return expired, nil
}

// RekeyCard derives a fresh card key after the old one was revoked. The card
// must be SUSPENDED and stays so until reinstated.
func (s *LifecycleService) RekeyCard(ctx context.Context, cardID string, actor models.Actor) (*models.KeyReference, error) {
	card, err := loadCard(ctx, s.store, cardID)
	if err != nil {
		return nil, err
	}
	if card.State != models.CardStateSuspended {
		return nil, fmt.Errorf("%w: rekey requires a suspended card, card is %s", ErrInvalidStateTransition, card.State)
	}
	batch, err := loadBatch(ctx, s.store, card.BatchID)
	if err != nil {
		return nil, err
	}
	version := 1
	if old, err := s.store.GetKey(ctx, card.KeySlotID); err == nil {
		version = old.KeyVersion + 1
	}
	ref, err := s.keys.DeriveCardKey(ctx, batch.MasterKeyID, card.CardUIDHash, version)
	if err != nil {
		return nil, err
	}

	var oldKeyID string
	err = s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(cardID)}, func(tx repository.Tx) error {
		card, err := loadCard(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if card.State != models.CardStateSuspended {
			return fmt.Errorf("%w: card is %s", ErrInvalidStateTransition, card.State)
		}
		if err := tx.InsertKey(ctx, ref); err != nil {
			return err
		}
		oldKeyID = card.KeySlotID
		if old, err := tx.GetKey(ctx, oldKeyID); err == nil && old.Status != models.KeyStatusRevoked && old.Status != models.KeyStatusExpired {
			if err := tx.UpdateKeyStatus(ctx, oldKeyID, models.KeyStatusRevoked, s.clock()); err != nil {
				return err
			}
		}
		card.KeySlotID = ref.KeyID
		card.UpdatedAt = s.clock()
		return tx.UpdateCard(ctx, card)
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, auditEvent(models.AuditCategoryKey, "card", cardID, actor, "CARD_REKEYED",
		models.Metadata{"keyId": oldKeyID}, models.Metadata{"keyId": ref.KeyID, "keyVersion": ref.KeyVersion}))
	return ref, nil
}

// suspendForRevokedKey freezes a card whose key was found revoked during a
// crypto check.
func (s *LifecycleService) suspendForRevokedKey(ctx context.Context, cardID string) {
	_, err := s.Transition(ctx, cardID, models.CardStateSuspended, "card key revoked", models.SystemActor)
	if err != nil && !errors.Is(err, ErrInvalidStateTransition) {
		logger.Log.Error("[LIFECYCLE] failed to suspend card with revoked key", zap.String("cardId", cardID), zap.Error(err))
	}
}
