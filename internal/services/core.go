package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/ruralpay/cardengine/internal/audit"
	"github.com/ruralpay/cardengine/internal/config"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
)

// core is the shared plumbing every engine service embeds.
type core struct {
	store repository.Store
	audit *audit.Logger
	cfg   config.EngineConfig
	loc   *time.Location
	now   func() time.Time
}

func (c *core) clock() time.Time {
	return c.now().UTC()
}

func (c *core) record(ctx context.Context, events ...models.NFCAuditEvent) {
	if c.audit == nil {
		return
	}
	c.audit.RecordAll(ctx, events)
}

func auditEvent(category models.AuditCategory, entityType, entityID string, actor models.Actor, action string, oldValues, newValues models.Metadata) models.NFCAuditEvent {
	return audit.Event(category, entityType, entityID, actor, action, oldValues, newValues)
}

// HashCardUID is the salted SHA-256 lookup key for a hardware UID.
func HashCardUID(salt, uid string) string {
	sum := sha256.Sum256([]byte(salt + ":" + uid))
	return hex.EncodeToString(sum[:])
}

func (c *core) uidHash(uid string) string {
	return HashCardUID(c.cfg.UIDSalt, uid)
}

// loadCard maps the repository miss to the domain error.
func loadCard(ctx context.Context, r repository.Reader, id string) (*models.PrepaidCard, error) {
	card, err := r.GetCard(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCardNotFound
	}
	return card, err
}

// loadBatch returns the batch, refusing one whose range is corrupt.
func loadBatch(ctx context.Context, r repository.Reader, id string) (*models.CardBatch, error) {
	batch, err := r.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !batch.RangeValid() {
		return nil, ErrCorruptedBatchRange
	}
	return batch, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
