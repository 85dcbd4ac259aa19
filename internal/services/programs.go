package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
)

// ProgramService manages card programs. Published programs never change.
type ProgramService struct {
	core
}

// validateProgram checks the limits a program must satisfy before it is saved.
func validateProgram(p *models.CardProgram) error {
	var problems []string
	if p.Name == "" {
		problems = append(problems, "name is required")
	}
	if len(p.Currency) != 3 {
		problems = append(problems, "currency must be a three letter code")
	}
	if p.Price < 0 || p.InitialBalance < 0 || p.MaxBalance < 0 {
		problems = append(problems, "amounts must not be negative")
	}
	if p.MaxBalance > 0 && p.MaxBalance < p.InitialBalance {
		problems = append(problems, "maxBalance must be at least initialBalance")
	}
	if p.PerTransactionLimit > 0 && p.DailyTransactionLimit > 0 && p.PerTransactionLimit > p.DailyTransactionLimit {
		problems = append(problems, "perTransactionLimit must not exceed dailyTransactionLimit")
	}
	if p.MinReload > 0 && p.MaxReload > 0 && p.MinReload > p.MaxReload {
		problems = append(problems, "minReload must not exceed maxReload")
	}
	if p.Fees.PurchasePercent.IsNegative() || p.Fees.ReloadPercent.IsNegative() || p.Fees.PurchaseFixed < 0 || p.Fees.ReloadFixed < 0 {
		problems = append(problems, "fees must not be negative")
	}
	if p.Offline.Allowed && p.Offline.TransactionLimit <= 0 {
		problems = append(problems, "offline programs need an offline transaction limit")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidProgram, problems)
	}
	return nil
}

// CreateProgram stores a DRAFT program.
func (s *ProgramService) CreateProgram(ctx context.Context, p *models.CardProgram, actor models.Actor) (*models.CardProgram, error) {
	if err := validateProgram(p); err != nil {
		return nil, err
	}
	now := s.clock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.SecurityTier == "" {
		p.SecurityTier = models.SecurityTierStandard
	}
	p.Status = models.ProgramStatusDraft
	p.PublishedAt = nil
	p.CreatedAt, p.UpdatedAt = now, now

	if err := s.store.Atomic(ctx, nil, func(tx repository.Tx) error {
		return tx.InsertProgram(ctx, p)
	}); err != nil {
		return nil, err
	}
	s.record(ctx, auditEvent(models.AuditCategoryInventory, "program", p.ID, actor, "PROGRAM_CREATED", nil,
		models.Metadata{"name": p.Name, "currency": p.Currency}))
	return p, nil
}

// UpdateProgram replaces a DRAFT program.
func (s *ProgramService) UpdateProgram(ctx context.Context, p *models.CardProgram, actor models.Actor) (*models.CardProgram, error) {
	if err := validateProgram(p); err != nil {
		return nil, err
	}
	err := s.store.Atomic(ctx, nil, func(tx repository.Tx) error {
		current, err := tx.GetProgram(ctx, p.ID)
		if err != nil {
			return err
		}
		if current.Status != models.ProgramStatusDraft {
			return fmt.Errorf("%w: program is %s", ErrProgramImmutable, current.Status)
		}
		p.Status = models.ProgramStatusDraft
		p.CreatedAt = current.CreatedAt
		p.UpdatedAt = s.clock()
		return tx.UpdateProgram(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, auditEvent(models.AuditCategoryInventory, "program", p.ID, actor, "PROGRAM_UPDATED", nil, nil))
	return p, nil
}

// PublishProgram freezes a DRAFT program so batches can be made from it.
func (s *ProgramService) PublishProgram(ctx context.Context, id string, actor models.Actor) (*models.CardProgram, error) {
	return s.setStatus(ctx, id, models.ProgramStatusDraft, models.ProgramStatusPublished, actor)
}

// RetireProgram stops new batches. Existing cards keep working.
func (s *ProgramService) RetireProgram(ctx context.Context, id string, actor models.Actor) (*models.CardProgram, error) {
	return s.setStatus(ctx, id, models.ProgramStatusPublished, models.ProgramStatusRetired, actor)
}

func (s *ProgramService) setStatus(ctx context.Context, id string, from, to models.ProgramStatus, actor models.Actor) (*models.CardProgram, error) {
	var updated *models.CardProgram
	err := s.store.Atomic(ctx, nil, func(tx repository.Tx) error {
		p, err := tx.GetProgram(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != from {
			return fmt.Errorf("%w: program is %s", ErrProgramImmutable, p.Status)
		}
		now := s.clock()
		p.Status = to
		p.UpdatedAt = now
		if to == models.ProgramStatusPublished {
			p.PublishedAt = timePtr(now)
		}
		updated = p
		return tx.UpdateProgram(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	logger.Log.Info("[PROGRAM] status changed", zap.String("programId", id), zap.String("status", string(to)))
	s.record(ctx, auditEvent(models.AuditCategoryInventory, "program", id, actor, "PROGRAM_"+string(to),
		models.Metadata{"status": from}, models.Metadata{"status": to}))
	return updated, nil
}

func (s *ProgramService) GetProgram(ctx context.Context, id string) (*models.CardProgram, error) {
	return s.store.GetProgram(ctx, id)
}

func (s *ProgramService) ListPrograms(ctx context.Context) ([]models.CardProgram, error) {
	return s.store.ListPrograms(ctx)
}

// publishedProgram loads a program that batches may be made from.
func publishedProgram(ctx context.Context, r repository.Reader, id string) (*models.CardProgram, error) {
	p, err := r.GetProgram(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProgramNotPublished, id)
	}
	if err != nil {
		return nil, err
	}
	if p.Status != models.ProgramStatusPublished {
		return nil, fmt.Errorf("%w: program is %s", ErrProgramNotPublished, p.Status)
	}
	return p, nil
}
