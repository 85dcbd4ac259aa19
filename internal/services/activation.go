package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/hsm"
	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
)

type ActivateCardRequest struct {
	CardUID        string `json:"cardUid" validate:"required,max=64"`
	ActivationCode string `json:"activationCode" validate:"required,numeric"`
	UserID         string `json:"userId" validate:"required"`
	TerminalID     string `json:"terminalId,omitempty"`
	ChallengeID    string `json:"challengeId" validate:"required"`
	Response       string `json:"response" validate:"required,hexadecimal"`
	PIN            string `json:"pin,omitempty" validate:"omitempty,numeric,min=4,max=6"`
}

type ActivationResult struct {
	Card               *models.PrepaidCard `json:"card"`
	OfflineCertificate *OfflineCertificate `json:"offlineCertificate,omitempty"`
}

type SetPINRequest struct {
	CardID     string `json:"cardId" validate:"required"`
	CurrentPIN string `json:"currentPin,omitempty" validate:"omitempty,numeric,min=4,max=6"`
	NewPIN     string `json:"newPin" validate:"required,numeric,min=4,max=6"`
}

// ActivationService binds sold cards to their owners and manages PINs.
type ActivationService struct {
	core
	gateway   *Gateway
	velocity  *Velocity
	kyc       KYCChecker
	screener  SanctionsScreener
	wallets   WalletDirectory
	validator *ValidationHelper
}

// Activate moves an INACTIVE card to ACTIVATED. A wrong activation code still
// commits the attempt counter.
func (s *ActivationService) Activate(ctx context.Context, req ActivateCardRequest, actor models.Actor) (*ActivationResult, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	card, err := s.store.GetCardByUIDHash(ctx, s.uidHash(req.CardUID))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, err
	}
	if card.State != models.CardStateInactive {
		return nil, fmt.Errorf("%w: card is %s", ErrInvalidStateTransition, card.State)
	}
	if card.ActivationAttempts >= s.cfg.MaxActivationAttempts {
		return nil, ErrActivationLocked
	}
	if card.UserID != "" && card.UserID != req.UserID {
		return nil, ErrCardOwnership
	}
	program, err := s.store.GetProgram(ctx, card.ProgramID)
	if err != nil {
		return nil, err
	}

	if program.KYCRequired {
		ok, err := s.kyc.IsVerified(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("kyc check: %w", err)
		}
		if !ok {
			return nil, ErrKYCRequired
		}
	}
	if ok, err := s.screener.Screen(ctx, req.UserID, program.InitialBalance); err != nil {
		return nil, fmt.Errorf("screening: %w", err)
	} else if !ok {
		return nil, ErrScreeningFailed
	}
	if program.RequiresPIN() && req.PIN == "" {
		return nil, ErrPINRequired
	}

	codeOK, err := hsm.VerifySecret(req.ActivationCode, card.ActivationCodeHash)
	if err != nil {
		return nil, fmt.Errorf("verify activation code: %w", err)
	}
	// a wrong code must reach the attempt counter before any other refusal
	var walletID string
	if codeOK {
		if _, err := s.gateway.VerifyResponse(ctx, s.store, VerifyRequest{
			ChallengeID: req.ChallengeID,
			Response:    req.Response,
			CardUID:     req.CardUID,
			TerminalID:  req.TerminalID,
			Purpose:     models.ChallengePurposeActivation,
			KeyID:       card.KeySlotID,
		}); err != nil {
			return nil, err
		}
		if walletID, err = s.wallets.PrimaryWallet(ctx, req.UserID); err != nil {
			return nil, err
		}
	}
	var pinHash string
	if req.PIN != "" {
		if pinHash, err = hsm.HashSecret(req.PIN); err != nil {
			return nil, err
		}
	}

	var (
		activated *models.PrepaidCard
		refused   error
		events    []models.NFCAuditEvent
	)
	locks := []repository.LockKey{repository.BatchLock(card.BatchID), repository.CardLock(card.ID)}
	err = s.store.Atomic(ctx, locks, func(tx repository.Tx) error {
		refused, events = nil, nil
		c, err := loadCard(ctx, tx, card.ID)
		if err != nil {
			return err
		}
		if c.State != models.CardStateInactive {
			return fmt.Errorf("%w: card is %s", ErrInvalidStateTransition, c.State)
		}
		now := s.clock()
		if !codeOK {
			c.ActivationAttempts++
			c.UpdatedAt = now
			refused = ErrActivationCodeInvalid
			if c.ActivationAttempts >= s.cfg.MaxActivationAttempts {
				refused = ErrActivationLocked
			}
			return tx.UpdateCard(ctx, c)
		}

		batch, err := loadBatch(ctx, tx, c.BatchID)
		if err != nil {
			return err
		}
		ev, err := transition(c, models.CardStateActivated, "activated by owner", actor, now)
		if err != nil {
			return err
		}
		events = append(events, ev)
		c.ActivatedAt = timePtr(now)
		if program.ValidityMonths > 0 {
			c.ExpiresAt = timePtr(now.AddDate(0, program.ValidityMonths, 0))
		}
		c.UserID = req.UserID
		c.WalletID = walletID
		c.BoundAt = timePtr(now)
		c.ActivationAttempts = 0
		c.ActivationCodeHash = ""
		if pinHash != "" {
			c.PINHash = pinHash
			c.PINAttempts = 0
		}
		s.velocity.Reset(c, now)

		batch.Activated++
		batch.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		activated = c
		return tx.UpdateCard(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	if refused != nil {
		logger.Log.Warn("[ACTIVATION] activation code rejected", zap.String("card", card.MaskedNumber()), zap.Error(refused))
		s.record(ctx, auditEvent(models.AuditCategorySecurity, "card", card.ID, actor, "ACTIVATION_CODE_REJECTED", nil, nil))
		return nil, refused
	}

	s.record(ctx, events...)
	logger.Log.Info("[ACTIVATION] card activated", zap.String("card", activated.MaskedNumber()))

	result := &ActivationResult{Card: activated}
	if program.Offline.Allowed {
		cert, err := s.gateway.IssueOfflineCertificate(ctx, activated, program)
		if err != nil {
			// activation stands; the terminal can request a certificate later
			logger.Log.Warn("[ACTIVATION] offline certificate not issued", zap.String("card", activated.MaskedNumber()), zap.Error(err))
		}
		result.OfflineCertificate = cert
	}
	return result, nil
}

// SetPIN sets or changes a card PIN. Changing requires the current PIN.
func (s *ActivationService) SetPIN(ctx context.Context, req SetPINRequest, actor models.Actor) error {
	if err := s.validator.Validate(&req); err != nil {
		return err
	}
	card, err := loadCard(ctx, s.store, req.CardID)
	if err != nil {
		return err
	}
	if card.PINHash != "" {
		if req.CurrentPIN == "" {
			return ErrPINRequired
		}
		if err := s.VerifyPIN(ctx, req.CardID, req.CurrentPIN); err != nil {
			return err
		}
	}
	hash, err := hsm.HashSecret(req.NewPIN)
	if err != nil {
		return err
	}
	err = s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(req.CardID)}, func(tx repository.Tx) error {
		c, err := loadCard(ctx, tx, req.CardID)
		if err != nil {
			return err
		}
		if c.State != models.CardStateActivated && c.State != models.CardStateInactive {
			return fmt.Errorf("%w: card is %s", ErrCardNotActivated, c.State)
		}
		c.PINHash = hash
		c.PINAttempts = 0
		c.UpdatedAt = s.clock()
		return tx.UpdateCard(ctx, c)
	})
	if err != nil {
		return err
	}
	s.record(ctx, auditEvent(models.AuditCategorySecurity, "card", req.CardID, actor, "PIN_SET", nil, nil))
	return nil
}

// VerifyPIN checks a PIN and counts failures. Reaching the limit suspends the card.
func (s *ActivationService) VerifyPIN(ctx context.Context, cardID, pin string) error {
	card, err := loadCard(ctx, s.store, cardID)
	if err != nil {
		return err
	}
	if card.PINHash == "" {
		return ErrPINRequired
	}
	if card.PINAttempts >= s.cfg.MaxPINAttempts {
		return ErrPINLocked
	}
	ok, err := hsm.VerifySecret(pin, card.PINHash)
	if err != nil {
		return err
	}

	var (
		verdict error
		events  []models.NFCAuditEvent
	)
	err = s.store.Atomic(ctx, []repository.LockKey{repository.CardLock(cardID)}, func(tx repository.Tx) error {
		verdict, events = nil, nil
		c, err := loadCard(ctx, tx, cardID)
		if err != nil {
			return err
		}
		now := s.clock()
		if c.PINAttempts >= s.cfg.MaxPINAttempts {
			verdict = ErrPINLocked
			return nil
		}
		if ok {
			if c.PINAttempts == 0 {
				return nil
			}
			c.PINAttempts = 0
		} else {
			c.PINAttempts++
			verdict = ErrPINInvalid
			if c.PINAttempts >= s.cfg.MaxPINAttempts {
				verdict = ErrPINLocked
				if ev, err := transition(c, models.CardStateSuspended, "PIN attempts exceeded", models.SystemActor, now); err == nil {
					events = append(events, ev)
				}
			}
		}
		c.UpdatedAt = now
		return tx.UpdateCard(ctx, c)
	})
	if err != nil {
		return err
	}
	s.record(ctx, events...)
	return verdict
}
