package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ruralpay/cardengine/internal/audit"
	"github.com/ruralpay/cardengine/internal/config"
	"github.com/ruralpay/cardengine/internal/hsm"
	"github.com/ruralpay/cardengine/internal/repository"
)

// EngineDeps are the collaborators the engine is assembled from. Nil optional
// collaborators fall back to in-process implementations.
type EngineDeps struct {
	Store      repository.Store
	HSM        hsm.Boundary
	Challenges ChallengeStore
	Locker     Locker
	Queue      SettlementQueue
	Wallets    WalletService
	Directory  WalletDirectory
	KYC        KYCChecker
	Screener   SanctionsScreener
	Audit      *audit.Logger
	Config     config.EngineConfig
	Now        func() time.Time
}

// Engine exposes every card operation. All services share one store, one
// velocity tracker and one fraud engine.
type Engine struct {
	Programs      *ProgramService
	Inventory     *InventoryService
	Keys          *HSMKeyService
	Gateway       *Gateway
	Lifecycle     *LifecycleService
	Activation    *ActivationService
	Authorization *AuthorizationService
	Reloads       *ReloadService
	Replacement   *ReplacementService
	Offline       *OfflineService
	Settlement    *SettlementService
	FraudRules    *FraudRuleService
	ISO20022      *ISO20022Service

	store repository.Store
}

func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if deps.HSM == nil {
		return nil, fmt.Errorf("engine: hsm boundary is required")
	}
	loc, err := deps.Config.Location()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Challenges == nil {
		deps.Challenges = NewMemoryChallengeStore()
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Queue == nil {
		deps.Queue = &MemorySettlementQueue{}
	}
	if deps.Directory == nil {
		if dir, ok := deps.Wallets.(WalletDirectory); ok {
			deps.Directory = dir
		}
	}
	if deps.Wallets == nil || deps.Directory == nil {
		w := NewMemoryWallets()
		if deps.Wallets == nil {
			deps.Wallets = w
		}
		if deps.Directory == nil {
			deps.Directory = w
		}
	}
	if deps.KYC == nil {
		deps.KYC = StaticKYC{}
	}
	if deps.Screener == nil {
		deps.Screener = StaticScreener{}
	}

	c := core{store: deps.Store, audit: deps.Audit, cfg: deps.Config, loc: loc, now: deps.Now}
	validator := NewValidationHelper()
	velocity := NewVelocity(loc)
	fraud := NewFraudEngine(deps.Config.FraudFlagThreshold, deps.Config.FraudBlockThreshold, deps.Config.FraudScoreHalfLife, loc)
	iso := NewISO20022Service(deps.Config.IssuerBIC)
	iso.now = deps.Now

	keys := &HSMKeyService{core: c, hsm: deps.HSM}
	gateway := &Gateway{core: c, hsm: deps.HSM, keys: keys, challenges: deps.Challenges}
	lifecycle := &LifecycleService{core: c, keys: keys}

	return &Engine{
		Programs:  &ProgramService{core: c},
		Inventory: &InventoryService{core: c, keys: keys, validator: validator},
		Keys:      keys,
		Gateway:   gateway,
		Lifecycle: lifecycle,
		Activation: &ActivationService{
			core: c, gateway: gateway, velocity: velocity,
			kyc: deps.KYC, screener: deps.Screener, wallets: deps.Directory, validator: validator,
		},
		Authorization: &AuthorizationService{
			core: c, gateway: gateway, lifecycle: lifecycle, velocity: velocity,
			fraud: fraud, screener: deps.Screener, validator: validator,
		},
		Reloads:     &ReloadService{core: c, wallets: deps.Wallets, validator: validator},
		Replacement: &ReplacementService{core: c, validator: validator},
		Offline:     &OfflineService{core: c, gateway: gateway, velocity: velocity, validator: validator},
		Settlement:  &SettlementService{core: c, iso: iso, locker: deps.Locker, queue: deps.Queue},
		FraudRules:  &FraudRuleService{core: c},
		ISO20022:    iso,
		store:       deps.Store,
	}, nil
}

// Bootstrap registers built-in HSM slots and seeds default fraud rules.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := e.Keys.SyncKeysToRegistry(ctx); err != nil {
		return fmt.Errorf("sync hsm keys: %w", err)
	}
	if err := e.FraudRules.SeedDefaults(ctx); err != nil {
		return fmt.Errorf("seed fraud rules: %w", err)
	}
	return nil
}

func (e *Engine) Store() repository.Store {
	return e.store
}
