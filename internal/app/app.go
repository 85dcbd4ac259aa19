package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/audit"
	"github.com/ruralpay/cardengine/internal/config"
	"github.com/ruralpay/cardengine/internal/database"
	"github.com/ruralpay/cardengine/internal/hsm"
	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/repository"
	"github.com/ruralpay/cardengine/internal/services"
	"github.com/ruralpay/cardengine/pkg/idgen"
)

// Runtime holds the engine and the connections it was built on.
type Runtime struct {
	Engine *services.Engine
	DB     *sql.DB
	Redis  *redis.Client

	producer sarama.SyncProducer
}

// NewHSM returns the boundary selected by cfg.Mode.
func NewHSM(cfg config.HSMConfig) (hsm.Boundary, error) {
	switch cfg.Mode {
	case "", "soft":
		soft, err := hsm.InitSoftHSM(hsm.Config{
			MasterKey:    cfg.MasterKey,
			KeyStorePath: cfg.KeyStorePath,
			Salt:         []byte(cfg.Salt),
		})
		if err != nil {
			return nil, err
		}
		return soft, nil
	case "remote":
		if cfg.RemoteURL == "" {
			return nil, fmt.Errorf("hsm.remote_url is required in remote mode")
		}
		return hsm.NewRemoteHSM(cfg.RemoteURL, cfg.RemoteToken, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown hsm mode %q", cfg.Mode)
	}
}

// Build connects to Postgres, Redis and Kafka and assembles the engine.
// Redis and Kafka are optional; without them the engine uses in-process
// challenge storage, locking and the log audit sink.
func Build(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if err := idgen.Init(cfg.Engine.WorkerID); err != nil {
		return nil, fmt.Errorf("init id generator: %w", err)
	}

	db, err := database.InitDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{DB: db}

	boundary, err := NewHSM(cfg.HSM)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("init hsm: %w", err)
	}

	sinks := []audit.Sink{audit.NewLogSink()}
	if cfg.Kafka.Enabled {
		producer, err := audit.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			logger.Log.Warn("Kafka unavailable, audit events go to the log only", zap.Error(err))
		} else {
			rt.producer = producer
			sinks = append(sinks, audit.NewKafkaSink(producer, cfg.Kafka.AuditTopic))
		}
	}

	deps := services.EngineDeps{
		Store:   repository.NewPostgresStore(db),
		HSM:     boundary,
		Wallets: services.NewDoubleLedgerService(db, services.DefaultFloatAccount),
		Audit:   audit.NewLogger(sinks...),
		Config:  cfg.Engine,
	}

	rt.Redis = database.InitRedis(ctx, cfg.Redis)
	if rt.Redis != nil {
		deps.Challenges = services.NewRedisChallengeStore(rt.Redis)
		deps.Locker = services.NewRedisLocker(rt.Redis)
		deps.Queue = services.NewRedisSettlementQueue(rt.Redis, cfg.Engine.SettlementQueue)
	} else {
		logger.Log.Warn("Running without Redis: challenges and locks are local to this process")
	}

	engine, err := services.NewEngine(deps)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if err := engine.Bootstrap(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("bootstrap engine: %w", err)
	}
	rt.Engine = engine
	return rt, nil
}

// Close releases every connection Build opened.
func (rt *Runtime) Close() {
	if rt.producer != nil {
		if err := rt.producer.Close(); err != nil {
			logger.Log.Warn("Failed to close Kafka producer", zap.Error(err))
		}
	}
	if rt.Redis != nil {
		rt.Redis.Close()
	}
	if rt.DB != nil {
		rt.DB.Close()
	}
}
