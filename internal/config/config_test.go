package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "8080", cfg.Server.Port)
		assert.Equal(t, "soft", cfg.HSM.Mode)
		assert.Equal(t, CaptureModeAuto, cfg.Engine.CaptureMode)
		assert.Equal(t, MaxChallengeTTL, cfg.Engine.ChallengeTTL)
		assert.Equal(t, "settlement_queue", cfg.Engine.SettlementQueue)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("DATABASE_HOST", "db.internal")
		t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
		t.Setenv("CAPTURE_MODE", CaptureModeDelayed)

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "db.internal", cfg.Database.Host)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, CaptureModeDelayed, cfg.Engine.CaptureMode)
	})

	t.Run("yaml file and ttl clamp", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		err := os.WriteFile(path, []byte("engine:\n  challenge_ttl: 90s\n  time_zone: UTC\nserver:\n  port: \"9090\"\n"), 0600)
		require.NoError(t, err)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "9090", cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Engine.ChallengeTTL)
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"))
		require.NoError(t, err)
		assert.Equal(t, "localhost", cfg.Redis.Host)
	})

	t.Run("unknown capture mode", func(t *testing.T) {
		t.Setenv("CAPTURE_MODE", "SOMETIMES")
		_, err := Load("")
		assert.Error(t, err)
	})
}
