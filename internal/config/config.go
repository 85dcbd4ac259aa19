package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the card engine.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	HSM      HSMConfig      `mapstructure:"hsm"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// HSMConfig selects and configures the HSM boundary.
// Mode "soft" runs the in-process development HSM, "remote" talks to an HSM gateway over HTTP.
type HSMConfig struct {
	Mode         string        `mapstructure:"mode"`
	MasterKey    string        `mapstructure:"master_key"`
	Salt         string        `mapstructure:"salt"`
	KeyStorePath string        `mapstructure:"key_store_path"`
	RemoteURL    string        `mapstructure:"remote_url"`
	RemoteToken  string        `mapstructure:"remote_token"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type JWTConfig struct {
	SecretKey string        `mapstructure:"secret_key"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type KafkaConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Brokers    []string `mapstructure:"brokers"`
	AuditTopic string   `mapstructure:"audit_topic"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

var envBindings = map[string]string{
	"server.port":                 "PORT",
	"database.host":               "DATABASE_HOST",
	"database.port":               "DATABASE_PORT",
	"database.user":               "DATABASE_USER",
	"database.password":           "DATABASE_PASSWORD",
	"database.name":               "DATABASE_NAME",
	"database.ssl_mode":           "DATABASE_SSL_MODE",
	"redis.host":                  "REDIS_HOST",
	"redis.port":                  "REDIS_PORT",
	"redis.password":              "REDIS_PASSWORD",
	"redis.db":                    "REDIS_DB",
	"hsm.mode":                    "HSM_MODE",
	"hsm.master_key":              "HSM_MASTER_KEY",
	"hsm.salt":                    "HSM_SALT",
	"hsm.key_store_path":          "HSM_KEY_STORE_PATH",
	"hsm.remote_url":              "HSM_REMOTE_URL",
	"hsm.remote_token":            "HSM_REMOTE_TOKEN",
	"hsm.timeout":                 "HSM_TIMEOUT",
	"jwt.secret_key":              "JWT_SECRET_KEY",
	"jwt.issuer":                  "JWT_ISSUER",
	"jwt.token_ttl":               "JWT_TOKEN_TTL",
	"kafka.enabled":               "KAFKA_ENABLED",
	"kafka.brokers":               "KAFKA_BROKERS",
	"kafka.audit_topic":           "KAFKA_AUDIT_TOPIC",
	"log.level":                   "LOG_LEVEL",
	"log.file":                    "LOG_FILE",
	"engine.time_zone":            "ENGINE_TIME_ZONE",
	"engine.uid_salt":             "CARD_UID_SALT",
	"engine.card_bin":             "CARD_BIN",
	"engine.capture_mode":         "CAPTURE_MODE",
	"engine.worker_id":            "WORKER_ID",
	"engine.challenge_ttl":        "CHALLENGE_TTL",
	"engine.high_value_threshold": "HIGH_VALUE_THRESHOLD",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.cors_origins", []string{"https://*", "http://*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "nfc_cards")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("hsm.mode", "soft")
	v.SetDefault("hsm.key_store_path", "./keys")
	v.SetDefault("hsm.timeout", 2*time.Second)

	v.SetDefault("jwt.issuer", "cardengine")
	v.SetDefault("jwt.token_ttl", 12*time.Hour)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.audit_topic", "nfc-audit-events")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	setEngineDefaults(v)
}

// Load reads configuration from an optional file and the environment.
// A missing file is not an error; defaults and env values still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Engine.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
