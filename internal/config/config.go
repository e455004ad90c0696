package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type Config struct {
	RedisAuctionsHost     string `env:"REDIS_AUCTIONS_HOST"     envDefault:"localhost"`
	RedisAuctionsPort     uint16 `env:"REDIS_AUCTIONS_PORT"     envDefault:"6379"   validate:"min=1000,max=65535"`
	RedisAuctionsPassword string `env:"REDIS_AUCTIONS_PASSWORD"`
	RedisAuctionsDb       int    `env:"REDIS_AUCTIONS_DB"       envDefault:"0"      validate:"min=0,max=15"`

	PostgresHost         string `env:"POSTGRES_HOST"           envDefault:"localhost"`
	PostgresPort         string `env:"POSTGRES_PORT"           envDefault:"5432"`
	PostgresUser         string `env:"POSTGRES_USER"           envDefault:"auction_user"`
	PostgresPassword     string `env:"POSTGRES_PASSWORD"       envDefault:"auction_password"`
	PostgresDb           string `env:"POSTGRES_DB"             envDefault:"auction_db"`
	PostgresMaxOpenConns int    `env:"POSTGRES_MAX_OPEN_CONNS" envDefault:"50" validate:"min=1"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres" validate:"oneof=postgres memory"`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"8085" validate:"min=1000,max=65535"`

	// Bidding rules.
	SoftCloseWindow        time.Duration `env:"SOFT_CLOSE_WINDOW"         envDefault:"2m"    validate:"min=0"`
	SoftCloseExtension     time.Duration `env:"SOFT_CLOSE_EXTENSION"      envDefault:"2m"    validate:"min=0"`
	BidLockTimeout         time.Duration `env:"BID_LOCK_TIMEOUT"          envDefault:"3s"    validate:"gt=0"`
	BidConflictRetries     int           `env:"BID_CONFLICT_RETRIES"      envDefault:"3"     validate:"min=0,max=20"`
	DefaultMinBidIncrement float64       `env:"DEFAULT_MIN_BID_INCREMENT" envDefault:"10"    validate:"gt=0"`
	HighValueBidThreshold  float64       `env:"HIGH_VALUE_BID_THRESHOLD"  envDefault:"10000" validate:"min=0"`
	CommissionRate         float64       `env:"COMMISSION_RATE"           envDefault:"0.05"  validate:"min=0,max=1"`

	// Closing sweeps.
	SweepInterval          time.Duration `env:"SWEEP_INTERVAL"           envDefault:"1m"  validate:"gt=0"`
	BrowseSweepProbability float64       `env:"BROWSE_SWEEP_PROBABILITY" envDefault:"0.2" validate:"min=0,max=1"`
	TerminalCacheSize      int           `env:"TERMINAL_CACHE_SIZE"      envDefault:"1024" validate:"min=1"`

	// Outbound events.
	EventQueueSize   int `env:"EVENT_QUEUE_SIZE"   envDefault:"1024" validate:"min=1"`
	EventWorkers     int `env:"EVENT_WORKERS"      envDefault:"4"    validate:"min=1"`
	EventMaxAttempts int `env:"EVENT_MAX_ATTEMPTS" envDefault:"3"    validate:"min=1"`

	AdminEmails []string `env:"ADMIN_EMAILS" envSeparator:","`
	CronSecret  string   `env:"CRON_SECRET"`
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}

	cfg := &Config{}
	// Parse config from environment variables
	if err = env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	err = validate.Struct(cfg)
	if err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
