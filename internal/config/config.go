package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix scopes envconfig's generated keys. Every field also names its
// full variable, which envconfig falls back to.
const EnvPrefix = "AUDIT"

const (
	EnvTargetIssuance = "AUDIT_TARGET_ISSUANCE"
	EnvSource         = "AUDIT_SOURCE"
	EnvDBDSN          = "AUDIT_DB_DSN"
	EnvNATSURL        = "AUDIT_NATS_URL"
	EnvRedisAddr      = "AUDIT_REDIS_ADDR"
	EnvLogLevel       = "AUDIT_LOG_LEVEL"
)

// Event sources.
const (
	SourceFile     = "file"
	SourcePostgres = "postgres"
	SourceNATS     = "nats"
)

type Config struct {
	App    AppConfig
	Replay ReplayConfig
	DB     DBConfig
	NATS   NATSConfig
	Redis  RedisConfig
	Server ServerConfig
}

// Load reads the environment. Callers load .env files first.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.Replay.Source {
	case SourceFile:
	case SourcePostgres:
		if c.DB.DSN == "" {
			errs = append(errs, fmt.Errorf("%s is required for source %q", EnvDBDSN, SourcePostgres))
		}
	case SourceNATS:
		if c.NATS.URL == "" {
			errs = append(errs, fmt.Errorf("%s is required for source %q", EnvNATSURL, SourceNATS))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source %q", c.Replay.Source))
	}
	if c.Replay.MaxEvents < 0 {
		errs = append(errs, errors.New("max events must not be negative"))
	}
	return errors.Join(errs...)
}

type AppConfig struct {
	Env       string `envconfig:"AUDIT_APP_ENV" default:"dev"`
	LogLevel  string `envconfig:"AUDIT_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"AUDIT_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, "dev")
}

// ReplayConfig holds the per-run defaults; CLI flags override them.
type ReplayConfig struct {
	TargetIssuance  uint64 `envconfig:"AUDIT_TARGET_ISSUANCE"`
	Source          string `envconfig:"AUDIT_SOURCE" default:"file"`
	Input           string `envconfig:"AUDIT_INPUT"`
	RolesFile       string `envconfig:"AUDIT_ROLES_FILE"`
	BlockTimesFile  string `envconfig:"AUDIT_BLOCK_TIMES_FILE"`
	MaxEvents       int    `envconfig:"AUDIT_MAX_EVENTS" default:"0"`
	SortInput       bool   `envconfig:"AUDIT_SORT_INPUT" default:"false"`
	FailOnViolation bool   `envconfig:"AUDIT_FAIL_ON_VIOLATION" default:"false"`
}

type DBConfig struct {
	DSN             string        `envconfig:"AUDIT_DB_DSN"`
	MaxOpenConns    int           `envconfig:"AUDIT_DB_MAX_OPEN_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"AUDIT_DB_CONN_MAX_LIFETIME" default:"1h"`
	PageSize        int           `envconfig:"AUDIT_DB_PAGE_SIZE" default:"1000"`
	BatchSize       int           `envconfig:"AUDIT_DB_BATCH_SIZE" default:"500"`
	MigrationsDir   string        `envconfig:"AUDIT_MIGRATIONS_DIR"` // Empty uses the embedded set
	PersistReports  bool          `envconfig:"AUDIT_DB_PERSIST_REPORTS" default:"false"`
}

type NATSConfig struct {
	URL            string        `envconfig:"AUDIT_NATS_URL"`
	Stream         string        `envconfig:"AUDIT_NATS_STREAM" default:"ESCROW_EVENTS"`
	FetchBatch     int           `envconfig:"AUDIT_NATS_FETCH_BATCH" default:"256"`
	FetchWait      time.Duration `envconfig:"AUDIT_NATS_FETCH_WAIT" default:"2s"`
	PublishReports bool          `envconfig:"AUDIT_NATS_PUBLISH_REPORTS" default:"false"`
}

type RedisConfig struct {
	Addr      string `envconfig:"AUDIT_REDIS_ADDR"`
	KeyPrefix string `envconfig:"AUDIT_REDIS_KEY_PREFIX" default:"block:ts:"`
}

type ServerConfig struct {
	HTTPAddr       string        `envconfig:"AUDIT_HTTP_ADDR" default:":8080"`
	GRPCAddr       string        `envconfig:"AUDIT_GRPC_ADDR" default:":9090"`
	RequestTimeout time.Duration `envconfig:"AUDIT_REQUEST_TIMEOUT" default:"30s"`
}
