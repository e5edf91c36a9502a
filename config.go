package medvault

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hengadev/errsx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names for LoadConfigFromEnvironment.
const (
	EnvDBPath            = "MEDVAULT_DB_PATH"
	EnvDBFilename        = "MEDVAULT_DB_FILENAME"
	EnvCacheTTL          = "MEDVAULT_CACHE_TTL"
	EnvEmergencyTTL      = "MEDVAULT_EMERGENCY_GRANT_TTL"
	EnvStrictChainVerify = "MEDVAULT_STRICT_CHAIN_VERIFY"
)

// Defaults applied by Config.Validate.
const (
	DefaultDBPath       = ".medvault"
	DefaultDBFilename   = "medvault.db"
	DefaultCacheTTL     = 60 * time.Second
	DefaultEmergencyTTL = 24 * time.Hour

	DefaultAnchorAttempts   = 3
	DefaultAnchorRetryDelay = 200 * time.Millisecond

	DefaultBreakerFailureThreshold = 5
	DefaultBreakerSuccessThreshold = 2
	DefaultBreakerCooldown         = 30 * time.Second

	DefaultMirrorQueueSize = 64
)

// Config holds the configuration for creating a Vault instance.
//
// This struct contains only data, no behavior. It can be populated from
// code, from the environment (LoadConfigFromEnvironment) or from a YAML
// file (LoadConfigFromFile) and passed explicitly to New. Zero values are
// replaced with defaults by Validate.
type Config struct {
	// DBPath is the directory holding the relational store.
	DBPath string
	// DBFilename is the SQLite database filename inside DBPath.
	DBFilename string

	// CacheTTL bounds how long a cached access decision may be served.
	// This is the documented revocation-staleness SLA: after a revoke, other
	// readers may still be admitted from cache for at most this long.
	CacheTTL time.Duration

	// EmergencyGrantTTL is the fixed lifetime of emergency access grants.
	EmergencyGrantTTL time.Duration

	// AnchorAttempts bounds the synchronous retry loop around ledger
	// anchoring during record creation. When the budget is exhausted the
	// record stays persisted with an empty ledger reference and is picked up
	// by ReconcilePendingAnchors.
	AnchorAttempts   int
	AnchorRetryDelay time.Duration

	// StrictChainVerify enables the synchronous on-chain cross-check for
	// READ_WRITE access decisions when the grant has been mirrored. Off by
	// default: the ledger is advisory tamper-evidence.
	StrictChainVerify bool

	// Circuit breaker settings for the content store wrapper.
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerCooldown         time.Duration

	// MirrorQueueSize is the capacity of the asynchronous grant-mirroring
	// queue. A full queue drops the mirror task; the reconciler backfills.
	MirrorQueueSize int
}

// Validate checks the configuration and applies defaults for zero values.
func (c *Config) Validate() error {
	var errs errsx.Map

	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.DBFilename == "" {
		c.DBFilename = DefaultDBFilename
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.EmergencyGrantTTL == 0 {
		c.EmergencyGrantTTL = DefaultEmergencyTTL
	}
	if c.AnchorAttempts == 0 {
		c.AnchorAttempts = DefaultAnchorAttempts
	}
	if c.AnchorRetryDelay == 0 {
		c.AnchorRetryDelay = DefaultAnchorRetryDelay
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = DefaultBreakerFailureThreshold
	}
	if c.BreakerSuccessThreshold == 0 {
		c.BreakerSuccessThreshold = DefaultBreakerSuccessThreshold
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.MirrorQueueSize == 0 {
		c.MirrorQueueSize = DefaultMirrorQueueSize
	}

	if c.CacheTTL < 0 {
		errs.Set("cache_ttl", "must be positive")
	}
	if c.EmergencyGrantTTL < 0 {
		errs.Set("emergency_grant_ttl", "must be positive")
	}
	if c.AnchorAttempts < 1 {
		errs.Set("anchor_attempts", "must be at least 1")
	}
	if c.BreakerFailureThreshold < 1 {
		errs.Set("breaker_failure_threshold", "must be at least 1")
	}
	if c.MirrorQueueSize < 1 {
		errs.Set("mirror_queue_size", "must be at least 1")
	}

	if !errs.IsEmpty() {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errs.AsError())
	}
	return nil
}

// LoadConfigFromEnvironment builds a Config from environment variables,
// loading a .env file first if one is present.
func LoadConfigFromEnvironment() (Config, error) {
	// A missing .env file is not an error; deployments set real env vars.
	_ = godotenv.Load()

	cfg := Config{
		DBPath:     os.Getenv(EnvDBPath),
		DBFilename: os.Getenv(EnvDBFilename),
	}

	var err error
	if cfg.CacheTTL, err = durationEnv(EnvCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.EmergencyGrantTTL, err = durationEnv(EnvEmergencyTTL); err != nil {
		return Config{}, err
	}
	if v := os.Getenv(EnvStrictChainVerify); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s must be a boolean, got %q", ErrInvalidConfiguration, EnvStrictChainVerify, v)
		}
		cfg.StrictChainVerify = strict
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileConfig mirrors Config for YAML decoding; durations are written as
// strings ("60s", "24h") and parsed explicitly.
type fileConfig struct {
	DBPath            string `yaml:"db_path"`
	DBFilename        string `yaml:"db_filename"`
	CacheTTL          string `yaml:"cache_ttl"`
	EmergencyGrantTTL string `yaml:"emergency_grant_ttl"`
	AnchorAttempts    int    `yaml:"anchor_attempts"`
	AnchorRetryDelay  string `yaml:"anchor_retry_delay"`
	StrictChainVerify bool   `yaml:"strict_chain_verify"`

	BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
	BreakerSuccessThreshold int    `yaml:"breaker_success_threshold"`
	BreakerCooldown         string `yaml:"breaker_cooldown"`

	MirrorQueueSize int `yaml:"mirror_queue_size"`
}

// LoadConfigFromFile reads a YAML configuration file and validates it.
func LoadConfigFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: reading config file: %w", ErrInvalidConfiguration, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("%w: parsing config file: %w", ErrInvalidConfiguration, err)
	}

	cfg := Config{
		DBPath:                  fc.DBPath,
		DBFilename:              fc.DBFilename,
		AnchorAttempts:          fc.AnchorAttempts,
		StrictChainVerify:       fc.StrictChainVerify,
		BreakerFailureThreshold: fc.BreakerFailureThreshold,
		BreakerSuccessThreshold: fc.BreakerSuccessThreshold,
		MirrorQueueSize:         fc.MirrorQueueSize,
	}
	for _, d := range []struct {
		raw  string
		key  string
		dest *time.Duration
	}{
		{fc.CacheTTL, "cache_ttl", &cfg.CacheTTL},
		{fc.EmergencyGrantTTL, "emergency_grant_ttl", &cfg.EmergencyGrantTTL},
		{fc.AnchorRetryDelay, "anchor_retry_delay", &cfg.AnchorRetryDelay},
		{fc.BreakerCooldown, "breaker_cooldown", &cfg.BreakerCooldown},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s must be a duration, got %q", ErrInvalidConfiguration, d.key, d.raw)
		}
		*d.dest = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func durationEnv(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a duration, got %q", ErrInvalidConfiguration, key, v)
	}
	return d, nil
}
