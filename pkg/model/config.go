package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

const (
	defaultMaxSlaveDelay  = 30 * time.Second
	defaultHealthCacheTTL = 10 * time.Second
	defaultSweepInterval  = 60 * time.Second
	defaultMemoryCache    = 1024 * 1024
	defaultListen         = "0.0.0.0:8080"

	// UnlimitedRetries disables the retry budget.
	UnlimitedRetries = -1
)

// Duration reads TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ServerConfig holds the immutable connection parameters of one server.
type ServerConfig struct {
	Host          string            `toml:"host" json:"host"`
	Port          int               `toml:"port" json:"port,omitempty"`
	User          string            `toml:"user" json:"user"`
	Password      string            `toml:"password" json:"-"`
	DBName        string            `toml:"dbname" json:"dbname"`
	DriverOptions map[string]string `toml:"driver_options" json:"driverOptions,omitempty"`
}

func (s ServerConfig) String() string {
	return s.User + "@" + s.Host + ":" + s.DBName
}

// ReplicaConfig is a ServerConfig with a selection weight. A weight of 0
// keeps the replica out of the read pool.
type ReplicaConfig struct {
	ServerConfig
	Weight int `toml:"weight" json:"weight"`
}

type CacheConfig struct {
	// Kind is one of "none", "memory" or "redis".
	Kind       string `toml:"kind"`
	RedisAddr  string `toml:"redis_addr"`
	MemorySize int    `toml:"memory_size"`
}

type MetricsConfig struct {
	StatsdAddr string `toml:"statsd_addr"`
	Namespace  string `toml:"namespace"`
}

type Config struct {
	Dialect            string          `toml:"dialect"`
	Master             ServerConfig    `toml:"master"`
	Slaves             []ReplicaConfig `toml:"slaves"`
	RetryLimit         *int            `toml:"retry_limit"`
	MaxSlaveDelay      Duration        `toml:"max_slave_delay"`
	HealthCacheTTL     Duration        `toml:"health_cache_ttl"`
	HealthCheck        *bool           `toml:"health_check"`
	LenientProbeAccess *bool           `toml:"lenient_probe_access"`
	ConnectRetries     uint64          `toml:"connect_retries"`
	Cache              CacheConfig     `toml:"cache"`
	Metrics            MetricsConfig   `toml:"metrics"`
	Listen             string          `toml:"listen"`
	SweepInterval      Duration        `toml:"sweep_interval"`
}

// HealthCheckEnabled reports whether replicas are probed before selection.
func (c *Config) HealthCheckEnabled() bool {
	return c.HealthCheck == nil || *c.HealthCheck
}

// Retries is the retry budget. Unset means unlimited.
func (c *Config) Retries() int {
	if c.RetryLimit == nil {
		return UnlimitedRetries
	}
	return *c.RetryLimit
}

// LenientProbe reports whether an access-denied probe counts as healthy.
func (c *Config) LenientProbe() bool {
	return c.LenientProbeAccess == nil || *c.LenientProbeAccess
}

// Key identifies the master/slaves topology.
func (c *Config) Key() string {
	b, _ := json.Marshal(struct {
		Master ServerConfig    `json:"master"`
		Slaves []ReplicaConfig `json:"slaves"`
	}{c.Master, c.Slaves})
	sum := sha256.Sum256(b)
	return "dblinker.master-slave-config." + hex.EncodeToString(sum[:])
}

// LoadConfig reads the TOML file at path (optional) and applies environment
// overrides on top of it.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := ParseConfig(b, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	setDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes a TOML document, rejecting unknown keys.
func ParseConfig(b []byte, cfg *Config) error {
	d := toml.NewDecoder(bytes.NewReader(b))
	d.DisallowUnknownFields()
	if err := d.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strict.String())
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DBLINKER_DIALECT"); v != "" {
		cfg.Dialect = v
	}
	if v := os.Getenv("DBLINKER_MASTER_HOST"); v != "" {
		cfg.Master.Host = v
	}
	if v := os.Getenv("DBLINKER_MASTER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: DBLINKER_MASTER_PORT: %v", ErrInvalidConfig, err)
		}
		cfg.Master.Port = port
	}
	if v := os.Getenv("DBLINKER_MASTER_USER"); v != "" {
		cfg.Master.User = v
	}
	if v := os.Getenv("DBLINKER_MASTER_PASSWORD"); v != "" {
		cfg.Master.Password = v
	}
	if v := os.Getenv("DBLINKER_MASTER_DATABASE"); v != "" {
		cfg.Master.DBName = v
	}
	if v := os.Getenv("DBLINKER_RETRY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: DBLINKER_RETRY_LIMIT: %v", ErrInvalidConfig, err)
		}
		cfg.RetryLimit = &n
	}
	// DBLINKER_SLAVE_HOSTS="replica-1=3,replica-2=7" adds replicas sharing
	// the master credentials.
	if v := os.Getenv("DBLINKER_SLAVE_HOSTS"); v != "" {
		for _, entry := range strings.Split(v, ",") {
			host, weight, found := strings.Cut(strings.TrimSpace(entry), "=")
			if host == "" {
				continue
			}
			w := 1
			if found {
				n, err := strconv.Atoi(weight)
				if err != nil {
					return fmt.Errorf("%w: DBLINKER_SLAVE_HOSTS weight for %s: %v", ErrInvalidConfig, host, err)
				}
				w = n
			}
			replica := cfg.Master
			replica.Host = host
			cfg.Slaves = append(cfg.Slaves, ReplicaConfig{ServerConfig: replica, Weight: w})
		}
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.RetryLimit == nil {
		unlimited := UnlimitedRetries
		cfg.RetryLimit = &unlimited
	}
	if cfg.MaxSlaveDelay.Duration == 0 {
		cfg.MaxSlaveDelay.Duration = defaultMaxSlaveDelay
	}
	if cfg.HealthCacheTTL.Duration == 0 {
		cfg.HealthCacheTTL.Duration = defaultHealthCacheTTL
	}
	if cfg.SweepInterval.Duration == 0 {
		cfg.SweepInterval.Duration = defaultSweepInterval
	}
	if cfg.Cache.Kind == "" {
		cfg.Cache.Kind = "none"
	}
	if cfg.Cache.Kind == "memory" && cfg.Cache.MemorySize == 0 {
		cfg.Cache.MemorySize = defaultMemoryCache
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
}

func validate(cfg *Config) error {
	if cfg.Dialect == "" {
		return fmt.Errorf("%w: dialect cannot be empty", ErrInvalidConfig)
	}
	if err := validateServer("master", cfg.Master); err != nil {
		return err
	}
	for i, s := range cfg.Slaves {
		if err := validateServer(fmt.Sprintf("slaves[%d]", i), s.ServerConfig); err != nil {
			return err
		}
		if s.Weight < 0 {
			return fmt.Errorf("%w: slaves[%d].weight must be >= 0", ErrInvalidConfig, i)
		}
	}
	if cfg.Retries() < UnlimitedRetries {
		return fmt.Errorf("%w: retry_limit must be >= -1", ErrInvalidConfig)
	}
	switch cfg.Cache.Kind {
	case "none", "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return fmt.Errorf("%w: cache.redis_addr is required for the redis cache", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown cache kind %q", ErrInvalidConfig, cfg.Cache.Kind)
	}
	return nil
}

func validateServer(name string, s ServerConfig) error {
	if s.Host == "" {
		return fmt.Errorf("%w: %s.host cannot be empty", ErrInvalidConfig, name)
	}
	if s.User == "" {
		return fmt.Errorf("%w: %s.user cannot be empty", ErrInvalidConfig, name)
	}
	if s.DBName == "" {
		return fmt.Errorf("%w: %s.dbname cannot be empty", ErrInvalidConfig, name)
	}
	return nil
}
