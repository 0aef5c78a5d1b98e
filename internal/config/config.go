package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Range query algorithms.
const (
	RangeMinMax = "minmax"
	RangeShower = "shower"
)

// EnvPrefix prefixes every environment variable read by Load (PGRID_PORT, ...).
const EnvPrefix = "pgrid"

// Config holds all configuration for a P-Grid peer
type Config struct {
	// Peer identification
	PeerID string // stable identity, generated when empty
	Host   string
	Port   int

	// HTTP API
	HTTPPort int

	// Bootstrap
	BootstrapNodes []string
	AuthToken      string // shared token checked by the gRPC server, empty disables auth

	// Persistence
	DataDir string // routing table directory, empty disables persistence

	// Routing table bounds
	MaxFidgets int // bootstrap contacts kept
	MaxRefs    int // references kept per level

	// Exchange parameters
	MinStorage         int           // items each side must hold under the shared prefix before splitting
	MaxRecursion       int           // recursion budget of one exchange
	ExchangeInterval   time.Duration // how often the exchange worker picks a partner
	ExchangeRate       float64       // exchanges initiated per second at most
	ExchangeTimeout    time.Duration // deadline for one invitation/reply round
	ReplicationBalance bool          // let an under-replicated path absorb peers from a deeper one

	// Query parameters
	RangeQueryAlgorithm string // minmax or shower
	MaxHops             int    // hop budget of exact and range queries

	// Distributor parameters
	SeenCacheSize       int           // distinct data modifier GUIDs remembered
	DistributionTimeout time.Duration // ACK deadline of one distribution attempt
	DistributionRetries int           // retries of a failed local insert
	RetryDelay          time.Duration // delay before a failed request is queued again
	SweepInterval       time.Duration // how often stranded items are published again, 0 disables

	// Store
	SignaturePageSize int

	RPCTimeout time.Duration // Timeout for RPC calls

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                "127.0.0.1",
		Port:                7440,
		HTTPPort:            8080,
		MaxFidgets:          10,
		MaxRefs:             4,
		MinStorage:          5,
		MaxRecursion:        2,
		ExchangeInterval:    1 * time.Second,
		ExchangeRate:        2,
		ExchangeTimeout:     3 * time.Second,
		RangeQueryAlgorithm: RangeMinMax,
		MaxHops:             32,
		SeenCacheSize:       4096,
		DistributionTimeout: 5 * time.Second,
		DistributionRetries: 3,
		RetryDelay:          1 * time.Second,
		SweepInterval:       30 * time.Second,
		SignaturePageSize:   32,
		RPCTimeout:          5 * time.Second,
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.MaxFidgets <= 0 {
		return fmt.Errorf("max fidgets must be positive, got %d", c.MaxFidgets)
	}
	if c.MaxRefs <= 0 {
		return fmt.Errorf("max refs must be positive, got %d", c.MaxRefs)
	}
	if c.MinStorage < 0 {
		return fmt.Errorf("min storage cannot be negative, got %d", c.MinStorage)
	}
	if c.MaxRecursion < 0 {
		return fmt.Errorf("max recursion cannot be negative, got %d", c.MaxRecursion)
	}
	if c.ExchangeInterval <= 0 {
		return fmt.Errorf("exchange interval must be positive, got %s", c.ExchangeInterval)
	}
	if c.ExchangeRate <= 0 {
		return fmt.Errorf("exchange rate must be positive, got %v", c.ExchangeRate)
	}
	if c.RangeQueryAlgorithm != RangeMinMax && c.RangeQueryAlgorithm != RangeShower {
		return fmt.Errorf("range query algorithm must be %q or %q, got %q", RangeMinMax, RangeShower, c.RangeQueryAlgorithm)
	}
	if c.MaxHops <= 0 {
		return fmt.Errorf("max hops must be positive, got %d", c.MaxHops)
	}
	if c.SeenCacheSize <= 0 {
		return fmt.Errorf("seen cache size must be positive, got %d", c.SeenCacheSize)
	}
	if c.DistributionTimeout <= 0 {
		return fmt.Errorf("distribution timeout must be positive, got %s", c.DistributionTimeout)
	}
	if c.DistributionRetries < 0 {
		return fmt.Errorf("distribution retries cannot be negative, got %d", c.DistributionRetries)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval cannot be negative, got %s", c.SweepInterval)
	}
	if c.SignaturePageSize <= 0 {
		return fmt.Errorf("signature page size must be positive, got %d", c.SignaturePageSize)
	}
	return nil
}

// Address returns host:port of the gRPC endpoint.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadEnvFiles loads .env and .env.local from the working directory, if present.
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// NewViper returns a viper instance carrying the defaults and reading
// PGRID_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("http-port", d.HTTPPort)
	v.SetDefault("max-fidgets", d.MaxFidgets)
	v.SetDefault("max-refs", d.MaxRefs)
	v.SetDefault("min-storage", d.MinStorage)
	v.SetDefault("max-recursion", d.MaxRecursion)
	v.SetDefault("exchange-interval", d.ExchangeInterval)
	v.SetDefault("exchange-rate", d.ExchangeRate)
	v.SetDefault("exchange-timeout", d.ExchangeTimeout)
	v.SetDefault("range-algorithm", d.RangeQueryAlgorithm)
	v.SetDefault("replication-balance", d.ReplicationBalance)
	v.SetDefault("max-hops", d.MaxHops)
	v.SetDefault("seen-cache-size", d.SeenCacheSize)
	v.SetDefault("distribution-timeout", d.DistributionTimeout)
	v.SetDefault("distribution-retries", d.DistributionRetries)
	v.SetDefault("retry-delay", d.RetryDelay)
	v.SetDefault("sweep-interval", d.SweepInterval)
	v.SetDefault("signature-page-size", d.SignaturePageSize)
	v.SetDefault("rpc-timeout", d.RPCTimeout)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-format", d.LogFormat)
	return v
}

// Load builds a validated Config from v. If the "config" key names a file,
// it is read first; flags and environment variables bound to v take
// precedence over it.
func Load(v *viper.Viper) (*Config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		PeerID:              v.GetString("peer-id"),
		Host:                v.GetString("host"),
		Port:                v.GetInt("port"),
		HTTPPort:            v.GetInt("http-port"),
		BootstrapNodes:      splitList(v.GetString("bootstrap")),
		AuthToken:           v.GetString("auth-token"),
		DataDir:             v.GetString("data-dir"),
		MaxFidgets:          v.GetInt("max-fidgets"),
		MaxRefs:             v.GetInt("max-refs"),
		MinStorage:          v.GetInt("min-storage"),
		MaxRecursion:        v.GetInt("max-recursion"),
		ExchangeInterval:    v.GetDuration("exchange-interval"),
		ExchangeRate:        v.GetFloat64("exchange-rate"),
		ExchangeTimeout:     v.GetDuration("exchange-timeout"),
		ReplicationBalance:  v.GetBool("replication-balance"),
		RangeQueryAlgorithm: strings.ToLower(v.GetString("range-algorithm")),
		MaxHops:             v.GetInt("max-hops"),
		SeenCacheSize:       v.GetInt("seen-cache-size"),
		DistributionTimeout: v.GetDuration("distribution-timeout"),
		DistributionRetries: v.GetInt("distribution-retries"),
		RetryDelay:          v.GetDuration("retry-delay"),
		SweepInterval:       v.GetDuration("sweep-interval"),
		SignaturePageSize:   v.GetInt("signature-page-size"),
		RPCTimeout:          v.GetDuration("rpc-timeout"),
		LogLevel:            v.GetString("log-level"),
		LogFormat:           v.GetString("log-format"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
