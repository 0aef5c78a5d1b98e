package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.Equal(t, 10, cfg.MaxFidgets)
	assert.Equal(t, 4, cfg.MaxRefs)
	assert.Equal(t, RangeMinMax, cfg.RangeQueryAlgorithm)
	assert.Equal(t, "127.0.0.1:7440", cfg.Address())
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"ephemeral ports", func(c *Config) { c.Port = 0; c.HTTPPort = 0 }, false},
		{"invalid port (negative)", func(c *Config) { c.Port = -1 }, true},
		{"invalid port (too large)", func(c *Config) { c.Port = 70000 }, true},
		{"invalid HTTP port", func(c *Config) { c.HTTPPort = 70000 }, true},
		{"no fidgets", func(c *Config) { c.MaxFidgets = 0 }, true},
		{"no refs", func(c *Config) { c.MaxRefs = 0 }, true},
		{"negative min storage", func(c *Config) { c.MinStorage = -1 }, true},
		{"negative recursion", func(c *Config) { c.MaxRecursion = -1 }, true},
		{"zero exchange interval", func(c *Config) { c.ExchangeInterval = 0 }, true},
		{"zero exchange rate", func(c *Config) { c.ExchangeRate = 0 }, true},
		{"unknown range algorithm", func(c *Config) { c.RangeQueryAlgorithm = "flood" }, true},
		{"shower algorithm", func(c *Config) { c.RangeQueryAlgorithm = RangeShower }, false},
		{"zero hops", func(c *Config) { c.MaxHops = 0 }, true},
		{"zero seen cache", func(c *Config) { c.SeenCacheSize = 0 }, true},
		{"zero distribution timeout", func(c *Config) { c.DistributionTimeout = 0 }, true},
		{"negative retries", func(c *Config) { c.DistributionRetries = -1 }, true},
		{"negative sweep interval", func(c *Config) { c.SweepInterval = -time.Second }, true},
		{"sweep disabled", func(c *Config) { c.SweepInterval = 0 }, false},
		{"zero page size", func(c *Config) { c.SignaturePageSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(NewViper())
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("PGRID_PORT", "9000")
		t.Setenv("PGRID_RANGE_ALGORITHM", "SHOWER")
		t.Setenv("PGRID_BOOTSTRAP", "10.0.0.1:7440, 10.0.0.2:7440,")
		t.Setenv("PGRID_EXCHANGE_INTERVAL", "250ms")

		cfg, err := Load(NewViper())
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Port)
		assert.Equal(t, RangeShower, cfg.RangeQueryAlgorithm)
		assert.Equal(t, []string{"10.0.0.1:7440", "10.0.0.2:7440"}, cfg.BootstrapNodes)
		assert.Equal(t, 250*time.Millisecond, cfg.ExchangeInterval)
	})

	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pgrid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("max-refs: 7\nmin-storage: 2\nreplication-balance: true\n"), 0o644))

		v := NewViper()
		v.Set("config", path)
		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.MaxRefs)
		assert.Equal(t, 2, cfg.MinStorage)
		assert.True(t, cfg.ReplicationBalance)
	})

	t.Run("invalid values", func(t *testing.T) {
		v := NewViper()
		v.Set("max-hops", 0)
		_, err := Load(v)
		assert.ErrorContains(t, err, "invalid config")
	})

	t.Run("missing file", func(t *testing.T) {
		v := NewViper()
		v.Set("config", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load(v)
		assert.Error(t, err)
	})
}
