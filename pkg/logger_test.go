package pkg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.Console.Enable = false
	return cfg
}

func TestNew(t *testing.T) {
	tests := []struct {
		name  string
		cfg   func() *Config
		level zerolog.Level
	}{
		{"default config", func() *Config { return nil }, zerolog.InfoLevel},
		{"debug json", func() *Config {
			c := DefaultConfig()
			c.Level = "debug"
			return c
		}, zerolog.DebugLevel},
		{"console stdout", func() *Config {
			c := DefaultConfig()
			c.Format = LogFormatConsole
			c.Console.Output = "stdout"
			c.Level = "warn"
			return c
		}, zerolog.WarnLevel},
		{"no output", quietConfig, zerolog.InfoLevel},
		{"invalid level falls back to info", func() *Config {
			c := quietConfig()
			c.Level = "loud"
			return c
		}, zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg())
			require.NoError(t, err)
			require.NotNil(t, logger)
			defer logger.Close()
			assert.Equal(t, tt.level, logger.GetLevel())
		})
	}
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Info().Str("key", "value").Msg("discarded")
	assert.NoError(t, logger.Close())
}

func TestLogger_WithFields(t *testing.T) {
	parent := NewNop().WithFields(Fields{"component": "exchange"})
	child := parent.WithFields(Fields{"peer_id": "abcd"})

	assert.Equal(t, Fields{"component": "exchange"}, parent.Fields())
	assert.Equal(t, Fields{"component": "exchange", "peer_id": "abcd"}, child.Fields())

	withErr := child.WithError(os.ErrNotExist)
	assert.Equal(t, os.ErrNotExist.Error(), withErr.Fields()["error"])
	assert.Same(t, child, child.WithError(nil))
}

func TestLogger_UpdateLevel(t *testing.T) {
	logger, err := New(quietConfig())
	require.NoError(t, err)

	require.NoError(t, logger.UpdateLevel("error"))
	assert.Equal(t, zerolog.ErrorLevel, logger.GetLevel())
	assert.Error(t, logger.UpdateLevel("loud"))
	assert.Equal(t, zerolog.ErrorLevel, logger.GetLevel())
}

func TestLogger_FileOutput(t *testing.T) {
	tests := []struct {
		name  string
		async bool
	}{
		{"sync", false},
		{"async", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "logs", "pgrid.log")
			cfg := quietConfig()
			cfg.File.Enable = true
			cfg.File.Path = path
			cfg.File.Compress = false
			cfg.AsyncWrite = tt.async
			cfg.BufferSize = 16

			logger, err := New(cfg)
			require.NoError(t, err)

			logger.WithFields(Fields{"component": "distributor"}).Info().Int("items", 3).Msg("handed off")
			require.NoError(t, logger.Close())
			require.NoError(t, logger.Close(), "second close is a no-op")

			data, err := os.ReadFile(path)
			require.NoError(t, err)

			var entry map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
			assert.Equal(t, "handed off", entry["message"])
			assert.Equal(t, "distributor", entry["component"])
			assert.EqualValues(t, 3, entry["items"])
		})
	}
}

func TestLogger_Concurrent(t *testing.T) {
	logger, err := New(quietConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := logger.WithFields(Fields{"worker": i})
			for j := 0; j < 100; j++ {
				l.Debug().Int("j", j).Msg("tick")
			}
		}(i)
	}
	wg.Wait()
}
