package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults without a file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)

		assert.Equal(t, 8000, cfg.Server.Port)
		assert.Equal(t, 8081, cfg.Server.AdminPort)
		assert.Equal(t, "gpt-5", cfg.Backend.Model)
		assert.Equal(t, 10*time.Minute, cfg.Backend.Timeout)
		assert.Equal(t, 100, cfg.Orchestration.MaxWorkers)
		assert.Equal(t, 100, cfg.Orchestration.MaxGenerations)
		assert.Equal(t, 20, cfg.Orchestration.TournamentThreshold)
		assert.Equal(t, 10, cfg.Orchestration.GroupSize)
		assert.Equal(t, 30000, cfg.Orchestration.MaxOutputTokens)
		assert.InDelta(t, 0.9, cfg.Orchestration.CandidateTemperature, 1e-9)
		assert.InDelta(t, 0.2, cfg.Orchestration.SynthesisTemperature, 1e-9)
		assert.Equal(t, 3, cfg.Orchestration.MaxAttempts)
		assert.Equal(t, 500*time.Millisecond, cfg.Orchestration.InitialBackoff)
		assert.Equal(t, 24*time.Hour, cfg.Redis.IdempotencyTTL)
		assert.Equal(t, "promode", cfg.Auth.Issuer)
		assert.Empty(t, cfg.Database.Driver)
	})

	t.Run("File values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "promode.yaml")
		writeFile(t, path, `
server:
  port: 9000
orchestration:
  max_generations: 40
  group_size: 5
  initial_backoff: 250ms
database:
  driver: sqlite3
  dsn: "file::memory:"
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, 40, cfg.Orchestration.MaxGenerations)
		assert.Equal(t, 5, cfg.Orchestration.GroupSize)
		assert.Equal(t, 250*time.Millisecond, cfg.Orchestration.InitialBackoff)
		assert.Equal(t, "sqlite3", cfg.Database.Driver)
		assert.Equal(t, "file::memory:", cfg.Database.DSN)
	})

	t.Run("Environment overrides", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-test")
		t.Setenv("PORT", "8123")
		t.Setenv("PROMODE_ORCHESTRATION_MAX_WORKERS", "7")
		t.Setenv("PROMODE_REDIS_ADDR", "redis:6379")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "sk-test", cfg.Backend.APIKey)
		assert.Equal(t, 8123, cfg.Server.Port)
		assert.Equal(t, 7, cfg.Orchestration.MaxWorkers)
		assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	})

	t.Run("Missing API key is not a load error", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Empty(t, cfg.Backend.APIKey)
	})

	t.Run("Malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "promode.yaml")
		writeFile(t, path, "server: [unterminated")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestConfigValidation(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("Valid configuration", func(t *testing.T) {
		assert.NoError(t, base(t).Validate())
	})

	t.Run("Invalid log level", func(t *testing.T) {
		cfg := base(t)
		cfg.Logging.Level = "verbose"
		assert.Error(t, cfg.Validate())
	})

	t.Run("Non-positive caps", func(t *testing.T) {
		cfg := base(t)
		cfg.Orchestration.MaxGenerations = 0
		assert.Error(t, cfg.Validate())

		cfg = base(t)
		cfg.Orchestration.GroupSize = 1
		assert.Error(t, cfg.Validate())
	})

	t.Run("Unknown database driver", func(t *testing.T) {
		cfg := base(t)
		cfg.Database.Driver = "mysql"
		assert.Error(t, cfg.Validate())
	})
}

func TestOrchestrationEngine(t *testing.T) {
	o := OrchestrationConfig{
		MaxWorkers:           8,
		MaxGenerations:       50,
		TournamentThreshold:  12,
		GroupSize:            4,
		MaxOutputTokens:      1000,
		CandidateTemperature: 1.1,
		SynthesisTemperature: 0.1,
		MaxAttempts:          5,
		InitialBackoff:       time.Second,
	}
	cfg := o.Engine()
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 50, cfg.MaxGenerations)
	assert.Equal(t, 12, cfg.TournamentThreshold)
	assert.Equal(t, 4, cfg.GroupSize)
	assert.Equal(t, 1000, cfg.MaxOutputTokens)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.InitialBackoff)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "promode.yaml")
	writeFile(t, path, "orchestration:\n  max_generations: 30\n")

	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	first := m.Current()
	assert.Equal(t, 30, first.Orchestration.MaxGenerations)

	changed := make(chan *Config, 1)
	m.OnChange(func(cfg *Config) error {
		changed <- cfg
		return nil
	})

	t.Run("Manual reload swaps the snapshot", func(t *testing.T) {
		writeFile(t, path, "orchestration:\n  max_generations: 60\n")
		require.NoError(t, m.Reload())
		got := <-changed
		assert.Equal(t, 60, got.Orchestration.MaxGenerations)
		assert.Equal(t, 60, m.Current().Orchestration.MaxGenerations)
		// earlier snapshot is untouched
		assert.Equal(t, 30, first.Orchestration.MaxGenerations)
	})

	t.Run("Invalid file keeps previous snapshot", func(t *testing.T) {
		writeFile(t, path, "orchestration:\n  max_generations: -1\n")
		assert.Error(t, m.Reload())
		assert.Equal(t, 60, m.Current().Orchestration.MaxGenerations)
	})
}

func TestManagerWatchesFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "promode.yaml")
	limits := filepath.Join(dir, "rate_limits.yaml")
	writeFile(t, path, "orchestration:\n  max_workers: 10\n")
	writeFile(t, limits, "rate_limits:\n  default_rpm: 0\n")

	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.debounce = time.Millisecond

	reloaded := make(chan int, 16)
	m.OnChange(func(cfg *Config) error {
		reloaded <- cfg.Orchestration.MaxWorkers
		return nil
	})
	auxSeen := make(chan string, 16)
	m.WatchFile(limits, func(p string) error {
		auxSeen <- p
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	writeFile(t, path, "orchestration:\n  max_workers: 25\n")
	// A truncating write can surface a transient empty file first.
	deadline := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case n := <-reloaded:
			seen = n == 25
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
	assert.Equal(t, 25, m.Current().Orchestration.MaxWorkers)

	writeFile(t, limits, "rate_limits:\n  default_rpm: 60\n")
	select {
	case p := <-auxSeen:
		assert.Equal(t, filepath.Clean(limits), p)
	case <-time.After(5 * time.Second):
		t.Fatal("rate limit file change not observed")
	}
}
