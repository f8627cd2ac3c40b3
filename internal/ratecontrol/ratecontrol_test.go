package ratecontrol

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestDelayForLimit(t *testing.T) {
	assert.Equal(t, 2*time.Second, delayForLimit(RateLimit{RPM: 30}))
	assert.Equal(t, time.Duration(0), delayForLimit(RateLimit{}))
	assert.Equal(t, 17*time.Millisecond, delayForLimit(RateLimit{RPM: 3600}))
}

func TestCombineLimits(t *testing.T) {
	assert.Equal(t, 20, CombineLimits(RateLimit{RPM: 30}, RateLimit{RPM: 20}).RPM)
	assert.Equal(t, 30, CombineLimits(RateLimit{RPM: 30}, RateLimit{}).RPM)
	assert.Equal(t, 0, CombineLimits(RateLimit{}, RateLimit{}).RPM)
}

func TestNewLimiterUnlimitedByDefault(t *testing.T) {
	l := NewLimiter(RateLimit{}, 5)
	assert.Equal(t, rate.Inf, l.Limit())
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow())
	}
}

func TestApplyRetunesLimiter(t *testing.T) {
	l := NewLimiter(RateLimit{}, 0)

	Apply(l, RateLimit{RPM: 60}, 2)
	assert.Equal(t, rate.Every(time.Second), l.Limit())
	assert.Equal(t, 2, l.Burst())

	Apply(l, RateLimit{}, 2)
	assert.Equal(t, rate.Inf, l.Limit())
}

func TestLimitForProviderFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate_limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rate_limits:
  default_rpm: 600
  provider_overrides:
    openai:
      rpm: 120
`), 0o644))

	SetPath(path)
	t.Cleanup(func() { SetPath("") })

	assert.Equal(t, filepath.Clean(path), ActivePath())
	assert.Equal(t, 120, LimitForProvider("OpenAI ").RPM)
	assert.Equal(t, 600, LimitForProvider("azure").RPM)

	require.NoError(t, os.WriteFile(path, []byte("rate_limits:\n  default_rpm: 10\n"), 0o644))
	Reload()
	assert.Equal(t, 10, LimitForProvider("openai").RPM)
}
