// Package ratecontrol paces outbound backend calls. Per-provider ceilings
// come from rate_limits.yaml and are combined with the backend's own RPM.
package ratecontrol

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// RateLimit is a requests-per-minute ceiling. Zero means unlimited.
type RateLimit struct {
	RPM int
}

type limitsFile struct {
	RateLimits struct {
		DefaultRPM int `yaml:"default_rpm"`
		Providers  map[string]struct {
			RPM int `yaml:"rpm"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// table is an immutable view of one loaded file.
type table struct {
	source     string
	defaultRPM int
	providers  map[string]int
}

func (t *table) lookup(provider string) RateLimit {
	if rpm, ok := t.providers[normalizeProvider(provider)]; ok {
		return RateLimit{RPM: rpm}
	}
	return RateLimit{RPM: t.defaultRPM}
}

var (
	loadMu   sync.Mutex
	override string
	current  atomic.Pointer[table]
)

func searchPaths() []string {
	return []string{
		override,
		os.Getenv("PROMODE_RATE_LIMITS_PATH"),
		"/app/config/rate_limits.yaml",
		"./config/rate_limits.yaml",
	}
}

// load walks the search paths and returns the first readable file. Caller
// holds loadMu.
func load() *table {
	log := zap.L().Named("ratecontrol")
	for _, p := range searchPaths() {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var f limitsFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			log.Warn("Skipping unparsable rate limit file", zap.String("path", p), zap.Error(err))
			continue
		}
		t := &table{
			source:     filepath.Clean(p),
			defaultRPM: f.RateLimits.DefaultRPM,
			providers:  make(map[string]int, len(f.RateLimits.Providers)),
		}
		for name, o := range f.RateLimits.Providers {
			t.providers[normalizeProvider(name)] = o.RPM
		}
		log.Info("Loaded rate limits",
			zap.String("path", t.source),
			zap.Int("default_rpm", t.defaultRPM),
			zap.Int("providers", len(t.providers)),
		)
		return t
	}
	return &table{}
}

func active() *table {
	if t := current.Load(); t != nil {
		return t
	}
	loadMu.Lock()
	defer loadMu.Unlock()
	if t := current.Load(); t != nil {
		return t
	}
	t := load()
	current.Store(t)
	return t
}

// SetPath points the loader at a specific file and reloads it.
func SetPath(path string) {
	loadMu.Lock()
	defer loadMu.Unlock()
	override = path
	current.Store(load())
}

// Reload rereads the rate limit file.
func Reload() {
	loadMu.Lock()
	defer loadMu.Unlock()
	current.Store(load())
}

// ActivePath returns the file the current limits came from, or "".
func ActivePath() string {
	return active().source
}

// LimitForProvider returns the configured limit for provider, falling back
// to default_rpm. Without a file every provider is unlimited.
func LimitForProvider(provider string) RateLimit {
	return active().lookup(provider)
}

// CombineLimits keeps the stricter positive limit.
func CombineLimits(a, b RateLimit) RateLimit {
	if a.RPM <= 0 {
		return RateLimit{RPM: max(b.RPM, 0)}
	}
	if b.RPM <= 0 || a.RPM < b.RPM {
		return a
	}
	return b
}

// NewLimiter returns a token bucket pacing requests to limit. An unset limit
// yields a limiter that never blocks.
func NewLimiter(limit RateLimit, burst int) *rate.Limiter {
	l := rate.NewLimiter(rate.Inf, 0)
	Apply(l, limit, burst)
	return l
}

// Apply retunes an existing limiter in place.
func Apply(l *rate.Limiter, limit RateLimit, burst int) {
	every := delayForLimit(limit)
	if every == 0 {
		l.SetLimit(rate.Inf)
		l.SetBurst(0)
		return
	}
	l.SetBurst(max(burst, 1))
	l.SetLimit(rate.Every(every))
}

// delayForLimit is the spacing between requests, rounded up to the
// millisecond and capped at one minute.
func delayForLimit(limit RateLimit) time.Duration {
	if limit.RPM <= 0 {
		return 0
	}
	ms := math.Ceil(60000.0 / float64(limit.RPM))
	return time.Duration(ms) * time.Millisecond
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
