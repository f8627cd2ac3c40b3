package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// Guarded dependencies. Each reads CB_<DEP>_* overrides.
const (
	DepLLM      = "LLM"
	DepRedis    = "REDIS"
	DepDatabase = "DB"
)

// The LLM breaker trips late: one fan-out issues up to a hundred concurrent
// calls and the retry envelope already absorbs short blips.
var profiles = map[string]Config{
	DepLLM:      {TripAfter: 20, CloseAfter: 2, Probes: 5, Window: time.Minute, Cooldown: 30 * time.Second},
	DepRedis:    {TripAfter: 3, CloseAfter: 2, Probes: 5, Window: 30 * time.Second, Cooldown: 15 * time.Second},
	DepDatabase: {TripAfter: 5, CloseAfter: 2, Probes: 3, Window: time.Minute, Cooldown: 30 * time.Second},
}

// ConfigFor returns the settings for dep with environment overrides:
// CB_<DEP>_FAILURE_THRESHOLD, _SUCCESS_THRESHOLD, _MAX_REQUESTS, _INTERVAL
// and _TIMEOUT. Unknown deps start from DefaultConfig.
func ConfigFor(dep string) Config {
	cfg, ok := profiles[dep]
	if !ok {
		cfg = DefaultConfig()
	}
	prefix := "CB_" + dep + "_"
	cfg.TripAfter = envUint32(prefix+"FAILURE_THRESHOLD", cfg.TripAfter)
	cfg.CloseAfter = envUint32(prefix+"SUCCESS_THRESHOLD", cfg.CloseAfter)
	cfg.Probes = envUint32(prefix+"MAX_REQUESTS", cfg.Probes)
	cfg.Window = envDuration(prefix+"INTERVAL", cfg.Window)
	cfg.Cooldown = envDuration(prefix+"TIMEOUT", cfg.Cooldown)
	return cfg
}

func envUint32(key string, def uint32) uint32 {
	if v, err := strconv.ParseUint(os.Getenv(key), 10, 32); err == nil {
		return uint32(v)
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
