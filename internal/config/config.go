package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/promode/internal/promode"
	"github.com/Kocoro-lab/promode/internal/tracing"
	"github.com/Kocoro-lab/promode/internal/util"
)

// DefaultPath is used when PROMODE_CONFIG is unset.
const DefaultPath = "./config/promode.yaml"

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	AdminPort       int           `mapstructure:"admin_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type BackendConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Provider string        `mapstructure:"provider"`
	Timeout  time.Duration `mapstructure:"timeout"`
	RPM      int           `mapstructure:"rpm"`
	Burst    int           `mapstructure:"burst"`
}

type OrchestrationConfig struct {
	MaxWorkers           int           `mapstructure:"max_workers"`
	MaxGenerations       int           `mapstructure:"max_generations"`
	TournamentThreshold  int           `mapstructure:"tournament_threshold"`
	GroupSize            int           `mapstructure:"group_size"`
	MaxOutputTokens      int           `mapstructure:"max_output_tokens"`
	CandidateTemperature float64       `mapstructure:"candidate_temperature"`
	SynthesisTemperature float64       `mapstructure:"synthesis_temperature"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	InitialBackoff       time.Duration `mapstructure:"initial_backoff"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres or sqlite3; empty disables the run log
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type StreamingConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// Config is the full service configuration.
type Config struct {
	Server         ServerConfig        `mapstructure:"server"`
	Backend        BackendConfig       `mapstructure:"backend"`
	Orchestration  OrchestrationConfig `mapstructure:"orchestration"`
	Logging        LoggingConfig       `mapstructure:"logging"`
	Redis          RedisConfig         `mapstructure:"redis"`
	Database       DatabaseConfig      `mapstructure:"database"`
	Auth           AuthConfig          `mapstructure:"auth"`
	Streaming      StreamingConfig     `mapstructure:"streaming"`
	Tracing        tracing.Config      `mapstructure:"tracing"`
	RateLimitsPath string              `mapstructure:"rate_limits_path"`
}

// Path returns the config file location from PROMODE_CONFIG or DefaultPath.
func Path() string {
	return util.FirstNonEmpty(os.Getenv("PROMODE_CONFIG"), DefaultPath)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.admin_port", 8081)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("backend.base_url", "https://api.openai.com/v1")
	v.SetDefault("backend.model", "gpt-5")
	v.SetDefault("backend.provider", "openai")
	v.SetDefault("backend.timeout", 10*time.Minute)
	v.SetDefault("backend.rpm", 0)
	v.SetDefault("backend.burst", 10)

	def := promode.DefaultConfig()
	v.SetDefault("orchestration.max_workers", def.MaxWorkers)
	v.SetDefault("orchestration.max_generations", def.MaxGenerations)
	v.SetDefault("orchestration.tournament_threshold", def.TournamentThreshold)
	v.SetDefault("orchestration.group_size", def.GroupSize)
	v.SetDefault("orchestration.max_output_tokens", def.MaxOutputTokens)
	v.SetDefault("orchestration.candidate_temperature", def.CandidateTemperature)
	v.SetDefault("orchestration.synthesis_temperature", def.SynthesisTemperature)
	v.SetDefault("orchestration.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("orchestration.initial_backoff", def.Retry.InitialBackoff)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Optional integrations are off until an address, driver or secret is set.
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.idempotency_ttl", 24*time.Hour)
	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "promode")
	v.SetDefault("streaming.capacity", 256)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "promode")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("rate_limits_path", "")
}

// Load reads the YAML file at path (a missing file is fine), applies
// defaults and env overrides, and validates the result. Env keys use the
// PROMODE_ prefix with dots replaced by underscores; OPENAI_API_KEY and
// PORT are honoured directly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PROMODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("backend.api_key", "PROMODE_BACKEND_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("server.port", "PROMODE_SERVER_PORT", "PORT")
	_ = v.BindEnv("server.admin_port", "PROMODE_SERVER_ADMIN_PORT", "ADMIN_PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with. A missing API key is
// not an error here; it is reported per request.
func (c *Config) Validate() error {
	o := c.Orchestration
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	case o.MaxWorkers <= 0:
		return fmt.Errorf("orchestration.max_workers must be positive, got %d", o.MaxWorkers)
	case o.MaxGenerations <= 0:
		return fmt.Errorf("orchestration.max_generations must be positive, got %d", o.MaxGenerations)
	case o.TournamentThreshold <= 0:
		return fmt.Errorf("orchestration.tournament_threshold must be positive, got %d", o.TournamentThreshold)
	case o.GroupSize < 2:
		return fmt.Errorf("orchestration.group_size must be at least 2, got %d", o.GroupSize)
	case o.MaxAttempts <= 0:
		return fmt.Errorf("orchestration.max_attempts must be positive, got %d", o.MaxAttempts)
	case o.CandidateTemperature < 0 || o.SynthesisTemperature < 0:
		return fmt.Errorf("temperatures must not be negative")
	}
	switch c.Database.Driver {
	case "", "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	return nil
}

// Engine converts the orchestration section into engine settings.
func (o OrchestrationConfig) Engine() promode.Config {
	cfg := promode.DefaultConfig()
	cfg.MaxWorkers = o.MaxWorkers
	cfg.MaxGenerations = o.MaxGenerations
	cfg.TournamentThreshold = o.TournamentThreshold
	cfg.GroupSize = o.GroupSize
	cfg.MaxOutputTokens = o.MaxOutputTokens
	cfg.CandidateTemperature = o.CandidateTemperature
	cfg.SynthesisTemperature = o.SynthesisTemperature
	cfg.Retry.MaxAttempts = o.MaxAttempts
	if o.InitialBackoff > 0 {
		cfg.Retry.InitialBackoff = o.InitialBackoff
	}
	return cfg
}
