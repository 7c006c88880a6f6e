package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ligustah/sophon/internal/api"
)

// Config defines configuration for the sophon CLI and server.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Listen is the address of the task server.
	Listen string `yaml:"listen"`

	// TempDir overrides the default <gamedir>/.tmp staging directory.
	TempDir string `yaml:"temp_dir"`

	Workers    int `yaml:"workers"`
	CPUReserve int `yaml:"cpu_reserve"`

	Retry     RetryConfig   `yaml:"retry"`
	Patch     PatchConfig   `yaml:"patch"`
	Cache     CacheConfig   `yaml:"cache"`
	Mirror    MirrorConfig  `yaml:"mirror"`
	Events    EventsConfig  `yaml:"events"`
	Endpoints api.Endpoints `yaml:"endpoints"`
}

// RetryConfig defines retry behavior for blob downloads.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// PatchConfig locates the patch tool and bounds its runtime.
type PatchConfig struct {
	Binary       string        `yaml:"binary"`
	ShortTimeout time.Duration `yaml:"short_timeout"`
	LongTimeout  time.Duration `yaml:"long_timeout"`
}

// CacheConfig controls the control-plane response cache.
type CacheConfig struct {
	// Bucket is a gocloud bucket URL. Empty means file://<temp dir>/api.
	Bucket string        `yaml:"bucket"`
	MaxAge time.Duration `yaml:"max_age"`
	Force  bool          `yaml:"force"`
}

// MirrorConfig points blob downloads at a mirror bucket instead of the CDN.
type MirrorConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// EventsConfig throttles progress events.
type EventsConfig struct {
	ChunkEvery    int           `yaml:"chunk_every"`
	CheckEvery    int           `yaml:"check_every"`
	SpeedInterval time.Duration `yaml:"speed_interval"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		LogLevel:   "info",
		LogFormat:  "text",
		Listen:     "127.0.0.1:8765",
		Workers:    20,
		CPUReserve: 4,
		Retry: RetryConfig{
			Attempts: 5,
			Backoff:  10 * time.Second,
		},
		Patch: PatchConfig{
			Binary:       "hpatchz",
			ShortTimeout: 50 * time.Second,
			LongTimeout:  300 * time.Second,
		},
		Cache: CacheConfig{
			MaxAge: 24 * time.Hour,
		},
		Events: EventsConfig{
			ChunkEvery:    20,
			CheckEvery:    10,
			SpeedInterval: 10 * time.Second,
		},
		Endpoints: api.DefaultEndpoints(),
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	Listen     string `yaml:"listen"`
	TempDir    string `yaml:"temp_dir"`
	Workers    int    `yaml:"workers"`
	CPUReserve int    `yaml:"cpu_reserve"`
	Retry      struct {
		Attempts int    `yaml:"attempts"`
		Backoff  string `yaml:"backoff"`
	} `yaml:"retry"`
	Patch struct {
		Binary       string `yaml:"binary"`
		ShortTimeout string `yaml:"short_timeout"`
		LongTimeout  string `yaml:"long_timeout"`
	} `yaml:"patch"`
	Cache struct {
		Bucket string `yaml:"bucket"`
		MaxAge string `yaml:"max_age"`
		Force  bool   `yaml:"force"`
	} `yaml:"cache"`
	Mirror MirrorConfig `yaml:"mirror"`
	Events struct {
		ChunkEvery    int    `yaml:"chunk_every"`
		CheckEvery    int    `yaml:"check_every"`
		SpeedInterval string `yaml:"speed_interval"`
	} `yaml:"events"`
	Endpoints api.Endpoints `yaml:"endpoints"`
}

// LoadFromFile loads configuration from a YAML file. Missing keys keep
// their defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	override := Config{
		LogLevel:   yc.LogLevel,
		LogFormat:  yc.LogFormat,
		Listen:     yc.Listen,
		TempDir:    yc.TempDir,
		Workers:    yc.Workers,
		CPUReserve: yc.CPUReserve,
		Retry:      RetryConfig{Attempts: yc.Retry.Attempts},
		Patch:      PatchConfig{Binary: yc.Patch.Binary},
		Cache:      CacheConfig{Bucket: yc.Cache.Bucket, Force: yc.Cache.Force},
		Mirror:     yc.Mirror,
		Events:     EventsConfig{ChunkEvery: yc.Events.ChunkEvery, CheckEvery: yc.Events.CheckEvery},
		Endpoints:  yc.Endpoints,
	}

	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"retry.backoff", yc.Retry.Backoff, &override.Retry.Backoff},
		{"patch.short_timeout", yc.Patch.ShortTimeout, &override.Patch.ShortTimeout},
		{"patch.long_timeout", yc.Patch.LongTimeout, &override.Patch.LongTimeout},
		{"cache.max_age", yc.Cache.MaxAge, &override.Cache.MaxAge},
		{"events.speed_interval", yc.Events.SpeedInterval, &override.Events.SpeedInterval},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.out = v
	}

	return Default().Merge(override), nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SOPHON_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := map[string]*string{
		"SOPHON_LOG_LEVEL":     &c.LogLevel,
		"SOPHON_LOG_FORMAT":    &c.LogFormat,
		"SOPHON_LISTEN":        &c.Listen,
		"SOPHON_TEMP_DIR":      &c.TempDir,
		"SOPHON_PATCH_BINARY":  &c.Patch.Binary,
		"SOPHON_CACHE_BUCKET":  &c.Cache.Bucket,
		"SOPHON_MIRROR_BUCKET": &c.Mirror.Bucket,
		"SOPHON_MIRROR_PREFIX": &c.Mirror.Prefix,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SOPHON_WORKERS":        &c.Workers,
		"SOPHON_CPU_RESERVE":    &c.CPUReserve,
		"SOPHON_RETRY_ATTEMPTS": &c.Retry.Attempts,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"SOPHON_RETRY_BACKOFF":       &c.Retry.Backoff,
		"SOPHON_PATCH_SHORT_TIMEOUT": &c.Patch.ShortTimeout,
		"SOPHON_PATCH_LONG_TIMEOUT":  &c.Patch.LongTimeout,
		"SOPHON_CACHE_MAX_AGE":       &c.Cache.MaxAge,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("SOPHON_CACHE_FORCE"); v != "" {
		c.Cache.Force = v == "true" || v == "1"
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log_format %q", c.LogFormat)
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.CPUReserve < 0 {
		return errors.New("config: cpu_reserve must not be negative")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("config: retry.attempts must be positive")
	}
	if c.Patch.Binary == "" {
		return errors.New("config: patch.binary is required")
	}
	if c.Patch.ShortTimeout <= 0 || c.Patch.LongTimeout < c.Patch.ShortTimeout {
		return errors.New("config: patch timeouts must be positive and long_timeout >= short_timeout")
	}
	if c.Cache.MaxAge <= 0 {
		return errors.New("config: cache.max_age must be positive")
	}
	if c.Events.ChunkEvery <= 0 || c.Events.CheckEvery <= 0 {
		return errors.New("config: event throttles must be positive")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	mergeString(&c.LogLevel, override.LogLevel)
	mergeString(&c.LogFormat, override.LogFormat)
	mergeString(&c.Listen, override.Listen)
	mergeString(&c.TempDir, override.TempDir)
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.CPUReserve != 0 {
		c.CPUReserve = override.CPUReserve
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	mergeString(&c.Patch.Binary, override.Patch.Binary)
	if override.Patch.ShortTimeout != 0 {
		c.Patch.ShortTimeout = override.Patch.ShortTimeout
	}
	if override.Patch.LongTimeout != 0 {
		c.Patch.LongTimeout = override.Patch.LongTimeout
	}
	mergeString(&c.Cache.Bucket, override.Cache.Bucket)
	if override.Cache.MaxAge != 0 {
		c.Cache.MaxAge = override.Cache.MaxAge
	}
	if override.Cache.Force {
		c.Cache.Force = true
	}
	mergeString(&c.Mirror.Bucket, override.Mirror.Bucket)
	mergeString(&c.Mirror.Prefix, override.Mirror.Prefix)
	if override.Events.ChunkEvery != 0 {
		c.Events.ChunkEvery = override.Events.ChunkEvery
	}
	if override.Events.CheckEvery != 0 {
		c.Events.CheckEvery = override.Events.CheckEvery
	}
	if override.Events.SpeedInterval != 0 {
		c.Events.SpeedInterval = override.Events.SpeedInterval
	}
	mergeString(&c.Endpoints.ConnectOS, override.Endpoints.ConnectOS)
	mergeString(&c.Endpoints.ConnectCN, override.Endpoints.ConnectCN)
	mergeString(&c.Endpoints.BuildOS, override.Endpoints.BuildOS)
	mergeString(&c.Endpoints.BuildCN, override.Endpoints.BuildCN)
	mergeString(&c.Endpoints.PatchBuildOS, override.Endpoints.PatchBuildOS)
	mergeString(&c.Endpoints.PatchBuildCN, override.Endpoints.PatchBuildCN)
	return c
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
