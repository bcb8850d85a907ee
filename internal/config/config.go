// Package config loads the throttled command configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creasty/defaults"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/vnykmshr/throttled/internal/logging"
	"github.com/vnykmshr/throttled/pkg/common/validation"
	"github.com/vnykmshr/throttled/pkg/ratelimit/sharedstate"
	"github.com/vnykmshr/throttled/pkg/ratelimit/throttle"
)

const module = "config"

// EnvPath names the environment variable consulted by LoadFromEnv.
const EnvPath = "THROTTLED_CONFIG"

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

type Config struct {
	Throttle ThrottleConfig `yaml:"throttle"`
	Backend  BackendConfig  `yaml:"backend"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ThrottleConfig struct {
	Name              string  `yaml:"name" default:"throttled"`
	MaxPerSecond      float64 `yaml:"max_per_second" default:"1"`
	ReturnIfThrottled bool    `yaml:"return_if_throttled"`
}

type BackendConfig struct {
	Kind  string             `yaml:"kind" default:"file"`
	File  FileBackendConfig  `yaml:"file"`
	Redis RedisBackendConfig `yaml:"redis"`
}

type FileBackendConfig struct {
	Dir        string        `yaml:"dir"`
	RetryDelay time.Duration `yaml:"retry_delay" default:"10ms"`
}

// SetDefaults places the state directory under the system temp dir.
func (c *FileBackendConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = filepath.Join(os.TempDir(), "throttled")
	}
}

type RedisBackendConfig struct {
	Addr         string        `yaml:"addr" default:"localhost:6379"`
	Password     string        `yaml:"pass" default:""`
	DB           int           `yaml:"db" default:"0"`
	Prefix       string        `yaml:"prefix" default:"throttled"`
	LockTTL      time.Duration `yaml:"lock_ttl" default:"1m"`
	PollInterval time.Duration `yaml:"poll_interval" default:"10ms"`
	Timeout      time.Duration `yaml:"timeout" default:"500ms"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"console"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" default:":9090"`
	Path    string `yaml:"path" default:"/metrics"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	// only fails for non-pointer targets
	_ = defaults.Set(&cfg)
	return cfg
}

// LoadFromEnv loads the file named by THROTTLED_CONFIG, or the defaults
// when it is unset.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(EnvPath))
}

// Load reads the YAML file at path over the defaults.
// An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// defaults go in first so explicit zero values in the file survive
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail later, when the
// backend or the limiter is built.
func (c Config) Validate() error {
	if err := validation.ValidateNotEmpty(module, "throttle.name", c.Throttle.Name); err != nil {
		return err
	}
	if err := validation.ValidatePositiveFloat(module, "throttle.max_per_second", c.Throttle.MaxPerSecond); err != nil {
		return err
	}
	if err := validation.ValidateOneOf(module, "backend.kind", c.Backend.Kind, BackendMemory, BackendFile, BackendRedis); err != nil {
		return err
	}

	switch c.Backend.Kind {
	case BackendFile:
		if err := validation.ValidateNotEmpty(module, "backend.file.dir", c.Backend.File.Dir); err != nil {
			return err
		}
		if err := validation.ValidatePositiveDuration(module, "backend.file.retry_delay", c.Backend.File.RetryDelay); err != nil {
			return err
		}
	case BackendRedis:
		r := c.Backend.Redis
		if err := validation.ValidateNotEmpty(module, "backend.redis.addr", r.Addr); err != nil {
			return err
		}
		if err := validation.ValidatePositiveDuration(module, "backend.redis.lock_ttl", r.LockTTL); err != nil {
			return err
		}
		if err := validation.ValidatePositiveDuration(module, "backend.redis.poll_interval", r.PollInterval); err != nil {
			return err
		}
		if err := validation.ValidatePositiveDuration(module, "backend.redis.timeout", r.Timeout); err != nil {
			return err
		}
	}

	if err := validation.ValidateOneOf(module, "log.format", c.Log.Format, logging.FormatConsole, logging.FormatJSON); err != nil {
		return err
	}
	if c.Metrics.Enabled {
		if err := validation.ValidateNotEmpty(module, "metrics.addr", c.Metrics.Addr); err != nil {
			return err
		}
	}
	return nil
}

// BuildBackend creates the shared state backend selected by Backend.Kind.
// Closing the returned backend also releases any connection it opened.
func (c Config) BuildBackend() (sharedstate.Backend, error) {
	switch c.Backend.Kind {
	case BackendMemory:
		return sharedstate.NewMemoryBackend(), nil

	case BackendFile:
		return sharedstate.NewFileBackendWithConfig(sharedstate.FileConfig{
			Dir:        c.Backend.File.Dir,
			RetryDelay: c.Backend.File.RetryDelay,
		})

	case BackendRedis:
		r := c.Backend.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
		})
		backend, err := sharedstate.NewRedisBackend(sharedstate.RedisConfig{
			Redis:        client,
			Prefix:       r.Prefix,
			LockTTL:      r.LockTTL,
			PollInterval: r.PollInterval,
			RedisTimeout: r.Timeout,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &redisBackend{RedisBackend: backend, client: client}, nil
	}

	return nil, validation.ValidateOneOf(module, "backend.kind", c.Backend.Kind, BackendMemory, BackendFile, BackendRedis)
}

// ThrottleConfig returns the limiter configuration for backend.
func (c Config) ThrottleConfig(backend sharedstate.Backend) throttle.Config {
	return throttle.Config{
		Name:              c.Throttle.Name,
		MaxPerSecond:      c.Throttle.MaxPerSecond,
		ReturnIfThrottled: c.Throttle.ReturnIfThrottled,
		Backend:           backend,
	}
}

// redisBackend closes the client it was built with.
type redisBackend struct {
	*sharedstate.RedisBackend
	client *redis.Client
}

func (b *redisBackend) Close() error {
	berr := b.RedisBackend.Close()
	if err := b.client.Close(); err != nil {
		return err
	}
	return berr
}
