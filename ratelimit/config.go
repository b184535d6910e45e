/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/redis/go-redis/v9"
)

const cfgDefaultKeyPrefix = "rateLimit"

const (
	cfgKeyBackend        = "backend"
	cfgKeyQuota          = "quota"
	cfgKeyDryRun         = "dryRun"
	cfgKeyRedisAddr      = "redis.addr"
	cfgKeyRedisPassword  = "redis.password"
	cfgKeyRedisDB        = "redis.db"
	cfgKeyRedisTimeout   = "redis.timeout"
	cfgKeyRedisKeyPrefix = "redis.keyPrefix"
)

// Default configuration values.
const (
	DefaultBackend      = BackendTypeInMemory
	DefaultRedisAddr    = "127.0.0.1:6379"
	DefaultRedisTimeout = time.Second
)

// DefaultQuota is the quota used when none is configured: 100 requests per minute.
var DefaultQuota = Quota{Limit: 100, Window: time.Minute}

// BackendType defines which shared counting store keeps window state.
type BackendType string

// Supported backend types.
const (
	BackendTypeInMemory BackendType = "in-memory"
	BackendTypeRedis    BackendType = "redis"
)

// RedisConfig represents connection parameters for the Redis backend.
type RedisConfig struct {
	Addr      string              `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password  string              `mapstructure:"password" yaml:"password" json:"password"`
	DB        int                 `mapstructure:"db" yaml:"db" json:"db"`
	Timeout   config.TimeDuration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	KeyPrefix string              `mapstructure:"keyPrefix" yaml:"keyPrefix" json:"keyPrefix"`
}

// Config represents a set of configuration parameters for rate limiting.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Backend BackendType `mapstructure:"backend" yaml:"backend" json:"backend"`
	Quota   Quota       `mapstructure:"quota" yaml:"quota" json:"quota"`
	DryRun  bool        `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis" json:"redis"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	var opts = configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix: opts.keyPrefix,
		Backend:   DefaultBackend,
		Quota:     DefaultQuota,
		Redis: RedisConfig{
			Addr:      DefaultRedisAddr,
			Timeout:   config.TimeDuration(DefaultRedisTimeout),
			KeyPrefix: DefaultRedisKeyPrefix,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the rate limiter in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyBackend, string(DefaultBackend))
	dp.SetDefault(cfgKeyQuota, DefaultQuota.String())
	dp.SetDefault(cfgKeyRedisAddr, DefaultRedisAddr)
	dp.SetDefault(cfgKeyRedisTimeout, DefaultRedisTimeout)
	dp.SetDefault(cfgKeyRedisKeyPrefix, DefaultRedisKeyPrefix)
}

var availableBackendTypes = []string{string(BackendTypeInMemory), string(BackendTypeRedis)}

// Set sets rate limiting configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	var backendStr string
	if backendStr, err = dp.GetStringFromSet(cfgKeyBackend, availableBackendTypes, true); err != nil {
		return err
	}
	c.Backend = BackendType(strings.ToLower(backendStr))

	var quotaStr string
	if quotaStr, err = dp.GetString(cfgKeyQuota); err != nil {
		return err
	}
	if err = c.Quota.UnmarshalText([]byte(quotaStr)); err != nil {
		return dp.WrapKeyErr(cfgKeyQuota, err)
	}
	if err = c.Quota.Validate(); err != nil {
		return dp.WrapKeyErr(cfgKeyQuota, err)
	}

	if c.DryRun, err = dp.GetBool(cfgKeyDryRun); err != nil {
		return err
	}

	if c.Redis.Addr, err = dp.GetString(cfgKeyRedisAddr); err != nil {
		return err
	}
	if c.Redis.Password, err = dp.GetString(cfgKeyRedisPassword); err != nil {
		return err
	}
	if c.Redis.DB, err = dp.GetInt(cfgKeyRedisDB); err != nil {
		return err
	}
	var timeout time.Duration
	if timeout, err = dp.GetDuration(cfgKeyRedisTimeout); err != nil {
		return err
	}
	c.Redis.Timeout = config.TimeDuration(timeout)
	if c.Redis.KeyPrefix, err = dp.GetString(cfgKeyRedisKeyPrefix); err != nil {
		return err
	}
	if c.Backend == BackendTypeRedis && c.Redis.Addr == "" {
		return dp.WrapKeyErr(cfgKeyRedisAddr,
			fmt.Errorf("cannot be empty when %q backend is used", BackendTypeRedis))
	}

	return nil
}

// NewLimiterFromConfig creates a new Limiter together with its backend
// according to the passed configuration. The returned close function
// releases resources owned by the limiter (the Redis client for the redis
// backend) and must be called when the limiter is no longer needed.
func NewLimiterFromConfig(cfg *Config, opts LimiterOpts) (*Limiter, func() error, error) {
	switch cfg.Backend {
	case BackendTypeInMemory:
		return NewLimiterWithOpts(NewMemoryBackend(), opts), func() error { return nil }, nil
	case BackendTypeRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{cfg.Redis.Addr},
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  time.Duration(cfg.Redis.Timeout),
			ReadTimeout:  time.Duration(cfg.Redis.Timeout),
			WriteTimeout: time.Duration(cfg.Redis.Timeout),
		})
		backend := NewRedisBackendWithOpts(client, RedisBackendOpts{KeyPrefix: cfg.Redis.KeyPrefix})
		return NewLimiterWithOpts(backend, opts), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend type %q", cfg.Backend)
	}
}
