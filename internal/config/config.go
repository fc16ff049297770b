// Package config holds the typed ambient configuration. Values resolve in
// order: defaults, the config file through viper, AMBIENT_* environment
// variables.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ambient/internal/audio"
	"github.com/dgnsrekt/ambient/internal/audio/mixer"
	"github.com/dgnsrekt/ambient/internal/cache"
	"github.com/dgnsrekt/ambient/internal/crossfade"
	"github.com/dgnsrekt/ambient/internal/engine"
	"github.com/dgnsrekt/ambient/internal/gain"
	"github.com/dgnsrekt/ambient/internal/source"
	"github.com/dgnsrekt/ambient/internal/timeline"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "AMBIENT_"

// Store kinds.
const (
	StoreNone  = "none"
	StoreDisk  = "disk"
	StoreRedis = "redis"
)

// Config contains all ambient configuration options.
type Config struct {
	Audio     AudioConfig      `yaml:"audio" envPrefix:"AUDIO_"`
	Cache     CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	Gain      gain.Config      `yaml:"gain" envPrefix:"GAIN_"`
	Crossfade crossfade.Config `yaml:"crossfade" envPrefix:"CROSSFADE_"`
	Timeline  timeline.Config  `yaml:"timeline" envPrefix:"TIMELINE_"`
	MinIO     MinIOConfig      `yaml:"minio" envPrefix:"MINIO_"`
	Server    ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Log       LogConfig        `yaml:"log" envPrefix:"LOG_"`
}

// AudioConfig contains mixer and device settings.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate" env:"SAMPLE_RATE"`
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"` // device buffer in bytes
	Quality    int `yaml:"quality" env:"QUALITY"`         // resampling quality, 1-64
}

// CacheConfig contains buffer cache and byte store settings.
type CacheConfig struct {
	cache.Config `yaml:",inline"`

	Store       string      `yaml:"store" env:"STORE"`
	Dir         string      `yaml:"dir" env:"DIR"`
	DiskSize    int64       `yaml:"disk_size" env:"DISK_SIZE"` // bytes
	Compression int         `yaml:"compression" env:"COMPRESSION"`
	Redis       RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig contains the shared byte store settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
}

// MinIOConfig contains object storage credentials for s3:// and minio://
// locators. An empty endpoint disables them.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Region    string `yaml:"region" env:"REGION"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
}

// ServerConfig contains the HTTP control surface settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// LogConfig contains logging settings. MaxSize is in megabytes and MaxAge in
// days, as lumberjack counts them.
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	File       string `yaml:"file" env:"FILE"`
	MaxSize    int    `yaml:"max_size" env:"MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"MAX_AGE"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Audio: AudioConfig{SampleRate: 44100, BufferSize: 8192, Quality: 4},
		Cache: CacheConfig{
			Config:      cache.DefaultConfig(),
			Store:       StoreNone,
			DiskSize:    512 << 20,
			Compression: 3,
			Redis:       RedisConfig{Addr: "localhost:6379", TTL: 24 * time.Hour, Prefix: "ambient:audio:"},
		},
		Gain:      gain.DefaultConfig(),
		Crossfade: crossfade.DefaultConfig(),
		Timeline:  timeline.DefaultConfig(),
		Server: ServerConfig{
			Addr:         "127.0.0.1:8390",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", MaxSize: 10, MaxBackups: 3, MaxAge: 28},
	}
}

// ApplyEnv overlays AMBIENT_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !slices.Contains([]int{44100, 48000}, c.Audio.SampleRate) {
		return fmt.Errorf("invalid sample rate %d: must be 44100 or 48000", c.Audio.SampleRate)
	}
	if c.Audio.BufferSize <= 0 {
		return fmt.Errorf("audio buffer size must be positive, got %d", c.Audio.BufferSize)
	}
	if c.Audio.Quality < 1 || c.Audio.Quality > 64 {
		return fmt.Errorf("resample quality must be between 1 and 64, got %d", c.Audio.Quality)
	}

	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache max_entries must be at least 1, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.FetchTimeout <= 0 {
		return fmt.Errorf("cache fetch_timeout must be positive, got %s", c.Cache.FetchTimeout)
	}
	if c.Cache.PreloadConcurrency < 1 {
		return fmt.Errorf("cache preload_concurrency must be at least 1, got %d", c.Cache.PreloadConcurrency)
	}
	c.Cache.Store = strings.ToLower(c.Cache.Store)
	switch c.Cache.Store {
	case "", StoreNone:
		c.Cache.Store = StoreNone
	case StoreDisk:
		if c.Cache.DiskSize <= 0 {
			return fmt.Errorf("cache disk_size must be positive, got %d", c.Cache.DiskSize)
		}
		if c.Cache.Compression < 0 || c.Cache.Compression > 22 {
			return fmt.Errorf("cache compression must be between 0 and 22, got %d", c.Cache.Compression)
		}
	case StoreRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache redis addr cannot be empty")
		}
	default:
		return fmt.Errorf("invalid cache store '%s': must be one of %v", c.Cache.Store, []string{StoreNone, StoreDisk, StoreRedis})
	}

	if c.Gain.DefaultVolume < 0 || c.Gain.DefaultVolume > 1 {
		return fmt.Errorf("gain default_volume must be between 0.0 and 1.0, got %f", c.Gain.DefaultVolume)
	}
	if c.Gain.Transition < 0 || c.Gain.FadeInterval <= 0 {
		return fmt.Errorf("gain transition and fade_interval must not be negative")
	}

	xf := c.Crossfade
	if xf.MinDuration <= 0 || xf.MaxDuration < xf.MinDuration {
		return fmt.Errorf("crossfade duration range %s-%s is empty", xf.MinDuration, xf.MaxDuration)
	}
	if xf.DefaultDuration < xf.MinDuration || xf.DefaultDuration > xf.MaxDuration {
		return fmt.Errorf("crossfade default_duration %s is outside %s-%s", xf.DefaultDuration, xf.MinDuration, xf.MaxDuration)
	}
	if xf.TickInterval <= 0 {
		return fmt.Errorf("crossfade tick_interval must be positive, got %s", xf.TickInterval)
	}

	tl := c.Timeline
	if tl.Duration < 0 {
		return fmt.Errorf("timeline duration must not be negative, got %s", tl.Duration)
	}
	if tl.TickInterval <= 0 || tl.MinUpdateInterval < 0 {
		return fmt.Errorf("timeline tick_interval must be positive and min_update_interval not negative")
	}
	if tl.ProgressRate <= 0 {
		return fmt.Errorf("timeline progress_rate must be positive, got %f", tl.ProgressRate)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server addr cannot be empty")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level '%s': %w", c.Log.Level, err)
	}
	return nil
}

// Engine returns the component settings of the engine.
func (c *Config) Engine() engine.Config {
	return engine.Config{Gain: c.Gain, Crossfade: c.Crossfade, Timeline: c.Timeline}
}

// Mixer returns the software mixer settings.
func (c *Config) Mixer() mixer.Config {
	return mixer.Config{SampleRate: c.Audio.SampleRate, Quality: c.Audio.Quality}
}

// Output returns the device settings.
func (c *Config) Output() audio.OutputConfig {
	out := audio.DefaultOutputConfig()
	out.SampleRate = c.Audio.SampleRate
	out.BufferSize = c.Audio.BufferSize
	return out
}

// RedisStore returns the redis byte store settings.
func (c *Config) RedisStore() cache.RedisConfig {
	r := c.Cache.Redis
	return cache.RedisConfig{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		TTL:      r.TTL,
		Prefix:   r.Prefix,
		Timeout:  c.Cache.FetchTimeout,
	}
}

// MinIOSource returns the object storage settings.
func (c *Config) MinIOSource() source.MinIOConfig {
	return source.MinIOConfig(c.MinIO)
}
