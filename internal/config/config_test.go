package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
	if cfg.Cache.Store != StoreNone {
		t.Errorf("default store = %q, want none", cfg.Cache.Store)
	}
	if got := cfg.Engine().Crossfade.DefaultDuration; got != 3*time.Second {
		t.Errorf("default crossfade = %s", got)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"sample rate", func(c *Config) { c.Audio.SampleRate = 22050 }, "invalid sample rate"},
		{"quality", func(c *Config) { c.Audio.Quality = 65 }, "resample quality"},
		{"max entries", func(c *Config) { c.Cache.MaxEntries = 0 }, "max_entries"},
		{"fetch timeout", func(c *Config) { c.Cache.FetchTimeout = 0 }, "fetch_timeout"},
		{"unknown store", func(c *Config) { c.Cache.Store = "s3" }, "invalid cache store"},
		{"disk without size", func(c *Config) { c.Cache.Store = "disk"; c.Cache.DiskSize = 0 }, "disk_size"},
		{"redis without addr", func(c *Config) { c.Cache.Store = "redis"; c.Cache.Redis.Addr = "" }, "redis addr"},
		{"store case", func(c *Config) { c.Cache.Store = "DISK" }, ""},
		{"default volume", func(c *Config) { c.Gain.DefaultVolume = 1.5 }, "default_volume"},
		{"crossfade range", func(c *Config) { c.Crossfade.MaxDuration = time.Millisecond }, "range"},
		{"crossfade default", func(c *Config) { c.Crossfade.DefaultDuration = time.Minute }, "default_duration"},
		{"timeline duration", func(c *Config) { c.Timeline.Duration = -time.Second }, "timeline duration"},
		{"progress rate", func(c *Config) { c.Timeline.ProgressRate = 0 }, "progress_rate"},
		{"server addr", func(c *Config) { c.Server.Addr = "" }, "server addr"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func readYAML(t *testing.T, doc string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(doc)); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestLoadFromViper(t *testing.T) {
	v := readYAML(t, `
audio:
  sample_rate: 48000
cache:
  max_entries: 40
  fetch_timeout: 30s
  store: redis
  redis:
    addr: cache:6379
    ttl: 1h
crossfade:
  default_duration: 5s
timeline:
  duration: 90m
  progress_rate: 2
minio:
  endpoint: s3.local:9000
  use_ssl: true
log:
  level: debug
`)
	cfg, err := LoadFromViper(v)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Audio.SampleRate != 48000 || cfg.Audio.Quality != 4 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Cache.MaxEntries != 40 || cfg.Cache.FetchTimeout != 30*time.Second {
		t.Errorf("cache = %+v", cfg.Cache.Config)
	}
	if r := cfg.RedisStore(); r.Addr != "cache:6379" || r.TTL != time.Hour || r.Prefix != "ambient:audio:" {
		t.Errorf("redis = %+v", r)
	}
	if cfg.Crossfade.DefaultDuration != 5*time.Second || cfg.Crossfade.MaxDuration != 30*time.Second {
		t.Errorf("crossfade = %+v", cfg.Crossfade)
	}
	if cfg.Timeline.Duration != 90*time.Minute || cfg.Timeline.ProgressRate != 2 {
		t.Errorf("timeline = %+v", cfg.Timeline)
	}
	if m := cfg.MinIOSource(); m.Endpoint != "s3.local:9000" || !m.UseSSL {
		t.Errorf("minio = %+v", m)
	}
	if cfg.Output().SampleRate != 48000 || cfg.Mixer().SampleRate != 48000 {
		t.Error("sample rate not propagated")
	}
}

func TestLoadFromViperBadDuration(t *testing.T) {
	v := readYAML(t, "gain:\n  transition: soon\n")
	if _, err := LoadFromViper(v); err == nil || !strings.Contains(err.Error(), "gain.transition") {
		t.Errorf("LoadFromViper = %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("AMBIENT_CACHE_MAX_ENTRIES", "12")
	t.Setenv("AMBIENT_CACHE_REDIS_DB", "3")
	t.Setenv("AMBIENT_GAIN_DEFAULT_VOLUME", "0.5")
	t.Setenv("AMBIENT_TIMELINE_DURATION", "45m")
	t.Setenv("AMBIENT_LOG_LEVEL", "warn")

	v := readYAML(t, "cache:\n  max_entries: 40\nlog:\n  level: debug\n")
	cfg, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.MaxEntries != 12 {
		t.Errorf("max entries = %d, want env value", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.Redis.DB != 3 {
		t.Errorf("redis db = %d", cfg.Cache.Redis.DB)
	}
	if cfg.Gain.DefaultVolume != 0.5 {
		t.Errorf("default volume = %v", cfg.Gain.DefaultVolume)
	}
	if cfg.Timeline.Duration != 45*time.Minute {
		t.Errorf("duration = %s", cfg.Timeline.Duration)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	v := readYAML(t, "cache:\n  store: tape\n")
	if _, err := Load(v); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Load = %v", err)
	}
}
