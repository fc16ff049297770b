package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Load resolves the full configuration: defaults, then keys set in v, then
// the environment. The result is validated.
func Load(v *viper.Viper) (Config, error) {
	cfg, err := LoadFromViper(v)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromViper starts from DefaultConfig and copies every key set in v.
// A nil v reads the global viper instance.
func LoadFromViper(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.GetViper()
	}
	cfg := DefaultConfig()
	l := loader{v: v}

	// Audio settings
	l.getInt("audio.sample_rate", &cfg.Audio.SampleRate)
	l.getInt("audio.buffer_size", &cfg.Audio.BufferSize)
	l.getInt("audio.quality", &cfg.Audio.Quality)

	// Buffer cache
	l.getInt("cache.max_entries", &cfg.Cache.MaxEntries)
	l.getDuration("cache.fetch_timeout", &cfg.Cache.FetchTimeout)
	l.getInt("cache.preload_concurrency", &cfg.Cache.PreloadConcurrency)
	l.getString("cache.store", &cfg.Cache.Store)
	l.getString("cache.dir", &cfg.Cache.Dir)
	l.getInt64("cache.disk_size", &cfg.Cache.DiskSize)
	l.getInt("cache.compression", &cfg.Cache.Compression)
	l.getString("cache.redis.addr", &cfg.Cache.Redis.Addr)
	l.getString("cache.redis.password", &cfg.Cache.Redis.Password)
	l.getInt("cache.redis.db", &cfg.Cache.Redis.DB)
	l.getDuration("cache.redis.ttl", &cfg.Cache.Redis.TTL)
	l.getString("cache.redis.prefix", &cfg.Cache.Redis.Prefix)

	// Mixing
	l.getFloat("gain.default_volume", &cfg.Gain.DefaultVolume)
	l.getDuration("gain.transition", &cfg.Gain.Transition)
	l.getDuration("gain.fade_interval", &cfg.Gain.FadeInterval)
	l.getDuration("crossfade.default_duration", &cfg.Crossfade.DefaultDuration)
	l.getDuration("crossfade.min_duration", &cfg.Crossfade.MinDuration)
	l.getDuration("crossfade.max_duration", &cfg.Crossfade.MaxDuration)
	l.getDuration("crossfade.tick_interval", &cfg.Crossfade.TickInterval)

	// Timeline
	l.getDuration("timeline.duration", &cfg.Timeline.Duration)
	l.getDuration("timeline.tick_interval", &cfg.Timeline.TickInterval)
	l.getDuration("timeline.min_update_interval", &cfg.Timeline.MinUpdateInterval)
	l.getFloat("timeline.progress_rate", &cfg.Timeline.ProgressRate)
	l.getDuration("timeline.phase_transition", &cfg.Timeline.PhaseTransition)

	// Object storage
	l.getString("minio.endpoint", &cfg.MinIO.Endpoint)
	l.getString("minio.access_key", &cfg.MinIO.AccessKey)
	l.getString("minio.secret_key", &cfg.MinIO.SecretKey)
	l.getString("minio.region", &cfg.MinIO.Region)
	l.getBool("minio.use_ssl", &cfg.MinIO.UseSSL)

	// Control surface
	l.getString("server.addr", &cfg.Server.Addr)
	l.getDuration("server.read_timeout", &cfg.Server.ReadTimeout)
	l.getDuration("server.write_timeout", &cfg.Server.WriteTimeout)

	// Logging
	l.getString("log.level", &cfg.Log.Level)
	l.getString("log.file", &cfg.Log.File)
	l.getInt("log.max_size", &cfg.Log.MaxSize)
	l.getInt("log.max_backups", &cfg.Log.MaxBackups)
	l.getInt("log.max_age", &cfg.Log.MaxAge)

	return cfg, l.err
}

// loader copies set keys and keeps the first malformed duration.
type loader struct {
	v   *viper.Viper
	err error
}

func (l *loader) getString(key string, dst *string) {
	if l.v.IsSet(key) {
		*dst = l.v.GetString(key)
	}
}

func (l *loader) getInt(key string, dst *int) {
	if l.v.IsSet(key) {
		*dst = l.v.GetInt(key)
	}
}

func (l *loader) getInt64(key string, dst *int64) {
	if l.v.IsSet(key) {
		*dst = l.v.GetInt64(key)
	}
}

func (l *loader) getFloat(key string, dst *float64) {
	if l.v.IsSet(key) {
		*dst = l.v.GetFloat64(key)
	}
}

func (l *loader) getBool(key string, dst *bool) {
	if l.v.IsSet(key) {
		*dst = l.v.GetBool(key)
	}
}

func (l *loader) getDuration(key string, dst *time.Duration) {
	if !l.v.IsSet(key) {
		return
	}
	d, err := time.ParseDuration(l.v.GetString(key))
	if err != nil {
		if l.err == nil {
			l.err = fmt.Errorf("%s: %w", key, err)
		}
		return
	}
	*dst = d
}
