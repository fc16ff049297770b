package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ambient/internal/audio"
	"github.com/dgnsrekt/ambient/internal/audio/mixer"
	"github.com/dgnsrekt/ambient/internal/cache"
	"github.com/dgnsrekt/ambient/internal/config"
	"github.com/dgnsrekt/ambient/internal/engine"
	"github.com/dgnsrekt/ambient/internal/source"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
)

// runtime owns everything a command builds on top of the configuration.
type runtime struct {
	cfg    config.Config
	logger *log.Logger

	mixer   *mixer.Mixer
	output  *audio.Output
	store   cache.Store
	buffers *cache.BufferCache
	engine  *engine.Engine
}

// newRuntime builds the mixer, the buffer cache and the engine. Relative
// track locators resolve against root.
func newRuntime(ctx context.Context, cfg config.Config, root string) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: log.Default()}

	m, err := mixer.New(cfg.Mixer())
	if err != nil {
		return nil, fmt.Errorf("unable to create mixer: %w", err)
	}
	rt.mixer = m

	fetcher, err := newFetcher(cfg, root)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	opts := []cache.Option{cache.WithLogger(rt.logger)}
	store, err := newStore(ctx, cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	if store != nil {
		rt.store = store
		opts = append(opts, cache.WithStore(store))
	}
	rt.buffers = cache.New(fetcher, m, cfg.Cache.Config, opts...)

	e, err := engine.New(m, rt.buffers, cfg.Engine(), engine.WithLogger(rt.logger))
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("unable to create engine: %w", err)
	}
	rt.engine = e
	return rt, nil
}

// newFetcher routes bare paths and file:// to the file system, http(s) to
// the web and, when an endpoint is configured, s3:// and minio:// to object
// storage.
func newFetcher(cfg config.Config, root string) (source.Fetcher, error) {
	files := &source.File{Root: root}
	r := source.NewRouter(files)
	r.Handle(files, "file")
	r.Handle(source.NewHTTP(cfg.Cache.FetchTimeout), "http", "https")

	if cfg.MinIO.Endpoint != "" {
		m, err := source.NewMinIO(cfg.MinIOSource())
		if err != nil {
			return nil, fmt.Errorf("unable to create object storage client: %w", err)
		}
		r.Handle(m, "s3", "minio")
	}
	return r, nil
}

// newStore opens the configured second-level byte store, or returns nil.
func newStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	switch cfg.Cache.Store {
	case config.StoreDisk:
		dir := cfg.Cache.Dir
		if dir == "" {
			d, err := gap.NewScope(gap.User, "ambient").CacheDir()
			if err != nil {
				return nil, fmt.Errorf("unable to find cache directory: %w", err)
			}
			dir = filepath.Join(d, "audio")
		}
		dir, err := homedir.Expand(dir)
		if err != nil {
			return nil, fmt.Errorf("unable to expand cache directory: %w", err)
		}
		ds, err := cache.NewDiskStore(dir, cfg.Cache.DiskSize, cfg.Cache.Compression)
		if err != nil {
			return nil, fmt.Errorf("unable to open disk cache: %w", err)
		}
		return ds, nil
	case config.StoreRedis:
		rs, err := cache.NewRedisStore(ctx, cfg.RedisStore())
		if err != nil {
			return nil, fmt.Errorf("unable to connect to redis: %w", err)
		}
		return rs, nil
	default:
		return nil, nil
	}
}

// startOutput opens the audio device and plays the mix through it.
func (rt *runtime) startOutput() error {
	out, err := audio.NewOutput(rt.cfg.Output())
	if err != nil {
		return fmt.Errorf("unable to open audio device: %w", err)
	}
	if err := out.Start(rt.mixer.Reader(rt.cfg.Output().Channels)); err != nil {
		_ = out.Close()
		return fmt.Errorf("unable to start playback: %w", err)
	}
	rt.output = out
	return nil
}

// Close tears down in reverse order of construction.
func (rt *runtime) Close() error {
	var errs []error
	if rt.output != nil {
		errs = append(errs, rt.output.Close())
	}
	if rt.engine != nil {
		errs = append(errs, rt.engine.Close())
	}
	if rt.buffers != nil {
		errs = append(errs, rt.buffers.Close())
	} else if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.mixer != nil {
		errs = append(errs, rt.mixer.Close())
	}
	return errors.Join(errs...)
}
