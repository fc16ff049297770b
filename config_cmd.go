package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# Software mixer and audio device
audio:
  # render rate; decoded tracks are resampled to it (44100 or 48000)
  sample_rate: 44100
  # device buffer in bytes
  buffer_size: 8192
  # resampling quality, 1-64
  quality: 4

# Decoded buffer cache
cache:
  max_entries: 24
  fetch_timeout: "15s"
  preload_concurrency: 3
  # second-level store for encoded bytes: none, disk or redis
  store: "none"
  # dir: "~/.cache/ambient/audio"
  disk_size: 536870912
  # zstd level, 1-4
  compression: 3
  redis:
    addr: "localhost:6379"
    # password: ""
    db: 0
    ttl: "24h"
    prefix: "ambient:audio:"

# Layer volumes
gain:
  default_volume: 0.8
  transition: "100ms"
  fade_interval: "50ms"

# Track changes within a layer
crossfade:
  default_duration: "3s"
  min_duration: "50ms"
  max_duration: "30s"
  tick_interval: "50ms"

# Session clock
timeline:
  # 0 runs without an end
  duration: "60m"
  tick_interval: "50ms"
  min_update_interval: "30ms"
  # progress notifications per second
  progress_rate: 4
  phase_transition: "5s"

# Object storage for s3:// and minio:// locators
minio:
  # endpoint: "localhost:9000"
  # access_key: ""
  # secret_key: ""
  # region: "us-east-1"
  use_ssl: false

# HTTP control surface
server:
  addr: "127.0.0.1:8390"
  read_timeout: "10s"
  write_timeout: "10s"

log:
  # debug, info, warn or error
  level: "info"
  # file: "~/.cache/ambient/ambient.log"
  # rotation, in megabytes and days
  max_size: 10
  max_backups: 3
  max_age: 28
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the ambient config file",
	Long:    paragraph(fmt.Sprintf("\n%s the ambient config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("ambient config\nambient config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Ambient", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
