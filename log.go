package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ambient/internal/config"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, "ambient").CacheDir()
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	return filepath.Join(dir, "ambient.log"), nil
}

// fileOnlyLogging reports whether cmd owns the terminal, in which case log
// lines would tear through the console prompt.
func fileOnlyLogging(cmd *cobra.Command) bool {
	return cmd.Name() == playCmd.Name() && !noConsole && stdinIsTerminal()
}

// setupLog configures the default logger. With fileOnly set, or when a log
// file is configured, records go to a rotated file.
func setupLog(c config.LogConfig, fileOnly bool) (func() error, error) {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", c.Level, err)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	path := c.File
	if path == "" && fileOnly {
		if path, err = getLogFilePath(); err != nil {
			return nil, fmt.Errorf("unable to find log directory: %w", err)
		}
	}
	if path == "" {
		log.SetOutput(os.Stderr)
		return func() error { return nil }, nil
	}

	if path, err = homedir.Expand(path); err != nil {
		return nil, fmt.Errorf("unable to expand log path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("unable to create log directory: %w", err)
	}

	f := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   true,
	}
	if fileOnly {
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	return f.Close, nil
}
