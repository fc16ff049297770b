package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dgnsrekt/ambient/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	silent bool

	serveCmd = &cobra.Command{
		Use:   "serve [SESSION]",
		Short: "Control the mixer over HTTP",
		Long: paragraph(fmt.Sprintf("\n%s the HTTP control surface and websocket notification stream. "+
			"With a session file its collection, phases and events are loaded but the timeline waits for a start request.", keyword("Serve"))),
		Example: paragraph("ambient serve\nambient serve forest.yml --addr 0.0.0.0:8390"),
		Args:    cobra.MaximumNArgs(1),
		RunE:    runServe,
	}
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var path string
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("unable to get working directory: %w", err)
	}
	if len(args) == 1 {
		if path, err = sessionPath(args[0]); err != nil {
			return err
		}
		root = filepath.Dir(path)
	}

	rt, err := newRuntime(ctx, cfg, root)
	if err != nil {
		return err
	}
	defer rt.Close() //nolint:errcheck

	if !silent {
		if err := rt.startOutput(); err != nil {
			return err
		}
	}

	if path != "" {
		doc, err := session.Load(path)
		if err != nil {
			return err //nolint:wrapcheck
		}
		if err := session.Apply(ctx, rt.engine, doc, rt.logger); err != nil {
			return fmt.Errorf("unable to apply session: %w", err)
		}
	}

	return runHost(ctx, rt, hostOptions{path: path, server: true})
}

func init() {
	serveCmd.Flags().StringP("addr", "a", "", "listen address (default from config)")
	serveCmd.Flags().BoolVar(&silent, "silent", false, "mix without opening the audio device")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "don't reload the session file when it changes")

	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}
