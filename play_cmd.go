package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/ambient/internal/console"
	"github.com/dgnsrekt/ambient/internal/engine"
	"github.com/dgnsrekt/ambient/internal/server"
	"github.com/dgnsrekt/ambient/internal/session"
	"github.com/dgnsrekt/ambient/internal/timeline"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var (
	serve     bool
	noConsole bool
	noWatch   bool
	startAt   time.Duration

	playCmd = &cobra.Command{
		Use:   "play SESSION",
		Short: "Play a session through the audio device",
		Long: paragraph(fmt.Sprintf("\n%s a session file. Its phases and events drive the four layers until the timeline completes. "+
			"On a terminal an interactive console controls the mix.", keyword("Play"))),
		Example: paragraph("ambient play forest.yml\nambient play forest.yml --at 10m --serve"),
		Args:    cobra.ExactArgs(1),
		RunE:    runPlay,
	}
)

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec
}

func sessionPath(arg string) (string, error) {
	p, err := homedir.Expand(arg)
	if err != nil {
		return "", fmt.Errorf("unable to expand path: %w", err)
	}
	p, err = filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("unable to get absolute path: %w", err)
	}
	return p, nil
}

func runPlay(cmd *cobra.Command, args []string) error {
	path, err := sessionPath(args[0])
	if err != nil {
		return err
	}
	doc, err := session.Load(path)
	if err != nil {
		return err //nolint:wrapcheck
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, filepath.Dir(path))
	if err != nil {
		return err
	}
	defer rt.Close() //nolint:errcheck

	if err := rt.startOutput(); err != nil {
		return err
	}
	if err := session.Apply(ctx, rt.engine, doc, rt.logger); err != nil {
		return fmt.Errorf("unable to apply session: %w", err)
	}

	tl := rt.engine.Timeline()
	if startAt > 0 {
		if err := tl.SeekTo(startAt); err != nil {
			return fmt.Errorf("unable to seek: %w", err)
		}
	}
	if err := tl.Start(timeline.StartOptions{}); err != nil {
		return fmt.Errorf("unable to start timeline: %w", err)
	}
	rt.logger.Info("Playing session", "path", path, "duration", tl.Duration())

	return runHost(ctx, rt, hostOptions{
		path:           path,
		console:        !noConsole && stdinIsTerminal(),
		server:         serve,
		exitOnComplete: true,
	})
}

type hostOptions struct {
	path           string // session file to watch
	console        bool
	server         bool
	exitOnComplete bool
}

// runHost runs the surfaces around the engine until the console quits or
// ctx is done.
func runHost(ctx context.Context, rt *runtime, opts hostOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	completed := timeline.Completed.String()
	unsubscribe := rt.engine.Subscribe(func(n engine.Notification) {
		if opts.exitOnComplete && n.Source == engine.SourceTimeline && n.Kind == completed {
			rt.logger.Info("Session completed")
			cancel()
		}
	})
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)

	if path := opts.path; path != "" && !noWatch {
		g.Go(func() error {
			return session.Watch(ctx, path, rt.logger, func(doc *session.Document, err error) {
				if err != nil {
					rt.logger.Warn("Session reload failed", "path", path, "err", err)
					return
				}
				if err := session.Reload(ctx, rt.engine, doc, rt.logger); err != nil {
					rt.logger.Warn("Session reload failed", "path", path, "err", err)
					return
				}
				rt.logger.Info("Session reloaded", "path", path)
			})
		})
	}

	if opts.server {
		srv := server.New(rt.engine, cfg.Server, server.WithLogger(rt.logger))
		defer srv.Close()
		g.Go(func() error { return srv.ListenAndServe(ctx) })
	}

	if opts.console {
		g.Go(func() error {
			defer cancel()
			return console.New(rt.engine, os.Stdout, rt.logger).Run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait() //nolint:wrapcheck
}

func init() {
	playCmd.Flags().BoolVar(&serve, "serve", false, "serve the HTTP control surface while playing")
	playCmd.Flags().BoolVar(&noConsole, "no-console", false, "don't start the interactive console")
	playCmd.Flags().BoolVar(&noWatch, "no-watch", false, "don't reload the session file when it changes")
	playCmd.Flags().DurationVar(&startAt, "at", 0, "start position within the session")
}
