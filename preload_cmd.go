package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dgnsrekt/ambient/internal/cache"
	"github.com/dgnsrekt/ambient/internal/session"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	concurrency int

	preloadCmd = &cobra.Command{
		Use:   "preload SESSION",
		Short: "Load every track of a session into the cache",
		Long: paragraph(fmt.Sprintf("\n%s and decode every track a session references, then report what was cached. "+
			"With a disk or redis store configured the encoded bytes are kept for later runs.", keyword("Fetch"))),
		Example: paragraph("ambient preload forest.yml\nambient preload forest.yml --concurrency 6"),
		Args:    cobra.ExactArgs(1),
		RunE:    runPreload,
	}
)

func runPreload(cmd *cobra.Command, args []string) error {
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

	// every locator must fit so the report covers the whole session
	c := cfg
	if n := countTracks(doc); n > c.Cache.MaxEntries {
		c.Cache.MaxEntries = n
	}
	rt, err := newRuntime(ctx, c, filepath.Dir(path))
	if err != nil {
		return err
	}
	defer rt.Close() //nolint:errcheck

	if err := rt.engine.RegisterCollection(doc.Collection()); err != nil {
		return fmt.Errorf("unable to register collection: %w", err)
	}

	n := concurrency
	if n <= 0 {
		n = cfg.Cache.PreloadConcurrency
	}
	results := rt.engine.Preload(ctx, n, nil)
	failed := printPreload(cmd.OutOrStdout(), results, rt.buffers.Stats())
	if failed > 0 {
		return fmt.Errorf("%d of %d tracks failed to load", failed, len(results))
	}
	return nil
}

// printPreload writes one row per locator and returns the number of
// failures.
func printPreload(w io.Writer, results map[string]cache.Result, stats cache.Stats) int {
	locators := make([]string, 0, len(results))
	for loc := range results {
		locators = append(locators, loc)
	}
	slices.Sort(locators)

	failed := 0
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCATOR\tDURATION\tSIZE\tSTATUS")
	for _, loc := range locators {
		r := results[loc]
		if r.Err != nil {
			failed++
			fmt.Fprintf(tw, "%s\t-\t-\t%v\n", loc, r.Err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\tok\n", loc, r.Entry.Duration.Round(time.Millisecond), humanize.IBytes(uint64(r.Entry.Size))) //nolint:gosec
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\n%d/%d buffers, %s in memory\n", stats.Entries, stats.MaxEntries, humanize.IBytes(uint64(stats.ApproxBytes))) //nolint:gosec
	return failed
}

func countTracks(doc *session.Document) int {
	n := 0
	for _, tracks := range doc.Layers {
		for _, t := range tracks {
			n += len(t.Flatten())
		}
	}
	return n
}

func init() {
	preloadCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "parallel loads (default from config)")
}
