// Package console is the interactive command line of a running session.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chzyer/readline"
	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/engine"
	"github.com/dgnsrekt/ambient/internal/gain"
	"github.com/dgnsrekt/ambient/internal/timeline"
	"github.com/dustin/go-humanize"
)

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("quit")

const help = `commands:
  layers                          show every layer
  track   LAYER TRACK [DURATION]  crossfade a layer to a track
  volume  LAYER VALUE [RAMP]      set a layer volume, 0 to 1
  fade    LAYER VALUE DURATION    fade a layer volume
  mute    LAYER                   mute a layer
  unmute  LAYER                   unmute a layer
  solo    LAYER                   toggle solo on a layer
  start | stop | pause | resume   control the timeline
  seek    TIME|PERCENT%           jump to a point in the session
  phase   ID [now]                apply a phase
  status                          show the timeline
  cache                           show buffer cache statistics
  reset                           reset mix and timeline
  quit`

// Console runs commands against an engine.
type Console struct {
	engine *engine.Engine
	out    io.Writer
	logger *log.Logger
}

// New creates a console writing its replies to out.
func New(e *engine.Engine, out io.Writer, logger *log.Logger) *Console {
	if logger == nil {
		logger = log.Default()
	}
	return &Console{engine: e, out: out, logger: logger.WithPrefix("console")}
}

// Run reads commands until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ambient> ",
		AutoComplete:    c.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}
	defer rl.Close() //nolint:errcheck
	c.out = rl.Stdout()

	go func() {
		<-ctx.Done()
		rl.Close() //nolint:errcheck
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			// EOF or closed by ctx
			return nil
		}
		if err := c.Execute(ctx, line); err != nil {
			if errors.Is(err, ErrQuit) {
				return nil
			}
			fmt.Fprintln(c.out, "error:", err)
		}
	}
}

func (c *Console) completer() readline.AutoCompleter {
	layers := func(string) []string {
		out := make([]string, 0, ambient.LayerCount)
		for _, id := range ambient.Layers() {
			out = append(out, strconv.Itoa(int(id)))
		}
		return out
	}
	phases := func(string) []string {
		var ids []string
		for _, p := range c.engine.Timeline().Phases() {
			ids = append(ids, p.ID)
		}
		return ids
	}
	tracks := func(line string) []string {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil
		}
		id, err := ambient.ParseLayer(fields[1])
		if err != nil {
			return nil
		}
		catalog, _ := c.engine.Catalog(id)
		out := make([]string, 0, len(catalog))
		for _, t := range catalog {
			out = append(out, t.ID)
		}
		return out
	}

	layerCmd := func(name string) readline.PrefixCompleterInterface {
		return readline.PcItem(name, readline.PcItemDynamic(layers))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("layers"),
		readline.PcItem("track", readline.PcItemDynamic(layers, readline.PcItemDynamic(tracks))),
		layerCmd("volume"), layerCmd("fade"), layerCmd("mute"), layerCmd("unmute"), layerCmd("solo"),
		readline.PcItem("start"), readline.PcItem("stop"), readline.PcItem("pause"), readline.PcItem("resume"),
		readline.PcItem("seek"),
		readline.PcItem("phase", readline.PcItemDynamic(phases)),
		readline.PcItem("status"), readline.PcItem("cache"), readline.PcItem("reset"),
		readline.PcItem("help"), readline.PcItem("quit"),
	)
}

// Execute runs one command line.
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		fmt.Fprintln(c.out, help)
		return nil
	case "quit", "exit", "q":
		return ErrQuit
	case "layers", "ls":
		c.printLayers()
		return nil
	case "status":
		c.printStatus()
		return nil
	case "cache":
		c.printCache()
		return nil
	case "reset":
		c.engine.Reset()
		fmt.Fprintln(c.out, "reset")
		return nil
	case "start", "stop", "pause", "resume":
		return c.timeline(cmd)
	case "seek":
		return c.seek(args)
	case "phase":
		return c.phase(ctx, args)
	}

	if len(args) == 0 {
		return ambient.InvalidParameter("unknown command %q, try help", cmd)
	}
	layer, err := ambient.ParseLayer(args[0])
	if err != nil {
		return err
	}
	args = args[1:]

	switch cmd {
	case "track":
		return c.track(layer, args)
	case "volume", "vol":
		return c.volume(layer, args)
	case "fade":
		return c.fade(ctx, layer, args)
	case "mute":
		return c.engine.Mute(layer)
	case "unmute":
		return c.engine.Unmute(layer)
	case "solo":
		solo, err := c.engine.ToggleSolo(layer)
		if err == nil {
			fmt.Fprintf(c.out, "%s solo %s\n", layer, onOff(solo))
		}
		return err
	}
	return ambient.InvalidParameter("unknown command %q, try help", cmd)
}

func (c *Console) track(layer ambient.LayerID, args []string) error {
	if len(args) == 0 {
		return ambient.InvalidParameter("usage: track LAYER TRACK [DURATION]")
	}
	var d time.Duration
	if len(args) > 1 {
		var err error
		if d, err = parseDuration(args[1]); err != nil {
			return err
		}
	}
	// the crossfade runs in the background
	if _, err := c.engine.ChangeTrack(context.Background(), layer, args[0], engine.ChangeOptions{Duration: d}); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s -> %s\n", layer, args[0])
	return nil
}

func (c *Console) volume(layer ambient.LayerID, args []string) error {
	if len(args) == 0 {
		return ambient.InvalidParameter("usage: volume LAYER VALUE [RAMP]")
	}
	v, err := parseVolume(args[0])
	if err != nil {
		return err
	}
	opts := gain.SetOptions{}
	if len(args) > 1 {
		if opts.Transition, err = parseDuration(args[1]); err != nil {
			return err
		}
	}
	return c.engine.SetVolume(layer, v, opts)
}

func (c *Console) fade(ctx context.Context, layer ambient.LayerID, args []string) error {
	if len(args) < 2 {
		return ambient.InvalidParameter("usage: fade LAYER VALUE DURATION")
	}
	v, err := parseVolume(args[0])
	if err != nil {
		return err
	}
	d, err := parseDuration(args[1])
	if err != nil {
		return err
	}
	go func() {
		err := c.engine.Fade(ctx, layer, v, d, nil)
		if err != nil && !errors.Is(err, ambient.ErrCanceled) {
			c.logger.Warn("fade failed", "layer", layer, "err", err)
		}
	}()
	return nil
}

func (c *Console) timeline(cmd string) error {
	tl := c.engine.Timeline()
	var err error
	switch cmd {
	case "start":
		err = tl.Start(timeline.StartOptions{})
	case "stop":
		tl.Stop()
	case "pause":
		err = tl.Pause()
	case "resume":
		err = tl.Resume()
	}
	if err == nil {
		c.printStatus()
	}
	return err
}

func (c *Console) seek(args []string) error {
	if len(args) == 0 {
		return ambient.InvalidParameter("usage: seek TIME|PERCENT%%")
	}
	tl := c.engine.Timeline()
	var err error
	if p, ok := strings.CutSuffix(args[0], "%"); ok {
		var percent float64
		if percent, err = strconv.ParseFloat(p, 64); err != nil {
			return ambient.InvalidParameter("bad percent %q", args[0])
		}
		err = tl.SeekToPercent(percent)
	} else {
		var at time.Duration
		if at, err = parseDuration(args[0]); err != nil {
			return err
		}
		err = tl.SeekTo(at)
	}
	if err == nil {
		c.printStatus()
	}
	return err
}

func (c *Console) phase(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return ambient.InvalidParameter("usage: phase ID [now]")
	}
	tl := c.engine.Timeline()
	opts := timeline.ApplyOptions{Duration: tl.PhaseTransition()}
	if len(args) > 1 && args[1] == "now" {
		opts = timeline.ApplyOptions{Immediate: true}
	}
	return tl.ApplyPhase(ctx, args[0], opts)
}

func (c *Console) printLayers() {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAYER\tTRACK\tVOLUME\tSTATE\tCROSSFADE")
	for _, l := range c.engine.Layers() {
		state := "-"
		switch {
		case l.Solo:
			state = "solo"
		case l.Muted:
			state = "muted"
		}
		track := l.Track
		if track == "" {
			track = "-"
		}
		xf := l.Crossfade
		if l.Incoming != "" {
			xf = fmt.Sprintf("%s -> %s %.0f%%", xf, l.Incoming, l.Progress*100)
		}
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\t%s\n", int(l.Layer), track, l.Volume, state, xf)
	}
	tw.Flush() //nolint:errcheck
}

func (c *Console) printStatus() {
	st := c.engine.Timeline().Status()
	phase := st.Phase
	if phase == "" {
		phase = "-"
	}
	fmt.Fprintf(c.out, "%s %s / %s (%.1f%%) phase %s\n",
		st.State, st.Elapsed.Truncate(time.Second), st.Duration, st.Progress*100, phase)
}

func (c *Console) printCache() {
	s := c.engine.Buffers().Stats()
	fmt.Fprintf(c.out, "%d/%d buffers, %d pinned, %s, hit rate %.0f%%, %d evictions\n",
		s.Entries, s.MaxEntries, s.Pinned, humanize.Bytes(uint64(max(s.ApproxBytes, 0))), s.HitRate*100, s.Evictions)
	for _, e := range c.engine.Buffers().Entries() {
		pin := ""
		if e.Pinned {
			pin = " (pinned)"
		}
		fmt.Fprintf(c.out, "  %s %s %s, used %s%s\n",
			e.Locator, humanize.Bytes(uint64(max(e.Size, 0))), e.Duration.Truncate(time.Second), humanize.Time(e.LastAccess), pin)
	}
}

func parseVolume(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ambient.InvalidParameter("bad volume %q", s)
	}
	return v, nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, ambient.InvalidParameter("bad duration %q", s)
	}
	return d, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
