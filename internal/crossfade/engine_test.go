package crossfade

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/audio"
	"github.com/dgnsrekt/ambient/internal/graph"
)

type fixedVolume float64

func (v fixedVolume) Volume(ambient.LayerID) float64 { return float64(v) }

type fixture struct {
	sink   *audio.MockSink
	router *graph.Router
	output audio.GainNode
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sink := audio.NewMockSink()
	r := graph.New(sink)
	out, _ := sink.NewGain(0.8)
	if err := r.BindLayer(1, out); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.MinDuration = 10 * time.Millisecond
	return &fixture{sink: sink, router: r, output: out, engine: New(r, fixedVolume(0.8), cfg)}
}

// source creates a node lasting n milliseconds.
func (f *fixture) source(t *testing.T, n int) audio.SourceNode {
	t.Helper()
	buf, err := f.sink.Decode(bytes.Repeat([]byte("a"), n))
	if err != nil {
		t.Fatal(err)
	}
	src, err := f.sink.NewSource(buf)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

// playing creates a started node routed to layer 1.
func (f *fixture) playing(t *testing.T, n int) audio.SourceNode {
	t.Helper()
	src := f.source(t, n)
	src.Start(0)
	if err := f.router.RouteToLayer(1, src); err != nil {
		t.Fatal(err)
	}
	return src
}

func wait(t *testing.T, tr *Transition) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := tr.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("transition did not finish")
	}
	return err
}

func TestCrossfadeCompletes(t *testing.T) {
	f := newFixture(t)
	src := f.playing(t, 1000)
	dst := f.source(t, 1000)

	var mu sync.Mutex
	var progress []float64
	tr, err := f.engine.Begin(Request{
		Layer: 1, Source: src, SourceID: "rain", Target: dst, TargetID: "wind",
		Duration: 60 * time.Millisecond,
		OnProgress: func(p float64) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !f.engine.IsActive(1) || f.engine.State(1) != Fading {
		t.Errorf("state = %s", f.engine.State(1))
	}
	if !dst.Playing() {
		t.Error("target not started")
	}

	if err := wait(t, tr); err != nil {
		t.Fatalf("transition error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
	if len(progress) == 0 || progress[len(progress)-1] != 1 {
		t.Errorf("final progress = %v, want exactly 1", progress)
	}

	if src.Playing() {
		t.Error("source still playing")
	}
	if !f.sink.ConnectedTo(dst, f.output) {
		t.Error("target not on layer output")
	}
	if f.engine.IsActive(1) {
		t.Error("layer still active")
	}
	if f.router.Stages() != 0 {
		t.Errorf("%d stages left behind", f.router.Stages())
	}
}

func TestBeginCancelsPrevious(t *testing.T) {
	f := newFixture(t)
	a := f.playing(t, 1000)
	b := f.source(t, 1000)
	c := f.source(t, 1000)

	first, err := f.engine.Begin(Request{Layer: 1, Source: a, SourceID: "a", Target: b, TargetID: "b", Duration: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.engine.Begin(Request{Layer: 1, Source: b, SourceID: "b", Target: c, TargetID: "c", Duration: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	if err := wait(t, first); !errors.Is(err, ambient.ErrCanceled) {
		t.Errorf("first transition error = %v", err)
	}
	info, ok := f.engine.Active(1)
	if !ok || info.SourceID != "b" || info.TargetID != "c" {
		t.Errorf("active = %+v", info)
	}
	if f.router.Stages() != 2 {
		t.Errorf("stages = %d, want only the second transition's pair", f.router.Stages())
	}
	f.engine.Cancel(1, CancelOptions{})
	if err := wait(t, second); !errors.Is(err, ambient.ErrCanceled) {
		t.Errorf("second transition error = %v", err)
	}
}

func TestCancelStopsTicksAndReconnects(t *testing.T) {
	tests := []struct {
		name       string
		opts       CancelOptions
		wantSource bool
		wantTarget bool
	}{
		{"reconnect both", CancelOptions{}, true, true},
		{"suppress source", CancelOptions{SuppressSource: true}, false, true},
		{"suppress target", CancelOptions{SuppressTarget: true}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			src := f.playing(t, 1000)
			dst := f.source(t, 1000)

			var mu sync.Mutex
			ticks := 0
			tr, err := f.engine.Begin(Request{
				Layer: 1, Source: src, Target: dst, Duration: 5 * time.Second,
				OnProgress: func(float64) {
					mu.Lock()
					ticks++
					mu.Unlock()
				},
			})
			if err != nil {
				t.Fatal(err)
			}
			time.Sleep(35 * time.Millisecond)

			info, ok := f.engine.Cancel(1, tt.opts)
			if !ok || info.State != Fading {
				t.Fatalf("Cancel = %+v, %v", info, ok)
			}
			mu.Lock()
			seen := ticks
			mu.Unlock()

			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			if ticks != seen {
				t.Errorf("%d ticks after cancel", ticks-seen)
			}
			mu.Unlock()

			if !errors.Is(tr.Err(), ambient.ErrCanceled) {
				t.Errorf("Err() = %v", tr.Err())
			}
			if got := f.sink.ConnectedTo(src, f.output); got != tt.wantSource {
				t.Errorf("source on output = %v, want %v", got, tt.wantSource)
			}
			if got := f.sink.ConnectedTo(dst, f.output); got != tt.wantTarget {
				t.Errorf("target on output = %v, want %v", got, tt.wantTarget)
			}
			if f.router.Stages() != 0 {
				t.Errorf("%d stages left", f.router.Stages())
			}
			if _, ok := f.engine.Cancel(1, tt.opts); ok {
				t.Error("second Cancel found a transition")
			}
		})
	}
}

func TestSyncPosition(t *testing.T) {
	f := newFixture(t)
	now := time.Unix(1000, 0)
	f.sink.SetClock(func() time.Time { return now })

	src := f.playing(t, 1000)
	now = now.Add(250 * time.Millisecond)
	dst := f.source(t, 2000)

	_, err := f.engine.Begin(Request{Layer: 1, Source: src, Target: dst, Duration: time.Second, SyncPosition: true})
	if err != nil {
		t.Fatal(err)
	}
	defer f.engine.CancelAll(CancelOptions{})

	if got := dst.(*audio.MockSource).StartOffset(); got != 500*time.Millisecond {
		t.Errorf("target offset = %s, want 500ms", got)
	}
}

func TestGraphFailureRecovers(t *testing.T) {
	f := newFixture(t)
	src := f.playing(t, 1000)
	dst := f.source(t, 1000)

	dest, out := f.sink.Destination().ID(), f.output.ID()
	f.sink.ConnectHook = func(_ audio.Node, to audio.GainNode) error {
		if to.ID() != dest && to.ID() != out {
			return errors.New("stage unavailable")
		}
		return nil
	}

	var failed []error
	f.engine.Subscribe(func(e Event) {
		if e.Kind == Error {
			failed = append(failed, e.Err)
		}
	})

	tr, err := f.engine.Begin(Request{Layer: 1, Source: src, Target: dst, Duration: time.Second})
	if !errors.Is(err, ambient.ErrGraphConnection) {
		t.Fatalf("Begin error = %v", err)
	}
	if !errors.Is(tr.Err(), ambient.ErrGraphConnection) {
		t.Errorf("handle error = %v", tr.Err())
	}
	if !f.sink.ConnectedTo(src, f.output) || !f.sink.ConnectedTo(dst, f.output) {
		t.Error("nodes not recovered onto the layer output")
	}
	if f.engine.IsActive(1) || f.router.Stages() != 0 {
		t.Error("failed transition left state behind")
	}
	if len(failed) != 1 {
		t.Errorf("error events = %d", len(failed))
	}
}

func TestLoadingTransition(t *testing.T) {
	f := newFixture(t)
	src := f.playing(t, 1000)
	loaded := f.source(t, 1000)

	gate := make(chan struct{})
	tr, err := f.engine.Begin(Request{
		Layer: 1, Source: src, TargetID: "slow", Duration: 30 * time.Millisecond,
		Load: func(ctx context.Context) (audio.SourceNode, error) {
			<-gate
			return loaded, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.engine.State(1) != Loading {
		t.Errorf("state = %s, want loading", f.engine.State(1))
	}

	close(gate)
	if err := wait(t, tr); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if !f.sink.ConnectedTo(loaded, f.output) {
		t.Error("loaded target not on output")
	}
}

func TestLoadingCanceledBySecondBegin(t *testing.T) {
	f := newFixture(t)
	src := f.playing(t, 1000)
	late := f.source(t, 1000)
	next := f.source(t, 1000)

	gate := make(chan struct{})
	returned := make(chan struct{})
	first, _ := f.engine.Begin(Request{
		Layer: 1, Source: src, TargetID: "late",
		Load: func(ctx context.Context) (audio.SourceNode, error) {
			defer close(returned)
			<-gate
			return late, nil
		},
	})

	second, err := f.engine.Begin(Request{Layer: 1, Source: src, Target: next, TargetID: "next", Duration: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if err := wait(t, first); !errors.Is(err, ambient.ErrCanceled) {
		t.Errorf("first error = %v", err)
	}

	close(gate)
	<-returned
	time.Sleep(20 * time.Millisecond)
	if late.Playing() {
		t.Error("late target started after its transition was canceled")
	}
	if info, _ := f.engine.Active(1); info.TargetID != "next" {
		t.Errorf("active target = %q", info.TargetID)
	}
	f.engine.CancelAll(CancelOptions{})
	wait(t, second)
}

func TestLoadFailure(t *testing.T) {
	f := newFixture(t)
	src := f.playing(t, 1000)
	boom := ambient.LoadError("https://example.com/rain.ogg", errors.New("404"))

	tr, _ := f.engine.Begin(Request{
		Layer: 1, Source: src, TargetID: "rain",
		Load: func(context.Context) (audio.SourceNode, error) { return nil, boom },
	})
	if err := wait(t, tr); !errors.Is(err, ambient.ErrLoad) {
		t.Errorf("error = %v", err)
	}
	if f.engine.IsActive(1) {
		t.Error("failed load left the layer active")
	}
	if !f.sink.ConnectedTo(src, f.output) {
		t.Error("source lost its output")
	}
}

func TestAdjustVolume(t *testing.T) {
	f := newFixture(t)
	src := f.playing(t, 1000)
	dst := f.source(t, 1000)

	if f.engine.AdjustVolume(1, 0.5) {
		t.Error("AdjustVolume on an idle layer reported success")
	}

	_, err := f.engine.Begin(Request{Layer: 1, Source: src, Target: dst, Duration: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer f.engine.CancelAll(CancelOptions{})
	time.Sleep(30 * time.Millisecond)

	if !f.engine.AdjustVolume(1, 0.5) {
		t.Fatal("AdjustVolume reported no transition")
	}
	info, _ := f.engine.Active(1)
	p := info.Progress

	out := info.FadeOut.(*audio.MockGain)
	in := info.FadeIn.(*audio.MockGain)
	if out.Target() != 0 || in.Target() != 0.5 {
		t.Errorf("ramp targets = %v, %v", out.Target(), in.Target())
	}
	if math.Abs(out.Value()-0.5*(1-p)) > 0.01 {
		t.Errorf("fade-out value = %v, want about %v", out.Value(), 0.5*(1-p))
	}
	if math.Abs(in.Value()-0.5*p) > 0.01 {
		t.Errorf("fade-in value = %v, want about %v", in.Value(), 0.5*p)
	}
}

func TestCanceledEventCarriesProgress(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(f *fixture, t *testing.T)
	}{
		{"cancel", func(f *fixture, t *testing.T) { f.engine.Cancel(1, CancelOptions{}) }},
		{"cancel all", func(f *fixture, t *testing.T) { f.engine.CancelAll(CancelOptions{}) }},
		{"replaced by begin", func(f *fixture, t *testing.T) {
			if _, err := f.engine.Begin(Request{Layer: 1, Target: f.source(t, 1000), Duration: time.Second}); err != nil {
				t.Fatal(err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			src := f.playing(t, 1000)

			var mu sync.Mutex
			var got []float64
			f.engine.Subscribe(func(ev Event) {
				if ev.Kind == Canceled {
					mu.Lock()
					got = append(got, ev.Progress)
					mu.Unlock()
				}
			})

			tr, err := f.engine.Begin(Request{Layer: 1, Source: src, Target: f.source(t, 1000), Duration: time.Second})
			if err != nil {
				t.Fatal(err)
			}
			time.Sleep(45 * time.Millisecond)

			tt.cancel(f, t)
			if !errors.Is(wait(t, tr), ambient.ErrCanceled) {
				t.Fatalf("Err() = %v", tr.Err())
			}

			mu.Lock()
			defer mu.Unlock()
			if len(got) != 1 {
				t.Fatalf("canceled events = %v, want 1", got)
			}
			if got[0] <= 0 || got[0] >= 1 {
				t.Errorf("canceled progress = %v, want mid-fade", got[0])
			}
		})
	}
}

func TestCancelAll(t *testing.T) {
	f := newFixture(t)
	out2, _ := f.sink.NewGain(1)
	f.router.BindLayer(2, out2)

	f.engine.Begin(Request{Layer: 1, Target: f.source(t, 1000), Duration: 5 * time.Second})
	f.engine.Begin(Request{Layer: 2, Target: f.source(t, 1000), Duration: 5 * time.Second})

	if got := len(f.engine.Progress()); got != 2 {
		t.Errorf("Progress() has %d layers", got)
	}
	if n := f.engine.CancelAll(CancelOptions{}); n != 2 {
		t.Errorf("CancelAll = %d, want 2", n)
	}
	if f.engine.IsActive(1) || f.engine.IsActive(2) {
		t.Error("layers still active")
	}
}

func TestBeginRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown layer", Request{Layer: 5, Target: f.source(t, 10)}},
		{"no target", Request{Layer: 1}},
		{"negative duration", Request{Layer: 1, Target: f.source(t, 10), Duration: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.Begin(tt.req); !errors.Is(err, ambient.ErrInvalidParameter) {
				t.Errorf("Begin error = %v", err)
			}
		})
	}
}

func TestConfigClamp(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		in, want time.Duration
	}{
		{0, cfg.DefaultDuration},
		{time.Millisecond, 50 * time.Millisecond},
		{2 * time.Second, 2 * time.Second},
		{time.Minute, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
