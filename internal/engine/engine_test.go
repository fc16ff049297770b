package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/audio"
	"github.com/dgnsrekt/ambient/internal/cache"
	"github.com/dgnsrekt/ambient/internal/crossfade"
	"github.com/dgnsrekt/ambient/internal/gain"
	"github.com/dgnsrekt/ambient/internal/timeline"
)

// memFetcher serves one second of mock audio for every locator unless told
// to fail it.
type memFetcher struct {
	mu   sync.Mutex
	fail map[string]error
}

func (f *memFetcher) Fetch(_ context.Context, locator string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	err := f.fail[locator]
	f.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	data := bytes.Repeat([]byte("a"), 1000)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *memFetcher) failWith(locator string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, locator)
		return
	}
	f.fail[locator] = err
}

type fixture struct {
	sink    *audio.MockSink
	fetcher *memFetcher
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sink := audio.NewMockSink()
	fetcher := &memFetcher{fail: make(map[string]error)}
	buffers := cache.New(fetcher, sink, cache.Config{MaxEntries: 8, FetchTimeout: time.Second})

	cfg := DefaultConfig()
	cfg.Crossfade.DefaultDuration = 20 * time.Millisecond
	cfg.Crossfade.MinDuration = 10 * time.Millisecond
	cfg.Crossfade.TickInterval = 5 * time.Millisecond
	cfg.Gain.FadeInterval = 5 * time.Millisecond
	cfg.Timeline.PhaseTransition = 30 * time.Millisecond

	e, err := New(sink, buffers, cfg, WithTimelineOptions(timeline.WithManualTicks()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })

	err = e.RegisterCollection(Collection{
		1: {
			{ID: "rain", Name: "Rain", Locator: "mem://rain"},
			{ID: "storm", Name: "Storm", Locator: "mem://storm", Variations: []ambient.Track{
				{ID: "storm-far", Locator: "mem://storm-far"},
			}},
			{ID: "drizzle", Locator: "mem://drizzle"},
		},
		2: {
			{ID: "birds", Locator: "mem://birds"},
			{ID: "owls", Locator: "mem://owls"},
		},
		3: {{ID: "wind", Locator: "mem://wind"}},
		4: {{ID: "fire", Locator: "mem://fire"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{sink: sink, fetcher: fetcher, engine: e}
}

func finish(t *testing.T, tr *crossfade.Transition) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := tr.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("transition did not finish")
	}
	return err
}

func (f *fixture) change(t *testing.T, layer ambient.LayerID, track string) {
	t.Helper()
	tr, err := f.engine.ChangeTrack(context.Background(), layer, track, ChangeOptions{})
	if err != nil {
		t.Fatalf("ChangeTrack(%s, %s): %v", layer, track, err)
	}
	if err := finish(t, tr); err != nil {
		t.Fatalf("transition to %s: %v", track, err)
	}
	waitFor(t, "layer to settle", func() bool { return f.engine.CurrentTrack(layer) == track })
}

func (f *fixture) node(layer ambient.LayerID) audio.SourceNode {
	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	if p := f.engine.layers[layer].current; p != nil {
		return p.node
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRegisterCollection(t *testing.T) {
	f := newFixture(t)

	tracks, err := f.engine.Catalog(1)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, len(tracks))
	for i, tr := range tracks {
		ids[i] = tr.ID
	}
	if fmt.Sprint(ids) != "[rain storm storm-far drizzle]" {
		t.Errorf("layer1 catalog = %v", ids)
	}

	tests := []struct {
		name string
		c    Collection
	}{
		{"unknown layer", Collection{5: {{ID: "x", Locator: "mem://x"}}}},
		{"missing id", Collection{1: {{Locator: "mem://x"}}}},
		{"missing source", Collection{1: {{ID: "x"}}}},
		{"duplicate variation", Collection{1: {{ID: "x", Locator: "a", Variations: []ambient.Track{{ID: "x", Locator: "b"}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.engine.RegisterCollection(tt.c); !errors.Is(err, ambient.ErrInvalidParameter) {
				t.Errorf("RegisterCollection = %v", err)
			}
		})
	}

	if tracks, _ := f.engine.Catalog(1); len(tracks) != 4 {
		t.Error("rejected collection changed the catalog")
	}
}

func TestChangeTrackStartsLayer(t *testing.T) {
	f := newFixture(t)
	f.change(t, 1, "rain")

	node := f.node(1)
	if node == nil || !node.Playing() {
		t.Fatal("layer1 not playing")
	}
	out, _ := f.engine.router.Output(1)
	if !f.sink.ConnectedTo(node, out) {
		t.Error("track not on the layer output")
	}

	entries := f.engine.Buffers().Entries()
	if len(entries) != 1 || !entries[0].Pinned {
		t.Errorf("cache entries = %+v, want rain pinned", entries)
	}
}

func TestChangeTrackErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.change(t, 1, "rain")

	if _, err := f.engine.ChangeTrack(ctx, 1, "rain", ChangeOptions{}); !errors.Is(err, ambient.ErrStateConflict) {
		t.Errorf("same track = %v", err)
	}
	if err := f.engine.SwitchTrack(ctx, 1, "rain", 0); err != nil {
		t.Errorf("SwitchTrack to the playing track = %v", err)
	}
	if _, err := f.engine.ChangeTrack(ctx, 1, "birds", ChangeOptions{}); !errors.Is(err, ambient.ErrInvalidParameter) {
		t.Errorf("track from another layer = %v", err)
	}
	if _, err := f.engine.ChangeTrack(ctx, 0, "rain", ChangeOptions{}); !errors.Is(err, ambient.ErrInvalidParameter) {
		t.Errorf("layer 0 = %v", err)
	}
	if _, err := f.engine.ChangeTrack(ctx, 1, "storm", ChangeOptions{Duration: -time.Second}); !errors.Is(err, ambient.ErrInvalidParameter) {
		t.Errorf("negative duration = %v", err)
	}
}

func TestChangeTrackReplacesOutgoing(t *testing.T) {
	f := newFixture(t)
	f.change(t, 1, "rain")
	rain := f.node(1)

	f.change(t, 1, "storm-far")
	if rain.Playing() {
		t.Error("outgoing track still playing")
	}
	if len(f.sink.Destinations(rain)) != 0 {
		t.Error("outgoing track still connected")
	}

	for _, e := range f.engine.Buffers().Entries() {
		if e.Locator == "mem://rain" && e.Pinned {
			t.Error("outgoing track still pinned")
		}
	}
}

func TestChangeTrackDuringCrossfade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.change(t, 1, "rain")
	rain := f.node(1)

	slow, err := f.engine.ChangeTrack(ctx, 1, "storm", ChangeOptions{Duration: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "fade to start", func() bool { return f.engine.Crossfades().State(1) == crossfade.Fading })

	fast, err := f.engine.ChangeTrack(ctx, 1, "drizzle", ChangeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := finish(t, slow); !errors.Is(err, ambient.ErrCanceled) {
		t.Errorf("superseded transition = %v", err)
	}
	if info, ok := f.engine.Crossfades().Active(1); ok && info.SourceID != "storm" {
		t.Errorf("new fade source = %q, want storm", info.SourceID)
	}
	if rain.Playing() {
		t.Error("original track kept playing")
	}

	if err := finish(t, fast); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "drizzle", func() bool { return f.engine.CurrentTrack(1) == "drizzle" })

	layers := f.engine.Layers()
	if layers[0].Incoming != "" || layers[0].Crossfade != "idle" {
		t.Errorf("layer1 = %+v", layers[0])
	}
}

func TestChangeTrackLoadFailure(t *testing.T) {
	f := newFixture(t)
	f.change(t, 2, "birds")
	f.fetcher.failWith("mem://owls", errors.New("connection reset"))

	tr, err := f.engine.ChangeTrack(context.Background(), 2, "owls", ChangeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := finish(t, tr); !errors.Is(err, ambient.ErrLoad) {
		t.Errorf("transition error = %v", err)
	}

	waitFor(t, "failed change to clear", func() bool { return f.engine.Layers()[1].Incoming == "" })
	if got := f.engine.CurrentTrack(2); got != "birds" {
		t.Errorf("current = %q, want birds", got)
	}
	if !f.node(2).Playing() {
		t.Error("failed change stopped the playing track")
	}
	if f.engine.Buffers().Stats().Pinned != 1 {
		t.Errorf("pinned = %d, want only birds", f.engine.Buffers().Stats().Pinned)
	}

	// retry succeeds once the source recovers
	f.fetcher.failWith("mem://owls", nil)
	f.change(t, 2, "owls")
}

func TestMuteAndSolo(t *testing.T) {
	f := newFixture(t)
	g := f.engine.Gain()
	for _, id := range ambient.Layers() {
		f.engine.SetVolume(id, 0.6, gain.SetOptions{Immediate: true})
	}

	f.engine.Mute(3)
	solo, err := f.engine.ToggleSolo(1)
	if err != nil || !solo {
		t.Fatalf("ToggleSolo = %v, %v", solo, err)
	}
	for _, id := range []ambient.LayerID{2, 3, 4} {
		if !g.IsMuted(id) {
			t.Errorf("%s audible during solo", id)
		}
	}
	if g.IsMuted(1) {
		t.Error("soloed layer muted")
	}

	// remembered for when the solo ends
	f.engine.SetVolume(2, 0.9, gain.SetOptions{Immediate: true})
	if !g.IsMuted(2) {
		t.Error("volume change made a solo-muted layer audible")
	}
	f.engine.Unmute(4)
	if !g.IsMuted(4) {
		t.Error("unmute overrode the solo")
	}

	solo, _ = f.engine.ToggleSolo(1)
	if solo {
		t.Error("solo still on")
	}
	if got := g.Volume(2); got != 0.9 {
		t.Errorf("layer2 = %v, want 0.9", got)
	}
	if got := g.Volume(4); got != 0.6 {
		t.Errorf("layer4 = %v, want 0.6", got)
	}
	if !g.IsMuted(3) {
		t.Error("hand-muted layer came back with the solo")
	}

	f.engine.Unmute(3)
	if got := g.Volume(3); got != 0.6 {
		t.Errorf("layer3 = %v, want 0.6", got)
	}
}

func TestSetVolumeAdjustsCrossfade(t *testing.T) {
	f := newFixture(t)
	f.change(t, 1, "rain")

	_, err := f.engine.ChangeTrack(context.Background(), 1, "storm", ChangeOptions{Duration: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "fade to start", func() bool { return f.engine.Crossfades().State(1) == crossfade.Fading })

	f.engine.SetVolume(1, 0.3, gain.SetOptions{})
	info, _ := f.engine.Crossfades().Active(1)
	if got := info.FadeIn.(*audio.MockGain).Target(); got != 0.3 {
		t.Errorf("fade-in target = %v, want 0.3", got)
	}
}

func TestNotificationsAggregate(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	seen := make(map[string]bool)
	unsubscribe := f.engine.Subscribe(func(n Notification) {
		mu.Lock()
		seen[n.Source+"/"+n.Kind] = true
		mu.Unlock()
	})
	defer unsubscribe()

	f.change(t, 4, "fire")
	f.engine.SetVolume(4, 0.2, gain.SetOptions{})
	f.engine.Timeline().Start(timeline.StartOptions{})

	waitFor(t, "track-changed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["engine/track-changed"]
	})

	mu.Lock()
	defer mu.Unlock()
	for _, want := range []string{
		"cache/load-started", "cache/loaded",
		"crossfade/crossfade-started", "crossfade/crossfade-completed",
		"gain/volume-changed", "timeline/timeline-started",
	} {
		if !seen[want] {
			t.Errorf("missing %s in %v", want, seen)
		}
	}
}

func TestPhaseDrivesTracks(t *testing.T) {
	f := newFixture(t)
	tl := f.engine.Timeline()

	err := tl.SetPhases([]timeline.Phase{{
		ID: "dusk", Position: 0,
		State: &timeline.PhaseState{
			Volumes: map[ambient.LayerID]float64{3: 0.25},
			Tracks:  map[ambient.LayerID]string{2: "owls", 3: "wind"},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	tl.Start(timeline.StartOptions{})

	waitFor(t, "phase tracks", func() bool {
		return f.engine.CurrentTrack(2) == "owls" && f.engine.CurrentTrack(3) == "wind"
	})
	waitFor(t, "phase volume", func() bool { return f.engine.Gain().Volume(3) == 0.25 })
}

func TestPreload(t *testing.T) {
	f := newFixture(t)
	f.fetcher.failWith("mem://fire", errors.New("gone"))

	results := f.engine.Preload(context.Background(), 2, nil)
	if len(results) != 8 {
		t.Errorf("results = %d, want every catalog track", len(results))
	}
	if !errors.Is(results["mem://fire"].Err, ambient.ErrLoad) {
		t.Errorf("fire = %v", results["mem://fire"].Err)
	}
	if results["mem://rain"].Entry == nil {
		t.Error("rain not loaded")
	}
}

func TestCloseReleasesNodes(t *testing.T) {
	f := newFixture(t)
	f.change(t, 1, "rain")
	node := f.node(1)

	if err := f.engine.Close(); err != nil {
		t.Fatal(err)
	}
	if node.Playing() {
		t.Error("node still playing after Close")
	}
	if f.engine.Buffers().Stats().Pinned != 0 {
		t.Error("pins survived Close")
	}
	if _, err := f.engine.ChangeTrack(context.Background(), 1, "storm", ChangeOptions{}); !errors.Is(err, ambient.ErrStateConflict) {
		t.Errorf("ChangeTrack after Close = %v", err)
	}
}
