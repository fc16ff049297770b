package gain

import (
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

func newController(t *testing.T) (*Controller, *audio.MockSink) {
	t.Helper()
	sink := audio.NewMockSink()
	cfg := DefaultConfig()
	cfg.FadeInterval = 5 * time.Millisecond
	return New(graph.New(sink), cfg), sink
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= ambient.Epsilon
}

func TestSetVolumeImmediate(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"zero", 0, 0},
		{"half", 0.5, 0.5},
		{"full", 1, 1},
		{"below range", -0.4, 0},
		{"above range", 1.7, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newController(t)
			for _, layer := range ambient.Layers() {
				if err := c.SetVolume(layer, tt.in, SetOptions{Immediate: true}); err != nil {
					t.Fatalf("SetVolume: %v", err)
				}
				if got := c.Volume(layer); !near(got, tt.want) {
					t.Errorf("%s volume = %v, want %v", layer, got, tt.want)
				}
				node, _ := c.Channel(layer)
				if got := node.Value(); !near(got, tt.want) {
					t.Errorf("%s node value = %v, want %v", layer, got, tt.want)
				}
			}
		})
	}
}

func TestSetVolumeRejectsBadInput(t *testing.T) {
	c, _ := newController(t)
	c.SetVolume(1, 0.3, SetOptions{Immediate: true})

	if err := c.SetVolume(1, math.NaN(), SetOptions{}); !errors.Is(err, ambient.ErrInvalidParameter) {
		t.Errorf("NaN error = %v", err)
	}
	if err := c.SetVolume(7, 0.5, SetOptions{}); !errors.Is(err, ambient.ErrInvalidParameter) {
		t.Errorf("unknown layer error = %v", err)
	}
	if got := c.Volume(1); !near(got, 0.3) {
		t.Errorf("rejected call changed volume to %v", got)
	}
}

func TestSetVolumeRampsOptimistically(t *testing.T) {
	c, _ := newController(t)
	node, _ := c.Channel(2)

	if err := c.SetVolume(2, 0.2, SetOptions{Transition: time.Second}); err != nil {
		t.Fatal(err)
	}
	if got := c.Volume(2); !near(got, 0.2) {
		t.Errorf("Volume = %v, want target 0.2 at once", got)
	}
	mg := node.(*audio.MockGain)
	if !near(mg.Target(), 0.2) {
		t.Errorf("ramp target = %v", mg.Target())
	}
	if near(node.Value(), 0.2) {
		t.Error("node reached target before the ramp ran")
	}
}

func TestChannelIsRoutedToDestination(t *testing.T) {
	c, sink := newController(t)
	node, err := c.Channel(3)
	if err != nil {
		t.Fatal(err)
	}
	if !sink.ConnectedTo(node, sink.Destination()) {
		t.Error("layer channel not connected to destination")
	}
	again, _ := c.Channel(3)
	if again.ID() != node.ID() {
		t.Error("Channel is not idempotent")
	}
}

func TestMuteUnmuteRestores(t *testing.T) {
	c, _ := newController(t)
	c.SetVolume(1, 0.65, SetOptions{Immediate: true})

	c.Mute(1)
	if !c.IsMuted(1) {
		t.Fatal("layer not muted")
	}
	c.Mute(1)
	c.Unmute(1)
	if got := c.Volume(1); !near(got, 0.65) {
		t.Errorf("volume after unmute = %v, want 0.65", got)
	}
	if c.HasMuteShadow(1) {
		t.Error("unmute kept the stored volume")
	}

	// unmute without a stored volume is a no-op
	c.Unmute(1)
	if got := c.Volume(1); !near(got, 0.65) {
		t.Errorf("second unmute changed volume to %v", got)
	}
}

func TestSetVolumeWhileMuted(t *testing.T) {
	c, _ := newController(t)
	c.SetVolume(1, 0.9, SetOptions{Immediate: true})
	c.Mute(1)

	c.SetVolume(1, 0, SetOptions{Immediate: true})
	if !c.HasMuteShadow(1) {
		t.Error("silent SetVolume dropped the stored volume")
	}

	c.SetVolume(1, 0.4, SetOptions{Immediate: true})
	if c.HasMuteShadow(1) {
		t.Error("audible SetVolume kept the stored volume")
	}
	c.Unmute(1)
	if got := c.Volume(1); !near(got, 0.4) {
		t.Errorf("volume = %v, want 0.4", got)
	}
}

func TestFadeReportsProgress(t *testing.T) {
	c, _ := newController(t)
	c.SetVolume(1, 0, SetOptions{Immediate: true})

	var mu sync.Mutex
	var progress []float64
	err := c.Fade(context.Background(), 1, 1, 60*time.Millisecond, func(p float64) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Fade: %v", err)
	}

	if len(progress) < 2 {
		t.Fatalf("got %d progress reports", len(progress))
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress went backwards: %v", progress)
		}
	}
	if progress[len(progress)-1] != 1 {
		t.Errorf("last progress = %v, want 1", progress[len(progress)-1])
	}
	if got := c.Volume(1); !near(got, 1) {
		t.Errorf("volume after fade = %v", got)
	}
}

func TestFadeSkipsWhenAtTarget(t *testing.T) {
	c, _ := newController(t)
	c.SetVolume(1, 0.5, SetOptions{Immediate: true})

	start := time.Now()
	if err := c.Fade(context.Background(), 1, 0.5005, 10*time.Second, nil); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Error("fade within epsilon did not return at once")
	}
}

func TestFadeSupersededIsCanceled(t *testing.T) {
	c, _ := newController(t)
	c.SetVolume(1, 0, SetOptions{Immediate: true})

	done := make(chan error, 1)
	started := make(chan struct{})
	var once sync.Once
	go func() {
		done <- c.Fade(context.Background(), 1, 1, 5*time.Second, func(float64) {
			once.Do(func() { close(started) })
		})
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("fade never reported progress")
	}
	c.SetVolume(1, 0.3, SetOptions{Immediate: true})

	select {
	case err := <-done:
		if !errors.Is(err, ambient.ErrCanceled) {
			t.Errorf("superseded fade error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded fade did not return")
	}
	if got := c.Volume(1); !near(got, 0.3) {
		t.Errorf("volume = %v, want 0.3", got)
	}
}

func TestFadeContextCanceled(t *testing.T) {
	c, _ := newController(t)
	c.SetVolume(1, 0, SetOptions{Immediate: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Fade(ctx, 1, 1, 5*time.Second, nil)
	if !errors.Is(err, ambient.ErrCanceled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v", err)
	}
	if v := c.Volume(1); v >= 1 {
		t.Errorf("canceled fade left volume at %v", v)
	}
}

func TestSnapshotRestore(t *testing.T) {
	c, _ := newController(t)
	for i, layer := range ambient.Layers() {
		c.SetVolume(layer, float64(i)*0.25, SetOptions{Immediate: true})
	}

	snap := c.Snapshot("")
	if snap.ID == "" {
		t.Error("snapshot has no id")
	}

	for _, layer := range ambient.Layers() {
		c.SetVolume(layer, 1, SetOptions{Immediate: true})
	}
	if err := c.Restore(snap, RestoreOptions{Immediate: true}); err != nil {
		t.Fatal(err)
	}
	for i, layer := range ambient.Layers() {
		if got := c.Volume(layer); !near(got, float64(i)*0.25) {
			t.Errorf("%s = %v", layer, got)
		}
	}

	bad := Snapshot{Volumes: map[ambient.LayerID]float64{1: 0.1, 9: 0.5}}
	if err := c.Restore(bad, RestoreOptions{Immediate: true}); !errors.Is(err, ambient.ErrInvalidParameter) {
		t.Errorf("Restore(bad) = %v", err)
	}
	if got := c.Volume(1); !near(got, 0) {
		t.Errorf("invalid restore changed layer1 to %v", got)
	}
}

func TestEventsPublished(t *testing.T) {
	c, _ := newController(t)

	var kinds []EventKind
	unsubscribe := c.Subscribe(func(e Event) { kinds = append(kinds, e.Kind) })

	c.SetVolume(1, 0.5, SetOptions{Immediate: true})
	c.Mute(1)
	c.Unmute(1)
	unsubscribe()
	c.SetVolume(1, 0.1, SetOptions{Immediate: true})

	want := []EventKind{VolumeChanged, Muted, Unmuted}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestReset(t *testing.T) {
	c, _ := newController(t)
	c.SetVolume(2, 0.1, SetOptions{Immediate: true})
	c.Mute(2)
	c.Reset()

	if got := c.Volume(2); !near(got, DefaultConfig().DefaultVolume) {
		t.Errorf("volume after reset = %v", got)
	}
	if c.HasMuteShadow(2) {
		t.Error("reset kept mute state")
	}
}

func TestSetMuteShadow(t *testing.T) {
	c, _ := newController(t)
	c.SetVolume(4, 0.5, SetOptions{Immediate: true})

	if err := c.SetMuteShadow(4, 0.9); !errors.Is(err, ambient.ErrStateConflict) {
		t.Errorf("unmuted layer error = %v", err)
	}

	c.Mute(4)
	if err := c.SetMuteShadow(4, 0.9); err != nil {
		t.Fatal(err)
	}
	if !c.IsMuted(4) {
		t.Error("SetMuteShadow made the layer audible")
	}
	c.Unmute(4)
	if got := c.Volume(4); !near(got, 0.9) {
		t.Errorf("volume after unmute = %v, want 0.9", got)
	}
}
