package audio

import (
	"errors"
	"math"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedSink() (*MockSink, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := NewMockSink()
	s.SetClock(clk.now)
	return s, clk
}

func TestMockGainRamp(t *testing.T) {
	s, clk := newClockedSink()
	g, _ := s.NewGain(0)

	g.LinearRampTo(1, time.Second)
	clk.advance(250 * time.Millisecond)
	if v := g.Value(); math.Abs(v-0.25) > 1e-9 {
		t.Errorf("Value() at 25%% = %f", v)
	}

	g.CancelRamps()
	clk.advance(time.Second)
	if v := g.Value(); math.Abs(v-0.25) > 1e-9 {
		t.Errorf("Value() after CancelRamps = %f, want frozen 0.25", v)
	}

	g.LinearRampTo(0.75, 500*time.Millisecond)
	clk.advance(time.Second)
	if v := g.Value(); v != 0.75 {
		t.Errorf("Value() after ramp end = %f", v)
	}

	g.SetValue(0.1)
	if v := g.Value(); v != 0.1 {
		t.Errorf("Value() after SetValue = %f", v)
	}
}

func TestMockSourcePosition(t *testing.T) {
	s, clk := newClockedSink()
	buf, err := s.Decode(make([]byte, 1000))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.Duration() != time.Second {
		t.Fatalf("Duration() = %v", buf.Duration())
	}

	src, _ := s.NewSource(buf)
	src.SetLoop(true)
	if err := src.Start(200 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	clk.advance(1500 * time.Millisecond)
	if pos := src.Position(); pos != 700*time.Millisecond {
		t.Errorf("looped Position() = %v, want 700ms", pos)
	}

	src.SetLoop(false)
	if pos := src.Position(); pos != time.Second {
		t.Errorf("clamped Position() = %v, want 1s", pos)
	}
}

func TestMockSinkGraph(t *testing.T) {
	s := NewMockSink()
	g, _ := s.NewGain(1)

	if err := s.Connect(g, s.Destination()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !s.ConnectedTo(g, s.Destination()) {
		t.Error("gain not connected to destination")
	}
	if err := s.Disconnect(g); err != nil {
		t.Fatal(err)
	}
	if len(s.Destinations(g)) != 0 {
		t.Error("Disconnect left routes behind")
	}

	boom := errors.New("boom")
	s.ConnectHook = func(Node, GainNode) error { return boom }
	if err := s.Connect(g, s.Destination()); !errors.Is(err, boom) {
		t.Errorf("Connect with hook = %v", err)
	}
	if s.ConnectCount() != 2 {
		t.Errorf("ConnectCount() = %d", s.ConnectCount())
	}
}

func TestMockDecodeFailures(t *testing.T) {
	s := NewMockSink()
	if _, err := s.Decode([]byte("bad header")); !errors.Is(err, ErrMockDecode) {
		t.Errorf("Decode(bad) = %v", err)
	}
	if _, err := s.Decode(nil); err == nil {
		t.Error("Decode(nil) should fail")
	}
	if s.DecodeCount() != 2 {
		t.Errorf("DecodeCount() = %d", s.DecodeCount())
	}
}
