package audio

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrMockDecode is returned by MockSink.Decode for data starting with "bad".
var ErrMockDecode = errors.New("mock: malformed audio")

// MockSink implements Sink for tests. It tracks the graph, evaluates ramps
// against a wall clock and counts calls. Decoded buffers last one millisecond
// per input byte.
type MockSink struct {
	mu      sync.Mutex
	dest    *MockGain
	gains   map[NodeID]*MockGain
	sources map[NodeID]*MockSource
	edges   map[NodeID]map[NodeID]bool

	nextID   atomic.Uint64
	now      func() time.Time
	released int

	// ConnectHook, when set, runs before every Connect and fails it by
	// returning an error.
	ConnectHook func(src Node, dst GainNode) error

	// DecodeErr, when set, fails every Decode.
	DecodeErr error

	// Metrics for testing
	connectCount    atomic.Int64
	disconnectCount atomic.Int64
	decodeCount     atomic.Int64
	closed          atomic.Bool
}

// NewMockSink creates a mock sink with a master destination at gain 1.
func NewMockSink() *MockSink {
	s := &MockSink{
		gains:   make(map[NodeID]*MockGain),
		sources: make(map[NodeID]*MockSource),
		edges:   make(map[NodeID]map[NodeID]bool),
		now:     time.Now,
	}
	s.dest = s.newGain(1)
	return s
}

// SetClock replaces the clock used for ramps and playback positions.
func (s *MockSink) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MockSink) clock() time.Time {
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()
	return now()
}

func (s *MockSink) newGain(initial float64) *MockGain {
	g := &MockGain{id: NodeID(s.nextID.Add(1)), sink: s, value: initial}
	s.gains[g.id] = g
	return g
}

// NewGain implements Sink.
func (s *MockSink) NewGain(initial float64) (GainNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newGain(initial), nil
}

// NewSource implements Sink.
func (s *MockSink) NewSource(buf Buffer) (SourceNode, error) {
	if buf == nil {
		return nil, errors.New("mock: nil buffer")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src := &MockSource{id: NodeID(s.nextID.Add(1)), sink: s, duration: buf.Duration()}
	s.sources[src.id] = src
	return src, nil
}

// Connect implements Sink.
func (s *MockSink) Connect(src Node, dst GainNode) error {
	s.connectCount.Add(1)
	if hook := s.ConnectHook; hook != nil {
		if err := hook(src, dst); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.knownLocked(src.ID()) || !s.knownLocked(dst.ID()) {
		return fmt.Errorf("mock: connect %d -> %d: unknown node", src.ID(), dst.ID())
	}
	if s.edges[src.ID()] == nil {
		s.edges[src.ID()] = make(map[NodeID]bool)
	}
	s.edges[src.ID()][dst.ID()] = true
	return nil
}

// Disconnect implements Sink.
func (s *MockSink) Disconnect(src Node) error {
	s.disconnectCount.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges, src.ID())
	return nil
}

// Release implements Sink.
func (s *MockSink) Release(n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := n.ID()
	delete(s.edges, id)
	for _, dsts := range s.edges {
		delete(dsts, id)
	}
	if id != s.dest.id {
		delete(s.gains, id)
	}
	delete(s.sources, id)
	s.released++
}

// Released returns the number of Release calls.
func (s *MockSink) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *MockSink) knownLocked(id NodeID) bool {
	_, g := s.gains[id]
	_, src := s.sources[id]
	return g || src
}

// Destination implements Sink.
func (s *MockSink) Destination() GainNode {
	return s.dest
}

// Decode implements Sink.
func (s *MockSink) Decode(data []byte) (Buffer, error) {
	s.decodeCount.Add(1)
	if s.DecodeErr != nil {
		return nil, s.DecodeErr
	}
	if len(data) == 0 || bytes.HasPrefix(data, []byte("bad")) {
		return nil, ErrMockDecode
	}
	return &MockBuffer{
		Length: time.Duration(len(data)) * time.Millisecond,
		Rate:   44100,
		Chans:  2,
		Bytes:  int64(len(data)) * 16,
	}, nil
}

// Close implements Sink.
func (s *MockSink) Close() error {
	s.closed.Store(true)
	return nil
}

// Destinations returns the nodes src is connected to.
func (s *MockSink) Destinations(src Node) []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]NodeID, 0, len(s.edges[src.ID()]))
	for id := range s.edges[src.ID()] {
		out = append(out, id)
	}
	return out
}

// ConnectedTo reports whether src currently feeds dst.
func (s *MockSink) ConnectedTo(src Node, dst Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edges[src.ID()][dst.ID()]
}

// GainCount returns the number of live gain nodes, including the
// destination.
func (s *MockSink) GainCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gains)
}

// ConnectCount returns the number of Connect calls.
func (s *MockSink) ConnectCount() int64 { return s.connectCount.Load() }

// DisconnectCount returns the number of Disconnect calls.
func (s *MockSink) DisconnectCount() int64 { return s.disconnectCount.Load() }

// DecodeCount returns the number of Decode calls.
func (s *MockSink) DecodeCount() int64 { return s.decodeCount.Load() }

// Closed reports whether Close was called.
func (s *MockSink) Closed() bool { return s.closed.Load() }

// MockBuffer is the Buffer produced by MockSink.
type MockBuffer struct {
	Length time.Duration
	Rate   int
	Chans  int
	Bytes  int64
}

func (b *MockBuffer) Duration() time.Duration { return b.Length }
func (b *MockBuffer) SampleRate() int         { return b.Rate }
func (b *MockBuffer) Channels() int           { return b.Chans }
func (b *MockBuffer) Size() int64             { return b.Bytes }

// MockGain is a GainNode whose ramps are evaluated against the sink clock.
type MockGain struct {
	id   NodeID
	sink *MockSink

	mu         sync.Mutex
	value      float64
	rampFrom   float64
	rampTo     float64
	rampStart  time.Time
	rampLength time.Duration
	ramping    bool
	ramps      int
}

func (g *MockGain) ID() NodeID { return g.id }

// Value implements GainNode.
func (g *MockGain) Value() float64 {
	now := g.sink.clock()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.valueAtLocked(now)
}

func (g *MockGain) valueAtLocked(now time.Time) float64 {
	if !g.ramping {
		return g.value
	}
	elapsed := now.Sub(g.rampStart)
	if elapsed >= g.rampLength {
		return g.rampTo
	}
	p := float64(elapsed) / float64(g.rampLength)
	return g.rampFrom + (g.rampTo-g.rampFrom)*p
}

// SetValue implements GainNode.
func (g *MockGain) SetValue(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ramping = false
	g.value = v
}

// LinearRampTo implements GainNode.
func (g *MockGain) LinearRampTo(target float64, d time.Duration) {
	now := g.sink.clock()
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ramps++
	if d <= 0 {
		g.ramping = false
		g.value = target
		return
	}
	g.rampFrom = g.valueAtLocked(now)
	g.rampTo = target
	g.rampStart = now
	g.rampLength = d
	g.ramping = true
	g.value = target
}

// CancelRamps implements GainNode.
func (g *MockGain) CancelRamps() {
	now := g.sink.clock()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = g.valueAtLocked(now)
	g.ramping = false
}

// Target returns the value the gain settles at once ramps finish.
func (g *MockGain) Target() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// RampCount returns the number of ramps scheduled on the node.
func (g *MockGain) RampCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ramps
}

// MockSource is a SourceNode whose position advances with the sink clock.
type MockSource struct {
	id       NodeID
	sink     *MockSink
	duration time.Duration

	mu        sync.Mutex
	playing   bool
	loop      bool
	offset    time.Duration
	startedAt time.Time
	starts    int
	stops     int
}

func (s *MockSource) ID() NodeID { return s.id }

// Start implements SourceNode.
func (s *MockSource) Start(offset time.Duration) error {
	if offset < 0 {
		return fmt.Errorf("mock: negative offset %v", offset)
	}
	now := s.sink.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	s.offset = offset
	s.startedAt = now
	s.starts++
	return nil
}

// Stop implements SourceNode.
func (s *MockSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	s.stops++
	return nil
}

// Playing implements SourceNode.
func (s *MockSource) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Position implements SourceNode.
func (s *MockSource) Position() time.Duration {
	now := s.sink.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.playing {
		return s.offset
	}
	pos := s.offset + now.Sub(s.startedAt)
	if s.duration <= 0 {
		return pos
	}
	if s.loop {
		return pos % s.duration
	}
	if pos > s.duration {
		return s.duration
	}
	return pos
}

// Duration implements SourceNode.
func (s *MockSource) Duration() time.Duration { return s.duration }

// SetLoop implements SourceNode.
func (s *MockSource) SetLoop(loop bool) {
	s.mu.Lock()
	s.loop = loop
	s.mu.Unlock()
}

// StartOffset returns the offset passed to the last Start.
func (s *MockSource) StartOffset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Starts returns the number of Start calls.
func (s *MockSource) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Stops returns the number of Stop calls.
func (s *MockSource) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
