// Package mixer is a software audio.Sink. Gain nodes and buffer sources form
// a graph that is rendered into float64 stereo frames on demand, so the
// output device (or a test) drives the clock by pulling samples.
package mixer

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/ambient/internal/audio"
	"github.com/gopxl/beep/v2"
)

// Config configures a Mixer.
type Config struct {
	SampleRate int // Render rate; decoded audio is resampled to it
	Quality    int // Resampling quality, 1-64
}

// DefaultConfig returns the default mixer configuration.
func DefaultConfig() Config {
	return Config{SampleRate: 44100, Quality: 4}
}

// ErrForeignBuffer is returned when a buffer from another sink is played.
var ErrForeignBuffer = errors.New("buffer was not decoded by this mixer")

// ErrCycle is returned when a connection would feed a node into itself.
var ErrCycle = errors.New("connection would create a cycle")

// Mixer implements audio.Sink and beep.Streamer.
type Mixer struct {
	mu      sync.Mutex
	format  beep.Format
	quality int

	gains   map[audio.NodeID]*gainNode
	sources map[audio.NodeID]*sourceNode
	edges   map[audio.NodeID]map[audio.NodeID]bool // src -> dsts
	inputs  map[audio.NodeID]map[audio.NodeID]bool // dst -> srcs
	dest    *gainNode

	nextID atomic.Uint64
	clock  int64  // frames rendered so far
	pass   uint64 // render pass counter
	closed bool
}

// New creates a mixer with a master destination at unity gain.
func New(cfg Config) (*Mixer, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Quality == 0 {
		cfg.Quality = DefaultConfig().Quality
	}
	if cfg.Quality < 1 || cfg.Quality > 64 {
		return nil, fmt.Errorf("resample quality must be 1-64, got %d", cfg.Quality)
	}

	m := &Mixer{
		format:  beep.Format{SampleRate: beep.SampleRate(cfg.SampleRate), NumChannels: 2, Precision: 2},
		quality: cfg.Quality,
		gains:   make(map[audio.NodeID]*gainNode),
		sources: make(map[audio.NodeID]*sourceNode),
		edges:   make(map[audio.NodeID]map[audio.NodeID]bool),
		inputs:  make(map[audio.NodeID]map[audio.NodeID]bool),
	}
	m.dest = m.newGainLocked(1)
	return m, nil
}

// Format returns the render format.
func (m *Mixer) Format() beep.Format {
	return m.format
}

func (m *Mixer) newGainLocked(initial float64) *gainNode {
	g := &gainNode{id: audio.NodeID(m.nextID.Add(1)), m: m, value: initial}
	m.gains[g.id] = g
	return g
}

// NewGain implements audio.Sink.
func (m *Mixer) NewGain(initial float64) (audio.GainNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newGainLocked(initial), nil
}

// NewSource implements audio.Sink.
func (m *Mixer) NewSource(buf audio.Buffer) (audio.SourceNode, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.format != m.format {
		return nil, ErrForeignBuffer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := &sourceNode{
		id:       audio.NodeID(m.nextID.Add(1)),
		m:        m,
		buf:      b,
		streamer: b.data.Streamer(0, b.data.Len()),
	}
	m.sources[s.id] = s
	return s, nil
}

// Connect implements audio.Sink.
func (m *Mixer) Connect(src audio.Node, dst audio.GainNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, did := src.ID(), dst.ID()
	if !m.knownLocked(sid) {
		return fmt.Errorf("connect: unknown source node %d", sid)
	}
	if _, ok := m.gains[did]; !ok {
		return fmt.Errorf("connect: unknown gain node %d", did)
	}
	if sid == did || m.reachesLocked(did, sid) {
		return ErrCycle
	}

	if m.edges[sid] == nil {
		m.edges[sid] = make(map[audio.NodeID]bool)
	}
	if m.inputs[did] == nil {
		m.inputs[did] = make(map[audio.NodeID]bool)
	}
	m.edges[sid][did] = true
	m.inputs[did][sid] = true
	return nil
}

// Disconnect implements audio.Sink.
func (m *Mixer) Disconnect(src audio.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid := src.ID()
	for did := range m.edges[sid] {
		delete(m.inputs[did], sid)
	}
	delete(m.edges, sid)
	return nil
}

// Release forgets a node that will not be used again. The node is
// disconnected from both sides.
func (m *Mixer) Release(n audio.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := n.ID()
	for did := range m.edges[id] {
		delete(m.inputs[did], id)
	}
	for sid := range m.inputs[id] {
		delete(m.edges[sid], id)
	}
	delete(m.edges, id)
	delete(m.inputs, id)
	if id != m.dest.id {
		delete(m.gains, id)
	}
	delete(m.sources, id)
}

func (m *Mixer) knownLocked(id audio.NodeID) bool {
	_, g := m.gains[id]
	_, s := m.sources[id]
	return g || s
}

// reachesLocked reports whether to is downstream of from.
func (m *Mixer) reachesLocked(from, to audio.NodeID) bool {
	seen := map[audio.NodeID]bool{}
	stack := []audio.NodeID{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		for next := range m.edges[id] {
			stack = append(stack, next)
		}
	}
	return false
}

// Destination implements audio.Sink.
func (m *Mixer) Destination() audio.GainNode {
	return m.dest
}

// Close implements audio.Sink. A closed mixer renders silence.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Stream renders the graph into samples. It always fills samples and never
// reports exhaustion, so it can feed a device indefinitely.
func (m *Mixer) Stream(samples [][2]float64) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		clear(samples)
		return len(samples), true
	}

	m.pass++
	out := m.renderLocked(m.dest.id, len(samples))
	copy(samples, out)
	m.clock += int64(len(samples))
	return len(samples), true
}

// Err implements beep.Streamer.
func (m *Mixer) Err() error {
	return nil
}

// renderLocked returns the output of node id for n frames starting at the
// current clock. Each node renders at most once per pass.
func (m *Mixer) renderLocked(id audio.NodeID, n int) [][2]float64 {
	if s, ok := m.sources[id]; ok {
		if s.pass != m.pass {
			s.out = grow(s.out, n)
			s.readLocked(s.out)
			s.pass = m.pass
		}
		return s.out
	}

	g := m.gains[id]
	if g.pass == m.pass {
		return g.out
	}
	g.out = grow(g.out, n)
	clear(g.out)
	for sid := range m.inputs[id] {
		in := m.renderLocked(sid, n)
		for i := range g.out {
			g.out[i][0] += in[i][0]
			g.out[i][1] += in[i][1]
		}
	}
	for i := range g.out {
		v := g.valueAt(m.clock + int64(i))
		g.out[i][0] *= v
		g.out[i][1] *= v
	}
	if g.ramp != nil && m.clock+int64(n) >= g.ramp.end {
		g.ramp = nil
	}
	g.pass = m.pass
	return g.out
}

func grow(buf [][2]float64, n int) [][2]float64 {
	if cap(buf) < n {
		return make([][2]float64, n)
	}
	return buf[:n]
}

// Reader returns signed 16-bit little-endian PCM with the given channel
// count (1 or 2), suitable for audio.Output.
func (m *Mixer) Reader(channels int) io.Reader {
	if channels != 1 {
		channels = 2
	}
	return &pcmReader{m: m, channels: channels}
}

type pcmReader struct {
	m        *Mixer
	channels int
	frames   [][2]float64
}

func (r *pcmReader) Read(p []byte) (int, error) {
	frameSize := 2 * r.channels
	n := len(p) / frameSize
	if n == 0 {
		return 0, nil
	}
	r.frames = grow(r.frames, n)
	r.m.Stream(r.frames)

	for i, f := range r.frames {
		off := i * frameSize
		if r.channels == 1 {
			putSample(p[off:], (f[0]+f[1])/2)
			continue
		}
		putSample(p[off:], f[0])
		putSample(p[off+2:], f[1])
	}
	return n * frameSize, nil
}

func putSample(p []byte, v float64) {
	v = math.Max(-1, math.Min(1, v))
	s := int16(v * math.MaxInt16)
	p[0] = byte(s)
	p[1] = byte(s >> 8)
}
