package mixer

import (
	"fmt"
	"time"

	"github.com/dgnsrekt/ambient/internal/audio"
	"github.com/gopxl/beep/v2"
)

type ramp struct {
	from, to   float64
	start, end int64 // frames
}

// gainNode ramps are clocked by rendered frames, so they only progress while
// something pulls samples from the mixer.
type gainNode struct {
	id audio.NodeID
	m  *Mixer

	value float64
	ramp  *ramp

	out  [][2]float64
	pass uint64
}

func (g *gainNode) ID() audio.NodeID { return g.id }

func (g *gainNode) valueAt(frame int64) float64 {
	r := g.ramp
	if r == nil || frame >= r.end {
		return g.value
	}
	if frame <= r.start {
		return r.from
	}
	p := float64(frame-r.start) / float64(r.end-r.start)
	return r.from + (r.to-r.from)*p
}

func (g *gainNode) Value() float64 {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	return g.valueAt(g.m.clock)
}

func (g *gainNode) SetValue(v float64) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	g.ramp = nil
	g.value = v
}

func (g *gainNode) LinearRampTo(target float64, d time.Duration) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()

	frames := int64(g.m.format.SampleRate.N(d))
	if frames <= 0 {
		g.ramp = nil
		g.value = target
		return
	}
	now := g.m.clock
	g.ramp = &ramp{from: g.valueAt(now), to: target, start: now, end: now + frames}
	g.value = target
}

func (g *gainNode) CancelRamps() {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	g.value = g.valueAt(g.m.clock)
	g.ramp = nil
}

type sourceNode struct {
	id audio.NodeID
	m  *Mixer

	buf      *Buffer
	streamer beep.StreamSeeker
	playing  bool
	loop     bool

	out  [][2]float64
	pass uint64
}

func (s *sourceNode) ID() audio.NodeID { return s.id }

func (s *sourceNode) Start(offset time.Duration) error {
	if offset < 0 {
		return fmt.Errorf("negative start offset %v", offset)
	}

	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	length := s.buf.data.Len()
	pos := s.m.format.SampleRate.N(offset)
	if length > 0 {
		if s.loop {
			pos %= length
		} else if pos > length {
			pos = length
		}
	}
	if err := s.streamer.Seek(pos); err != nil {
		return fmt.Errorf("seek to %v: %w", offset, err)
	}
	s.playing = true
	return nil
}

func (s *sourceNode) Stop() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.playing = false
	return nil
}

func (s *sourceNode) Playing() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.playing
}

func (s *sourceNode) Position() time.Duration {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.format.SampleRate.D(s.streamer.Position())
}

func (s *sourceNode) Duration() time.Duration {
	return s.buf.Duration()
}

func (s *sourceNode) SetLoop(loop bool) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.loop = loop
}

// readLocked fills out from the buffer, wrapping when looping and padding
// with silence once a one-shot source runs out.
func (s *sourceNode) readLocked(out [][2]float64) {
	filled := 0
	for s.playing && filled < len(out) {
		n, ok := s.streamer.Stream(out[filled:])
		filled += n
		if ok && n > 0 {
			continue
		}
		if s.loop && s.buf.data.Len() > 0 {
			if err := s.streamer.Seek(0); err == nil {
				continue
			}
		}
		s.playing = false
	}
	clear(out[filled:])
}
