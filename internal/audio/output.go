package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
)

// OutputState is the playback state of an Output.
type OutputState int32

const (
	OutputStopped OutputState = iota
	OutputPlaying
	OutputPaused
	OutputClosed
)

// String returns the state name.
func (s OutputState) String() string {
	switch s {
	case OutputStopped:
		return "stopped"
	case OutputPlaying:
		return "playing"
	case OutputPaused:
		return "paused"
	case OutputClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OutputConfig contains configuration for the device output.
type OutputConfig struct {
	SampleRate int // 44100 or 48000 Hz only
	Channels   int // 1 = mono, 2 = stereo
	BitDepth   int // 16 bits per sample
	BufferSize int // Device buffer in bytes
}

// DefaultOutputConfig returns the default output configuration.
func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		SampleRate: 44100,
		Channels:   2,
		BitDepth:   16,
		BufferSize: 8192,
	}
}

// Output streams signed 16-bit little-endian PCM to the default audio device.
// oto allows a single context per process, so a program opens one Output.
type Output struct {
	context *oto.Context
	player  *oto.Player

	state  atomic.Int32
	volume atomic.Uint64 // float64 bits

	mu  sync.Mutex
	cfg OutputConfig
}

// NewOutput opens the audio device.
func NewOutput(cfg OutputConfig) (*Output, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	op := &oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferDuration(cfg),
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	o := &Output{context: ctx, cfg: cfg}
	o.state.Store(int32(OutputStopped))
	o.volume.Store(math.Float64bits(1))
	return o, nil
}

func bufferDuration(cfg OutputConfig) time.Duration {
	bytesPerSecond := cfg.SampleRate * cfg.Channels * cfg.BitDepth / 8
	return time.Duration(cfg.BufferSize) * time.Second / time.Duration(bytesPerSecond)
}

// validateConfig validates the output configuration.
func validateConfig(cfg OutputConfig) error {
	if cfg.SampleRate != 44100 && cfg.SampleRate != 48000 {
		return fmt.Errorf("sample rate must be 44100 or 48000 Hz, got %d", cfg.SampleRate)
	}
	if cfg.Channels != 1 && cfg.Channels != 2 {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", cfg.Channels)
	}
	if cfg.BitDepth != 16 {
		return fmt.Errorf("bit depth must be 16, got %d", cfg.BitDepth)
	}
	if cfg.BufferSize <= 0 {
		return errors.New("buffer size must be positive")
	}
	return nil
}

// Start plays the PCM stream r until it ends or Stop is called. A previously
// started stream is replaced.
func (o *Output) Start(r io.Reader) error {
	if r == nil {
		return errors.New("stream is nil")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.State() == OutputClosed {
		return errors.New("output is closed")
	}
	o.closePlayer()

	o.player = o.context.NewPlayer(r)
	o.player.SetBufferSize(o.cfg.BufferSize)
	o.player.SetVolume(o.Volume())
	o.player.Play()
	o.state.Store(int32(OutputPlaying))
	return nil
}

// Pause suspends the device stream.
func (o *Output) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s := o.State(); s != OutputPlaying {
		return fmt.Errorf("cannot pause: output is %s", s)
	}
	o.player.Pause()
	o.state.Store(int32(OutputPaused))
	return nil
}

// Resume continues a paused stream.
func (o *Output) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s := o.State(); s != OutputPaused {
		return fmt.Errorf("cannot resume: output is %s", s)
	}
	o.player.Play()
	o.state.Store(int32(OutputPlaying))
	return nil
}

// Stop ends playback of the current stream.
func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.State() == OutputClosed {
		return nil
	}
	o.closePlayer()
	o.state.Store(int32(OutputStopped))
	return nil
}

func (o *Output) closePlayer() {
	if o.player == nil {
		return
	}
	o.player.Pause()
	o.player.Close()
	o.player = nil
}

// SetVolume sets the device volume (0.0 to 1.0).
func (o *Output) SetVolume(volume float64) error {
	if volume < 0 || volume > 1 || math.IsNaN(volume) {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", volume)
	}
	o.volume.Store(math.Float64bits(volume))

	o.mu.Lock()
	if o.player != nil {
		o.player.SetVolume(volume)
	}
	o.mu.Unlock()
	return nil
}

// Volume returns the device volume.
func (o *Output) Volume() float64 {
	return math.Float64frombits(o.volume.Load())
}

// State returns the playback state.
func (o *Output) State() OutputState {
	return OutputState(o.state.Load())
}

// Err returns the error that stopped the underlying player, if any.
func (o *Output) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player == nil {
		return nil
	}
	return o.player.Err()
}

// Close releases the device stream. oto contexts cannot be closed in v3; the
// context is dropped for the garbage collector.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closePlayer()
	o.context = nil
	o.state.Store(int32(OutputClosed))
	return nil
}
