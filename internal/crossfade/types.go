package crossfade

import (
	"context"
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/audio"
)

// State is the crossfade state of one layer.
type State int

const (
	Idle State = iota
	Loading
	Fading
	Cancelled
	Failed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Fading:
		return "fading"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Config holds crossfade settings.
type Config struct {
	// DefaultDuration is used when a request leaves the duration at zero.
	DefaultDuration time.Duration `yaml:"default_duration" env:"DEFAULT_DURATION"`
	MinDuration     time.Duration `yaml:"min_duration" env:"MIN_DURATION"`
	MaxDuration     time.Duration `yaml:"max_duration" env:"MAX_DURATION"`

	// TickInterval is the progress tick period.
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
}

// DefaultConfig returns the default crossfade configuration.
func DefaultConfig() Config {
	return Config{
		DefaultDuration: 3 * time.Second,
		MinDuration:     50 * time.Millisecond,
		MaxDuration:     30 * time.Second,
		TickInterval:    50 * time.Millisecond,
	}
}

// Clamp limits d to the configured range. Zero selects the default.
func (c Config) Clamp(d time.Duration) time.Duration {
	if d == 0 {
		d = c.DefaultDuration
	}
	if d < c.MinDuration {
		return c.MinDuration
	}
	if d > c.MaxDuration {
		return c.MaxDuration
	}
	return d
}

// Request describes one transition.
type Request struct {
	Layer ambient.LayerID

	// Source is the node currently playing on the layer, if any.
	Source   audio.SourceNode
	SourceID string

	// Target is the node to fade in. When nil, Load produces it and the
	// transition stays in Loading until Load returns.
	Target   audio.SourceNode
	TargetID string
	Load     func(ctx context.Context) (audio.SourceNode, error)

	Duration time.Duration

	// SyncPosition starts the target at the same fraction of its length
	// as the source has played.
	SyncPosition bool

	// OnProgress receives progress from 0 to 1.
	OnProgress func(float64)
}

// CancelOptions controls what a cancellation reconnects.
type CancelOptions struct {
	// SuppressSource leaves the source disconnected.
	SuppressSource bool
	// SuppressTarget leaves the target disconnected.
	SuppressTarget bool
}

// Info describes an active transition.
type Info struct {
	Layer    ambient.LayerID
	State    State
	SourceID string
	TargetID string
	Source   audio.SourceNode
	Target   audio.SourceNode
	FadeOut  audio.GainNode
	FadeIn   audio.GainNode
	Progress float64
	Started  time.Time
	Duration time.Duration
}

// EventKind identifies a crossfade notification.
type EventKind int

const (
	Started EventKind = iota
	Progress
	Completed
	Canceled
	Error
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case Started:
		return "crossfade-started"
	case Progress:
		return "crossfade-progress"
	case Completed:
		return "crossfade-completed"
	case Canceled:
		return "crossfade-cancelled"
	case Error:
		return "crossfade-error"
	default:
		return "unknown"
	}
}

// Event is published on every transition lifecycle change.
type Event struct {
	Kind     EventKind
	Layer    ambient.LayerID
	SourceID string
	TargetID string
	Progress float64
	Err      error
}

// VolumeSource reports the volume a layer should play at.
type VolumeSource interface {
	Volume(layer ambient.LayerID) float64
}
