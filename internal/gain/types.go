package gain

import (
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
)

// Config holds gain controller settings.
type Config struct {
	// DefaultVolume is the initial volume of a new channel.
	DefaultVolume float64 `yaml:"default_volume" env:"DEFAULT_VOLUME"`

	// Transition is the ramp used by non-immediate volume changes.
	Transition time.Duration `yaml:"transition" env:"TRANSITION"`

	// FadeInterval is how often Fade reports progress.
	FadeInterval time.Duration `yaml:"fade_interval" env:"FADE_INTERVAL"`
}

// DefaultConfig returns the default gain configuration.
func DefaultConfig() Config {
	return Config{
		DefaultVolume: 0.8,
		Transition:    100 * time.Millisecond,
		FadeInterval:  50 * time.Millisecond,
	}
}

// SetOptions controls a volume change.
type SetOptions struct {
	// Immediate cancels any ramp and snaps to the new value.
	Immediate bool
	// Transition overrides the configured ramp duration when positive.
	Transition time.Duration
}

// RestoreOptions controls how a snapshot is replayed.
type RestoreOptions = SetOptions

// Snapshot captures the volume of every layer.
type Snapshot struct {
	ID      string                      `json:"id"`
	Taken   time.Time                   `json:"taken"`
	Volumes map[ambient.LayerID]float64 `json:"volumes"`
}

// EventKind identifies a gain notification.
type EventKind int

const (
	VolumeChanged EventKind = iota
	Muted
	Unmuted
	FadeProgress
	FadeComplete
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case VolumeChanged:
		return "volume-changed"
	case Muted:
		return "muted"
	case Unmuted:
		return "unmuted"
	case FadeProgress:
		return "fade-progress"
	case FadeComplete:
		return "fade-complete"
	default:
		return "unknown"
	}
}

// Event is published by the controller on every volume change.
type Event struct {
	Kind     EventKind
	Layer    ambient.LayerID
	Volume   float64
	Progress float64 // FadeProgress and FadeComplete only
}
