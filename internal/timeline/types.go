package timeline

import (
	"context"
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/gain"
)

// Config holds scheduler settings.
type Config struct {
	// Duration is the session length. Zero means the session has no end
	// and cannot be seeked.
	Duration time.Duration `yaml:"duration" env:"DURATION"`

	// TickInterval is the update loop period.
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`

	// MinUpdateInterval throttles updates arriving faster than this.
	MinUpdateInterval time.Duration `yaml:"min_update_interval" env:"MIN_UPDATE_INTERVAL"`

	// ProgressRate caps progress notifications per second.
	ProgressRate float64 `yaml:"progress_rate" env:"PROGRESS_RATE"`

	// PhaseTransition is the fade and crossfade duration used when the
	// active phase changes during playback.
	PhaseTransition time.Duration `yaml:"phase_transition" env:"PHASE_TRANSITION"`
}

// DefaultConfig returns the default timeline configuration.
func DefaultConfig() Config {
	return Config{
		Duration:          60 * time.Minute,
		TickInterval:      50 * time.Millisecond,
		MinUpdateInterval: 30 * time.Millisecond,
		ProgressRate:      4,
		PhaseTransition:   5 * time.Second,
	}
}

// ImmediateTrackChange is the crossfade used by immediate phase application.
const ImmediateTrackChange = 50 * time.Millisecond

// Phase is a point on the session timeline with an optional target mix.
type Phase struct {
	ID       string      `yaml:"id" json:"id"`
	Name     string      `yaml:"name,omitempty" json:"name,omitempty"`
	Position float64     `yaml:"position" json:"position"` // percent of the session, 0-100
	State    *PhaseState `yaml:"state,omitempty" json:"state,omitempty"`
	Locked   bool        `yaml:"locked,omitempty" json:"locked,omitempty"`
}

// PhaseState is the mix a phase applies.
type PhaseState struct {
	Volumes map[ambient.LayerID]float64 `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Tracks  map[ambient.LayerID]string  `yaml:"tracks,omitempty" json:"tracks,omitempty"`
}

// Empty reports whether the state changes nothing.
func (s *PhaseState) Empty() bool {
	return s == nil || (len(s.Volumes) == 0 && len(s.Tracks) == 0)
}

// Event is a one-shot action at a point in the session.
type Event struct {
	ID      string
	At      time.Duration
	Handler func()
}

// EventInfo describes a registered event.
type EventInfo struct {
	ID        string        `json:"id"`
	At        time.Duration `json:"at"`
	Triggered bool          `json:"triggered"`
}

// StartOptions controls Start.
type StartOptions struct {
	// Reset zeroes the clock and re-arms every event first.
	Reset bool
}

// ApplyOptions controls ApplyPhase. A zero Duration behaves like Immediate:
// volumes snap and tracks change over ImmediateTrackChange.
type ApplyOptions struct {
	Immediate bool
	Duration  time.Duration
}

// Status is a point-in-time view of the clock.
type Status struct {
	State    string        `json:"state"`
	Elapsed  time.Duration `json:"elapsed"`
	Duration time.Duration `json:"duration"`
	Progress float64       `json:"progress"`
	Phase    string        `json:"phase,omitempty"`
}

// Mixer sets layer volumes for phase application.
type Mixer interface {
	SetVolume(layer ambient.LayerID, v float64, opts gain.SetOptions) error
	Fade(ctx context.Context, layer ambient.LayerID, target float64, d time.Duration, onProgress func(float64)) error
}

// TrackChanger switches the active track of a layer.
type TrackChanger interface {
	SwitchTrack(ctx context.Context, layer ambient.LayerID, trackID string, d time.Duration) error
}

// NotificationKind identifies a timeline notification.
type NotificationKind int

const (
	Started NotificationKind = iota
	Stopped
	Paused
	Resumed
	Completed
	Reset
	ProgressChanged
	PhaseChanged
	EventTriggered
)

// String returns the notification name.
func (k NotificationKind) String() string {
	switch k {
	case Started:
		return "timeline-started"
	case Stopped:
		return "timeline-stopped"
	case Paused:
		return "timeline-paused"
	case Resumed:
		return "timeline-resumed"
	case Completed:
		return "timeline-completed"
	case Reset:
		return "timeline-reset"
	case ProgressChanged:
		return "timeline-progress"
	case PhaseChanged:
		return "phase-changed"
	case EventTriggered:
		return "event-triggered"
	default:
		return "unknown"
	}
}

// Notification is published on clock changes, phase changes and fired
// events.
type Notification struct {
	Kind     NotificationKind
	Elapsed  time.Duration
	Progress float64

	// PhaseChanged only
	Previous string
	Phase    *Phase

	// EventTriggered only
	EventID string
}
