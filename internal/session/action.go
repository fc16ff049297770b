package session

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/gain"
)

// ActionKind names what an event does.
type ActionKind string

const (
	ActionVolume ActionKind = "volume"
	ActionFade   ActionKind = "fade"
	ActionTrack  ActionKind = "track"
	ActionMute   ActionKind = "mute"
	ActionUnmute ActionKind = "unmute"
)

// Action is the declarative body of an event.
type Action struct {
	Kind     ActionKind      `yaml:"kind"`
	Layer    ambient.LayerID `yaml:"layer"`
	Volume   *float64        `yaml:"volume,omitempty"`
	Duration time.Duration   `yaml:"duration,omitempty"`
	Track    string          `yaml:"track,omitempty"`
}

// Mixer is the part of the engine actions drive.
type Mixer interface {
	SetVolume(layer ambient.LayerID, v float64, opts gain.SetOptions) error
	Fade(ctx context.Context, layer ambient.LayerID, target float64, d time.Duration, onProgress func(float64)) error
	SwitchTrack(ctx context.Context, layer ambient.LayerID, trackID string, d time.Duration) error
	Mute(layer ambient.LayerID) error
	Unmute(layer ambient.LayerID) error
}

func (a Action) validate(tracks map[ambient.LayerID]map[string]bool) error {
	if err := ambient.ValidateLayer(a.Layer); err != nil {
		return err
	}
	if a.Duration < 0 {
		return ambient.InvalidParameter("negative duration %s", a.Duration)
	}

	switch a.Kind {
	case ActionVolume, ActionFade:
		if a.Volume == nil {
			return ambient.InvalidParameter("%s action needs a volume", a.Kind)
		}
		if math.IsNaN(*a.Volume) || *a.Volume < 0 || *a.Volume > 1 {
			return ambient.InvalidParameter("volume %v out of range", *a.Volume)
		}
	case ActionTrack:
		if a.Track == "" {
			return ambient.InvalidParameter("track action needs a track")
		}
		if tracks != nil && !tracks[a.Layer][a.Track] {
			return ambient.InvalidParameter("%s has no track %q", a.Layer, a.Track)
		}
	case ActionMute, ActionUnmute:
	default:
		return ambient.InvalidParameter("unknown action %q", a.Kind)
	}
	return nil
}

// Run performs the action.
func (a Action) Run(ctx context.Context, m Mixer) error {
	switch a.Kind {
	case ActionVolume:
		return m.SetVolume(a.Layer, *a.Volume, gain.SetOptions{Transition: a.Duration})
	case ActionFade:
		err := m.Fade(ctx, a.Layer, *a.Volume, a.Duration, nil)
		if errors.Is(err, ambient.ErrCanceled) {
			return nil
		}
		return err
	case ActionTrack:
		return m.SwitchTrack(ctx, a.Layer, a.Track, a.Duration)
	case ActionMute:
		return m.Mute(a.Layer)
	case ActionUnmute:
		return m.Unmute(a.Layer)
	}
	return ambient.InvalidParameter("unknown action %q", a.Kind)
}
