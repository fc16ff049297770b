package engine

import (
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/cache"
	"github.com/dgnsrekt/ambient/internal/crossfade"
	"github.com/dgnsrekt/ambient/internal/gain"
	"github.com/dgnsrekt/ambient/internal/timeline"
)

// Notification sources.
const (
	SourceCache     = "cache"
	SourceGain      = "gain"
	SourceCrossfade = "crossfade"
	SourceTimeline  = "timeline"
	SourceEngine    = "engine"
)

// Engine notification kinds.
const (
	KindTrackChanged         = "track-changed"
	KindSoloChanged          = "solo-changed"
	KindCollectionRegistered = "collection-registered"
)

// Notification is one entry of the aggregated engine stream.
type Notification struct {
	Time    time.Time       `json:"time"`
	Source  string          `json:"source"`
	Kind    string          `json:"kind"`
	Layer   ambient.LayerID `json:"layer,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// LoadPayload accompanies cache notifications.
type LoadPayload struct {
	Locator string  `json:"locator"`
	Percent float64 `json:"percent,omitempty"`
}

// VolumePayload accompanies gain notifications.
type VolumePayload struct {
	Volume   float64 `json:"volume"`
	Progress float64 `json:"progress,omitempty"`
}

// CrossfadePayload accompanies crossfade notifications.
type CrossfadePayload struct {
	Source   string  `json:"source,omitempty"`
	Target   string  `json:"target,omitempty"`
	Progress float64 `json:"progress"`
}

// TimelinePayload accompanies timeline notifications.
type TimelinePayload struct {
	Elapsed  time.Duration   `json:"elapsed"`
	Progress float64         `json:"progress"`
	Previous string          `json:"previous,omitempty"`
	Phase    *timeline.Phase `json:"phase,omitempty"`
	Event    string          `json:"event,omitempty"`
}

// TrackPayload accompanies track changes.
type TrackPayload struct {
	Previous string `json:"previous,omitempty"`
	Track    string `json:"track"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func fromCache(e cache.Event) Notification {
	return Notification{
		Source:  SourceCache,
		Kind:    e.Kind.String(),
		Payload: LoadPayload{Locator: e.Locator, Percent: e.Percent},
		Error:   errString(e.Err),
	}
}

func fromGain(e gain.Event) Notification {
	return Notification{
		Source:  SourceGain,
		Kind:    e.Kind.String(),
		Layer:   e.Layer,
		Payload: VolumePayload{Volume: e.Volume, Progress: e.Progress},
	}
}

func fromCrossfade(e crossfade.Event) Notification {
	return Notification{
		Source:  SourceCrossfade,
		Kind:    e.Kind.String(),
		Layer:   e.Layer,
		Payload: CrossfadePayload{Source: e.SourceID, Target: e.TargetID, Progress: e.Progress},
		Error:   errString(e.Err),
	}
}

func fromTimeline(n timeline.Notification) Notification {
	return Notification{
		Source: SourceTimeline,
		Kind:   n.Kind.String(),
		Payload: TimelinePayload{
			Elapsed:  n.Elapsed,
			Progress: n.Progress,
			Previous: n.Previous,
			Phase:    n.Phase,
			Event:    n.EventID,
		},
	}
}
