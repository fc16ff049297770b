package engine

import (
	"context"
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/gain"
)

// SetVolume sets the volume of a layer and keeps a running crossfade on it in
// step. On a layer silenced by another layer's solo the value is remembered
// for when the solo ends. An audible volume clears a user mute.
func (e *Engine) SetVolume(id ambient.LayerID, v float64, opts gain.SetOptions) error {
	if err := ambient.ValidateLayer(id); err != nil {
		return err
	}
	if err := ambient.ValidVolume(v); err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	l := e.layers[id]
	soloMuted := l.soloMuted
	e.mu.Unlock()

	if soloMuted && !ambient.Silent(v) {
		return e.gain.SetMuteShadow(id, v)
	}
	if err := e.gain.SetVolume(id, v, opts); err != nil {
		return err
	}
	if !ambient.Silent(v) {
		e.mu.Lock()
		l.userMuted = false
		e.mu.Unlock()
	}
	e.xfade.AdjustVolume(id, e.gain.Volume(id))
	return nil
}

// Fade ramps the volume of a layer over d. A running crossfade on the layer
// is re-aimed at the target at once.
func (e *Engine) Fade(ctx context.Context, id ambient.LayerID, target float64, d time.Duration, onProgress func(float64)) error {
	if err := ambient.ValidVolume(target); err != nil {
		return err
	}
	e.xfade.AdjustVolume(id, ambient.Clamp01(target))
	return e.gain.Fade(ctx, id, target, d, onProgress)
}

// Mute silences a layer until Unmute.
func (e *Engine) Mute(id ambient.LayerID) error {
	if err := ambient.ValidateLayer(id); err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.gain.Mute(id); err != nil {
		return err
	}
	e.mu.Lock()
	e.layers[id].userMuted = true
	e.mu.Unlock()

	e.xfade.AdjustVolume(id, 0)
	return nil
}

// Unmute restores a muted layer. A layer also silenced by another layer's
// solo stays silent until the solo ends.
func (e *Engine) Unmute(id ambient.LayerID) error {
	if err := ambient.ValidateLayer(id); err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	l := e.layers[id]
	l.userMuted = false
	soloMuted := l.soloMuted
	e.mu.Unlock()

	if soloMuted {
		return nil
	}
	if err := e.gain.Unmute(id); err != nil {
		return err
	}
	e.xfade.AdjustVolume(id, e.gain.Volume(id))
	return nil
}

// ToggleSolo flips the solo flag of a layer and returns the new value. While
// any layer is soloed every other layer is muted; when the last solo ends
// those layers come back unless they were muted by hand.
func (e *Engine) ToggleSolo(id ambient.LayerID) (bool, error) {
	if err := ambient.ValidateLayer(id); err != nil {
		return false, err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	e.layers[id].solo = !e.layers[id].solo
	solo := e.layers[id].solo
	anySolo := false
	for _, l := range e.layers {
		anySolo = anySolo || l.solo
	}

	type change struct {
		id     ambient.LayerID
		mute   bool
		silent bool // already muted by the user
	}
	var changes []change
	for _, lid := range ambient.Layers() {
		l := e.layers[lid]
		shouldMute := anySolo && !l.solo
		switch {
		case shouldMute && !l.soloMuted:
			l.soloMuted = true
			changes = append(changes, change{id: lid, mute: true, silent: l.userMuted})
		case !shouldMute && l.soloMuted:
			l.soloMuted = false
			changes = append(changes, change{id: lid, mute: false, silent: l.userMuted})
		}
	}
	e.mu.Unlock()

	for _, c := range changes {
		if c.silent {
			continue
		}
		var err error
		if c.mute {
			err = e.gain.Mute(c.id)
			e.xfade.AdjustVolume(c.id, 0)
		} else {
			err = e.gain.Unmute(c.id)
			e.xfade.AdjustVolume(c.id, e.gain.Volume(c.id))
		}
		if err != nil {
			return solo, err
		}
	}

	e.publish(Notification{Source: SourceEngine, Kind: KindSoloChanged, Layer: id, Payload: solo})
	return solo, nil
}
