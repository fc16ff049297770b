package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/audio"
	"github.com/dgnsrekt/ambient/internal/crossfade"
)

// Collection maps layers to their ordered track catalogs.
type Collection map[ambient.LayerID][]ambient.Track

// ChangeOptions controls ChangeTrack.
type ChangeOptions struct {
	// Duration of the crossfade; zero selects the configured default.
	Duration     time.Duration
	SyncPosition bool
}

// RegisterCollection replaces the catalogs of the layers named in c.
// Variations become sibling tracks. The whole collection is validated before
// any catalog changes.
func (e *Engine) RegisterCollection(c Collection) error {
	catalogs := make(map[ambient.LayerID][]ambient.Track, len(c))
	for id, tracks := range c {
		if err := ambient.ValidateLayer(id); err != nil {
			return err
		}
		var flat []ambient.Track
		seen := make(map[string]bool)
		for _, t := range tracks {
			for _, f := range t.Flatten() {
				if f.ID == "" {
					return ambient.InvalidParameter("%s: track without id", id)
				}
				if f.Locator == "" {
					return ambient.InvalidParameter("%s: track %q has no source", id, f.ID)
				}
				if seen[f.ID] {
					return ambient.InvalidParameter("%s: duplicate track %q", id, f.ID)
				}
				seen[f.ID] = true
				flat = append(flat, f)
			}
		}
		catalogs[id] = flat
	}

	e.mu.Lock()
	total := 0
	for id, flat := range catalogs {
		l := e.layers[id]
		l.tracks = flat
		l.index = make(map[string]ambient.Track, len(flat))
		for _, t := range flat {
			l.index[t.ID] = t
		}
		total += len(flat)
	}
	e.mu.Unlock()

	e.logger.Info("collection registered", "layers", len(catalogs), "tracks", total)
	e.publish(Notification{Source: SourceEngine, Kind: KindCollectionRegistered, Payload: total})
	return nil
}

// Catalog returns the tracks of layer.
func (e *Engine) Catalog(id ambient.LayerID) ([]ambient.Track, error) {
	if err := ambient.ValidateLayer(id); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ambient.Track(nil), e.layers[id].tracks...), nil
}

// CurrentTrack returns the id of the track a layer settled on.
func (e *Engine) CurrentTrack(id ambient.LayerID) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.layers[id]; ok {
		return l.current.id()
	}
	return ""
}

// ChangeTrack crossfades layer to trackID. The track is loaded through the
// buffer cache while the transition waits in Loading. A transition already
// running on the layer is resolved first: a fade in progress is cut short
// and its incoming track becomes the outgoing one. Changing to the track
// already playing, with nothing in flight, is a STATE_CONFLICT.
func (e *Engine) ChangeTrack(ctx context.Context, id ambient.LayerID, trackID string, opts ChangeOptions) (*crossfade.Transition, error) {
	if err := ambient.ValidateLayer(id); err != nil {
		return nil, err
	}
	if opts.Duration < 0 {
		return nil, ambient.InvalidParameter("negative crossfade duration %s", opts.Duration)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ambient.StateConflict("engine closed")
	}
	l := e.layers[id]
	track, ok := l.index[trackID]
	if !ok {
		e.mu.Unlock()
		return nil, ambient.InvalidParameter("%s has no track %q", id, trackID)
	}
	if l.transition == nil && l.current.id() == trackID {
		e.mu.Unlock()
		return nil, ambient.StateConflict("%s is already playing %q", id, trackID)
	}
	if l.incoming.id() == trackID {
		tr := l.transition
		e.mu.Unlock()
		return tr, nil
	}
	e.mu.Unlock()

	e.settle(l)

	e.mu.Lock()
	inc := &playing{trackID: track.ID, locator: track.Locator}
	cur := l.current
	l.incoming = inc
	e.mu.Unlock()

	e.buffers.Pin(inc.locator)

	req := crossfade.Request{
		Layer:        id,
		SourceID:     cur.id(),
		TargetID:     inc.trackID,
		Duration:     opts.Duration,
		SyncPosition: opts.SyncPosition,
		Load: func(ctx context.Context) (audio.SourceNode, error) {
			return e.open(ctx, l, inc)
		},
	}
	if cur != nil {
		req.Source = cur.node
	}

	tr, err := e.xfade.Begin(req)
	if err != nil {
		e.mu.Lock()
		l.incoming = nil
		e.mu.Unlock()
		e.buffers.Unpin(inc.locator)
		return nil, err
	}

	e.mu.Lock()
	l.transition = tr
	e.mu.Unlock()

	e.logger.Debug("track change", "layer", id, "from", cur.id(), "to", inc.trackID)
	go e.watch(l, tr)
	return tr, nil
}

// open loads the buffer of p and creates its looping source node.
func (e *Engine) open(ctx context.Context, l *layer, p *playing) (audio.SourceNode, error) {
	entry, err := e.buffers.Load(ctx, p.locator, nil)
	if err != nil {
		return nil, err
	}
	node, err := e.sink.NewSource(entry.Buffer)
	if err != nil {
		return nil, ambient.GraphError("create source", err)
	}
	node.SetLoop(true)

	e.mu.Lock()
	defer e.mu.Unlock()
	if l.incoming != p {
		e.router.Release(node)
		return nil, ambient.Canceled("track change superseded")
	}
	p.node = node
	return node, nil
}

// watch records the outcome of a transition that ended on its own.
func (e *Engine) watch(l *layer, tr *crossfade.Transition) {
	<-tr.Done()

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	mine := l.transition == tr
	e.mu.Unlock()
	if mine {
		e.conclude(l, tr)
	}
}

// settle resolves the transition on l, if any, so a new one can start. Must
// be called with opMu held.
func (e *Engine) settle(l *layer) {
	e.mu.Lock()
	tr := l.transition
	e.mu.Unlock()
	if tr == nil {
		return
	}

	for {
		info, ok := e.xfade.Active(l.id)
		if !ok {
			break
		}
		if info.Target != nil {
			// mid-fade: keep the incoming track, drop the outgoing one
			if _, ok := e.xfade.Cancel(l.id, crossfade.CancelOptions{SuppressSource: true}); ok {
				e.mu.Lock()
				old := l.current
				l.current, l.incoming, l.transition = l.incoming, nil, nil
				e.mu.Unlock()
				e.retire(old)
				return
			}
			continue
		}
		if _, ok := e.xfade.Cancel(l.id, crossfade.CancelOptions{}); ok {
			e.mu.Lock()
			inc := l.incoming
			l.incoming, l.transition = nil, nil
			e.mu.Unlock()
			e.retire(inc)
			return
		}
	}

	// ended on its own
	<-tr.Done()
	e.conclude(l, tr)
}

// conclude applies the outcome of a finished transition. Must be called with
// opMu held.
func (e *Engine) conclude(l *layer, tr *crossfade.Transition) {
	err := tr.Err()

	e.mu.Lock()
	old, inc := l.current, l.incoming
	l.transition, l.incoming = nil, nil
	if err == nil {
		l.current = inc
	}
	e.mu.Unlock()

	switch {
	case err == nil:
		// the crossfade already stopped and released the outgoing node
		if old != nil {
			e.buffers.Unpin(old.locator)
		}
		e.logger.Info("track changed", "layer", l.id, "track", inc.id())
		e.publish(Notification{
			Source:  SourceEngine,
			Kind:    KindTrackChanged,
			Layer:   l.id,
			Payload: TrackPayload{Previous: old.id(), Track: inc.id()},
		})
	case errors.Is(err, ambient.ErrCanceled):
		e.retire(inc)
	default:
		e.logger.Warn("track change failed", "layer", l.id, "track", inc.id(), "err", err)
		e.retire(inc)
	}
}

// SwitchTrack changes the track of a layer and waits for the crossfade. A
// layer already on the track is left alone.
func (e *Engine) SwitchTrack(ctx context.Context, id ambient.LayerID, trackID string, d time.Duration) error {
	tr, err := e.ChangeTrack(ctx, id, trackID, ChangeOptions{Duration: d})
	if errors.Is(err, ambient.ErrStateConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	return tr.Wait(ctx)
}
