// Package engine coordinates the layers of an ambient session. It binds track
// catalogs to layers, loads tracks through the buffer cache, switches them
// with crossfades, applies volume, mute and solo, and runs the session
// timeline. All component notifications are re-published on one stream.
//
// Subscribers are called synchronously and must not call mutating engine
// methods from inside the callback.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/audio"
	"github.com/dgnsrekt/ambient/internal/cache"
	"github.com/dgnsrekt/ambient/internal/crossfade"
	"github.com/dgnsrekt/ambient/internal/gain"
	"github.com/dgnsrekt/ambient/internal/graph"
	"github.com/dgnsrekt/ambient/internal/notify"
	"github.com/dgnsrekt/ambient/internal/timeline"
)

// Config groups the component settings.
type Config struct {
	Gain      gain.Config
	Crossfade crossfade.Config
	Timeline  timeline.Config
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Gain:      gain.DefaultConfig(),
		Crossfade: crossfade.DefaultConfig(),
		Timeline:  timeline.DefaultConfig(),
	}
}

// Engine is the layer orchestrator.
type Engine struct {
	sink     audio.Sink
	router   *graph.Router
	buffers  *cache.BufferCache
	gain     *gain.Controller
	xfade    *crossfade.Engine
	timeline *timeline.Scheduler
	logger   *log.Logger
	now      func() time.Time

	// opMu serializes operations that rewire a layer. mu guards layer
	// fields and is never held while calling a component.
	opMu   sync.Mutex
	mu     sync.Mutex
	layers map[ambient.LayerID]*layer
	closed bool

	hub    notify.Hub[Notification]
	unsubs []func()
}

type layer struct {
	id     ambient.LayerID
	tracks []ambient.Track
	index  map[string]ambient.Track

	current    *playing
	incoming   *playing
	transition *crossfade.Transition

	solo      bool
	userMuted bool
	soloMuted bool
}

type playing struct {
	trackID string
	locator string
	node    audio.SourceNode
}

func (p *playing) id() string {
	if p == nil {
		return ""
	}
	return p.trackID
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger       *log.Logger
	timelineOpts []timeline.Option
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTimelineOptions passes options to the timeline scheduler.
func WithTimelineOptions(opts ...timeline.Option) Option {
	return func(o *options) { o.timelineOpts = append(o.timelineOpts, opts...) }
}

// New wires the components over sink and creates the channel of every
// layer.
func New(sink audio.Sink, buffers *cache.BufferCache, cfg Config, opts ...Option) (*Engine, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}

	router := graph.New(sink)
	gc := gain.New(router, cfg.Gain, gain.WithLogger(o.logger))
	e := &Engine{
		sink:    sink,
		router:  router,
		buffers: buffers,
		gain:    gc,
		xfade:   crossfade.New(router, gc, cfg.Crossfade, crossfade.WithLogger(o.logger)),
		logger:  o.logger.WithPrefix("engine"),
		now:     time.Now,
		layers:  make(map[ambient.LayerID]*layer, ambient.LayerCount),
	}
	e.timeline = timeline.New(e, e, cfg.Timeline, append([]timeline.Option{timeline.WithLogger(o.logger)}, o.timelineOpts...)...)

	for _, id := range ambient.Layers() {
		if _, err := gc.Channel(id); err != nil {
			return nil, err
		}
		e.layers[id] = &layer{id: id, index: make(map[string]ambient.Track)}
	}

	e.unsubs = []func(){
		buffers.Subscribe(func(ev cache.Event) {
			if ev.Kind != cache.LoadProgress {
				e.publish(fromCache(ev))
			}
		}),
		gc.Subscribe(func(ev gain.Event) { e.publish(fromGain(ev)) }),
		e.xfade.Subscribe(func(ev crossfade.Event) { e.publish(fromCrossfade(ev)) }),
		e.timeline.Subscribe(func(n timeline.Notification) { e.publish(fromTimeline(n)) }),
	}
	return e, nil
}

func (e *Engine) publish(n Notification) {
	if n.Time.IsZero() {
		n.Time = e.now()
	}
	e.hub.Publish(n)
}

// Subscribe registers fn for every engine notification.
func (e *Engine) Subscribe(fn func(Notification)) (unsubscribe func()) {
	return e.hub.Subscribe(fn)
}

// Timeline returns the session scheduler.
func (e *Engine) Timeline() *timeline.Scheduler { return e.timeline }

// Buffers returns the buffer cache.
func (e *Engine) Buffers() *cache.BufferCache { return e.buffers }

// Gain returns the gain controller.
func (e *Engine) Gain() *gain.Controller { return e.gain }

// Crossfades returns the crossfade engine.
func (e *Engine) Crossfades() *crossfade.Engine { return e.xfade }

// Reset cancels transitions, stops the timeline and returns every layer to
// the default volume with mute and solo cleared. Playing tracks keep playing.
func (e *Engine) Reset() {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.timeline.Reset()
	for _, id := range ambient.Layers() {
		e.settle(e.layers[id])
	}

	e.mu.Lock()
	for _, l := range e.layers {
		l.solo, l.userMuted, l.soloMuted = false, false, false
	}
	e.mu.Unlock()

	e.gain.Reset()
}

// Close stops everything and releases every node the engine created. The
// sink and the cache are left open.
func (e *Engine) Close() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.timeline.Stop()
	e.xfade.CancelAll(crossfade.CancelOptions{SuppressSource: true, SuppressTarget: true})

	var errs []error
	for _, id := range ambient.Layers() {
		l := e.layers[id]
		e.mu.Lock()
		cur, inc := l.current, l.incoming
		l.current, l.incoming, l.transition = nil, nil, nil
		e.mu.Unlock()
		for _, p := range []*playing{cur, inc} {
			if err := e.retire(p); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, unsubscribe := range e.unsubs {
		unsubscribe()
	}
	return errors.Join(errs...)
}

// retire stops and releases a playing node and drops its cache pin.
func (e *Engine) retire(p *playing) error {
	if p == nil {
		return nil
	}
	var err error
	if p.node != nil {
		err = p.node.Stop()
		e.router.Release(p.node)
	}
	e.buffers.Unpin(p.locator)
	return err
}

// LayerState describes one layer.
type LayerState struct {
	Layer     ambient.LayerID `json:"layer"`
	Volume    float64         `json:"volume"`
	Muted     bool            `json:"muted"`
	Solo      bool            `json:"solo"`
	Track     string          `json:"track,omitempty"`
	Incoming  string          `json:"incoming,omitempty"`
	Crossfade string          `json:"crossfade"`
	Progress  float64         `json:"progress,omitempty"`
	Tracks    []ambient.Track `json:"tracks,omitempty"`
}

// Layers describes every layer.
func (e *Engine) Layers() []LayerState {
	progress := e.xfade.Progress()
	out := make([]LayerState, 0, ambient.LayerCount)
	for _, id := range ambient.Layers() {
		e.mu.Lock()
		l := e.layers[id]
		st := LayerState{
			Layer:    id,
			Solo:     l.solo,
			Track:    l.current.id(),
			Incoming: l.incoming.id(),
			Tracks:   append([]ambient.Track(nil), l.tracks...),
		}
		e.mu.Unlock()

		st.Volume = e.gain.Volume(id)
		st.Muted = e.gain.IsMuted(id)
		st.Crossfade = e.xfade.State(id).String()
		st.Progress = progress[id]
		out = append(out, st)
	}
	return out
}

// Preload loads every catalog track of every layer into the buffer cache.
func (e *Engine) Preload(ctx context.Context, concurrency int, onProgress cache.ProgressFunc) map[string]cache.Result {
	e.mu.Lock()
	var locators []string
	for _, id := range ambient.Layers() {
		for _, t := range e.layers[id].tracks {
			locators = append(locators, t.Locator)
		}
	}
	e.mu.Unlock()

	return e.buffers.PreloadMany(ctx, locators, concurrency, onProgress)
}
