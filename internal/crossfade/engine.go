// Package crossfade runs timed transitions between two sources on a layer.
//
// A transition routes the outgoing source through a fade-out stage and the
// incoming target through a fade-in stage, ramps the two in opposite
// directions and, when the last progress tick lands, moves the target onto
// the layer output and tears the stages down. Each layer has at most one
// transition; beginning another cancels the first.
package crossfade

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/audio"
	"github.com/dgnsrekt/ambient/internal/graph"
	"github.com/dgnsrekt/ambient/internal/notify"
)

// Engine schedules crossfades for every layer.
type Engine struct {
	router  *graph.Router
	volumes VolumeSource
	cfg     Config
	logger  *log.Logger

	mu     sync.Mutex
	active map[ambient.LayerID]*Transition

	events notify.Hub[Event]
}

// Transition is the handle of one crossfade.
type Transition struct {
	layer      ambient.LayerID
	sourceID   string
	targetID   string
	source     audio.SourceNode
	target     audio.SourceNode
	sync       bool
	onProgress func(float64)

	state    State
	fadeOut  audio.GainNode
	fadeIn   audio.GainNode
	duration time.Duration
	started  time.Time
	volume   float64

	ticks      int
	totalTicks int
	progress   float64

	ticker    *time.Ticker
	stop      chan struct{}
	cancelled bool
	ctx       context.Context
	cancelCtx context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

// Layer returns the layer the transition runs on.
func (t *Transition) Layer() ambient.LayerID { return t.layer }

// TargetID returns the identifier of the incoming track.
func (t *Transition) TargetID() string { return t.targetID }

// Done is closed when the transition completes, fails or is canceled.
func (t *Transition) Done() <-chan struct{} { return t.done }

// Err returns the outcome once Done is closed: nil on completion, a CANCELED
// error when superseded or canceled, otherwise the failure.
func (t *Transition) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the transition ends or ctx is done.
func (t *Transition) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transition) finish(err error) {
	t.once.Do(func() {
		t.err = err
		t.cancelCtx()
		close(t.done)
	})
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a crossfade engine. Stage volumes follow volumes.
func New(router *graph.Router, volumes VolumeSource, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = def.DefaultDuration
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = def.MinDuration
	}
	if cfg.MaxDuration < cfg.MinDuration {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}

	e := &Engine{
		router:  router,
		volumes: volumes,
		cfg:     cfg,
		active:  make(map[ambient.LayerID]*Transition),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	e.logger = e.logger.WithPrefix("crossfade")
	return e
}

// Subscribe registers fn for crossfade notifications.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	return e.events.Subscribe(fn)
}

// Begin starts a transition on req.Layer, canceling any transition already
// running there. With a Target the graph is rewired before Begin returns and
// a wiring failure is returned after recovery. With Load the transition
// waits in Loading and failures are reported through the handle.
func (e *Engine) Begin(req Request) (*Transition, error) {
	if err := ambient.ValidateLayer(req.Layer); err != nil {
		return nil, err
	}
	if req.Target == nil && req.Load == nil {
		return nil, ambient.InvalidParameter("crossfade on %s has no target", req.Layer)
	}
	if req.Duration < 0 {
		return nil, ambient.InvalidParameter("negative crossfade duration %s", req.Duration)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transition{
		layer:      req.Layer,
		sourceID:   req.SourceID,
		targetID:   req.TargetID,
		source:     req.Source,
		target:     req.Target,
		sync:       req.SyncPosition,
		onProgress: req.OnProgress,
		duration:   e.cfg.Clamp(req.Duration),
		stop:       make(chan struct{}),
		ctx:        ctx,
		cancelCtx:  cancel,
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	prev := e.active[req.Layer]
	var prevProgress float64
	if prev != nil {
		prevProgress = e.cancelLocked(prev, CancelOptions{})
	}
	e.active[req.Layer] = t

	if t.target == nil {
		t.state = Loading
		e.mu.Unlock()

		if prev != nil {
			e.canceled(prev, prevProgress)
		}
		e.logger.Debug("loading target", "layer", t.layer, "target", t.targetID)
		go e.load(t, req.Load)
		return t, nil
	}

	err := e.startLocked(t)
	e.mu.Unlock()

	if prev != nil {
		e.canceled(prev, prevProgress)
	}
	if err != nil {
		e.failed(t, err)
		return t, err
	}
	e.started(t)
	return t, nil
}

func (e *Engine) load(t *Transition, load func(context.Context) (audio.SourceNode, error)) {
	node, err := load(t.ctx)

	e.mu.Lock()
	if t.cancelled || e.active[t.layer] != t {
		e.mu.Unlock()
		return
	}
	if err != nil {
		delete(e.active, t.layer)
		e.mu.Unlock()
		e.failed(t, err)
		return
	}

	t.target = node
	err = e.startLocked(t)
	e.mu.Unlock()

	if err != nil {
		e.failed(t, err)
		return
	}
	e.started(t)
}

// startLocked wires the stages, starts the ramps and the progress ticker. On a
// wiring failure it reconnects both nodes to the layer output, forgets the
// transition and returns the error.
func (e *Engine) startLocked(t *Transition) error {
	vol := ambient.Clamp01(e.volumes.Volume(t.layer))
	t.volume = vol

	if err := e.wireLocked(t); err != nil {
		e.recoverLocked(t)
		delete(e.active, t.layer)
		return err
	}

	var offset time.Duration
	if t.sync && t.source != nil {
		offset = syncedOffset(t.source, t.target)
	}
	if !t.target.Playing() {
		if err := t.target.Start(offset); err != nil {
			e.recoverLocked(t)
			delete(e.active, t.layer)
			return ambient.GraphError("start target", err)
		}
	}

	if t.fadeOut != nil {
		t.fadeOut.LinearRampTo(0, t.duration)
	}
	t.fadeIn.LinearRampTo(vol, t.duration)

	t.state = Fading
	t.started = time.Now()
	t.totalTicks = int(math.Ceil(float64(t.duration) / float64(e.cfg.TickInterval)))
	if t.totalTicks < 1 {
		t.totalTicks = 1
	}
	t.ticker = time.NewTicker(e.cfg.TickInterval)
	go e.run(t)
	return nil
}

func (e *Engine) wireLocked(t *Transition) error {
	var err error
	if t.source != nil {
		if t.fadeOut, err = e.router.NewStage(t.layer, t.volume); err != nil {
			return err
		}
		if err = e.router.Route(t.source, t.fadeOut); err != nil {
			return err
		}
	}
	if t.fadeIn, err = e.router.NewStage(t.layer, 0); err != nil {
		return err
	}
	return e.router.Route(t.target, t.fadeIn)
}

// recoverLocked puts both nodes straight on the layer output so the layer is
// never left without a connected output.
func (e *Engine) recoverLocked(t *Transition) {
	if t.source != nil {
		if err := e.router.RouteToLayer(t.layer, t.source); err != nil {
			e.logger.Error("recovery failed", "layer", t.layer, "node", "source", "err", err)
		}
	}
	if t.target != nil {
		if err := e.router.RouteToLayer(t.layer, t.target); err != nil {
			e.logger.Error("recovery failed", "layer", t.layer, "node", "target", "err", err)
		}
	}
	e.releaseStagesLocked(t)
	t.cancelled = true
}

func (e *Engine) releaseStagesLocked(t *Transition) {
	for _, stage := range []audio.GainNode{t.fadeOut, t.fadeIn} {
		if stage == nil {
			continue
		}
		if err := e.router.ReleaseStage(stage); err != nil {
			e.logger.Warn("release stage", "layer", t.layer, "err", err)
		}
	}
	t.fadeOut, t.fadeIn = nil, nil
}

func syncedOffset(source, target audio.SourceNode) time.Duration {
	sd, td := source.Duration(), target.Duration()
	if sd <= 0 || td <= 0 {
		return 0
	}
	frac := float64(source.Position()) / float64(sd)
	frac = math.Max(0, math.Min(frac, 1))
	return time.Duration(frac * float64(td))
}

func (e *Engine) run(t *Transition) {
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C:
			if e.tick(t) {
				return
			}
		}
	}
}

// tick advances progress by one tick and reports whether the transition
// ended.
func (e *Engine) tick(t *Transition) bool {
	e.mu.Lock()
	if t.cancelled || e.active[t.layer] != t {
		e.mu.Unlock()
		return true
	}

	t.ticks++
	p := float64(t.ticks) / float64(t.totalTicks)
	if p > 1 {
		p = 1
	}
	t.progress = p

	complete := p >= 1
	var err error
	if complete {
		err = e.completeLocked(t)
	}
	e.mu.Unlock()

	if t.onProgress != nil {
		t.onProgress(p)
	}
	e.events.Publish(Event{Kind: Progress, Layer: t.layer, SourceID: t.sourceID, TargetID: t.targetID, Progress: p})

	if !complete {
		return false
	}
	if err != nil {
		e.failed(t, err)
		return true
	}

	e.logger.Debug("crossfade complete", "layer", t.layer, "target", t.targetID)
	e.events.Publish(Event{Kind: Completed, Layer: t.layer, SourceID: t.sourceID, TargetID: t.targetID, Progress: 1})
	t.finish(nil)
	return true
}

func (e *Engine) completeLocked(t *Transition) error {
	t.ticker.Stop()
	delete(e.active, t.layer)
	t.state = Idle

	if t.source != nil {
		if err := t.source.Stop(); err != nil {
			e.logger.Warn("stop source", "layer", t.layer, "err", err)
		}
		e.router.Release(t.source)
	}
	err := e.router.RouteToLayer(t.layer, t.target)
	if err != nil {
		e.recoverLocked(t)
		return err
	}
	e.releaseStagesLocked(t)
	return nil
}

// Cancel stops the transition on layer. The ticker is stopped before Cancel
// returns, so no further progress is reported. Unless suppressed, source and
// target are reconnected straight to the layer output. It returns the state
// the transition had and whether one was active.
func (e *Engine) Cancel(layer ambient.LayerID, opts CancelOptions) (Info, bool) {
	e.mu.Lock()
	t, ok := e.active[layer]
	if !ok {
		e.mu.Unlock()
		return Info{}, false
	}
	info := t.info()
	progress := e.cancelLocked(t, opts)
	e.mu.Unlock()

	e.canceled(t, progress)
	return info, true
}

// CancelAll cancels every active transition and returns how many there were.
func (e *Engine) CancelAll(opts CancelOptions) int {
	e.mu.Lock()
	var cancelled []*Transition
	var progress []float64
	for _, t := range e.active {
		progress = append(progress, e.cancelLocked(t, opts))
		cancelled = append(cancelled, t)
	}
	e.mu.Unlock()

	for i, t := range cancelled {
		e.canceled(t, progress[i])
	}
	return len(cancelled)
}

// cancelLocked tears t down and returns the progress it reached.
func (e *Engine) cancelLocked(t *Transition, opts CancelOptions) float64 {
	t.cancelled = true
	if t.ticker != nil {
		t.ticker.Stop()
	}
	close(t.stop)

	if t.source != nil && !opts.SuppressSource {
		if err := e.router.RouteToLayer(t.layer, t.source); err != nil {
			e.logger.Error("reconnect source", "layer", t.layer, "err", err)
		}
	}
	if t.target != nil && !opts.SuppressTarget {
		if err := e.router.RouteToLayer(t.layer, t.target); err != nil {
			e.logger.Error("reconnect target", "layer", t.layer, "err", err)
		}
	}
	e.releaseStagesLocked(t)
	t.state = Cancelled
	delete(e.active, t.layer)
	return t.progress
}

func (e *Engine) canceled(t *Transition, progress float64) {
	e.logger.Debug("crossfade cancelled", "layer", t.layer, "target", t.targetID, "progress", progress)
	e.events.Publish(Event{Kind: Canceled, Layer: t.layer, SourceID: t.sourceID, TargetID: t.targetID, Progress: progress})
	t.finish(ambient.Canceled("crossfade on " + t.layer.String() + " canceled"))
}

func (e *Engine) started(t *Transition) {
	e.logger.Debug("crossfade started", "layer", t.layer, "source", t.sourceID, "target", t.targetID, "duration", t.duration)
	e.events.Publish(Event{Kind: Started, Layer: t.layer, SourceID: t.sourceID, TargetID: t.targetID})
}

func (e *Engine) failed(t *Transition, err error) {
	e.mu.Lock()
	t.state = Failed
	e.mu.Unlock()

	e.logger.Error("crossfade failed", "layer", t.layer, "target", t.targetID, "err", err)
	e.events.Publish(Event{Kind: Error, Layer: t.layer, SourceID: t.sourceID, TargetID: t.targetID, Err: err})
	t.finish(err)
}

func (t *Transition) info() Info {
	return Info{
		Layer:    t.layer,
		State:    t.state,
		SourceID: t.sourceID,
		TargetID: t.targetID,
		Source:   t.source,
		Target:   t.target,
		FadeOut:  t.fadeOut,
		FadeIn:   t.fadeIn,
		Progress: t.progress,
		Started:  t.started,
		Duration: t.duration,
	}
}

// AdjustVolume redistributes v between the two stages of an active fade in
// proportion to its progress and re-ramps both over the remaining time. It
// reports whether a transition was adjusted.
func (e *Engine) AdjustVolume(layer ambient.LayerID, v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	v = ambient.Clamp01(v)

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.active[layer]
	if !ok {
		return false
	}
	t.volume = v
	if t.state != Fading {
		return true
	}

	p := t.progress
	remaining := t.duration - time.Duration(p*float64(t.duration))
	if t.fadeOut != nil {
		t.fadeOut.SetValue(v * (1 - p))
		t.fadeOut.LinearRampTo(0, remaining)
	}
	t.fadeIn.SetValue(v * p)
	t.fadeIn.LinearRampTo(v, remaining)
	return true
}

// State returns the crossfade state of layer.
func (e *Engine) State(layer ambient.LayerID) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.active[layer]; ok {
		return t.state
	}
	return Idle
}

// IsActive reports whether layer has a transition loading or fading.
func (e *Engine) IsActive(layer ambient.LayerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[layer]
	return ok
}

// Active describes the transition on layer.
func (e *Engine) Active(layer ambient.LayerID) (Info, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.active[layer]
	if !ok {
		return Info{}, false
	}
	return t.info(), true
}

// Progress returns the progress of every active transition.
func (e *Engine) Progress() map[ambient.LayerID]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[ambient.LayerID]float64, len(e.active))
	for layer, t := range e.active {
		out[layer] = t.progress
	}
	return out
}
