// Package gain controls the persistent volume stage of every layer.
package gain

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
	"github.com/google/uuid"
)

// Controller owns one gain node per layer. Volume reads return the value the
// layer is heading to, not the instantaneous ramp value.
type Controller struct {
	router *graph.Router
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	channels map[ambient.LayerID]*channel

	events notify.Hub[Event]
}

type channel struct {
	node   audio.GainNode
	volume float64

	hasShadow bool
	shadow    float64

	fade *fade
}

type fade struct {
	cancel chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock replaces time.Now for fade progress and snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a controller that binds layer channels through router.
func New(router *graph.Router, cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.Transition <= 0 {
		cfg.Transition = def.Transition
	}
	if cfg.FadeInterval <= 0 {
		cfg.FadeInterval = def.FadeInterval
	}
	cfg.DefaultVolume = ambient.Clamp01(cfg.DefaultVolume)

	c := &Controller{
		router:   router,
		cfg:      cfg,
		now:      time.Now,
		channels: make(map[ambient.LayerID]*channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	c.logger = c.logger.WithPrefix("gain")
	return c
}

// Subscribe registers fn for gain notifications.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.events.Subscribe(fn)
}

// Channel returns the gain node of layer, creating and binding it on first
// use.
func (c *Controller) Channel(layer ambient.LayerID) (audio.GainNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channelLocked(layer)
	if err != nil {
		return nil, err
	}
	return ch.node, nil
}

func (c *Controller) channelLocked(layer ambient.LayerID) (*channel, error) {
	if err := ambient.ValidateLayer(layer); err != nil {
		return nil, err
	}
	if ch, ok := c.channels[layer]; ok {
		return ch, nil
	}

	node, err := c.router.Sink().NewGain(c.cfg.DefaultVolume)
	if err != nil {
		return nil, ambient.GraphError("create layer gain", err)
	}
	if err := c.router.BindLayer(layer, node); err != nil {
		return nil, err
	}

	ch := &channel{node: node, volume: c.cfg.DefaultVolume}
	c.channels[layer] = ch
	c.logger.Debug("channel created", "layer", layer, "volume", ch.volume)
	return ch, nil
}

// Volume returns the current volume of layer. Unknown or unused layers report
// the default volume.
func (c *Controller) Volume(layer ambient.LayerID) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[layer]; ok {
		return ch.volume
	}
	return c.cfg.DefaultVolume
}

// Volumes returns the volume of every layer.
func (c *Controller) Volumes() map[ambient.LayerID]float64 {
	out := make(map[ambient.LayerID]float64, ambient.LayerCount)
	for _, l := range ambient.Layers() {
		out[l] = c.Volume(l)
	}
	return out
}

// IsMuted reports whether layer is at or below the silence threshold, however
// it got there.
func (c *Controller) IsMuted(layer ambient.LayerID) bool {
	return ambient.Silent(c.Volume(layer))
}

// HasMuteShadow reports whether Mute stored a volume that Unmute will restore.
func (c *Controller) HasMuteShadow(layer ambient.LayerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[layer]
	return ok && ch.hasShadow
}

// SetVolume sets the volume of layer, clamped to [0, 1]. Unless immediate, the
// node ramps over the transition while Volume reports the target at once. A
// fade in progress on the layer is canceled. Raising a muted layer above the
// silence threshold forgets its stored mute volume.
func (c *Controller) SetVolume(layer ambient.LayerID, v float64, opts SetOptions) error {
	if err := ambient.ValidVolume(v); err != nil {
		return err
	}
	v = ambient.Clamp01(v)

	c.mu.Lock()
	ch, err := c.channelLocked(layer)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.cancelFadeLocked(ch)
	if ch.hasShadow && !ambient.Silent(v) {
		ch.hasShadow = false
	}
	c.applyLocked(ch, v, opts)
	c.mu.Unlock()

	c.events.Publish(Event{Kind: VolumeChanged, Layer: layer, Volume: v})
	return nil
}

func (c *Controller) applyLocked(ch *channel, v float64, opts SetOptions) {
	ch.volume = v
	if opts.Immediate {
		ch.node.SetValue(v)
		return
	}
	d := opts.Transition
	if d <= 0 {
		d = c.cfg.Transition
	}
	ch.node.LinearRampTo(v, d)
}

func (c *Controller) cancelFadeLocked(ch *channel) {
	if ch.fade != nil {
		close(ch.fade.cancel)
		ch.fade = nil
	}
}

// Fade ramps layer to target over d and blocks until the ramp has run its
// course, reporting progress from 0 to 1 every fade interval. It returns at
// once when the layer is already within the silence threshold of target. A
// fade replaced by another volume operation, or whose ctx ends, returns a
// CANCELED error and leaves the gain where it was.
func (c *Controller) Fade(ctx context.Context, layer ambient.LayerID, target float64, d time.Duration, onProgress func(float64)) error {
	if err := ambient.ValidVolume(target); err != nil {
		return err
	}
	if d < 0 {
		return ambient.InvalidParameter("negative fade duration %s", d)
	}
	target = ambient.Clamp01(target)

	c.mu.Lock()
	ch, err := c.channelLocked(layer)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if math.Abs(ch.volume-target) <= ambient.Epsilon {
		c.mu.Unlock()
		if onProgress != nil {
			onProgress(1)
		}
		return nil
	}

	c.cancelFadeLocked(ch)
	if ch.hasShadow && !ambient.Silent(target) {
		ch.hasShadow = false
	}
	if d == 0 {
		c.applyLocked(ch, target, SetOptions{Immediate: true})
		c.mu.Unlock()
		if onProgress != nil {
			onProgress(1)
		}
		c.events.Publish(Event{Kind: FadeComplete, Layer: layer, Volume: target, Progress: 1})
		return nil
	}

	from := ch.volume
	f := &fade{cancel: make(chan struct{})}
	ch.fade = f
	ch.node.LinearRampTo(target, d)
	c.mu.Unlock()

	c.logger.Debug("fade started", "layer", layer, "from", from, "to", target, "duration", d)

	start := c.now()
	ticker := time.NewTicker(c.cfg.FadeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if ch.fade == f {
				ch.fade = nil
				ch.node.CancelRamps()
				ch.volume = ambient.Clamp01(ch.node.Value())
			}
			c.mu.Unlock()
			return ambient.NewError(ambient.CodeCanceled, "fade canceled", ctx.Err())

		case <-f.cancel:
			return ambient.Canceled("fade superseded")

		case <-ticker.C:
			p := float64(c.now().Sub(start)) / float64(d)
			if p > 1 {
				p = 1
			}
			v := from + (target-from)*p

			c.mu.Lock()
			if ch.fade != f {
				c.mu.Unlock()
				return ambient.Canceled("fade superseded")
			}
			ch.volume = v
			if p >= 1 {
				ch.fade = nil
				ch.volume = target
			}
			c.mu.Unlock()

			if onProgress != nil {
				onProgress(p)
			}
			if p >= 1 {
				c.events.Publish(Event{Kind: FadeComplete, Layer: layer, Volume: target, Progress: 1})
				return nil
			}
			c.events.Publish(Event{Kind: FadeProgress, Layer: layer, Volume: v, Progress: p})
		}
	}
}

// Mute stores the current volume and ramps layer to silence. Muting an
// already muted layer keeps the originally stored volume.
func (c *Controller) Mute(layer ambient.LayerID) error {
	c.mu.Lock()
	ch, err := c.channelLocked(layer)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.cancelFadeLocked(ch)
	if !ch.hasShadow {
		ch.shadow = ch.volume
		ch.hasShadow = true
	}
	c.applyLocked(ch, 0, SetOptions{})
	shadow := ch.shadow
	c.mu.Unlock()

	c.logger.Debug("muted", "layer", layer, "restore", shadow)
	c.events.Publish(Event{Kind: Muted, Layer: layer, Volume: 0})
	return nil
}

// Unmute restores the volume stored by Mute. Without a stored volume it does
// nothing.
func (c *Controller) Unmute(layer ambient.LayerID) error {
	c.mu.Lock()
	ch, err := c.channelLocked(layer)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !ch.hasShadow {
		c.mu.Unlock()
		return nil
	}
	c.cancelFadeLocked(ch)
	v := ch.shadow
	ch.hasShadow = false
	c.applyLocked(ch, v, SetOptions{})
	c.mu.Unlock()

	c.events.Publish(Event{Kind: Unmuted, Layer: layer, Volume: v})
	return nil
}

// SetMuteShadow changes the volume a muted layer returns to on Unmute. It is a
// STATE_CONFLICT when the layer holds no stored volume.
func (c *Controller) SetMuteShadow(layer ambient.LayerID, v float64) error {
	if err := ambient.ValidVolume(v); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channelLocked(layer)
	if err != nil {
		return err
	}
	if !ch.hasShadow {
		return ambient.StateConflict("%s is not muted", layer)
	}
	ch.shadow = ambient.Clamp01(v)
	return nil
}

// Snapshot captures every layer volume. An empty id gets a generated one.
func (c *Controller) Snapshot(id string) Snapshot {
	if id == "" {
		id = uuid.NewString()
	}
	return Snapshot{ID: id, Taken: c.now(), Volumes: c.Volumes()}
}

// Restore replays a snapshot. All values are checked before any layer
// changes.
func (c *Controller) Restore(s Snapshot, opts RestoreOptions) error {
	for layer, v := range s.Volumes {
		if err := ambient.ValidateLayer(layer); err != nil {
			return err
		}
		if err := ambient.ValidVolume(v); err != nil {
			return err
		}
	}
	for _, layer := range ambient.Layers() {
		v, ok := s.Volumes[layer]
		if !ok {
			continue
		}
		if err := c.SetVolume(layer, v, opts); err != nil {
			return err
		}
	}
	c.logger.Debug("snapshot restored", "id", s.ID)
	return nil
}

// Reset cancels fades, forgets mute state and returns every existing channel
// to the default volume.
func (c *Controller) Reset() {
	c.mu.Lock()
	var reset []ambient.LayerID
	for layer, ch := range c.channels {
		c.cancelFadeLocked(ch)
		ch.hasShadow = false
		c.applyLocked(ch, c.cfg.DefaultVolume, SetOptions{Immediate: true})
		reset = append(reset, layer)
	}
	c.mu.Unlock()

	for _, layer := range reset {
		c.events.Publish(Event{Kind: VolumeChanged, Layer: layer, Volume: c.cfg.DefaultVolume})
	}
}
