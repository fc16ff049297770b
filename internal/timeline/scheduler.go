// Package timeline advances a session clock and drives phase changes and
// timed events from it.
package timeline

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/gain"
	"github.com/dgnsrekt/ambient/internal/notify"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Scheduler is the session clock. Elapsed time is derived from a start
// reference while playing, frozen while paused and only zeroed by a reset.
type Scheduler struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time
	mixer  Mixer
	tracks TrackChanger
	manual bool

	mu         sync.Mutex
	sm         *StateMachine
	duration   time.Duration
	startRef   time.Time
	elapsed    time.Duration
	lastUpdate time.Time
	limiter    *rate.Limiter

	phases      []Phase
	activePhase string

	events []*event
	cursor int

	ticker      *time.Ticker
	stop        chan struct{}
	applyCancel context.CancelFunc

	hub notify.Hub[Notification]
}

type event struct {
	Event
	triggered bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithManualTicks disables the internal update loop; the host calls Update.
func WithManualTicks() Option {
	return func(s *Scheduler) { s.manual = true }
}

// New creates a stopped scheduler. Phase state is applied through mixer and
// tracks, either of which may be nil.
func New(mixer Mixer, tracks TrackChanger, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Duration < 0 {
		cfg.Duration = 0
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MinUpdateInterval < 0 {
		cfg.MinUpdateInterval = def.MinUpdateInterval
	}
	if cfg.ProgressRate <= 0 {
		cfg.ProgressRate = def.ProgressRate
	}
	if cfg.PhaseTransition <= 0 {
		cfg.PhaseTransition = def.PhaseTransition
	}

	s := &Scheduler{
		cfg:      cfg,
		now:      time.Now,
		mixer:    mixer,
		tracks:   tracks,
		sm:       NewStateMachine(),
		duration: cfg.Duration,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ProgressRate), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.WithPrefix("timeline")
	for _, st := range []StateType{StateStopped, StatePlaying, StatePaused, StateCompleted} {
		s.sm.OnEnter(st, func() { s.logger.Debug("state", "to", st) })
	}
	return s
}

// Subscribe registers fn for timeline notifications.
func (s *Scheduler) Subscribe(fn func(Notification)) (unsubscribe func()) {
	return s.hub.Subscribe(fn)
}

// Start begins or continues the clock. Starting a completed session always
// resets it; starting a paused one resumes it.
func (s *Scheduler) Start(opts StartOptions) error {
	s.mu.Lock()
	switch s.sm.Current() {
	case StatePlaying:
		s.mu.Unlock()
		return nil
	case StatePaused:
		s.mu.Unlock()
		return s.Resume()
	case StateCompleted:
		s.sm.Transition(StateStopped)
		opts.Reset = true
	}

	if opts.Reset {
		s.rewindLocked()
	}
	now := s.now()
	s.startRef = now.Add(-s.elapsed)
	s.lastUpdate = time.Time{}
	s.sm.Transition(StatePlaying)
	s.startLoopLocked()
	n := s.notificationLocked(Started)
	s.mu.Unlock()

	s.hub.Publish(n)
	s.update(true)
	return nil
}

// Stop halts the clock without resetting elapsed time. The update loop is
// stopped before Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.sm.Current() == StateStopped {
		s.mu.Unlock()
		return
	}
	if s.sm.Current() == StatePlaying {
		s.elapsed = s.liveElapsedLocked()
	}
	s.stopLoopLocked()
	s.cancelApplyLocked()
	s.sm.Transition(StateStopped)
	n := s.notificationLocked(Stopped)
	s.mu.Unlock()

	s.hub.Publish(n)
}

// Pause freezes elapsed time.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	if s.sm.Current() != StatePlaying {
		st := s.sm.Current()
		s.mu.Unlock()
		return ambient.StateConflict("cannot pause a %s timeline", st)
	}
	s.elapsed = s.liveElapsedLocked()
	s.stopLoopLocked()
	s.sm.Transition(StatePaused)
	n := s.notificationLocked(Paused)
	s.mu.Unlock()

	s.hub.Publish(n)
	return nil
}

// Resume continues from exactly the paused elapsed time.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	if s.sm.Current() != StatePaused {
		st := s.sm.Current()
		s.mu.Unlock()
		return ambient.StateConflict("cannot resume a %s timeline", st)
	}
	s.startRef = s.now().Add(-s.elapsed)
	s.lastUpdate = time.Time{}
	s.sm.Transition(StatePlaying)
	s.startLoopLocked()
	n := s.notificationLocked(Resumed)
	s.mu.Unlock()

	s.hub.Publish(n)
	return nil
}

// Reset stops the clock, zeroes it, clears the active phase and re-arms every
// event.
func (s *Scheduler) Reset() {
	s.Stop()

	s.mu.Lock()
	s.rewindLocked()
	n := s.notificationLocked(Reset)
	s.mu.Unlock()

	s.hub.Publish(n)
}

func (s *Scheduler) rewindLocked() {
	s.elapsed = 0
	s.activePhase = ""
	s.cursor = 0
	for _, e := range s.events {
		e.triggered = false
	}
}

func (s *Scheduler) startLoopLocked() {
	if s.manual || s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.cfg.TickInterval)
	go s.loop(s.ticker, s.stop)
}

func (s *Scheduler) stopLoopLocked() {
	if s.stop == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.stop = nil
	s.ticker = nil
}

func (s *Scheduler) loop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Update()
		}
	}
}

// Update recomputes the clock, fires phase changes and due events, and
// completes the session at its end. Calls closer together than the minimum
// update interval are ignored.
func (s *Scheduler) Update() {
	s.update(false)
}

func (s *Scheduler) update(force bool) {
	s.mu.Lock()
	if s.sm.Current() != StatePlaying {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if !force && !s.lastUpdate.IsZero() && now.Sub(s.lastUpdate) < s.cfg.MinUpdateInterval {
		s.mu.Unlock()
		return
	}
	s.lastUpdate = now
	s.elapsed = s.liveElapsedLocked()

	var out []Notification
	phase := s.evaluatePhaseLocked(&out)
	handlers := s.dueEventsLocked(&out)

	if s.limiter.AllowN(now, 1) {
		out = append(out, s.notificationLocked(ProgressChanged))
	}

	completed := s.duration > 0 && s.elapsed >= s.duration
	if completed {
		s.stopLoopLocked()
		s.sm.Transition(StateCompleted)
		out = append(out, s.notificationLocked(Completed))
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h()
	}
	for _, n := range out {
		s.hub.Publish(n)
	}
	if phase != nil {
		s.applyAsync(*phase)
	}
}

func (s *Scheduler) liveElapsedLocked() time.Duration {
	if s.sm.Current() != StatePlaying {
		return s.elapsed
	}
	e := s.now().Sub(s.startRef)
	if e < 0 {
		e = 0
	}
	if s.duration > 0 && e > s.duration {
		e = s.duration
	}
	return e
}

func (s *Scheduler) progressLocked() float64 {
	if s.duration <= 0 {
		return 0
	}
	p := float64(s.elapsed) / float64(s.duration)
	if p > 1 {
		return 1
	}
	return p
}

func (s *Scheduler) notificationLocked(kind NotificationKind) Notification {
	return Notification{Kind: kind, Elapsed: s.elapsed, Progress: s.progressLocked()}
}

// evaluatePhaseLocked updates the active phase and returns it when it changed
// and carries state to apply.
func (s *Scheduler) evaluatePhaseLocked(out *[]Notification) *Phase {
	if len(s.phases) == 0 {
		return nil
	}
	percent := s.progressLocked() * 100

	next := s.phases[0]
	for _, p := range s.phases {
		if p.Position > percent {
			break
		}
		next = p
	}
	if next.ID == s.activePhase {
		return nil
	}

	n := s.notificationLocked(PhaseChanged)
	n.Previous = s.activePhase
	n.Phase = &next
	*out = append(*out, n)
	s.activePhase = next.ID

	if next.State.Empty() {
		return nil
	}
	return &next
}

func (s *Scheduler) dueEventsLocked(out *[]Notification) []func() {
	var handlers []func()
	for s.cursor < len(s.events) {
		e := s.events[s.cursor]
		if e.triggered {
			s.cursor++
			continue
		}
		if s.elapsed < e.At {
			break
		}
		e.triggered = true
		s.cursor++
		if e.Handler != nil {
			handlers = append(handlers, e.Handler)
		}
		n := s.notificationLocked(EventTriggered)
		n.EventID = e.ID
		*out = append(*out, n)
	}
	return handlers
}

func (s *Scheduler) applyAsync(p Phase) {
	s.mu.Lock()
	s.cancelApplyLocked()
	ctx, cancel := context.WithCancel(context.Background())
	s.applyCancel = cancel
	d := s.cfg.PhaseTransition
	s.mu.Unlock()

	go func() {
		defer cancel()
		if err := s.apply(ctx, p, ApplyOptions{Duration: d}); err != nil {
			s.logger.Warn("phase applied with errors", "phase", p.ID, "err", err)
		}
	}()
}

func (s *Scheduler) cancelApplyLocked() {
	if s.applyCancel != nil {
		s.applyCancel()
		s.applyCancel = nil
	}
}

// ApplyPhase applies the saved state of a phase: a volume per layer, set at
// once or faded over opts.Duration, and a track per layer, crossfaded over
// opts.Duration. Failures on one layer do not stop the others; they are
// logged and returned joined. ApplyPhase returns when every layer is done.
func (s *Scheduler) ApplyPhase(ctx context.Context, id string, opts ApplyOptions) error {
	if opts.Duration < 0 {
		return ambient.InvalidParameter("negative phase duration %s", opts.Duration)
	}

	s.mu.Lock()
	var phase *Phase
	for i := range s.phases {
		if s.phases[i].ID == id {
			p := s.phases[i]
			phase = &p
			break
		}
	}
	s.mu.Unlock()

	if phase == nil {
		return ambient.InvalidParameter("unknown phase %q", id)
	}
	return s.apply(ctx, *phase, opts)
}

func (s *Scheduler) apply(ctx context.Context, p Phase, opts ApplyOptions) error {
	if p.State.Empty() {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	record := func(layer ambient.LayerID, what string, err error) {
		if err == nil {
			return
		}
		if errors.Is(err, ambient.ErrCanceled) {
			s.logger.Debug("phase step superseded", "phase", p.ID, "layer", layer, "step", what)
		} else {
			s.logger.Warn("phase step failed", "phase", p.ID, "layer", layer, "step", what, "err", err)
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	if s.mixer != nil {
		for layer, v := range p.State.Volumes {
			if opts.Immediate || opts.Duration == 0 {
				record(layer, "volume", s.mixer.SetVolume(layer, v, gain.SetOptions{Immediate: true}))
				continue
			}
			wg.Add(1)
			go func(layer ambient.LayerID, v float64) {
				defer wg.Done()
				record(layer, "volume", s.mixer.Fade(ctx, layer, v, opts.Duration, nil))
			}(layer, v)
		}
	}

	if s.tracks != nil {
		d := opts.Duration
		if opts.Immediate || d == 0 {
			d = ImmediateTrackChange
		}
		for layer, track := range p.State.Tracks {
			wg.Add(1)
			go func(layer ambient.LayerID, track string) {
				defer wg.Done()
				record(layer, "track", s.tracks.SwitchTrack(ctx, layer, track, d))
			}(layer, track)
		}
	}

	wg.Wait()
	return errors.Join(errs...)
}

// SetPhases replaces the phase list. Phases are kept sorted by position and
// the active phase is re-evaluated when the clock is running or paused.
func (s *Scheduler) SetPhases(phases []Phase) error {
	seen := make(map[string]bool, len(phases))
	for _, p := range phases {
		if p.ID == "" {
			return ambient.InvalidParameter("phase without id")
		}
		if seen[p.ID] {
			return ambient.InvalidParameter("duplicate phase %q", p.ID)
		}
		seen[p.ID] = true
		if p.Position < 0 || p.Position > 100 {
			return ambient.InvalidParameter("phase %q position %.1f outside 0-100", p.ID, p.Position)
		}
		if p.State != nil {
			for layer, v := range p.State.Volumes {
				if err := ambient.ValidateLayer(layer); err != nil {
					return err
				}
				if err := ambient.ValidVolume(v); err != nil {
					return err
				}
			}
			for layer := range p.State.Tracks {
				if err := ambient.ValidateLayer(layer); err != nil {
					return err
				}
			}
		}
	}

	sorted := make([]Phase, len(phases))
	copy(sorted, phases)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	s.mu.Lock()
	s.phases = sorted
	s.activePhase = ""
	running := s.sm.Current() == StatePlaying || s.sm.Current() == StatePaused
	var out []Notification
	var phase *Phase
	if running {
		phase = s.evaluatePhaseLocked(&out)
	}
	s.mu.Unlock()

	for _, n := range out {
		s.hub.Publish(n)
	}
	if phase != nil {
		s.applyAsync(*phase)
	}
	return nil
}

// Phases returns the phases sorted by position.
func (s *Scheduler) Phases() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Phase, len(s.phases))
	copy(out, s.phases)
	return out
}

// ActivePhase returns the phase in effect.
func (s *Scheduler) ActivePhase() (Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.phases {
		if p.ID == s.activePhase {
			return p, true
		}
	}
	return Phase{}, false
}

// SetDuration changes the session length. Zero removes the end.
func (s *Scheduler) SetDuration(d time.Duration) error {
	if d < 0 {
		return ambient.InvalidParameter("negative session duration %s", d)
	}
	s.mu.Lock()
	s.elapsed = s.liveElapsedLocked()
	s.duration = d
	if d > 0 && s.elapsed > d {
		s.elapsed = d
	}
	if s.sm.Current() == StatePlaying {
		s.startRef = s.now().Add(-s.elapsed)
	}
	s.mu.Unlock()
	return nil
}

// Duration returns the session length.
func (s *Scheduler) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// PhaseTransition returns the fade used when a phase change is applied.
func (s *Scheduler) PhaseTransition() time.Duration { return s.cfg.PhaseTransition }

// AddEvent registers a one-shot event. An empty ID gets a generated one. An
// event whose time has already passed fires on the next update.
func (s *Scheduler) AddEvent(ev Event) (string, error) {
	if ev.At < 0 {
		return "", ambient.InvalidParameter("negative event time %s", ev.At)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.ID == ev.ID {
			return "", ambient.InvalidParameter("duplicate event %q", ev.ID)
		}
	}
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].At > ev.At })
	s.events = append(s.events, nil)
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = &event{Event: ev}
	if i < s.cursor {
		s.cursor = i
	}
	return ev.ID, nil
}

// RemoveEvent unregisters an event and reports whether it existed.
func (s *Scheduler) RemoveEvent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.events {
		if e.ID != id {
			continue
		}
		s.events = append(s.events[:i], s.events[i+1:]...)
		if i < s.cursor {
			s.cursor--
		}
		return true
	}
	return false
}

// ClearEvents unregisters every event.
func (s *Scheduler) ClearEvents() {
	s.mu.Lock()
	s.events = nil
	s.cursor = 0
	s.mu.Unlock()
}

// Events lists registered events in trigger order.
func (s *Scheduler) Events() []EventInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventInfo, len(s.events))
	for i, e := range s.events {
		out[i] = EventInfo{ID: e.ID, At: e.At, Triggered: e.triggered}
	}
	return out
}

// SeekTo moves the clock to at, clamped to the session. Events at or after
// the new position are re-armed and the active phase is re-evaluated at
// once.
func (s *Scheduler) SeekTo(at time.Duration) error {
	s.mu.Lock()
	if s.duration <= 0 {
		s.mu.Unlock()
		return ambient.StateConflict("cannot seek a timeline without a duration")
	}
	if at < 0 {
		at = 0
	}
	if at > s.duration {
		at = s.duration
	}

	s.elapsed = at
	if s.sm.Current() == StateCompleted {
		// a seek after the end is kept by the next Start
		s.sm.Transition(StateStopped)
	}
	if s.sm.Current() == StatePlaying {
		s.startRef = s.now().Add(-at)
		s.lastUpdate = time.Time{}
	}
	for _, e := range s.events {
		if e.At >= at {
			e.triggered = false
		}
	}
	s.cursor = 0

	var out []Notification
	phase := s.evaluatePhaseLocked(&out)
	s.mu.Unlock()

	for _, n := range out {
		s.hub.Publish(n)
	}
	if phase != nil {
		s.applyAsync(*phase)
	}
	return nil
}

// SeekToPercent moves the clock to a percentage of the session.
func (s *Scheduler) SeekToPercent(percent float64) error {
	if math.IsNaN(percent) {
		return ambient.InvalidParameter("seek percent is NaN")
	}
	d := s.Duration()
	if d <= 0 {
		return ambient.StateConflict("cannot seek a timeline without a duration")
	}
	percent = ambient.Clamp01(percent/100) * 100
	return s.SeekTo(time.Duration(float64(d) * percent / 100))
}

// State returns the clock state.
func (s *Scheduler) State() StateType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.Current()
}

// Elapsed returns the elapsed session time.
func (s *Scheduler) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveElapsedLocked()
}

// Progress returns elapsed time as a fraction of the session, 0 to 1.
func (s *Scheduler) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elapsed = s.liveElapsedLocked()
	return s.progressLocked()
}

// Status returns a snapshot of the clock.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elapsed = s.liveElapsedLocked()
	return Status{
		State:    s.sm.Current().String(),
		Elapsed:  s.elapsed,
		Duration: s.duration,
		Progress: s.progressLocked(),
		Phase:    s.activePhase,
	}
}
