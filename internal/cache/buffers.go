package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ambient/internal/ambient"
	"github.com/dgnsrekt/ambient/internal/notify"
	"github.com/dgnsrekt/ambient/internal/source"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Share of load progress taken by fetching; decoding takes the rest.
const fetchShare = 80.0

// BufferCache loads and caches decoded buffers. Concurrent loads of the same
// locator share one fetch and decode.
type BufferCache struct {
	cfg     Config
	fetcher source.Fetcher
	decoder Decoder
	store   Store
	logger  *log.Logger
	now     func() time.Time

	// LRU implementation
	items    map[string]*list.Element
	eviction *list.List

	pins      map[string]int
	inflight  map[string]bool
	listeners map[string][]ProgressFunc
	overCap   bool

	// Synchronization
	mu    sync.Mutex
	group singleflight.Group

	// Metrics
	stats Stats

	events notify.Hub[Event]
}

// Option configures a BufferCache.
type Option func(*BufferCache)

// WithStore adds a second level for encoded bytes.
func WithStore(s Store) Option {
	return func(c *BufferCache) { c.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *BufferCache) { c.logger = l }
}

// WithClock replaces time.Now for access timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *BufferCache) { c.now = now }
}

// New creates a buffer cache reading through fetcher and decoding with
// decoder.
func New(fetcher source.Fetcher, decoder Decoder, cfg Config, opts ...Option) *BufferCache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.PreloadConcurrency <= 0 {
		cfg.PreloadConcurrency = def.PreloadConcurrency
	}

	c := &BufferCache{
		cfg:       cfg,
		fetcher:   fetcher,
		decoder:   decoder,
		now:       time.Now,
		items:     make(map[string]*list.Element),
		eviction:  list.New(),
		pins:      make(map[string]int),
		inflight:  make(map[string]bool),
		listeners: make(map[string][]ProgressFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	c.logger = c.logger.WithPrefix("cache")
	return c
}

// Subscribe registers fn for cache notifications.
func (c *BufferCache) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.events.Subscribe(fn)
}

// Load returns the decoded buffer for locator, fetching and decoding it on a
// miss. A load keeps running if ctx ends first, so its result is still
// cached; only the wait is abandoned.
func (c *BufferCache) Load(ctx context.Context, locator string, onProgress ProgressFunc) (*Entry, error) {
	if locator == "" {
		return nil, ambient.InvalidParameter("empty locator")
	}

	c.mu.Lock()
	if e, ok := c.touchLocked(locator); ok {
		c.stats.Hits++
		c.mu.Unlock()
		if onProgress != nil {
			onProgress(100)
		}
		return e, nil
	}
	c.stats.Misses++
	if onProgress != nil {
		c.listeners[locator] = append(c.listeners[locator], onProgress)
	}
	c.mu.Unlock()

	ch := c.group.DoChan(locator, func() (any, error) {
		return c.load(locator)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		e := *res.Val.(*Entry)
		return &e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *BufferCache) load(locator string) (*Entry, error) {
	c.mu.Lock()
	if e, ok := c.touchLocked(locator); ok {
		c.mu.Unlock()
		c.progress(locator, 100)
		c.dropListeners(locator)
		return e, nil
	}
	c.inflight[locator] = true
	c.stats.Loads++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, locator)
		c.mu.Unlock()
		c.dropListeners(locator)
	}()

	start := c.now()
	c.events.Publish(Event{Kind: LoadStarted, Locator: locator})
	c.progress(locator, 0)

	data, err := c.fetch(locator)
	if err != nil {
		return nil, c.fail(locator, err)
	}
	c.progress(locator, fetchShare)

	buf, err := c.decoder.Decode(data)
	if err != nil {
		return nil, c.fail(locator, ambient.DecodeError(locator, err))
	}

	now := c.now()
	entry := &Entry{
		Locator:    locator,
		Buffer:     buf,
		Size:       buf.Size(),
		Duration:   buf.Duration(),
		SampleRate: buf.SampleRate(),
		Channels:   buf.Channels(),
		Created:    now,
		LastAccess: now,
	}
	loaded, evicted := c.insert(entry)

	c.logger.Debug("loaded buffer",
		"locator", locator,
		"encoded", humanize.Bytes(uint64(len(data))),
		"decoded", humanize.Bytes(uint64(max(loaded.Size, 0))),
		"duration", loaded.Duration.Round(time.Millisecond),
		"took", c.now().Sub(start).Round(time.Millisecond))

	c.progress(locator, 100)
	c.events.Publish(Event{Kind: Loaded, Locator: locator, Percent: 100})
	for _, loc := range evicted {
		c.events.Publish(Event{Kind: Evicted, Locator: loc})
	}

	return loaded, nil
}

// fetch reads encoded bytes from the store or the fetcher, bounded by the
// fetch timeout.
func (c *BufferCache) fetch(locator string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	defer cancel()

	if c.store != nil {
		data, ok, err := c.store.Get(ctx, locator)
		if err != nil {
			c.logger.Warn("store read failed", "locator", locator, "err", err)
		}
		if ok {
			c.mu.Lock()
			c.stats.StoreHits++
			c.mu.Unlock()
			return data, nil
		}
	}

	data, err := source.ReadAll(ctx, c.fetcher, locator, func(read, total int64) {
		if total > 0 {
			c.progress(locator, fetchShare*float64(min(read, total))/float64(total))
		}
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ambient.TimeoutError("fetch exceeded "+c.cfg.FetchTimeout.String(), err)
		}
		return nil, ambient.LoadError(locator, err)
	}

	if c.store != nil {
		if err := c.store.Put(ctx, locator, data); err != nil {
			c.logger.Warn("store write failed", "locator", locator, "err", err)
		}
	}
	return data, nil
}

func (c *BufferCache) fail(locator string, err error) error {
	c.mu.Lock()
	c.stats.Failures++
	c.mu.Unlock()

	c.logger.Warn("load failed", "locator", locator, "err", err)
	c.events.Publish(Event{Kind: LoadFailed, Locator: locator, Err: err})
	return err
}

func (c *BufferCache) progress(locator string, percent float64) {
	c.mu.Lock()
	fns := append([]ProgressFunc(nil), c.listeners[locator]...)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(percent)
	}
	c.events.Publish(Event{Kind: LoadProgress, Locator: locator, Percent: percent})
}

func (c *BufferCache) dropListeners(locator string) {
	c.mu.Lock()
	delete(c.listeners, locator)
	c.mu.Unlock()
}

// insert adds entry and evicts down to the cap. It returns a copy of entry
// taken under the lock, since hits update the stored entry as soon as it is
// visible, and the evicted locators.
func (c *BufferCache) insert(entry *Entry) (*Entry, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[entry.Locator]; ok {
		c.eviction.Remove(elem)
	}
	c.items[entry.Locator] = c.eviction.PushFront(entry)
	e := *entry
	e.Pinned = c.pins[entry.Locator] > 0
	return &e, c.evictLocked()
}

// evictLocked removes least recently used unpinned entries until the cache
// is within its cap (must be called with lock held).
func (c *BufferCache) evictLocked() []string {
	var evicted []string
	elem := c.eviction.Back()
	for len(c.items) > c.cfg.MaxEntries && elem != nil {
		prev := elem.Prev()
		entry := elem.Value.(*Entry)
		if c.pins[entry.Locator] == 0 {
			c.removeElement(elem)
			c.stats.Evictions++
			evicted = append(evicted, entry.Locator)
		}
		elem = prev
	}

	over := len(c.items) > c.cfg.MaxEntries
	if over && !c.overCap {
		c.logger.Warn("cache over capacity, remaining entries are pinned",
			"entries", len(c.items), "max", c.cfg.MaxEntries)
	}
	c.overCap = over
	return evicted
}

// removeElement removes an element from the cache (must be called with lock held).
func (c *BufferCache) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	delete(c.items, elem.Value.(*Entry).Locator)
}

// touchLocked returns a copy of the entry and marks it most recently used.
func (c *BufferCache) touchLocked(locator string) (*Entry, bool) {
	elem, ok := c.items[locator]
	if !ok {
		return nil, false
	}
	c.eviction.MoveToFront(elem)
	entry := elem.Value.(*Entry)
	entry.LastAccess = c.now()
	entry.Hits++

	e := *entry
	e.Pinned = c.pins[locator] > 0
	return &e, true
}

// Has reports whether locator is cached, without touching its access time.
func (c *BufferCache) Has(locator string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[locator]
	return ok
}

// Get returns a cached entry without loading. A hit refreshes the entry's
// access time.
func (c *BufferCache) Get(locator string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.touchLocked(locator)
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	return e, ok
}

// Pending reports whether a load of locator is in flight.
func (c *BufferCache) Pending(locator string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[locator]
}

// Release evicts locator from memory. It reports whether an entry existed.
// Pins are kept, so a pinned locator that is loaded again stays protected.
func (c *BufferCache) Release(locator string) bool {
	c.mu.Lock()
	elem, ok := c.items[locator]
	if ok {
		c.removeElement(elem)
	}
	c.mu.Unlock()

	if ok {
		c.events.Publish(Event{Kind: Evicted, Locator: locator})
	}
	return ok
}

// Clear drops every decoded buffer. Pins and the store are left untouched.
func (c *BufferCache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.eviction.Init()
	c.overCap = false
	c.mu.Unlock()
}

// Pin protects locator from eviction until a matching Unpin. Locators may be
// pinned before they are loaded.
func (c *BufferCache) Pin(locator string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[locator]++
}

// Unpin releases one pin and trims the cache if it had grown past its cap.
func (c *BufferCache) Unpin(locator string) {
	c.mu.Lock()
	if n := c.pins[locator]; n > 1 {
		c.pins[locator] = n - 1
	} else {
		delete(c.pins, locator)
	}
	evicted := c.evictLocked()
	c.mu.Unlock()

	for _, loc := range evicted {
		c.events.Publish(Event{Kind: Evicted, Locator: loc})
	}
}

// Entries returns the cached entries, most recently used first.
func (c *BufferCache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.items))
	for elem := c.eviction.Front(); elem != nil; elem = elem.Next() {
		e := *elem.Value.(*Entry)
		e.Pinned = c.pins[e.Locator] > 0
		out = append(out, e)
	}
	return out
}

// Stats returns cache statistics.
func (c *BufferCache) Stats() Stats {
	c.mu.Lock()
	stats := c.stats
	stats.Entries = len(c.items)
	stats.MaxEntries = c.cfg.MaxEntries
	stats.Pending = len(c.inflight)
	stats.Pinned = len(c.pins)
	for _, elem := range c.items {
		stats.ApproxBytes += elem.Value.(*Entry).Size
	}
	c.mu.Unlock()

	if stats.Hits+stats.Misses > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.Hits+stats.Misses)
	}
	if c.store != nil {
		s := c.store.Stats()
		stats.Store = &s
	}
	return stats
}

// PreloadMany loads locators with at most concurrency loads in flight
// (the configured default when concurrency <= 0). A failing locator does not
// stop the others. onProgress receives the mean percentage over all items.
func (c *BufferCache) PreloadMany(ctx context.Context, locators []string, concurrency int, onProgress ProgressFunc) map[string]Result {
	if concurrency <= 0 {
		concurrency = c.cfg.PreloadConcurrency
	}

	unique := make([]string, 0, len(locators))
	seen := make(map[string]bool, len(locators))
	for _, loc := range locators {
		if !seen[loc] {
			seen[loc] = true
			unique = append(unique, loc)
		}
	}

	results := make(map[string]Result, len(unique))
	if len(unique) == 0 {
		return results
	}

	var (
		mu       sync.Mutex
		percents = make([]float64, len(unique))
	)
	report := func(i int, p float64) {
		mu.Lock()
		defer mu.Unlock()
		if p <= percents[i] {
			return
		}
		percents[i] = p
		if onProgress == nil {
			return
		}
		sum := 0.0
		for _, v := range percents {
			sum += v
		}
		onProgress(sum / float64(len(percents)))
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, loc := range unique {
		g.Go(func() error {
			entry, err := c.Load(ctx, loc, func(p float64) { report(i, p) })
			if err != nil {
				// failed items count as finished for the mean
				report(i, 100)
			}
			mu.Lock()
			results[loc] = Result{Entry: entry, Err: err}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// Close releases the store.
func (c *BufferCache) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}
