package cache

import (
	"context"
	"errors"
	"time"

	"github.com/dgnsrekt/ambient/internal/audio"
)

// Common errors for store operations
var (
	// ErrItemTooLarge is returned when an item exceeds the store capacity
	ErrItemTooLarge = errors.New("item too large for cache")

	// ErrCacheCorrupted is returned when stored data cannot be read back
	ErrCacheCorrupted = errors.New("cache data corrupted")
)

// Decoder turns encoded bytes into a playable buffer. audio.Sink satisfies it.
type Decoder interface {
	Decode(data []byte) (audio.Buffer, error)
}

// Store is a second cache level holding encoded bytes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Stats() StoreStats
	Close() error
}

// StoreStats holds second-level cache metrics
type StoreStats struct {
	Kind      string
	Capacity  int64 // Bytes, 0 if unbounded
	Size      int64 // Bytes on the backing medium, if known
	ItemCount int64
	Hits      int64
	Misses    int64
	Evictions int64
	Errors    int64
}

// Config holds configuration for the buffer cache
type Config struct {
	MaxEntries         int           `yaml:"max_entries" env:"MAX_ENTRIES"`                 // Decoded buffers kept in memory
	FetchTimeout       time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`             // Bound on fetching one locator
	PreloadConcurrency int           `yaml:"preload_concurrency" env:"PRELOAD_CONCURRENCY"` // Default PreloadMany fan-out
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxEntries:         24,
		FetchTimeout:       15 * time.Second,
		PreloadConcurrency: 3,
	}
}

// Entry describes a cached, decoded buffer.
type Entry struct {
	Locator    string
	Buffer     audio.Buffer
	Size       int64 // Approximate bytes in memory
	Duration   time.Duration
	SampleRate int
	Channels   int
	Created    time.Time
	LastAccess time.Time
	Hits       int64
	Pinned     bool
}

// Stats holds buffer cache metrics
type Stats struct {
	Entries     int
	MaxEntries  int
	Pending     int
	Pinned      int
	ApproxBytes int64

	Hits      int64
	Misses    int64
	HitRate   float64 // hits / (hits + misses)
	Loads     int64   // Fetch-and-decode operations started
	Failures  int64
	Evictions int64
	StoreHits int64

	Store *StoreStats
}

// EventKind identifies a buffer cache notification.
type EventKind int

const (
	LoadStarted EventKind = iota
	LoadProgress
	Loaded
	LoadFailed
	Evicted
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case LoadStarted:
		return "load-started"
	case LoadProgress:
		return "load-progress"
	case Loaded:
		return "loaded"
	case LoadFailed:
		return "load-failed"
	case Evicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Event is a buffer cache notification.
type Event struct {
	Kind    EventKind
	Locator string
	Percent float64 // LoadProgress and Loaded only
	Err     error   // LoadFailed only
}

// ProgressFunc receives load progress as a percentage, 0 to 100.
type ProgressFunc func(percent float64)

// Result is the outcome for one locator of PreloadMany.
type Result struct {
	Entry *Entry
	Err   error
}
