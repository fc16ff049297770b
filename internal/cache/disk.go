package cache

import (
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// DiskStore keeps encoded audio on disk, zstd-compressed when that saves
// space, with a gob index and least-recently-accessed eviction by bytes.
type DiskStore struct {
	basePath string
	capacity int64 // Maximum size in bytes
	size     int64 // Current size in bytes

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	index map[string]*diskEntry
	dirty bool

	mu    sync.Mutex
	stats StoreStats
}

// diskEntry represents an entry in the disk store index
type diskEntry struct {
	Key          string
	FilePath     string
	Size         int64 // Size on disk
	OriginalSize int64
	Timestamp    time.Time
	LastAccess   time.Time
	Hits         int64
	Compressed   bool
}

// NewDiskStore opens or creates a disk store under basePath. A compression
// level of 0 stores data uncompressed.
func NewDiskStore(basePath string, capacity int64, compressionLevel int) (*DiskStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	ds := &DiskStore{
		basePath: basePath,
		capacity: capacity,
		index:    make(map[string]*diskEntry),
		stats:    StoreStats{Kind: "disk", Capacity: capacity},
	}

	if compressionLevel > 0 {
		var err error
		ds.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		ds.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}

	if err := ds.loadIndex(); err != nil {
		// An unreadable index only costs refetches.
		ds.index = make(map[string]*diskEntry)
	}
	ds.pruneMissing()
	return ds, nil
}

// Get implements Store.
func (ds *DiskStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	entry, ok := ds.index[key]
	if !ok {
		ds.stats.Misses++
		return nil, false, nil
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		ds.dropLocked(entry)
		ds.stats.Misses++
		ds.stats.Errors++
		return nil, false, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}

	if entry.Compressed {
		if ds.decoder == nil {
			ds.dropLocked(entry)
			ds.stats.Misses++
			return nil, false, nil
		}
		data, err = ds.decoder.DecodeAll(data, nil)
		if err != nil {
			ds.dropLocked(entry)
			ds.stats.Misses++
			ds.stats.Errors++
			return nil, false, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
		}
	}

	entry.LastAccess = time.Now()
	entry.Hits++
	ds.dirty = true
	ds.stats.Hits++
	return data, true, nil
}

// Put implements Store.
func (ds *DiskStore) Put(_ context.Context, key string, value []byte) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	data, compressed := value, false
	if ds.encoder != nil && len(value) > 1024 {
		if packed := ds.encoder.EncodeAll(value, nil); len(packed) < len(value) {
			data, compressed = packed, true
		}
	}

	diskSize := int64(len(data))
	if ds.capacity > 0 && diskSize > ds.capacity {
		return ErrItemTooLarge
	}

	if existing, ok := ds.index[key]; ok {
		ds.dropLocked(existing)
	}
	for ds.capacity > 0 && ds.size+diskSize > ds.capacity && len(ds.index) > 0 {
		ds.evictOldestLocked()
	}

	path := ds.pathFor(key)
	if err := writeFileAtomic(path, data); err != nil {
		ds.stats.Errors++
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	now := time.Now()
	ds.index[key] = &diskEntry{
		Key:          key,
		FilePath:     path,
		Size:         diskSize,
		OriginalSize: int64(len(value)),
		Timestamp:    now,
		LastAccess:   now,
		Compressed:   compressed,
	}
	ds.size += diskSize
	ds.dirty = true
	return nil
}

// Delete implements Store.
func (ds *DiskStore) Delete(_ context.Context, key string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if entry, ok := ds.index[key]; ok {
		ds.dropLocked(entry)
	}
	return nil
}

// Clear removes all entries.
func (ds *DiskStore) Clear() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for _, entry := range ds.index {
		os.Remove(entry.FilePath)
	}
	ds.index = make(map[string]*diskEntry)
	ds.size = 0
	return ds.saveIndexLocked()
}

// Stats implements Store.
func (ds *DiskStore) Stats() StoreStats {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	stats := ds.stats
	stats.Size = ds.size
	stats.ItemCount = int64(len(ds.index))
	return stats
}

// RemoveOlderThan removes entries cached before cutoff.
func (ds *DiskStore) RemoveOlderThan(cutoff time.Time) int {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	removed := 0
	for _, entry := range ds.index {
		if entry.Timestamp.Before(cutoff) {
			ds.dropLocked(entry)
			removed++
		}
	}
	return removed
}

// Close implements Store, persisting the index.
func (ds *DiskStore) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.encoder != nil {
		ds.encoder.Close()
	}
	if ds.decoder != nil {
		ds.decoder.Close()
	}
	if !ds.dirty {
		return nil
	}
	return ds.saveIndexLocked()
}

func (ds *DiskStore) pathFor(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(ds.basePath, hex.EncodeToString(hash[:16])+".cache")
}

func (ds *DiskStore) dropLocked(entry *diskEntry) {
	os.Remove(entry.FilePath)
	delete(ds.index, entry.Key)
	ds.size -= entry.Size
	ds.dirty = true
}

func (ds *DiskStore) evictOldestLocked() {
	entries := make([]*diskEntry, 0, len(ds.index))
	for _, e := range ds.index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccess.Before(entries[j].LastAccess)
	})
	if len(entries) > 0 {
		ds.dropLocked(entries[0])
		ds.stats.Evictions++
	}
}

// pruneMissing drops index entries whose files are gone and recomputes size.
func (ds *DiskStore) pruneMissing() {
	ds.size = 0
	for key, entry := range ds.index {
		if _, err := os.Stat(entry.FilePath); err != nil {
			delete(ds.index, key)
			ds.dirty = true
			continue
		}
		ds.size += entry.Size
	}
}

func (ds *DiskStore) indexPath() string {
	return filepath.Join(ds.basePath, "cache.index")
}

func (ds *DiskStore) loadIndex() error {
	file, err := os.Open(ds.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	return gob.NewDecoder(file).Decode(&ds.index)
}

func (ds *DiskStore) saveIndexLocked() error {
	tempPath := ds.indexPath() + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	err = gob.NewEncoder(file).Encode(ds.index)
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return err
	}

	ds.dirty = false
	return os.Rename(tempPath, ds.indexPath())
}

// writeFileAtomic writes to a temp file and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, path)
}
