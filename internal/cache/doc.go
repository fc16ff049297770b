// Package cache loads, decodes and caches playable audio buffers keyed by
// source locator. The in-memory level holds decoded buffers under an entry
// count cap with least-recently-used eviction; an optional Store keeps the
// encoded bytes (on disk with zstd, or in redis) so evicted buffers reload
// without refetching.
package cache
