/*
Package pagecache implements a fixed-size, clock/second-chance page
cache shared by all timelines on a pageserver, with two independent
lookup maps (one for immutable on-disk layer blocks, one for
materialized reconstructed pages) the way
original_source/pageserver/src/page_cache.rs's PageCache does, and a
semaphore bounding the number of pins in flight.
*/
package pagecache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// PageSize matches Postgres's page size; every slot holds exactly one
// page's worth of bytes.
const PageSize = 8192

// maxUsageCount caps the clock usage counter, as in the original.
const maxUsageCount = 5

// FileKey identifies one immutable block of a specific on-disk layer file.
type FileKey struct {
	LayerPath string
	BlockNo   uint32
}

// MaterializedKey identifies a reconstructed page at an exact LSN.
type MaterializedKey struct {
	TenantTimeline string
	Rel            string
	BlockNo        uint32
	Lsn            uint64
}

type slot struct {
	mu         sync.Mutex
	usageCount int
	fileKey    *FileKey
	matKey     *MaterializedKey
	data       [PageSize]byte
}

// Cache is a fixed-size pool of page-sized slots shared across timelines.
type Cache struct {
	slots     []*slot
	fileIdx   map[FileKey]int
	matIdx    map[MaterializedKey]int
	idxMu     sync.Mutex
	nextEvict int
	evictMu   sync.Mutex
	pins      *semaphore.Weighted
}

// New builds a cache with numSlots page-sized buffers. At most numSlots
// PutImmutable/PutMaterialized calls hold a pin at once (one pin per slot
// being filled, mirroring the original's PinnedSlotsPermit semaphore sized
// to the slot count); reads take no pin.
func New(numSlots int) *Cache {
	if numSlots < 1 {
		numSlots = 1
	}
	slots := make([]*slot, numSlots)
	for i := range slots {
		slots[i] = &slot{}
	}
	return &Cache{
		slots:   slots,
		fileIdx: make(map[FileKey]int),
		matIdx:  make(map[MaterializedKey]int),
		pins:    semaphore.NewWeighted(int64(numSlots)),
	}
}

// ReadImmutable returns the cached bytes for key, or (nil, false) on a
// cache miss; callers are expected to read the block themselves and call
// PutImmutable on a miss.
func (c *Cache) ReadImmutable(key FileKey) ([]byte, bool) {
	c.idxMu.Lock()
	idx, ok := c.fileIdx[key]
	c.idxMu.Unlock()
	if !ok {
		return nil, false
	}
	s := c.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fileKey == nil || *s.fileKey != key {
		return nil, false
	}
	s.incUsage()
	out := make([]byte, PageSize)
	copy(out, s.data[:])
	return out, true
}

// PutImmutable stores data (which must be exactly PageSize bytes) under
// key, evicting a victim slot via the clock algorithm if the cache is full.
func (c *Cache) PutImmutable(ctx context.Context, key FileKey, data []byte) error {
	idx, s, err := c.acquireVictim(ctx)
	if err != nil {
		return err
	}
	defer c.pins.Release(1)

	c.evictMapping(s)
	copy(s.data[:], data)
	s.fileKey = &key
	s.matKey = nil
	s.usageCount = 1
	s.mu.Unlock()

	c.idxMu.Lock()
	c.fileIdx[key] = idx
	c.idxMu.Unlock()
	return nil
}

// ReadMaterialized returns a cached reconstructed page, if present.
func (c *Cache) ReadMaterialized(key MaterializedKey) ([]byte, bool) {
	c.idxMu.Lock()
	idx, ok := c.matIdx[key]
	c.idxMu.Unlock()
	if !ok {
		return nil, false
	}
	s := c.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.matKey == nil || *s.matKey != key {
		return nil, false
	}
	s.incUsage()
	out := make([]byte, PageSize)
	copy(out, s.data[:])
	return out, true
}

// PutMaterialized caches a reconstructed page under key.
func (c *Cache) PutMaterialized(ctx context.Context, key MaterializedKey, data []byte) error {
	idx, s, err := c.acquireVictim(ctx)
	if err != nil {
		return err
	}
	defer c.pins.Release(1)

	c.evictMapping(s)
	copy(s.data[:], data)
	s.matKey = &key
	s.fileKey = nil
	s.usageCount = 1
	s.mu.Unlock()

	c.idxMu.Lock()
	c.matIdx[key] = idx
	c.idxMu.Unlock()
	return nil
}

// incUsage bumps the clock usage count; caller must hold s.mu.
func (s *slot) incUsage() {
	if s.usageCount < maxUsageCount {
		s.usageCount++
	}
}

// evictMapping removes s's current index entry, if any. Caller must hold s.mu.
func (c *Cache) evictMapping(s *slot) {
	if s.fileKey != nil {
		c.idxMu.Lock()
		delete(c.fileIdx, *s.fileKey)
		c.idxMu.Unlock()
	}
	if s.matKey != nil {
		c.idxMu.Lock()
		delete(c.matIdx, *s.matKey)
		c.idxMu.Unlock()
	}
}

// acquireVictim finds a slot with zero usage count via the clock sweep,
// under a pin permit, the way find_victim does. On success it returns with
// the winning slot's mutex held for writing; the caller must unlock it
// once the new contents are in place.
func (c *Cache) acquireVictim(ctx context.Context) (int, *slot, error) {
	if err := c.pins.Acquire(ctx, 1); err != nil {
		return 0, nil, fmt.Errorf("pagecache: acquiring pin: %w", err)
	}

	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	iterLimit := len(c.slots) * 10
	for i := 0; i < iterLimit; i++ {
		idx := c.nextEvict % len(c.slots)
		c.nextEvict++
		s := c.slots[idx]

		s.mu.Lock()
		if s.usageCount == 0 {
			return idx, s, nil
		}
		s.usageCount--
		s.mu.Unlock()
	}
	c.pins.Release(1)
	return 0, nil, fmt.Errorf("pagecache: exceeded eviction iteration limit")
}

// Size reports the number of slots in the cache.
func (c *Cache) Size() int { return len(c.slots) }
