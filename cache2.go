package qcow2

import (
	"fmt"
	"sync"
)

// metaCacheEntry is one pinned, possibly-dirty cluster resident in a
// metadataCache. Callers hold a reference between get/getEmpty and the
// matching put; the data slice is safe to mutate in place while pinned.
type metaCacheEntry struct {
	offset uint64
	data   []byte
	dirty  bool
	pins   int
}

// metadataCache is the C2 write-back metadata cache: entries are pinned
// while in use, dirtied in place, and flushed to the back-end in an order
// that respects an optional dependency on another cache (set_dependency).
// Unlike the plain read-mostly l2Cache, eviction here must write back any
// dirty entry before it can be dropped.
type metadataCache struct {
	img     *Image
	mu      sync.Mutex
	entries map[uint64]*metaCacheEntry
	order   []uint64 // insertion/touch order, used for eviction candidates
	maxSize int

	dependsOn *metadataCache
}

func newMetadataCache(img *Image, maxSize int) *metadataCache {
	return &metadataCache{
		img:     img,
		entries: make(map[uint64]*metaCacheEntry),
		maxSize: maxSize,
	}
}

// get returns a pinned entry holding the on-disk content at off, reading it
// from the back-end if it isn't already resident. Callers must call put
// exactly once per successful get/getEmpty.
func (c *metadataCache) get(off uint64) (*metaCacheEntry, error) {
	c.mu.Lock()
	if e, ok := c.entries[off]; ok {
		e.pins++
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	buf := make([]byte, c.img.clusterSize)
	if _, err := c.img.file.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("qcow2: refblock read at 0x%x: %w", off, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[off]; ok {
		// Lost the race with a concurrent get/getEmpty for the same offset.
		e.pins++
		return e, nil
	}
	e := &metaCacheEntry{offset: off, data: buf, pins: 1}
	c.insertLocked(e)
	return e, nil
}

// getEmpty returns a pinned entry for off without issuing a read. A newly
// inserted entry has a zeroed buffer; an entry already resident in the
// cache is returned with its current contents. Used when the caller is
// about to overwrite the whole cluster (e.g. a freshly allocated refblock).
func (c *metadataCache) getEmpty(off uint64) *metaCacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[off]; ok {
		e.pins++
		return e
	}
	e := &metaCacheEntry{offset: off, data: make([]byte, c.img.clusterSize), pins: 1}
	c.insertLocked(e)
	return e
}

func (c *metadataCache) insertLocked(e *metaCacheEntry) {
	c.entries[e.offset] = e
	c.order = append(c.order, e.offset)
	c.evictLocked()
}

// evictLocked drops unpinned, clean entries (flushing dirty ones first)
// until the cache is back at or under maxSize. It gives up rather than
// blocking forever if every resident entry is pinned.
func (c *metadataCache) evictLocked() {
	if c.maxSize <= 0 {
		return
	}
	for len(c.entries) > c.maxSize {
		evicted := false
		for i, off := range c.order {
			e := c.entries[off]
			if e == nil {
				c.order = append(c.order[:i], c.order[i+1:]...)
				evicted = true
				break
			}
			if e.pins > 0 {
				continue
			}
			if e.dirty {
				if err := c.writeBackLocked(e); err != nil {
					continue
				}
			}
			delete(c.entries, off)
			c.order = append(c.order[:i], c.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

func (c *metadataCache) writeBackLocked(e *metaCacheEntry) error {
	if _, err := c.img.file.WriteAt(e.data, int64(e.offset)); err != nil {
		return fmt.Errorf("qcow2: refblock write at 0x%x: %w", e.offset, err)
	}
	e.dirty = false
	return nil
}

// put releases one reference on e, taken by a prior get/getEmpty.
func (c *metadataCache) put(e *metaCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.pins > 0 {
		e.pins--
	}
}

// markDirty flags e as needing write-back at the next flush or eviction.
func (c *metadataCache) markDirty(e *metaCacheEntry) {
	c.mu.Lock()
	e.dirty = true
	c.mu.Unlock()
}

// flush writes every dirty entry back to the back-end. If this cache has a
// dependency registered via setDependency, that cache is flushed first, so
// anything this cache's entries logically depend on is already durable.
func (c *metadataCache) flush() error {
	if c.dependsOn != nil {
		if err := c.dependsOn.flush(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.dirty {
			if err := c.writeBackLocked(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// empty discards every resident entry without writing it back. Only safe
// to call when the caller has already made the back-end authoritative by
// other means (e.g. the checker's rebuild phase).
func (c *metadataCache) empty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*metaCacheEntry)
	c.order = nil
}

// setDependency records that this cache may not flush an entry until dep
// has itself been flushed (spec §4.C2 set_dependency, §5 ordering rules).
func (c *metadataCache) setDependency(dep *metadataCache) {
	c.dependsOn = dep
}
