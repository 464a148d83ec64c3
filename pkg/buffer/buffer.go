// Package buffer implements the BufferPool: a fixed set of frames
// caching disk pages, enforcing pin-count/dirty-bit bookkeeping and the
// WAL-before-data write-ahead rule.
package buffer

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bobboyms/oxidb/pkg/disk"
	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/metrics"
)

// WALFlusher is the slice of *wal.WALWriter the buffer pool depends on:
// it must be able to guarantee durability up to a page's LSN before
// that page is allowed to hit disk (the WAL-before-data rule).
type WALFlusher interface {
	FlushThrough(lsn uint64) error
}

type frame struct {
	page     *disk.Page
	pinCount int
	dirty    bool
}

// EvictionPolicy selects how a victim frame is chosen when the pool is full.
type EvictionPolicy int

const (
	EvictFIFO EvictionPolicy = iota
	EvictLRUK
)

// Pool is a fixed-capacity cache of disk pages.
type Pool struct {
	mu       sync.Mutex
	dm       *disk.DiskManager
	wal      WALFlusher
	metrics  *metrics.Registry
	capacity int

	frames map[disk.PageId]*frame
	// fifoRing records insertion order for the default eviction policy.
	fifoRing []disk.PageId
	recency  *lru.Cache[disk.PageId, struct{}]
	policy   EvictionPolicy
}

// NewPool builds a BufferPool of capacity frames over dm. wal and m may
// be nil (no flush-through enforcement / no metrics, respectively) —
// useful for tests that exercise the pool directly.
func NewPool(dm *disk.DiskManager, walFlusher WALFlusher, m *metrics.Registry, capacity int, policy EvictionPolicy) (*Pool, error) {
	if capacity <= 0 {
		return nil, errors.NewConstraint(nil, fmt.Sprintf("buffer: capacity must be positive, got %d", capacity))
	}
	p := &Pool{
		dm:       dm,
		wal:      walFlusher,
		metrics:  m,
		capacity: capacity,
		frames:   make(map[disk.PageId]*frame, capacity),
		policy:   policy,
	}
	if policy == EvictLRUK {
		cache, err := lru.New[disk.PageId, struct{}](capacity)
		if err != nil {
			return nil, err
		}
		p.recency = cache
	}
	return p, nil
}

// Fetch returns the page for id, pinning it. Callers must Unpin when done.
func (p *Pool) Fetch(id disk.PageId) (*disk.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.frames[id]; ok {
		f.pinCount++
		p.touch(id)
		p.metrics.IncBufferHit()
		return f.page, nil
	}

	p.metrics.IncBufferMiss()
	page, err := p.dm.ReadPage(id)
	if err != nil {
		return nil, err
	}
	if err := p.installLocked(id, page); err != nil {
		return nil, err
	}
	p.frames[id].pinCount++
	return page, nil
}

// NewPage allocates a fresh page on disk and installs it in the pool,
// pinned, with pin count 1.
func (p *Pool) NewPage() (*disk.Page, error) {
	id, err := p.dm.AllocatePage()
	if err != nil {
		return nil, err
	}
	page := &disk.Page{ID: id}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.installLocked(id, page); err != nil {
		return nil, err
	}
	p.frames[id].pinCount++
	p.frames[id].dirty = true
	return page, nil
}

// installLocked makes room if necessary and registers a new frame.
// Caller holds p.mu.
func (p *Pool) installLocked(id disk.PageId, page *disk.Page) error {
	// A freed-then-reallocated page id can still be cached from its
	// previous life; drop the stale frame so the ring holds one entry
	// per id.
	if _, ok := p.frames[id]; ok {
		delete(p.frames, id)
		p.removeFromFIFO(id)
		if p.recency != nil {
			p.recency.Remove(id)
		}
	}
	if len(p.frames) >= p.capacity {
		if err := p.evictOneLocked(); err != nil {
			return err
		}
	}
	p.frames[id] = &frame{page: page}
	p.fifoRing = append(p.fifoRing, id)
	p.touch(id)
	return nil
}

func (p *Pool) touch(id disk.PageId) {
	if p.policy == EvictLRUK && p.recency != nil {
		p.recency.Add(id, struct{}{})
	}
}

// evictOneLocked picks an unpinned victim per the configured policy and
// removes it, flushing first if dirty. Caller holds p.mu.
func (p *Pool) evictOneLocked() error {
	victim, ok := p.pickVictimLocked()
	if !ok {
		// Every frame is pinned: the caller must back off (unpin
		// something or retry) rather than treat this as fatal.
		return errors.NewBufferFull(nil, "buffer: pool exhausted, no unpinned frame to evict")
	}
	f := p.frames[victim]
	if f.dirty {
		if err := p.flushLocked(victim, f); err != nil {
			return err
		}
	}
	delete(p.frames, victim)
	p.removeFromFIFO(victim)
	if p.recency != nil {
		p.recency.Remove(victim)
	}
	p.metrics.IncBufferEviction()
	return nil
}

func (p *Pool) pickVictimLocked() (disk.PageId, bool) {
	if p.policy == EvictLRUK && p.recency != nil {
		keys := p.recency.Keys()
		for _, id := range keys {
			if f, ok := p.frames[id]; ok && f.pinCount == 0 {
				return id, true
			}
		}
	}
	for _, id := range p.fifoRing {
		if f, ok := p.frames[id]; ok && f.pinCount == 0 {
			return id, true
		}
	}
	return 0, false
}

func (p *Pool) removeFromFIFO(id disk.PageId) {
	for i, x := range p.fifoRing {
		if x == id {
			p.fifoRing = append(p.fifoRing[:i], p.fifoRing[i+1:]...)
			return
		}
	}
}

// Unpin releases a pin taken by Fetch/NewPage, optionally marking the
// page dirty.
func (p *Pool) Unpin(id disk.PageId, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.frames[id]
	if !ok {
		return errors.NewNotFound(nil, fmt.Sprintf("buffer: unpin of page %d not in pool", id))
	}
	if dirty {
		f.dirty = true
	}
	if f.pinCount > 0 {
		f.pinCount--
	}
	return nil
}

// FlushPage writes a single dirty page to disk, enforcing WAL-before-data.
func (p *Pool) FlushPage(id disk.PageId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[id]
	if !ok {
		return errors.NewNotFound(nil, fmt.Sprintf("buffer: flush of page %d not in pool", id))
	}
	return p.flushLocked(id, f)
}

func (p *Pool) flushLocked(id disk.PageId, f *frame) error {
	if p.wal != nil {
		if err := p.wal.FlushThrough(f.page.LSN); err != nil {
			return errors.NewIO(err, fmt.Sprintf("buffer: WAL flush-through before writing page %d", id))
		}
	}
	if err := p.dm.WritePage(f.page); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// FlushAll flushes every dirty frame currently in the pool.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, f := range p.frames {
		if f.dirty {
			if err := p.flushLocked(id, f); err != nil {
				return err
			}
		}
	}
	return nil
}
