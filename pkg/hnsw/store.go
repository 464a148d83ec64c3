package hnsw

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bobboyms/oxidb/pkg/buffer"
	"github.com/bobboyms/oxidb/pkg/disk"
	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/logging"
	"github.com/bobboyms/oxidb/pkg/types"
)

// PagedStore persists an Index through the engine's page substrate: a
// snapshot is serialized and chunked across a chain of buffer-pool
// pages, each page carrying the next page's id in its first bytes. The
// vector index is non-transactional (append-mostly, rebuilt by
// compaction), so a snapshot chain is the whole persistence story: Save
// after building or compacting, Load at open, and the previous chain's
// pages go back to the free-page bitmap.
type PagedStore struct {
	pool *buffer.Pool
	dm   *disk.DiskManager
	log  *logging.Logger
}

// NewPagedStore builds a store over an open pool and its disk manager.
func NewPagedStore(pool *buffer.Pool, dm *disk.DiskManager, log *logging.Logger) *PagedStore {
	return &PagedStore{pool: pool, dm: dm, log: log}
}

const (
	storeMagic = uint32(0x48585357) // "HXSW"

	// Per-page chain framing inside Page.Data: next page id (8 bytes,
	// 0 = end of chain) + chunk length (4 bytes).
	chunkHeaderSize = 12
)

// Save serializes idx and writes it across a fresh page chain, flushing
// every page through the pool (which honors the WAL-before-data check
// for pools built with a WALFlusher). Returns the chain's head page id;
// callers typically record it with dm.SetCatalogRoot or alongside their
// own catalog state.
func (s *PagedStore) Save(idx *Index) (disk.PageId, error) {
	snapshot := idx.encodeSnapshot()

	chunkSize := len(disk.Page{}.Data) - chunkHeaderSize

	// Allocate the chain first so each page can name its successor. A
	// snapshot is never empty (magic + config), so nPages >= 1.
	nPages := (len(snapshot) + chunkSize - 1) / chunkSize
	pages := make([]*disk.Page, 0, nPages)
	for i := 0; i < nPages; i++ {
		page, err := s.pool.NewPage()
		if err != nil {
			return 0, err
		}
		pages = append(pages, page)
	}

	for i, page := range pages {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		chunk := snapshot[start:end]

		var next disk.PageId
		if i+1 < len(pages) {
			next = pages[i+1].ID
		}
		binary.LittleEndian.PutUint64(page.Data[0:8], uint64(next))
		binary.LittleEndian.PutUint32(page.Data[8:12], uint32(len(chunk)))
		copy(page.Data[chunkHeaderSize:], chunk)

		if err := s.pool.Unpin(page.ID, true); err != nil {
			return 0, err
		}
		if err := s.pool.FlushPage(page.ID); err != nil {
			return 0, err
		}
	}

	if err := s.dm.Sync(); err != nil {
		return 0, err
	}

	s.log.With("pages", len(pages)).With("bytes", len(snapshot)).Info("hnsw snapshot saved")
	return pages[0].ID, nil
}

// Load reads the page chain starting at root and rebuilds the index.
// The rebuilt index's RNG restarts from the configured seed; inserts
// made after a Load therefore sample layers from the beginning of the
// seed's sequence, which keeps Load(Save(idx)) itself deterministic.
func (s *PagedStore) Load(root disk.PageId, log *logging.Logger) (*Index, error) {
	var snapshot []byte
	id := root
	for id != 0 {
		page, err := s.pool.Fetch(id)
		if err != nil {
			return nil, err
		}
		next := disk.PageId(binary.LittleEndian.Uint64(page.Data[0:8]))
		length := binary.LittleEndian.Uint32(page.Data[8:12])
		if int(length) > len(page.Data)-chunkHeaderSize {
			s.pool.Unpin(id, false)
			return nil, errors.NewCorruption(nil, fmt.Sprintf("hnsw: snapshot page %d declares %d chunk bytes", id, length))
		}
		snapshot = append(snapshot, page.Data[chunkHeaderSize:chunkHeaderSize+length]...)
		if err := s.pool.Unpin(id, false); err != nil {
			return nil, err
		}
		id = next
	}
	return decodeSnapshot(snapshot, log)
}

// FreeChain returns a snapshot chain's pages to the free-page bitmap,
// used to drop the previous snapshot after a successful Save.
func (s *PagedStore) FreeChain(root disk.PageId) error {
	id := root
	for id != 0 {
		page, err := s.pool.Fetch(id)
		if err != nil {
			return err
		}
		next := disk.PageId(binary.LittleEndian.Uint64(page.Data[0:8]))
		if err := s.pool.Unpin(id, false); err != nil {
			return err
		}
		if err := s.dm.FreePage(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}

// encodeSnapshot flattens the index into the snapshot byte stream:
// magic, config, graph bookkeeping, then every node with its vector and
// per-layer neighbor lists. The change log is not persisted; a loaded
// index starts with an empty one.
func (idx *Index) encodeSnapshot() []byte {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var buf []byte
	u32 := func(v uint32) { buf = binary.LittleEndian.AppendUint32(buf, v) }
	u64 := func(v uint64) { buf = binary.LittleEndian.AppendUint64(buf, v) }
	b := func(v bool) {
		if v {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	u32(storeMagic)
	u64(uint64(idx.cfg.M))
	u64(uint64(idx.cfg.MMax0))
	u64(uint64(idx.cfg.EfConstruction))
	u64(uint64(idx.cfg.EfSearch))
	u64(math.Float64bits(idx.cfg.ML))
	buf = append(buf, byte(idx.cfg.Metric))
	u64(uint64(idx.cfg.Seed))
	u64(math.Float64bits(idx.cfg.DeadRatio))

	u64(idx.entryPoint)
	b(idx.hasEntry)
	u64(uint64(idx.topLevel))
	u64(idx.nextID)
	u64(uint64(idx.deadCount))

	u64(uint64(len(idx.nodes)))
	for _, n := range idx.nodes {
		u64(n.id)
		u32(uint32(len(n.vectorID)))
		buf = append(buf, n.vectorID...)
		b(n.deleted)
		u32(uint32(len(n.vector)))
		for _, f := range n.vector {
			u32(math.Float32bits(f))
		}
		u32(uint32(len(n.neighbors)))
		for _, layer := range n.neighbors {
			u32(uint32(len(layer)))
			for _, nb := range layer {
				u64(nb)
			}
		}
	}
	return buf
}

// decodeSnapshot is encodeSnapshot's inverse, validating lengths
// against MaxItemLength the same way every other on-disk decoder does.
func decodeSnapshot(buf []byte, log *logging.Logger) (*Index, error) {
	r := &snapshotReader{buf: buf}

	if r.u32() != storeMagic {
		return nil, errors.NewCorruption(nil, "hnsw: snapshot has bad magic")
	}

	var cfg Config
	cfg.M = int(r.u64())
	cfg.MMax0 = int(r.u64())
	cfg.EfConstruction = int(r.u64())
	cfg.EfSearch = int(r.u64())
	cfg.ML = math.Float64frombits(r.u64())
	cfg.Metric = Metric(r.byte())
	cfg.Seed = int64(r.u64())
	cfg.DeadRatio = math.Float64frombits(r.u64())

	idx := New(cfg, log)
	idx.entryPoint = r.u64()
	idx.hasEntry = r.bool()
	idx.topLevel = int(r.u64())
	idx.nextID = r.u64()
	idx.deadCount = int(r.u64())

	nodeCount := r.u64()
	if !types.CheckItemLength(nodeCount) {
		return nil, errors.NewSerialization(nil, fmt.Sprintf("hnsw: snapshot declares %d nodes", nodeCount))
	}
	for i := uint64(0); i < nodeCount; i++ {
		n := &node{}
		n.id = r.u64()
		idLen := r.u32()
		if !types.CheckItemLength(uint64(idLen)) {
			return nil, errors.NewSerialization(nil, "hnsw: snapshot vector id length exceeds limit")
		}
		n.vectorID = string(r.bytes(int(idLen)))
		n.deleted = r.bool()
		dim := r.u32()
		if !types.CheckItemLength(uint64(dim) * 4) {
			return nil, errors.NewSerialization(nil, "hnsw: snapshot vector dimension exceeds limit")
		}
		n.vector = make(Vector, dim)
		for d := range n.vector {
			n.vector[d] = math.Float32frombits(r.u32())
		}
		layers := r.u32()
		n.neighbors = make([][]uint64, layers)
		for l := range n.neighbors {
			edges := r.u32()
			if edges > 0 {
				n.neighbors[l] = make([]uint64, edges)
				for e := range n.neighbors[l] {
					n.neighbors[l][e] = r.u64()
				}
			}
		}
		if r.failed {
			return nil, errors.NewCorruption(nil, "hnsw: snapshot truncated mid-node")
		}
		idx.nodes[n.id] = n
		idx.byVectorID[n.vectorID] = n.id
	}
	if r.failed {
		return nil, errors.NewCorruption(nil, "hnsw: snapshot truncated")
	}
	return idx, nil
}

// snapshotReader is a cursor over the snapshot bytes; a short read
// flips failed instead of panicking, checked once per node.
type snapshotReader struct {
	buf    []byte
	off    int
	failed bool
}

func (r *snapshotReader) bytes(n int) []byte {
	if r.off+n > len(r.buf) {
		r.failed = true
		return make([]byte, n)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *snapshotReader) u32() uint32 { return binary.LittleEndian.Uint32(r.bytes(4)) }
func (r *snapshotReader) u64() uint64 { return binary.LittleEndian.Uint64(r.bytes(8)) }
func (r *snapshotReader) byte() byte  { return r.bytes(1)[0] }
func (r *snapshotReader) bool() bool  { return r.byte() != 0 }
