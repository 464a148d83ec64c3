package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/logging"
	"github.com/bobboyms/oxidb/pkg/types"
)

// Config fixes an index's construction parameters for its lifetime
//.
type Config struct {
	M              int     // target bidirectional degree per layer
	MMax0          int     // max degree at layer 0 (conventionally 2*M)
	EfConstruction int     // candidate list size during Insert
	EfSearch       int     // default candidate list size during Search
	ML             float64 // level-sampling normalization factor; 0 means 1/ln(M)
	Metric         Metric
	Seed           int64 // RNG seed; required for deterministic construction
	DeadRatio      float64 // tombstone ratio at which NeedsCompaction reports true
}

func (c Config) withDefaults() Config {
	if c.M <= 0 {
		c.M = 16
	}
	if c.MMax0 <= 0 {
		c.MMax0 = 2 * c.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 64
	}
	if c.ML <= 0 {
		c.ML = 1 / math.Log(float64(c.M))
	}
	if c.Metric == 0 {
		c.Metric = Cosine
	}
	if c.DeadRatio <= 0 {
		c.DeadRatio = 0.2
	}
	return c
}

// node is one per-vector graph node, addressed internally by a
// process-local uint64 id; the caller-supplied vector id is kept
// alongside it as the external identifier.
type node struct {
	id        uint64
	vectorID  string
	vector    Vector
	neighbors [][]uint64 // neighbors[level] = bidirectional edges at that layer
	deleted   bool
}

// Index is one HNSW graph, immutable in Metric/M/EfConstruction once
// built. Safe for concurrent Insert/Search/Delete.
type Index struct {
	mu         sync.RWMutex
	cfg        Config
	rng        *rand.Rand
	nodes      map[uint64]*node
	byVectorID map[string]uint64
	entryPoint uint64
	hasEntry   bool
	topLevel   int
	nextID     uint64
	deadCount  int
	changeLog  *ChangeLog
	log        *logging.Logger
}

// New builds an empty index. The RNG is seeded from cfg.Seed (never
// the global math/rand source), so identical construction order plus
// identical seed reproduces an identical graph.
func New(cfg Config, log *logging.Logger) *Index {
	cfg = cfg.withDefaults()
	return &Index{
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		nodes:      make(map[uint64]*node),
		byVectorID: make(map[string]uint64),
		changeLog:  NewChangeLog(),
		log:        log,
	}
}

func (idx *Index) Metric() Metric { return idx.cfg.Metric }

// assignLevel samples a layer via the standard HNSW geometric
// distribution: floor(-ln(rand) * mL).
func (idx *Index) assignLevel() int {
	r := idx.rng.Float64()
	for r == 0 {
		r = idx.rng.Float64()
	}
	return int(math.Floor(-math.Log(r) * idx.cfg.ML))
}

// Insert adds vector under vectorID, sampling its top layer and
// connecting up to M neighbors per layer via greedy search plus the
// diversity heuristic. Re-inserting an existing vectorID
// replaces its vector and reconnects it.
func (idx *Index) Insert(vectorID string, vec Vector) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.byVectorID[vectorID]; ok {
		idx.removeNodeLocked(existing)
	}

	level := idx.assignLevel()
	id := idx.nextID
	idx.nextID++

	n := &node{
		id:        id,
		vectorID:  vectorID,
		vector:    vec,
		neighbors: make([][]uint64, level+1),
	}
	idx.nodes[id] = n
	idx.byVectorID[vectorID] = id

	if !idx.hasEntry {
		idx.entryPoint = id
		idx.hasEntry = true
		idx.topLevel = level
		idx.changeLog.RecordInsert(id, vectorID, vec)
		return nil
	}

	entry := idx.entryPoint
	entryDist := distance(idx.cfg.Metric, vec, idx.nodes[entry].vector)

	// Greedy descent, single closest candidate, down to level+1.
	for l := idx.topLevel; l > level; l-- {
		entry, entryDist = idx.greedyClosest(vec, entry, entryDist, l)
	}

	// From min(topLevel, level) down to 0, search with efConstruction
	// candidates and connect neighbors with the diversity heuristic.
	for l := min(idx.topLevel, level); l >= 0; l-- {
		candidates := idx.searchLayer(vec, []uint64{entry}, idx.cfg.EfConstruction, l)
		selected := idx.selectNeighborsHeuristic(vec, candidates, idx.cfg.M)
		n.neighbors[l] = selected

		maxDeg := idx.cfg.M
		if l == 0 {
			maxDeg = idx.cfg.MMax0
		}
		for _, nb := range selected {
			idx.connect(nb, id, l, maxDeg)
		}
		if len(candidates) > 0 {
			entry = candidates[0].id
			entryDist = candidates[0].dist
		}
	}

	if level > idx.topLevel {
		idx.topLevel = level
		idx.entryPoint = id
	}

	idx.changeLog.RecordInsert(id, vectorID, vec)
	return nil
}

// connect adds a bidirectional edge id<->peer at layer l, pruning
// peer's neighbor list back to maxDeg by keeping its closest
// neighbors if the new edge overflows it.
func (idx *Index) connect(peer, id uint64, l, maxDeg int) {
	pn := idx.nodes[peer]
	if pn == nil || pn.deleted {
		return
	}
	for len(pn.neighbors) <= l {
		pn.neighbors = append(pn.neighbors, nil)
	}
	pn.neighbors[l] = append(pn.neighbors[l], id)
	if len(pn.neighbors[l]) > maxDeg {
		cands := make([]candidate, 0, len(pn.neighbors[l]))
		for _, nb := range pn.neighbors[l] {
			if target := idx.nodes[nb]; target != nil && !target.deleted {
				cands = append(cands, candidate{id: nb, dist: distance(idx.cfg.Metric, pn.vector, target.vector)})
			}
		}
		kept := idx.selectNeighborsHeuristic(pn.vector, cands, maxDeg)
		pn.neighbors[l] = kept
	}
}

type candidate struct {
	id   uint64
	dist float32
}

// selectNeighborsHeuristic prefers diverse connections when enough
// ef_construction candidates are available: a candidate is kept only
// if it is closer to the query than to every neighbor already
// selected, so neighbor lists don't cluster in one direction.
func (idx *Index) selectNeighborsHeuristic(query Vector, candidates []candidate, m int) []uint64 {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sortCandidates(sorted)

	selected := make([]uint64, 0, m)
	for _, c := range sorted {
		if len(selected) >= m {
			break
		}
		target := idx.nodes[c.id]
		if target == nil || target.deleted {
			continue
		}
		diverse := true
		for _, s := range selected {
			sn := idx.nodes[s]
			if sn == nil {
				continue
			}
			if distance(idx.cfg.Metric, target.vector, sn.vector) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c.id)
		}
	}
	// Backfill: if the diversity filter left fewer than m, top up with
	// the next-closest non-selected candidates rather than under-connect.
	if len(selected) < m {
		have := make(map[uint64]bool, len(selected))
		for _, s := range selected {
			have[s] = true
		}
		for _, c := range sorted {
			if len(selected) >= m {
				break
			}
			if !have[c.id] {
				selected = append(selected, c.id)
				have[c.id] = true
			}
		}
	}
	return selected
}

func sortCandidates(c []candidate) {
	// Small insertion sort: candidate lists are bounded by
	// efConstruction/efSearch, typically a few hundred at most.
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].dist < c[j-1].dist; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// greedyClosest walks from entry towards vec at layer l, returning the
// single closest node reached.
func (idx *Index) greedyClosest(vec Vector, entry uint64, entryDist float32, l int) (uint64, float32) {
	improved := true
	for improved {
		improved = false
		en := idx.nodes[entry]
		if en == nil || l >= len(en.neighbors) {
			break
		}
		for _, nb := range en.neighbors[l] {
			target := idx.nodes[nb]
			if target == nil || target.deleted {
				continue
			}
			d := distance(idx.cfg.Metric, vec, target.vector)
			if d < entryDist {
				entry = nb
				entryDist = d
				improved = true
			}
		}
	}
	return entry, entryDist
}

// searchLayer runs a beam search with a candidate list of size ef at
// layer l starting from entryPoints, returning candidates sorted
// nearest-first.
func (idx *Index) searchLayer(vec Vector, entryPoints []uint64, ef int, l int) []candidate {
	visited := make(map[uint64]bool)
	candHeap := &minHeap{}
	resultHeap := &maxHeap{}
	heap.Init(candHeap)
	heap.Init(resultHeap)

	for _, ep := range entryPoints {
		n := idx.nodes[ep]
		if n == nil || n.deleted {
			continue
		}
		d := distance(idx.cfg.Metric, vec, n.vector)
		visited[ep] = true
		heap.Push(candHeap, candidate{id: ep, dist: d})
		heap.Push(resultHeap, candidate{id: ep, dist: d})
	}

	for candHeap.Len() > 0 {
		c := heap.Pop(candHeap).(candidate)
		if resultHeap.Len() >= ef && c.dist > (*resultHeap)[0].dist {
			break
		}
		n := idx.nodes[c.id]
		if n == nil || l >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[l] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			target := idx.nodes[nb]
			if target == nil || target.deleted {
				continue
			}
			d := distance(idx.cfg.Metric, vec, target.vector)
			if resultHeap.Len() < ef || d < (*resultHeap)[0].dist {
				heap.Push(candHeap, candidate{id: nb, dist: d})
				heap.Push(resultHeap, candidate{id: nb, dist: d})
				if resultHeap.Len() > ef {
					heap.Pop(resultHeap)
				}
			}
		}
	}

	out := make([]candidate, resultHeap.Len())
	for i := range out {
		out[i] = heap.Pop(resultHeap).(candidate)
	}
	// resultHeap is a max-heap, so popping yields farthest-first; reverse.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SearchResult is one ranked hit from Search.
type SearchResult struct {
	VectorID string
	Distance float32
}

// Search returns up to k approximate nearest neighbors of query,
// greedy-descending above layer 0 then beam-searching layer 0 with
// candidate list ef. Not guaranteed exact, but deterministic
// given identical construction and ef.
func (idx *Index) Search(query Vector, k int, ef int) ([]SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.hasEntry {
		return nil, nil
	}
	if ef <= 0 {
		ef = idx.cfg.EfSearch
	}
	if ef < k {
		ef = k
	}

	entry := idx.entryPoint
	entryDist := distance(idx.cfg.Metric, query, idx.nodes[entry].vector)
	for l := idx.topLevel; l > 0; l-- {
		entry, entryDist = idx.greedyClosest(query, entry, entryDist, l)
	}

	candidates := idx.searchLayer(query, []uint64{entry}, ef, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		n := idx.nodes[c.id]
		if n == nil || n.deleted {
			continue
		}
		results = append(results, SearchResult{VectorID: n.vectorID, Distance: c.dist})
	}
	return results, nil
}

// Delete tombstones vectorID rather than removing it from the graph
// immediately: its neighbor edges stay in place for
// traversal but it's never returned from Search and is dropped from
// any neighbor list that's rebuilt afterward.
func (idx *Index) Delete(vectorID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.byVectorID[vectorID]
	if !ok {
		return false
	}
	n := idx.nodes[id]
	if n.deleted {
		return false
	}
	n.deleted = true
	idx.deadCount++
	idx.changeLog.RecordDelete(id, vectorID)
	return true
}

// removeNodeLocked fully removes a node (used only when re-inserting
// an existing vectorID). Callers must hold idx.mu.
func (idx *Index) removeNodeLocked(id uint64) {
	n := idx.nodes[id]
	if n == nil {
		return
	}
	delete(idx.nodes, id)
	delete(idx.byVectorID, n.vectorID)
	if n.deleted {
		idx.deadCount--
	}
	if idx.entryPoint == id {
		// Promote the highest-level remaining node (lowest id on ties).
		idx.hasEntry = false
		idx.topLevel = 0
		for nid, other := range idx.nodes {
			lvl := len(other.neighbors) - 1
			if !idx.hasEntry || lvl > idx.topLevel || (lvl == idx.topLevel && nid < idx.entryPoint) {
				idx.entryPoint, idx.topLevel, idx.hasEntry = nid, lvl, true
			}
		}
	}
}

// NeedsCompaction reports whether the tombstone ratio has crossed
// Config.DeadRatio, the threshold past which Compact is worth running.
// Nothing calls Compact automatically.
func (idx *Index) NeedsCompaction() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.nodes) == 0 {
		return false
	}
	return float64(idx.deadCount)/float64(len(idx.nodes)) >= idx.cfg.DeadRatio
}

// Compact rebuilds the graph from scratch using only live vectors, in
// vectorID order for determinism, and clears the change log. Callers decide when to invoke it based on
// NeedsCompaction.
func (idx *Index) Compact() {
	idx.mu.Lock()
	live := make([]liveVec, 0, len(idx.nodes)-idx.deadCount)
	for _, n := range idx.nodes {
		if !n.deleted {
			live = append(live, liveVec{id: n.vectorID, vec: n.vector})
		}
	}
	sortLive(live)
	idx.mu.Unlock()

	fresh := New(idx.cfg, idx.log)
	for _, v := range live {
		_ = fresh.Insert(v.id, v.vec) // construction errors are impossible here: no duplicate IDs, no I/O
	}

	idx.mu.Lock()
	idx.nodes = fresh.nodes
	idx.byVectorID = fresh.byVectorID
	idx.entryPoint = fresh.entryPoint
	idx.hasEntry = fresh.hasEntry
	idx.topLevel = fresh.topLevel
	idx.nextID = fresh.nextID
	idx.deadCount = 0
	idx.changeLog.Clear()
	idx.mu.Unlock()

	if idx.log != nil {
		idx.log.With("nodes", len(live)).Info("hnsw compaction complete")
	}
}

// liveVec pairs a surviving vector with its external id for the
// deterministic-order rebuild in Compact.
type liveVec struct {
	id  string
	vec Vector
}

func sortLive(live []liveVec) {
	for i := 1; i < len(live); i++ {
		for j := i; j > 0 && live[j].id < live[j-1].id; j-- {
			live[j], live[j-1] = live[j-1], live[j]
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RecordID resolves an external vectorID to a types.RecordId so the
// executor façade can report VectorSearch hits using the same
// identifier shape as table/index operations. HNSW nodes have no
// physical page/slot of their own, so this is a stable synthetic
// mapping, not a real heap address.
func (idx *Index) RecordID(vectorID string) (types.RecordId, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	id, ok := idx.byVectorID[vectorID]
	if !ok {
		return types.RecordId{}, false
	}
	return types.RecordId{Page: types.PageId(id >> 16), Slot: types.SlotId(id & 0xFFFF)}, true
}

var errDimensionMismatch = errors.NewSerialization(nil, "hnsw: vector dimension mismatch")

// ErrDimensionMismatch returns the package's dimension-mismatch error,
// exported so callers that check vector dimensions can return it and
// match it with errors.Is. Insert and Search do not check dimensions.
func ErrDimensionMismatch() error { return errDimensionMismatch }
