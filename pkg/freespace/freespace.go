// Package freespace implements spec.md §4.6: a process-wide per-relation
// freespace map plus extent-allocation policy. Entries are recomputed by
// full scans and consumed by pkg/heap for insert/update block placement and
// by pkg/vacuum for reclaim bookkeeping.
package freespace

import (
	"sort"
	"sync"

	"github.com/weaverdb/wdbengine/pkg/errs"
	"github.com/weaverdb/wdbengine/pkg/page"
	"github.com/weaverdb/wdbengine/pkg/smgr"
	"github.com/weaverdb/wdbengine/pkg/types"
)

// lineLen mirrors page.lineLen (4 bytes); kept local since pkg/page does not
// export its line-pointer size.
const lineLen = 4

// minRequestThreshold is the running minimum below which a run is marked
// dead rather than kept in the bucketed index (spec.md §4.6 step 3).
const minRequestThreshold = 32

// Run is one free-space-tracked block.
type Run struct {
	Block         types.BlockNumber
	Available     int
	UnusedLines   int
	Misses        int
	Live          bool
}

// ExtentPolicy is a relation's pg_extent row: either a fixed block count or
// a percentage of current relation size, clamped to [3, nBuffers].
type ExtentPolicy struct {
	BlockCount int
	Percentage bool
	PercentOf  float64
}

// DefaultExtentPolicy matches ordinary user relations: grow by a handful of
// blocks at a time.
var DefaultExtentPolicy = ExtentPolicy{BlockCount: 4}

type entry struct {
	mu         sync.Mutex
	cond       *sync.Cond
	runs       []Run
	scanPos    int
	bucketIdx  map[int]int
	liveCount  int64
	deadCount  int64
	avgSize    int
	policy     ExtentPolicy
	endScanned bool
	extending  bool
	total      int
}

func newEntry() *entry {
	e := &entry{bucketIdx: make(map[int]int), policy: DefaultExtentPolicy}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Manager owns the process-wide freespace hash, keyed by relation id.
type Manager struct {
	mu       sync.Mutex
	smgr     *smgr.Manager
	entries  map[types.RelID]*entry
	nBuffers int
}

// New constructs a freespace Manager bound to one storage manager.
// nBuffers mirrors the shared buffer pool size referenced by extent policy.
func New(sm *smgr.Manager, nBuffers int) *Manager {
	return &Manager{smgr: sm, entries: make(map[types.RelID]*entry), nBuffers: nBuffers}
}

func (m *Manager) entryFor(rel types.RelID) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[rel]
	if !ok {
		e = newEntry()
		m.entries[rel] = e
	}
	return e
}

func bucketFor(requestBytes int) int {
	switch {
	case requestBytes <= 64:
		return 0
	case requestBytes <= 256:
		return 1
	case requestBytes <= 1024:
		return 2
	default:
		return 3
	}
}

// scanLocked implements steps 2-4 of get-freespace. Caller holds e.mu.
func scanLocked(e *entry, requestBytes int, minBlockLimit types.BlockNumber) (types.BlockNumber, bool) {
	bucket := bucketFor(requestBytes)
	start := e.bucketIdx[bucket]
	if start > len(e.runs) {
		start = 0
	}
	for i := start; i < len(e.runs); i++ {
		r := &e.runs[i]
		if !r.Live || r.Block < minBlockLimit {
			continue
		}
		if r.Available <= requestBytes {
			continue
		}
		cost := requestBytes
		if r.UnusedLines > 0 {
			r.UnusedLines--
		} else {
			cost += lineLen
		}
		r.Available -= cost
		if r.Available < minRequestThreshold {
			r.Live = false
		}
		if newBucket := bucketFor(r.Available); newBucket == bucket {
			if _, taken := e.bucketIdx[bucket]; !taken || e.bucketIdx[bucket] > i+1 {
				e.bucketIdx[bucket] = i + 1
			}
		}
		return r.Block, true
	}
	return types.InvalidBlockNumber, false
}

// GetFreespace implements the get-freespace algorithm: returns a block with
// at least requestBytes free, extending the relation if none qualifies.
func (m *Manager) GetFreespace(info smgr.Info, requestBytes int, minBlockLimit types.BlockNumber) (types.BlockNumber, error) {
	e := m.entryFor(info.Rel)
	e.mu.Lock()
	for e.extending {
		e.cond.Wait()
	}

	if block, ok := scanLocked(e, requestBytes, minBlockLimit); ok {
		e.mu.Unlock()
		return block, nil
	}

	// No run satisfies the request: claim the extender role and grow.
	e.extending = true
	e.mu.Unlock()

	count := m.RecommendAllocation(info, e.policy)
	scratch := make([]byte, page.Size)
	page.Init(scratch)
	newRuns, err := m.PerformAllocation(info, scratch, count)

	e.mu.Lock()
	e.extending = false
	if err != nil {
		e.cond.Broadcast()
		e.mu.Unlock()
		return types.InvalidBlockNumber, err
	}
	e.runs = append(e.runs, newRuns...)
	e.cond.Broadcast()

	block, ok := scanLocked(e, requestBytes, minBlockLimit)
	e.mu.Unlock()
	if !ok {
		return types.InvalidBlockNumber, errs.Recoverable(errs.CodeFreespaceExhaust, "no runs available after extension", nil)
	}
	return block, nil
}

// RecommendAllocation implements the extent-policy rule for how many blocks
// to add on the next extension.
func (m *Manager) RecommendAllocation(info smgr.Info, policy ExtentPolicy) int {
	if info.Rel.DBID == 0 || policy == (ExtentPolicy{}) {
		return 1
	}
	clamp := func(n int) int {
		if n < 3 {
			return 3
		}
		if m.nBuffers > 0 && n > m.nBuffers {
			return m.nBuffers
		}
		return n
	}
	if policy.Percentage {
		cur, err := m.smgr.NBlocks(info.Rel)
		if err != nil {
			cur = 0
		}
		est := int(float64(cur) * policy.PercentOf)
		return clamp(est)
	}
	return clamp(policy.BlockCount)
}

// PerformAllocation implements perform-allocation: on the first call for a
// relation it reuses trailing empty blocks if any; every block still needed
// is added by extending through the storage manager. Returns the newly live
// runs.
func (m *Manager) PerformAllocation(info smgr.Info, scratch []byte, count int) ([]Run, error) {
	if count <= 0 {
		count = 1
	}
	nBlocks, err := m.smgr.NBlocks(info.Rel)
	if err != nil {
		return nil, err
	}

	e := m.entryFor(info.Rel)
	e.mu.Lock()
	firstCall := !e.endScanned
	e.endScanned = true
	e.mu.Unlock()

	buf := make([]byte, page.Size)
	reused := 0
	for b := int64(nBlocks) - 1; firstCall && b >= 0 && reused < count; b-- {
		if err := m.smgr.ReadBlock(info.Rel, types.BlockNumber(b), buf); err != nil {
			break
		}
		if page.FreeSpace(buf) == page.Size-12 { // fully empty page
			reused++
			continue
		}
		break
	}

	runs := make([]Run, 0, count)
	for i := 0; i < reused; i++ {
		block := types.BlockNumber(int(nBlocks) - reused + i)
		runs = append(runs, Run{Block: block, Available: page.Size - 12, Live: true})
	}
	for i := 0; i < count-reused; i++ {
		block, err := m.smgr.Extend(info.Rel)
		if err != nil {
			return nil, err
		}
		if err := m.smgr.WriteBlock(info.Rel, block, scratch); err != nil {
			return nil, err
		}
		runs = append(runs, Run{Block: block, Available: page.FreeSpace(scratch), Live: true})
	}
	return runs, nil
}

// TruncateHeap implements truncate-heap: shrinks the relation and drops
// runs beyond the new end, clamping other handles' stale seek positions.
func (m *Manager) TruncateHeap(info smgr.Info, newBlockCount types.BlockNumber) error {
	e := m.entryFor(info.Rel)
	e.mu.Lock()
	e.extending = true
	e.mu.Unlock()

	err := m.smgr.Truncate(info.Rel, newBlockCount)

	e.mu.Lock()
	e.extending = false
	if err == nil {
		kept := e.runs[:0]
		for _, r := range e.runs {
			if r.Block < newBlockCount {
				kept = append(kept, r)
			}
		}
		e.runs = kept
		e.bucketIdx = make(map[int]int)
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	return err
}

// RegisterFreespace atomically replaces the run array, sorted by block
// number, dropping sub-threshold runs (spec.md §4.6 register-freespace).
func (m *Manager) RegisterFreespace(rel types.RelID, runs []Run) {
	e := m.entryFor(rel)
	sorted := make([]Run, 0, len(runs))
	for _, r := range runs {
		if r.Available < minRequestThreshold {
			continue
		}
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Block < sorted[j].Block })

	e.mu.Lock()
	e.runs = sorted
	e.scanPos = 0
	e.bucketIdx = make(map[int]int)
	e.mu.Unlock()
}

// GetUpdateFactor implements get-update-factor: a per-relation update
// frequency estimate in [0.2*last, 3*last], used to trigger maintenance.
func (m *Manager) GetUpdateFactor(rel types.RelID, lastValue float64) float64 {
	e := m.entryFor(rel)
	e.mu.Lock()
	live := e.liveCount
	dead := e.deadCount
	e.mu.Unlock()

	raw := (0.01*float64(live) + 0.1*float64(dead) + 100) / (float64(live) + 1)
	if lastValue <= 0 {
		return raw
	}
	lo, hi := 0.2*lastValue, 3*lastValue
	if raw < lo {
		return lo
	}
	if raw > hi {
		return hi
	}
	return raw
}

// SetExtentPolicy installs a new extent policy for a relation (the "SET
// command" mutating pg_extent in spec.md §4.6).
func (m *Manager) SetExtentPolicy(rel types.RelID, policy ExtentPolicy) {
	e := m.entryFor(rel)
	e.mu.Lock()
	e.policy = policy
	e.mu.Unlock()
}

// ObserveCounts records a fresh live/dead tuple count for GetUpdateFactor,
// normally supplied by pkg/vacuum after a scan pass.
func (m *Manager) ObserveCounts(rel types.RelID, live, dead int64) {
	e := m.entryFor(rel)
	e.mu.Lock()
	e.liveCount = live
	e.deadCount = dead
	e.mu.Unlock()
}
