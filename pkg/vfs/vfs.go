// Package vfs implements the virtual file descriptor layer: a pooled
// kernel-fd allocator that lets the engine hold far more logical open
// files than the process fd limit allows, by evicting the
// least-recently-used idle entry and reopening it lazily on next access.
package vfs

import (
	"container/list"
	"os"
	"sync"
	"time"

	"github.com/weaverdb/wdbengine/pkg/errs"
	"github.com/weaverdb/wdbengine/pkg/log"
	"github.com/weaverdb/wdbengine/pkg/metrics"
)

// Handle is an index into the VFD table. The zero value is invalid; real
// handles start at 1 so that index 0 can act as the free-list sentinel,
// matching the table layout described for this layer.
type Handle int

const InvalidHandle Handle = 0

// entry is one VFD table slot.
type entry struct {
	mu sync.Mutex

	path    string
	flags   int
	mode    os.FileMode
	pos     int64
	fd      *os.File // nil when evicted/closed
	refs    int
	dirty   bool
	private bool
	temp    bool
	used    time.Time

	// freeNext links this slot into the free list when inUse is false.
	inUse    bool
	freeNext Handle

	// lruElem is non-nil while the entry holds an open kernel fd and is
	// unpinned (refs==0 does not apply here; pin/unpin count is tracked
	// separately via pins).
	lruElem *list.Element
	pins    int
}

// Table is the VFD pool. One Table is normally shared process-wide.
type Table struct {
	mu       sync.Mutex
	entries  []*entry
	freeHead Handle

	budget   int // kernel fd budget K
	openFds  int
	lru      *list.List // of Handle, most-recently-used at back
	shareCap int

	blockSize int
}

// Config controls the pool's growth and budget policy.
type Config struct {
	// OpenMax is the process's kernel fd ceiling (sysconf(OPEN_MAX) in the
	// original engine); VFDAllocation is the configured fraction of it the
	// table may claim.
	OpenMax       int
	VFDAllocation float64
	ShareMax      int
	InitialBlock  int
}

// NewTable allocates a VFD table with its growable array seeded at one
// block of entries; index 0 is reserved as the free-list sentinel.
func NewTable(cfg Config) *Table {
	block := cfg.InitialBlock
	if block <= 0 {
		block = 64
	}
	budget := int(float64(cfg.OpenMax) * cfg.VFDAllocation)
	if budget < 1 {
		budget = 1
	}
	shareCap := cfg.ShareMax
	if shareCap <= 0 {
		shareCap = 8
	}

	t := &Table{
		entries:   make([]*entry, 1, block),
		freeHead:  InvalidHandle,
		budget:    budget,
		lru:       list.New(),
		shareCap:  shareCap,
		blockSize: block,
	}
	t.entries[0] = &entry{} // sentinel slot, never allocated
	t.growAndLink(block - 1)

	metrics.VFDOpen.Set(0)
	return t
}

// growAndLink doubles the table (bounded by the caller's chosen block size
// for the initial grow, then unbounded doubling on subsequent grows) and
// threads the new slots onto the free list.
func (t *Table) growAndLink(n int) {
	start := Handle(len(t.entries))
	for i := 0; i < n; i++ {
		t.entries = append(t.entries, &entry{})
	}
	for i := len(t.entries) - 1; i >= int(start); i-- {
		h := Handle(i)
		t.entries[h].freeNext = t.freeHead
		t.freeHead = h
	}
}

func (t *Table) grow() {
	n := len(t.entries)
	t.growAndLink(n)
}

// allocSlot pops a slot off the free list, growing the table if empty.
// Caller holds t.mu.
func (t *Table) allocSlot() Handle {
	if t.freeHead == InvalidHandle {
		t.grow()
	}
	h := t.freeHead
	e := t.entries[h]
	t.freeHead = e.freeNext
	e.inUse = true
	return h
}

// OpenOptions mirrors the original open(path, flags, mode) call.
type OpenOptions struct {
	Flags     int
	Mode      os.FileMode
	Private   bool // bootstrap/temp/create-exclusive opens never share
	Temporary bool
}

// Open returns a handle for path, sharing an existing non-private entry
// whose flags/mode match and whose refcount is below the share cap.
func (t *Table) Open(path string, opts OpenOptions) (Handle, error) {
	t.mu.Lock()
	if !opts.Private && !opts.Temporary {
		for i := 1; i < len(t.entries); i++ {
			e := t.entries[i]
			if e.inUse && !e.private && e.path == path && e.flags == opts.Flags &&
				e.mode == opts.Mode && e.refs < t.shareCap {
				e.refs++
				t.mu.Unlock()
				return Handle(i), nil
			}
		}
	}

	h := t.allocSlot()
	e := t.entries[h]
	e.path = path
	e.flags = opts.Flags
	e.mode = opts.Mode
	e.private = opts.Private || opts.Temporary
	e.temp = opts.Temporary
	e.refs = 1
	e.dirty = false
	e.pos = 0
	e.fd = nil
	e.lruElem = nil
	e.pins = 0
	t.mu.Unlock()

	if err := t.reopen(h); err != nil {
		t.mu.Lock()
		t.freeSlot(h)
		t.mu.Unlock()
		return InvalidHandle, err
	}

	t.mu.Lock()
	if e.pins == 0 && e.fd != nil && e.lruElem == nil {
		e.lruElem = t.lru.PushBack(h)
	}
	t.mu.Unlock()
	return h, nil
}

// OpenTemp opens a private file that is unlinked from disk when closed.
func (t *Table) OpenTemp(path string) (Handle, error) {
	return t.Open(path, OpenOptions{
		Flags:     os.O_RDWR | os.O_CREATE | os.O_TRUNC,
		Mode:      0o600,
		Private:   true,
		Temporary: true,
	})
}

// freeSlot returns a slot to the free list. Caller holds t.mu.
func (t *Table) freeSlot(h Handle) {
	e := t.entries[h]
	e.inUse = false
	e.path = ""
	e.freeNext = t.freeHead
	t.freeHead = h
}

// reopen ensures e's kernel fd is open, evicting the LRU idle entry first
// if the table is at budget. Caller must not hold t.mu.
func (t *Table) reopen(h Handle) error {
	e := t.entries[h]
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fd != nil {
		return nil
	}

	t.mu.Lock()
	for t.openFds >= t.budget {
		victim := t.evictOneLocked()
		if victim == InvalidHandle {
			break
		}
	}
	t.mu.Unlock()

	f, err := t.kernelOpen(e)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return errs.Recoverable(errs.CodeWriteFailed, "vfd open failed: "+e.path, err)
	}
	if e.pos != 0 {
		if _, err := f.Seek(e.pos, os.SEEK_SET); err != nil {
			f.Close()
			return err
		}
		metrics.VFDReopens.Inc()
	}
	e.fd = f
	e.used = time.Now()

	t.mu.Lock()
	t.openFds++
	metrics.VFDOpen.Inc()
	t.mu.Unlock()
	return nil
}

func (t *Table) kernelOpen(e *entry) (*os.File, error) {
	return os.OpenFile(e.path, e.flags, e.mode)
}

// evictOneLocked closes the least-recently-used idle (unpinned, open)
// entry to free a kernel fd slot. Caller holds t.mu.
func (t *Table) evictOneLocked() Handle {
	elem := t.lru.Front()
	if elem == nil {
		return InvalidHandle
	}
	h := elem.Value.(Handle)
	t.lru.Remove(elem)

	e := t.entries[h]
	e.lruElem = nil
	if e.fd == nil {
		return h
	}
	if e.dirty {
		_ = e.fd.Sync()
		e.dirty = false
	}
	e.pos, _ = e.fd.Seek(0, os.SEEK_CUR)
	e.fd.Close()
	e.fd = nil
	t.openFds--
	metrics.VFDOpen.Dec()
	metrics.VFDEvictions.Inc()
	return h
}

// Pin guarantees h's kernel fd is open and seeked to its logical position,
// returning a matching Unpin call the caller must make.
func (t *Table) Pin(h Handle) error {
	if err := t.reopen(h); err != nil {
		return err
	}
	e := t.entries[h]
	e.mu.Lock()
	e.pins++
	t.mu.Lock()
	if e.lruElem != nil {
		t.lru.Remove(e.lruElem)
		e.lruElem = nil
	}
	t.mu.Unlock()
	e.mu.Unlock()
	return nil
}

// Unpin releases the pin taken by Pin, making the entry eligible for
// eviction again once its pin count reaches zero.
func (t *Table) Unpin(h Handle) {
	e := t.entries[h]
	e.mu.Lock()
	if e.pins > 0 {
		e.pins--
	}
	if e.pins == 0 && e.fd != nil && e.lruElem == nil {
		t.mu.Lock()
		e.lruElem = t.lru.PushBack(h)
		t.mu.Unlock()
	}
	e.mu.Unlock()
}

// ReadAt reads up to len(buf) bytes from the logical offset off. A short
// read that returns at least one byte reports no error; the rest of buf is
// left unchanged.
func (t *Table) ReadAt(h Handle, buf []byte, off int64) (int, error) {
	if err := t.Pin(h); err != nil {
		return 0, err
	}
	defer t.Unpin(h)

	e := t.entries[h]
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.fd.ReadAt(buf, off)
	if err != nil && n > 0 {
		err = nil
	}
	e.pos = off + int64(n)
	return n, err
}

// WriteAt writes buf at the logical offset off and marks the entry dirty.
func (t *Table) WriteAt(h Handle, buf []byte, off int64) (int, error) {
	if err := t.Pin(h); err != nil {
		return 0, err
	}
	defer t.Unpin(h)

	e := t.entries[h]
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.fd.WriteAt(buf, off)
	e.pos = off + int64(n)
	if n > 0 {
		e.dirty = true
	}
	return n, err
}

// Truncate sets the file's logical length via the kernel fd.
func (t *Table) Truncate(h Handle, size int64) error {
	if err := t.Pin(h); err != nil {
		return err
	}
	defer t.Unpin(h)

	e := t.entries[h]
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fd.Truncate(size)
}

// Sync fsyncs the entry and clears its dirty bit. If fsync is globally
// disabled, Sync is a no-op that still clears the bit.
func (t *Table) Sync(h Handle, noFsync bool) error {
	if err := t.Pin(h); err != nil {
		return err
	}
	defer t.Unpin(h)

	e := t.entries[h]
	e.mu.Lock()
	defer e.mu.Unlock()

	if !noFsync {
		if err := e.fd.Sync(); err != nil {
			return err
		}
	}
	e.dirty = false
	return nil
}

// MarkDirty flags the entry as having unflushed writes without performing
// an I/O; used by callers that write through a shared buffer rather than
// directly via WriteAt.
func (t *Table) MarkDirty(h Handle) {
	e := t.entries[h]
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// Close releases one reference to h; the last reference also closes and,
// for temporary files, unlinks the underlying kernel fd.
func (t *Table) Close(h Handle) error {
	e := t.entries[h]
	e.mu.Lock()
	e.refs--
	remaining := e.refs
	temp := e.temp
	path := e.path
	dirty := e.dirty
	fd := e.fd
	e.mu.Unlock()

	if remaining > 0 {
		return nil
	}

	if dirty && fd != nil {
		if err := fd.Sync(); err != nil {
			log.WithComponent("vfs").Warn().Err(err).Str("path", path).Msg("fsync on close failed")
		}
	}

	t.mu.Lock()
	if e.lruElem != nil {
		t.lru.Remove(e.lruElem)
		e.lruElem = nil
	}
	t.mu.Unlock()

	if fd != nil {
		fd.Close()
		t.mu.Lock()
		t.openFds--
		metrics.VFDOpen.Dec()
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.freeSlot(h)
	t.mu.Unlock()

	if temp {
		return os.Remove(path)
	}
	return nil
}

// BaseSync closes the cached kernel fd of every handle on path and clamps
// each one's logical offset to newLength. Must be called before an out-of-band
// truncation (e.g. segment rewrite) so concurrent readers do not observe a
// stale end-of-file.
func (t *Table) BaseSync(path string, newLength int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 1; i < len(t.entries); i++ {
		e := t.entries[i]
		if !e.inUse || e.path != path {
			continue
		}
		e.mu.Lock()
		if e.pos > newLength {
			e.pos = newLength
		}
		if e.fd != nil {
			if e.lruElem != nil {
				t.lru.Remove(e.lruElem)
				e.lruElem = nil
			}
			e.fd.Close()
			e.fd = nil
			t.openFds--
			metrics.VFDOpen.Dec()
		}
		e.mu.Unlock()
	}
}

// Rename renames the underlying path. Any open handles on the old path keep
// referencing the old *os.File descriptor (which remains valid after
// rename on POSIX systems) until next evicted and reopened.
func (t *Table) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}
