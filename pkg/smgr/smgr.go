// Package smgr implements the storage manager: per-relation segmented
// on-disk files layered on top of the VFD table, plus the shadow log used
// for crash recovery (see shadowlog.go).
package smgr

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/weaverdb/wdbengine/pkg/errs"
	"github.com/weaverdb/wdbengine/pkg/page"
	"github.com/weaverdb/wdbengine/pkg/types"
	"github.com/weaverdb/wdbengine/pkg/vfs"
)

// SegmentBlocks is the compile-time segment size: each on-disk segment file
// holds exactly this many pages except possibly the last.
const SegmentBlocks = 131072 // 131072 * 8KiB = 1GiB per segment

// Info describes one open relation's storage-level identity.
type Info struct {
	Rel    types.RelID
	DBName string
	Name   string
	Kind   types.RelKind
}

// relation tracks one open relation's segment handles and block count.
type relation struct {
	mu       sync.Mutex
	info     Info
	blocks   types.BlockNumber
	segments []vfs.Handle // segments[i] is the handle for "<path>"/"<path>.i"
	dirty    bool
}

// Manager is the storage manager. One Manager is normally shared
// process-wide, backed by a single VFD table.
type Manager struct {
	mu       sync.Mutex
	dataDir  string
	vfds     *vfs.Table
	rels     map[types.RelID]*relation
	noFsync  bool
}

// New creates a storage manager rooted at dataDir, using table for all
// kernel fd allocation.
func New(dataDir string, table *vfs.Table, noFsync bool) *Manager {
	return &Manager{
		dataDir: dataDir,
		vfds:    table,
		rels:    make(map[types.RelID]*relation),
		noFsync: noFsync,
	}
}

func (m *Manager) basePath(info Info) string {
	return filepath.Join(m.dataDir, "base", info.DBName, info.Name)
}

func segmentPath(base string, seg int) string {
	if seg == 0 {
		return base
	}
	return fmt.Sprintf("%s.%d", base, seg)
}

// Create creates a new, empty relation file.
func (m *Manager) Create(info Info) error {
	base := m.basePath(info)
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return errs.FatalStartup(errs.CodeDataDirMissing, "cannot create relation directory", err)
	}
	h, err := m.vfds.Open(base, vfs.OpenOptions{
		Flags:   os.O_RDWR | os.O_CREATE | os.O_EXCL,
		Mode:    0o644,
		Private: true,
	})
	if err != nil {
		return errs.Recoverable(errs.CodeWriteFailed, "create relation file", err)
	}

	m.mu.Lock()
	m.rels[info.Rel] = &relation{
		info:     info,
		blocks:   0,
		segments: []vfs.Handle{h},
	}
	m.mu.Unlock()
	return nil
}

// Open opens an existing relation, discovering its current segment count
// and block count by stat'ing segment files in order.
func (m *Manager) Open(info Info) error {
	base := m.basePath(info)

	h, err := m.vfds.Open(base, vfs.OpenOptions{Flags: os.O_RDWR})
	if err != nil {
		return errs.Recoverable(errs.CodeNotFound, "open relation file", err)
	}

	rel := &relation{info: info, segments: []vfs.Handle{h}}
	var total types.BlockNumber
	for seg := 0; ; seg++ {
		path := segmentPath(base, seg)
		fi, err := os.Stat(path)
		if err != nil {
			break
		}
		blocksInSeg := types.BlockNumber(fi.Size() / page.Size)
		total += blocksInSeg
		if seg > 0 {
			sh, err := m.vfds.Open(path, vfs.OpenOptions{Flags: os.O_RDWR})
			if err != nil {
				return errs.Recoverable(errs.CodeWriteFailed, "open relation segment", err)
			}
			rel.segments = append(rel.segments, sh)
		}
		if blocksInSeg < SegmentBlocks {
			break
		}
	}
	rel.blocks = total

	m.mu.Lock()
	m.rels[info.Rel] = rel
	m.mu.Unlock()
	return nil
}

func (m *Manager) get(rel types.RelID) (*relation, error) {
	m.mu.Lock()
	r, ok := m.rels[rel]
	m.mu.Unlock()
	if !ok {
		return nil, errs.FatalRuntime(errs.CodeNotFound, "relation not open in storage manager", nil)
	}
	return r, nil
}

// Close releases a relation's segment handles.
func (m *Manager) Close(rel types.RelID) error {
	r, err := m.get(rel)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.segments {
		if err := m.vfds.Close(h); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.rels, rel)
	m.mu.Unlock()
	return nil
}

// Unlink removes every segment file for a relation that is already closed.
func (m *Manager) Unlink(info Info) error {
	base := m.basePath(info)
	for seg := 0; ; seg++ {
		path := segmentPath(base, seg)
		if _, err := os.Stat(path); err != nil {
			break
		}
		// truncate before unlink: other processes may hold an open handle
		// on some platforms, and truncating first bounds what they can
		// still read through it.
		if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
			_ = f.Truncate(0)
			f.Close()
		}
		if err := os.Remove(path); err != nil {
			return errs.Recoverable(errs.CodeWriteFailed, "unlink relation segment", err)
		}
	}
	return nil
}

// ensureSegment lazily opens (creating if necessary) segment seg for rel.
// Caller holds r.mu.
func (m *Manager) ensureSegment(r *relation, seg int) (vfs.Handle, error) {
	for len(r.segments) <= seg {
		base := m.basePath(r.info)
		path := segmentPath(base, len(r.segments))
		h, err := m.vfds.Open(path, vfs.OpenOptions{
			Flags: os.O_RDWR | os.O_CREATE,
			Mode:  0o644,
		})
		if err != nil {
			return vfs.InvalidHandle, errs.Recoverable(errs.CodeWriteFailed, "open relation segment", err)
		}
		r.segments = append(r.segments, h)
	}
	return r.segments[seg], nil
}

func blockLocation(n types.BlockNumber) (seg int, offset int64) {
	seg = int(n / SegmentBlocks)
	offset = int64(n%SegmentBlocks) * page.Size
	return
}

// ReadBlock reads block n into buf (len(buf) must equal page.Size). Reads
// of blocks at or beyond the current block count return a zero page
// without extending the relation.
func (m *Manager) ReadBlock(rel types.RelID, n types.BlockNumber, buf []byte) error {
	r, err := m.get(rel)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if n >= r.blocks {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	seg, off := blockLocation(n)
	h, err := m.ensureSegment(r, seg)
	if err != nil {
		return err
	}
	_, err = m.vfds.ReadAt(h, buf, off)
	return err
}

// WriteBlock writes buf to block n and marks the relation dirty.
func (m *Manager) WriteBlock(rel types.RelID, n types.BlockNumber, buf []byte) error {
	r, err := m.get(rel)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	seg, off := blockLocation(n)
	h, err := m.ensureSegment(r, seg)
	if err != nil {
		return err
	}
	if _, err := m.vfds.WriteAt(h, buf, off); err != nil {
		return err
	}
	r.dirty = true
	if n >= r.blocks {
		r.blocks = n + 1
	}
	return nil
}

// FlushBlock writes then syncs block n.
func (m *Manager) FlushBlock(rel types.RelID, n types.BlockNumber, buf []byte) error {
	if err := m.WriteBlock(rel, n, buf); err != nil {
		return err
	}
	r, err := m.get(rel)
	if err != nil {
		return err
	}
	seg, _ := blockLocation(n)
	r.mu.Lock()
	h := r.segments[seg]
	r.mu.Unlock()
	return m.vfds.Sync(h, m.noFsync)
}

// Extend appends exactly one zero-filled block at the end of the relation
// and returns its block number.
func (m *Manager) Extend(rel types.RelID) (types.BlockNumber, error) {
	r, err := m.get(rel)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	n := r.blocks
	r.mu.Unlock()

	zero := make([]byte, page.Size)
	if err := m.WriteBlock(rel, n, zero); err != nil {
		return 0, err
	}
	return n, nil
}

// NBlocks returns the relation's current block count.
func (m *Manager) NBlocks(rel types.RelID) (types.BlockNumber, error) {
	r, err := m.get(rel)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocks, nil
}

// Truncate releases whole segments beyond the retained prefix of nBlocks,
// and truncates the last retained segment to its partial length.
func (m *Manager) Truncate(rel types.RelID, nBlocks types.BlockNumber) error {
	r, err := m.get(rel)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	keepSeg, keepOff := blockLocation(nBlocks)
	if keepOff == 0 && nBlocks > 0 {
		keepSeg--
		keepOff = SegmentBlocks * page.Size
	}

	for seg := len(r.segments) - 1; seg > keepSeg; seg-- {
		h := r.segments[seg]
		if err := m.vfds.Truncate(h, 0); err != nil {
			return err
		}
		if err := m.vfds.Close(h); err != nil {
			return err
		}
		base := m.basePath(r.info)
		if err := os.Remove(segmentPath(base, seg)); err != nil && !os.IsNotExist(err) {
			return errs.Recoverable(errs.CodeWriteFailed, "unlink truncated segment", err)
		}
		r.segments = r.segments[:seg]
	}

	if keepSeg >= 0 && keepSeg < len(r.segments) {
		base := m.basePath(r.info)
		path := segmentPath(base, keepSeg)
		m.vfds.BaseSync(path, keepOff)
		if err := m.vfds.Truncate(r.segments[keepSeg], keepOff); err != nil {
			return err
		}
	}

	r.blocks = nBlocks
	return nil
}

// SyncAll fsyncs every dirty segment handle across every open relation.
func (m *Manager) SyncAll() error {
	m.mu.Lock()
	rels := make([]*relation, 0, len(m.rels))
	for _, r := range m.rels {
		rels = append(rels, r)
	}
	m.mu.Unlock()

	for _, r := range rels {
		r.mu.Lock()
		dirty := r.dirty
		segs := append([]vfs.Handle(nil), r.segments...)
		r.mu.Unlock()
		if !dirty {
			continue
		}
		for _, h := range segs {
			if err := m.vfds.Sync(h, m.noFsync); err != nil {
				return err
			}
		}
		r.mu.Lock()
		r.dirty = false
		r.mu.Unlock()
	}
	return nil
}

// MarkDirty flags a relation as having unflushed writes.
func (m *Manager) MarkDirty(rel types.RelID) error {
	r, err := m.get(rel)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
	return nil
}

// Commit fsyncs every dirty handle for rel.
func (m *Manager) Commit(rel types.RelID) error {
	r, err := m.get(rel)
	if err != nil {
		return err
	}
	r.mu.Lock()
	segs := append([]vfs.Handle(nil), r.segments...)
	r.mu.Unlock()
	for _, h := range segs {
		if err := m.vfds.Sync(h, m.noFsync); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
	return nil
}

// Abort clears dirty bits without fsyncing.
func (m *Manager) Abort(rel types.RelID) error {
	r, err := m.get(rel)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
	return nil
}
