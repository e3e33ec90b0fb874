// Package heap implements spec.md §4.4's tuple-level access methods: insert,
// delete, update, mark-for-update, scan, fetch-by-tid and get-latest-tid,
// layered over pkg/page (on-disk layout), pkg/smgr (block I/O),
// pkg/freespace (placement) and pkg/tqual (visibility).
package heap

import (
	"github.com/weaverdb/wdbengine/pkg/errs"
	"github.com/weaverdb/wdbengine/pkg/freespace"
	"github.com/weaverdb/wdbengine/pkg/invalidate"
	"github.com/weaverdb/wdbengine/pkg/page"
	"github.com/weaverdb/wdbengine/pkg/smgr"
	"github.com/weaverdb/wdbengine/pkg/tqual"
	"github.com/weaverdb/wdbengine/pkg/types"
)

// IDSource hands out OIDs for relations that assign them. pkg/xlog.Allocator
// implements this.
type IDSource interface {
	NewObjectID() (uint32, error)
}

// Store is a heap access manager bound to one storage manager / freespace
// manager / id source triple, shared across every relation it is asked to
// operate on.
type Store struct {
	sm  *smgr.Manager
	fsm *freespace.Manager
	ids IDSource
	inv *invalidate.Broker
}

// New builds a Store.
func New(sm *smgr.Manager, fsm *freespace.Manager, ids IDSource) *Store {
	return &Store{sm: sm, fsm: fsm, ids: ids}
}

// SetInvalidation wires a broker to fire catalog/relation-cache
// invalidation messages into on tuple update/delete (spec.md's shared
// invalidation queue hook boundary). Left nil, Store fires nothing.
func (s *Store) SetInvalidation(b *invalidate.Broker) {
	s.inv = b
}

func (s *Store) publish(kind invalidate.MessageKind, rel types.RelID, tid types.ItemPointer) {
	if s.inv == nil {
		return
	}
	s.inv.Publish(invalidate.Message{Kind: kind, Rel: rel, Tid: tid})
}

func (s *Store) readBlock(rel types.RelID, n types.BlockNumber) ([]byte, error) {
	buf := make([]byte, page.Size)
	if err := s.sm.ReadBlock(rel, n, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// placeAndWrite finds a block with room for raw via freespace, writes it,
// patches in its final ctid self-pointer, and returns where it landed.
func (s *Store) placeAndWrite(info smgr.Info, h types.TupleHeader, data []byte) (types.ItemPointer, error) {
	return s.placeAndWriteCtid(info, h, data, true)
}

// placeAndWriteCtid is placeAndWrite with control over whether the tuple's
// ctid is forced to self once its final location is known. Blob segment
// chains need ctid left exactly as the caller set it (the forward link to
// an already-placed later segment, or self for a chain's last segment).
func (s *Store) placeAndWriteCtid(info smgr.Info, h types.TupleHeader, data []byte, selfCtid bool) (types.ItemPointer, error) {
	raw := encodeTuple(h, data)
	if len(raw) > page.Size-12 {
		return types.InvalidItemPointer, errs.Recoverable(errs.CodeTupleTooLong, "tuple exceeds page size", nil)
	}

	block, err := s.fsm.GetFreespace(info, len(raw), 0)
	if err != nil {
		return types.InvalidItemPointer, err
	}
	buf, err := s.readBlock(info.Rel, block)
	if err != nil {
		return types.InvalidItemPointer, err
	}

	off, err := page.AddItem(buf, raw)
	if err != nil {
		// Freespace accounting diverged from the page's real free space;
		// force allocation of a fresh block past this one and retry once.
		block, err = s.fsm.GetFreespace(info, len(raw), block+1)
		if err != nil {
			return types.InvalidItemPointer, err
		}
		buf, err = s.readBlock(info.Rel, block)
		if err != nil {
			return types.InvalidItemPointer, err
		}
		off, err = page.AddItem(buf, raw)
		if err != nil {
			return types.InvalidItemPointer, err
		}
	}

	tid := types.ItemPointer{Block: block, Offset: off}
	if selfCtid {
		h.Ctid = tid
	}
	if err := page.SetItem(buf, off, encodeTuple(h, data)); err != nil {
		return types.InvalidItemPointer, err
	}
	if err := s.sm.WriteBlock(info.Rel, block, buf); err != nil {
		return types.InvalidItemPointer, err
	}
	return tid, nil
}

// Insert places a new tuple. assignOID controls whether a fresh object id
// is allocated (system-table rule, spec.md §4.4); ordinary user relations
// normally pass false.
func (s *Store) Insert(info smgr.Info, data []byte, xid types.TransactionID, cid types.CommandID, assignOID bool) (types.ItemPointer, error) {
	oid := types.NoOID
	if assignOID {
		id, err := s.ids.NewObjectID()
		if err != nil {
			return types.InvalidItemPointer, err
		}
		oid = id
	}
	h := types.TupleHeader{
		OID:   oid,
		Xmin:  xid,
		Xmax:  types.InvalidTransactionID,
		Union: types.CmdOrVacuumXid{CMin: cid, CMax: types.InvalidCommandID},
	}
	return s.placeAndWrite(info, h, data)
}

// InsertTuple places a caller-constructed header verbatim, forcing ctid to
// the tuple's own final location (unlike Insert, which also stamps a fresh
// xmin/cmin itself). Used by pkg/vacuum to place moved-in copies during
// fragmentation repair.
func (s *Store) InsertTuple(info smgr.Info, h types.TupleHeader, data []byte) (types.ItemPointer, error) {
	return s.placeAndWrite(info, h, data)
}

// InsertLinked places a caller-constructed header whose ctid is left
// exactly as given rather than forced to self. Used by pkg/blob to build a
// segment chain back-to-front: each non-last segment's ctid is the
// already-placed next segment's tid, and only the last segment's ctid is
// self.
func (s *Store) InsertLinked(info smgr.Info, h types.TupleHeader, data []byte) (types.ItemPointer, error) {
	return s.placeAndWriteCtid(info, h, data, false)
}

// PatchData rewrites an existing tuple's header and/or attribute bytes in
// place without changing its total length or its line pointer. mutate
// receives the decoded header and a mutable view over the attribute bytes;
// any header field change (including infomask bits) and any data byte
// change it makes is persisted. Used for blob forward-pointer patching and
// vacuum's moved-in/moved-out tagging.
func (s *Store) PatchData(info smgr.Info, tid types.ItemPointer, mutate func(h *types.TupleHeader, data []byte)) error {
	buf, err := s.readBlock(info.Rel, tid.Block)
	if err != nil {
		return err
	}
	raw, ok := page.GetItem(buf, tid.Offset)
	if !ok {
		return errs.Recoverable(errs.CodeNotFound, "tid references an unused line pointer", nil)
	}
	h, data, err := decodeTuple(raw)
	if err != nil {
		return err
	}
	mutate(&h, data)
	if err := page.SetItem(buf, tid.Offset, encodeTuple(h, data)); err != nil {
		return err
	}
	return s.sm.WriteBlock(info.Rel, tid.Block, buf)
}

// Fetch reads the tuple at tid verbatim, with no visibility filtering.
func (s *Store) Fetch(info smgr.Info, tid types.ItemPointer) (types.TupleHeader, []byte, error) {
	buf, err := s.readBlock(info.Rel, tid.Block)
	if err != nil {
		return types.TupleHeader{}, nil, err
	}
	raw, ok := page.GetItem(buf, tid.Offset)
	if !ok {
		return types.TupleHeader{}, nil, errs.Recoverable(errs.CodeNotFound, "tid references an unused line pointer", nil)
	}
	h, data, err := decodeTuple(raw)
	if err != nil {
		return types.TupleHeader{}, nil, err
	}
	return h, append([]byte(nil), data...), nil
}

// writeBackHints persists a header whose hint bits a visibility
// predicate may have updated, without re-placing the tuple.
func (s *Store) writeBackHints(info smgr.Info, block types.BlockNumber, buf []byte, tid types.ItemPointer, h types.TupleHeader, data []byte) error {
	if err := page.SetItem(buf, tid.Offset, encodeTuple(h, data)); err != nil {
		return err
	}
	return s.sm.WriteBlock(info.Rel, block, buf)
}

// FetchVisible fetches the tuple at tid and reports whether it is visible
// under snap, persisting any hint-bit updates tqual makes along the way.
func (s *Store) FetchVisible(info smgr.Info, tid types.ItemPointer, snap types.Snapshot, src tqual.StatusSource) (types.TupleHeader, []byte, bool, error) {
	buf, err := s.readBlock(info.Rel, tid.Block)
	if err != nil {
		return types.TupleHeader{}, nil, false, err
	}
	raw, ok := page.GetItem(buf, tid.Offset)
	if !ok {
		return types.TupleHeader{}, nil, false, nil
	}
	h, data, err := decodeTuple(raw)
	if err != nil {
		return types.TupleHeader{}, nil, false, err
	}
	before := h.Infomask
	visible, err := tqual.SatisfiesSnapshot(&h, snap, src)
	if err != nil {
		return h, data, false, err
	}
	if h.Infomask != before {
		if werr := s.writeBackHints(info, tid.Block, buf, tid, h, data); werr != nil {
			return h, data, visible, werr
		}
	}
	return h, data, visible, nil
}

// Delete attempts to remove the tuple at tid on behalf of (xid, cid),
// returning the UpdateResult outcome (spec.md's HeapTupleSatisfiesUpdate).
// Only a MayBeUpdated result actually stamps xmax; the caller decides how
// to react to the other four outcomes (retry, wait, raise a conflict).
func (s *Store) Delete(info smgr.Info, tid types.ItemPointer, xid types.TransactionID, cid types.CommandID, src tqual.StatusSource) (types.UpdateResult, error) {
	buf, err := s.readBlock(info.Rel, tid.Block)
	if err != nil {
		return types.UpdateInvisible, err
	}
	raw, ok := page.GetItem(buf, tid.Offset)
	if !ok {
		return types.UpdateInvisible, errs.Recoverable(errs.CodeNotFound, "tid references an unused line pointer", nil)
	}
	h, data, err := decodeTuple(raw)
	if err != nil {
		return types.UpdateInvisible, err
	}

	res, err := tqual.SatisfiesUpdate(&h, xid, cid, src)
	if err != nil {
		return res, err
	}
	if res == types.UpdateMayBeUpdated {
		h.Xmax = xid
		h.Union.CMax = cid
	}
	if werr := s.writeBackHints(info, tid.Block, buf, tid, h, data); werr != nil {
		return res, werr
	}
	if res == types.UpdateMayBeUpdated {
		s.publish(invalidate.TupleUpdated, info.Rel, tid)
	}
	return res, nil
}

// Update replaces the tuple at tid with newData on behalf of (xid, cid). On
// success it returns the new tuple's location with the old tuple's ctid
// updated to point at it. On any outcome other than MayBeUpdated, no
// mutation happens and the caller must react to the reported UpdateResult.
func (s *Store) Update(info smgr.Info, tid types.ItemPointer, newData []byte, xid types.TransactionID, cid types.CommandID, src tqual.StatusSource) (types.ItemPointer, types.UpdateResult, error) {
	buf, err := s.readBlock(info.Rel, tid.Block)
	if err != nil {
		return types.InvalidItemPointer, types.UpdateInvisible, err
	}
	raw, ok := page.GetItem(buf, tid.Offset)
	if !ok {
		return types.InvalidItemPointer, types.UpdateInvisible, errs.Recoverable(errs.CodeNotFound, "tid references an unused line pointer", nil)
	}
	old, oldData, err := decodeTuple(raw)
	if err != nil {
		return types.InvalidItemPointer, types.UpdateInvisible, err
	}

	res, err := tqual.SatisfiesUpdate(&old, xid, cid, src)
	if err != nil {
		return types.InvalidItemPointer, res, err
	}
	if res != types.UpdateMayBeUpdated {
		if werr := s.writeBackHints(info, tid.Block, buf, tid, old, oldData); werr != nil {
			return types.InvalidItemPointer, res, werr
		}
		return types.InvalidItemPointer, res, nil
	}

	newTup := types.TupleHeader{
		OID:   old.OID,
		Xmin:  xid,
		Xmax:  types.InvalidTransactionID,
		Union: types.CmdOrVacuumXid{CMin: cid, CMax: types.InvalidCommandID},
	}
	newTid, err := s.placeAndWrite(info, newTup, newData)
	if err != nil {
		return types.InvalidItemPointer, res, err
	}

	old.Xmax = xid
	old.Union.CMax = cid
	old.Ctid = newTid
	old.Infomask = old.Infomask.Set(types.InfomaskUpdated)
	buf, err = s.readBlock(info.Rel, tid.Block)
	if err != nil {
		return newTid, res, err
	}
	if werr := s.writeBackHints(info, tid.Block, buf, tid, old, oldData); werr != nil {
		return newTid, res, werr
	}
	s.publish(invalidate.TupleUpdated, info.Rel, tid)
	return newTid, res, nil
}

// MarkForUpdate locks the tuple for the caller's transaction (a "select for
// update") without deleting it, setting InfomaskMarkedForUpdate and
// recording xid as the lock holder in xmax.
func (s *Store) MarkForUpdate(info smgr.Info, tid types.ItemPointer, xid types.TransactionID, cid types.CommandID, src tqual.StatusSource) (types.UpdateResult, error) {
	buf, err := s.readBlock(info.Rel, tid.Block)
	if err != nil {
		return types.UpdateInvisible, err
	}
	raw, ok := page.GetItem(buf, tid.Offset)
	if !ok {
		return types.UpdateInvisible, errs.Recoverable(errs.CodeNotFound, "tid references an unused line pointer", nil)
	}
	h, data, err := decodeTuple(raw)
	if err != nil {
		return types.UpdateInvisible, err
	}

	res, err := tqual.SatisfiesUpdate(&h, xid, cid, src)
	if err != nil {
		return res, err
	}
	if res == types.UpdateMayBeUpdated {
		h.Xmax = xid
		h.Union.CMax = cid
		h.Infomask = h.Infomask.Set(types.InfomaskMarkedForUpdate)
	}
	if werr := s.writeBackHints(info, tid.Block, buf, tid, h, data); werr != nil {
		return res, werr
	}
	return res, nil
}

// GetLatestTid walks an updated-tuple's forward chain to the current
// version's location, stopping after a bounded number of hops to guard
// against a corrupt cyclic chain.
func (s *Store) GetLatestTid(info smgr.Info, tid types.ItemPointer, src tqual.StatusSource) (types.ItemPointer, error) {
	current := tid
	for i := 0; i < 10000; i++ {
		h, _, err := s.Fetch(info, current)
		if err != nil {
			return current, err
		}
		if !h.Infomask.Has(types.InfomaskUpdated) || h.Ctid.Equal(current) {
			return current, nil
		}
		deleted, err := src.GetStatus(h.Xmax)
		if err != nil {
			return current, err
		}
		if deleted != types.StatusCommitted && deleted != types.StatusSoftCommitted {
			return current, nil
		}
		current = h.Ctid
	}
	return current, errs.FatalRuntime(errs.CodeCorruptPage, "update chain did not terminate", nil)
}

// NBlocks reports how many blocks a relation currently spans.
func (s *Store) NBlocks(rel types.RelID) (types.BlockNumber, error) {
	return s.sm.NBlocks(rel)
}

// ReadRawBlock exposes a block's bytes with no tuple decoding, for vacuum's
// page-level reclaim and truncation scan.
func (s *Store) ReadRawBlock(rel types.RelID, n types.BlockNumber) ([]byte, error) {
	return s.readBlock(rel, n)
}

// WriteRawBlock persists a page buffer vacuum has mutated directly (via
// pkg/page's SetUnused/Compact) back to disk.
func (s *Store) WriteRawBlock(rel types.RelID, n types.BlockNumber, buf []byte) error {
	return s.sm.WriteBlock(rel, n, buf)
}

// VacuumVisitFunc is called once per tuple during ScanForVacuum with its
// classification; hint bits tqual resolved along the way are always
// persisted regardless of what the callback does.
type VacuumVisitFunc func(tid types.ItemPointer, h types.TupleHeader, data []byte, class types.VacuumClass)

// ScanBlockForVacuum classifies every tuple on one block with
// tqual.SatisfiesVacuum and invokes visit, persisting any hint-bit changes
// before returning. It never mutates line pointers itself; pass 2 reclaim
// is the caller's responsibility via ReadRawBlock/WriteRawBlock and
// pkg/page. Exposed block-at-a-time so pkg/vacuum can interleave reclaim
// passes when its dead-tid accumulator fills mid-scan.
func (s *Store) ScanBlockForVacuum(info smgr.Info, b types.BlockNumber, oldestXmin types.TransactionID, src tqual.StatusSource, visit VacuumVisitFunc) error {
	buf, err := s.readBlock(info.Rel, b)
	if err != nil {
		return err
	}
	dirty := false
	maxOff := page.MaxOffsetNumber(buf)
	for off := types.FirstOffsetNumber; off <= maxOff; off++ {
		raw, ok := page.GetItem(buf, off)
		if !ok {
			continue
		}
		h, data, err := decodeTuple(raw)
		if err != nil {
			return err
		}
		before := h.Infomask
		class, err := tqual.SatisfiesVacuum(&h, oldestXmin, src)
		if err != nil {
			return err
		}
		if h.Infomask != before {
			if werr := page.SetItem(buf, off, encodeTuple(h, data)); werr != nil {
				return werr
			}
			dirty = true
		}
		visit(types.ItemPointer{Block: b, Offset: off}, h, data, class)
	}
	if dirty {
		if err := s.sm.WriteBlock(info.Rel, b, buf); err != nil {
			return err
		}
	}
	return nil
}

// ScanForVacuum walks every block of a relation in physical order via
// ScanBlockForVacuum. Most callers needing interleaved reclaim passes
// should drive ScanBlockForVacuum directly instead.
func (s *Store) ScanForVacuum(info smgr.Info, oldestXmin types.TransactionID, src tqual.StatusSource, visit VacuumVisitFunc) error {
	n, err := s.sm.NBlocks(info.Rel)
	if err != nil {
		return err
	}
	for b := types.BlockNumber(0); b < n; b++ {
		if err := s.ScanBlockForVacuum(info, b, oldestXmin, src, visit); err != nil {
			return err
		}
	}
	return nil
}

// MoveTuple copies the tuple at tid into target as a vacuum moved-in tuple
// (xmin kept unchanged; the union slot holds vacuumXid, not the original
// xmin; InfomaskMovedIn set), marks
// the original moved-out with its ctid forwarded to the copy, and returns
// the copy's new location. Used by lazy_repair_fragmentation.
func (s *Store) MoveTuple(info smgr.Info, tid types.ItemPointer, target smgr.Info, vacuumXid types.TransactionID) (types.ItemPointer, error) {
	old, data, err := s.Fetch(info, tid)
	if err != nil {
		return types.InvalidItemPointer, err
	}

	moved := types.TupleHeader{
		OID:      old.OID,
		Xmin:     old.Xmin,
		Xmax:     old.Xmax,
		Union:    types.CmdOrVacuumXid{VacuumXid: vacuumXid},
		Infomask: old.Infomask.Set(types.InfomaskMovedIn),
	}
	newTid, err := s.InsertTuple(target, moved, data)
	if err != nil {
		return types.InvalidItemPointer, err
	}

	if perr := s.PatchData(info, tid, func(h *types.TupleHeader, _ []byte) {
		h.Infomask = h.Infomask.Set(types.InfomaskMovedOut)
		h.Ctid = newTid
	}); perr != nil {
		return newTid, perr
	}
	s.publish(invalidate.TupleUpdated, info.Rel, tid)
	return newTid, nil
}

// VisitFunc is called once per visible tuple during Scan. Returning false
// stops the scan early.
type VisitFunc func(tid types.ItemPointer, h types.TupleHeader, data []byte) bool

// Scan walks every block of a relation in physical order, calling visit for
// each tuple visible under snap. Hint-bit updates made along the way are
// persisted back to disk before moving to the next block.
func (s *Store) Scan(info smgr.Info, snap types.Snapshot, src tqual.StatusSource, visit VisitFunc) error {
	n, err := s.sm.NBlocks(info.Rel)
	if err != nil {
		return err
	}
	for b := types.BlockNumber(0); b < n; b++ {
		buf, err := s.readBlock(info.Rel, b)
		if err != nil {
			return err
		}
		dirty := false
		maxOff := page.MaxOffsetNumber(buf)
		stop := false
		for off := types.FirstOffsetNumber; off <= maxOff; off++ {
			raw, ok := page.GetItem(buf, off)
			if !ok {
				continue
			}
			h, data, err := decodeTuple(raw)
			if err != nil {
				return err
			}
			if h.Infomask.Has(types.InfomaskBlobSegment) {
				continue
			}
			before := h.Infomask
			visible, err := tqual.SatisfiesSnapshot(&h, snap, src)
			if err != nil {
				return err
			}
			if h.Infomask != before {
				if werr := page.SetItem(buf, off, encodeTuple(h, data)); werr != nil {
					return werr
				}
				dirty = true
			}
			if visible {
				tid := types.ItemPointer{Block: b, Offset: off}
				if !visit(tid, h, data) {
					stop = true
					break
				}
			}
		}
		if dirty {
			if err := s.sm.WriteBlock(info.Rel, b, buf); err != nil {
				return err
			}
		}
		if stop {
			break
		}
	}
	return nil
}
