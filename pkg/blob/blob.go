// Package blob implements spec.md §4.5: out-of-line storage for oversized
// attributes as a singly linked chain of blob-segment heap tuples, with
// streaming write/read pipelines, one-shot rebuild, chain delete, and the
// vacuum-time respan/chain-relocate operations.
//
// A segment's forward pointer is its own tuple's ctid: every segment but
// the chain's last reuses ctid as "next segment", and the last segment's
// ctid is self, exactly as an ordinary (never updated) heap tuple's ctid
// would read. This mirrors spec.md §4.5's "terminate the walk when ctid
// equals self" rule directly instead of inventing a parallel link field.
package blob

import (
	"github.com/klauspost/compress/zstd"
	"github.com/weaverdb/wdbengine/pkg/errs"
	"github.com/weaverdb/wdbengine/pkg/heap"
	"github.com/weaverdb/wdbengine/pkg/smgr"
	"github.com/weaverdb/wdbengine/pkg/types"
)

// DefaultSegmentPayload is used when a caller doesn't size the pipeline
// explicitly; overridden in practice by config.Options.BlobSegments.
const DefaultSegmentPayload = 2048

// StorageLookup resolves the (owning-relation, attribute-number) pair to
// the relation that actually holds a blob's segments, per spec.md §4.5's
// external-store catalog probe. pkg/catalog implements this; a nil lookup
// (or a miss) means "store in the owning relation itself".
type StorageLookup interface {
	StorageRelation(owner types.RelID, attnum int) (smgr.Info, bool)
}

// ResolveStorage returns the relation blob segments for (owner, attnum)
// should land in.
func ResolveStorage(lookup StorageLookup, owner smgr.Info, attnum int) smgr.Info {
	if lookup == nil {
		return owner
	}
	if info, ok := lookup.StorageRelation(owner.Rel, attnum); ok {
		return info
	}
	return owner
}

// Manager binds blob operations to one heap store. Each segment's payload
// is stored zstd-compressed: blob attributes are the large-value case the
// segment chain exists for in the first place, and they compress well
// (text, JSON, serialized rows) far more often than the small fixed-width
// tuples pkg/heap otherwise handles, so the compression cost is paid only
// where it earns its keep.
type Manager struct {
	store          *heap.Store
	segmentPayload int
	enc            *zstd.Encoder
	dec            *zstd.Decoder
}

// New builds a blob Manager. segmentPayload bounds each segment's logical
// (pre-compression) data length (the "blobsegments" configuration option).
func New(store *heap.Store, segmentPayload int) *Manager {
	if segmentPayload <= 0 {
		segmentPayload = DefaultSegmentPayload
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ := zstd.NewReader(nil)
	return &Manager{store: store, segmentPayload: segmentPayload, enc: enc, dec: dec}
}

// Close releases the encoder/decoder's background goroutines. Safe to call
// once a Manager is no longer needed; in-flight pipelines must not be used
// afterward.
func (m *Manager) Close() error {
	m.dec.Close()
	return m.enc.Close()
}

// compress and decompress wrap EncodeAll/DecodeAll, both safe for
// concurrent use on a shared *Encoder/*Decoder per the zstd package docs.
func (m *Manager) compress(chunk []byte) []byte {
	return m.enc.EncodeAll(chunk, make([]byte, 0, len(chunk)))
}

func (m *Manager) decompress(compressed []byte) ([]byte, error) {
	out, err := m.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errs.FatalRuntime(errs.CodeCorruptPage, "blob segment failed to decompress", err)
	}
	return out, nil
}

func chunk(buf []byte, size int) [][]byte {
	var chunks [][]byte
	for off := 0; off < len(buf); off += size {
		end := off + size
		if end > len(buf) {
			end = len(buf)
		}
		chunks = append(chunks, buf[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks
}

// writeChain places chunks as a segment chain built back-to-front, tagging
// the first-placed (logically last) segment's ctid as self and every
// later-placed segment's ctid as the tid of the segment placed just before
// it, which is its logical successor. Each chunk is
// compressed before it is written, unless preCompressed is set (vacuum's
// chain relocation moves already-compressed segment bytes verbatim, since
// it is a physical copy rather than a logical re-encode). Returns the
// chain's head tid (the first logical segment, blob-head tagged).
func (m *Manager) writeChain(store *heap.Store, target smgr.Info, xid types.TransactionID, cid types.CommandID, chunks [][]byte, vacuumXid types.TransactionID, moving, preCompressed bool) (types.ItemPointer, error) {
	var next types.ItemPointer
	haveNext := false
	var head types.ItemPointer

	for i := len(chunks) - 1; i >= 0; i-- {
		h := types.TupleHeader{
			OID:      types.NoOID,
			Xmin:     xid,
			Xmax:     types.InvalidTransactionID,
			Union:    types.CmdOrVacuumXid{CMin: cid, CMax: types.InvalidCommandID},
			Infomask: types.InfomaskBlobSegment,
		}
		if moving {
			h.Union = types.CmdOrVacuumXid{VacuumXid: vacuumXid}
			h.Infomask = h.Infomask.Set(types.InfomaskMovedIn)
		}
		if i == 0 {
			h.Infomask = h.Infomask.Set(types.InfomaskBlobHead)
		}

		segData := chunks[i]
		if !preCompressed {
			segData = m.compress(chunks[i])
		}
		var tid types.ItemPointer
		var err error
		if !haveNext {
			tid, err = store.InsertTuple(target, h, segData) // ctid forced to self: chain terminator
		} else {
			h.Ctid = next
			tid, err = store.InsertLinked(target, h, segData)
		}
		if err != nil {
			return types.InvalidItemPointer, err
		}
		next = tid
		haveNext = true
		head = tid
	}
	return head, nil
}

// WritePipeline accumulates bytes for one blob and materializes its segment
// chain on Close.
type WritePipeline struct {
	mgr    *Manager
	target smgr.Info
	xid    types.TransactionID
	cid    types.CommandID
	buf    []byte
}

// OpenWrite begins a new blob write against target (normally the relation
// ResolveStorage selected).
func (m *Manager) OpenWrite(target smgr.Info, xid types.TransactionID, cid types.CommandID) *WritePipeline {
	return &WritePipeline{mgr: m, target: target, xid: xid, cid: cid}
}

// Write appends data to the pipeline's cache.
func (p *WritePipeline) Write(data []byte) {
	p.buf = append(p.buf, data...)
}

// CloseWrite flushes the accumulated bytes as a chain of segments and
// returns the blob header to embed in the caller's tuple.
func (p *WritePipeline) CloseWrite() (types.BlobHeader, error) {
	chunks := chunk(p.buf, p.mgr.segmentPayload)
	head, err := p.mgr.writeChain(p.mgr.store, p.target, p.xid, p.cid, chunks, 0, false, false)
	if err != nil {
		return types.BlobHeader{}, err
	}
	return types.NewBlobHeader(uint32(len(p.buf)), head, p.target.Rel.Rel), nil
}

// AppendClose is CloseWrite for a pipeline extending a pre-existing chain:
// the existing tail segment's ctid is patched in place to link to the
// newly written chain only after that chain is fully on disk.
func (p *WritePipeline) AppendClose(existingTail types.ItemPointer) error {
	if len(p.buf) == 0 {
		return nil
	}
	chunks := chunk(p.buf, p.mgr.segmentPayload)
	newHead, err := p.mgr.writeChain(p.mgr.store, p.target, p.xid, p.cid, chunks, 0, false, false)
	if err != nil {
		return err
	}
	return p.mgr.store.PatchData(p.target, existingTail, func(h *types.TupleHeader, _ []byte) {
		h.Ctid = newHead
	})
}

// ReadPipeline streams bytes out of an existing blob chain.
type ReadPipeline struct {
	mgr       *Manager
	storage   smgr.Info
	current   types.ItemPointer
	atEnd     bool
	total     int
	bytesRead int
	cache     []byte
}

// OpenRead begins a read over header's chain, resolving segments against
// storage (normally re-derived from header.StorageRel by the caller).
func (m *Manager) OpenRead(storage smgr.Info, header types.BlobHeader) *ReadPipeline {
	return &ReadPipeline{
		mgr:     m,
		storage: storage,
		current: header.Start,
		total:   int(header.TotalLength),
	}
}

// Read returns up to limit bytes from the chain, draining the pipeline's
// cache first and then walking the disk chain, advancing past
// fully-consumed segments.
func (p *ReadPipeline) Read(limit int) ([]byte, error) {
	out := make([]byte, 0, limit)
	for len(out) < limit && p.bytesRead < p.total {
		if len(p.cache) == 0 {
			if p.atEnd {
				break
			}
			h, raw, err := p.mgr.store.Fetch(p.storage, p.current)
			if err != nil {
				return out, err
			}
			data, err := p.mgr.decompress(raw)
			if err != nil {
				return out, err
			}
			p.cache = data
			if h.Ctid.Equal(p.current) {
				p.atEnd = true
			} else {
				p.current = h.Ctid
			}
		}
		n := limit - len(out)
		if n > len(p.cache) {
			n = len(p.cache)
		}
		out = append(out, p.cache[:n]...)
		p.cache = p.cache[n:]
		p.bytesRead += n
	}
	return out, nil
}

// Done reports end-of-stream.
func (p *ReadPipeline) Done() bool {
	return p.bytesRead >= p.total || (p.atEnd && len(p.cache) == 0)
}

// Rebuild materializes an entire blob into one contiguous buffer.
func (m *Manager) Rebuild(storage smgr.Info, header types.BlobHeader) ([]byte, error) {
	out := make([]byte, 0, header.TotalLength)
	pipe := m.OpenRead(storage, header)
	for !pipe.Done() {
		chunk, err := pipe.Read(int(header.TotalLength))
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		out = append(out, chunk...)
	}
	if uint32(len(out)) != header.TotalLength {
		return nil, errs.FatalRuntime(errs.CodeCorruptPage, "rebuilt blob length does not match header", nil)
	}
	return out, nil
}

// Delete walks a blob's chain, marking each segment deleted by xid. moved
// marks the chain as a vacuum-move chain, tagging every segment but the
// last moved-out (the last segment is left intact per spec.md §4.5).
func (m *Manager) Delete(storage smgr.Info, header types.BlobHeader, xid types.TransactionID, cid types.CommandID, moved bool) error {
	current := header.Start
	for {
		h, _, err := m.store.Fetch(storage, current)
		if err != nil {
			return err
		}
		atEnd := h.Ctid.Equal(current)
		next := h.Ctid

		if moved && atEnd {
			return nil
		}

		if err := m.store.PatchData(storage, current, func(ph *types.TupleHeader, _ []byte) {
			ph.Xmax = xid
			ph.Union.CMax = cid
			ph.Infomask = ph.Infomask.Clear(types.InfomaskMarkedForUpdate).Clear(types.InfomaskXmaxCommitted).Clear(types.InfomaskXmaxInvalid)
			if moved && !atEnd {
				ph.Infomask = ph.Infomask.Set(types.InfomaskMovedOut)
			}
		}); err != nil {
			return err
		}

		if atEnd {
			return nil
		}
		current = next
	}
}

// RespanToStorage implements vacuum_respan_tuple_blob: stream-copies an
// existing blob into a new storage relation and returns the new header,
// to substitute into the owning tuple via a normal heap update (the
// caller tags the owning tuple blob-linked).
func (m *Manager) RespanToStorage(oldStorage, newStorage smgr.Info, header types.BlobHeader, xid types.TransactionID, cid types.CommandID) (types.BlobHeader, error) {
	read := m.OpenRead(oldStorage, header)
	write := m.OpenWrite(newStorage, xid, cid)
	for !read.Done() {
		chunk, err := read.Read(m.segmentPayload)
		if err != nil {
			return types.BlobHeader{}, err
		}
		if len(chunk) == 0 {
			break
		}
		write.Write(chunk)
	}
	return write.CloseWrite()
}

// DuplicateChain implements vacuum_dup_chain_blob: walks header's chain,
// placing moved-in copies into targetStorage (normally a lower-numbered
// page range chosen by the caller's freespace policy), and marks the
// originals moved-out once every copy has been placed. If any copy cannot
// be placed, an error is returned and the originals are left untouched;
// copy segments placed before the failure are not removed.
func (m *Manager) DuplicateChain(storage, targetStorage smgr.Info, header types.BlobHeader, vacuumXid types.TransactionID, cid types.CommandID) (types.BlobHeader, error) {
	var payloads [][]byte
	var origTids []types.ItemPointer
	current := header.Start
	for {
		h, data, err := m.store.Fetch(storage, current)
		if err != nil {
			return types.BlobHeader{}, err
		}
		payloads = append(payloads, append([]byte(nil), data...))
		origTids = append(origTids, current)
		if h.Ctid.Equal(current) {
			break
		}
		current = h.Ctid
	}

	newHead, err := m.writeChain(m.store, targetStorage, vacuumXid, cid, payloads, vacuumXid, true, true)
	if err != nil {
		return types.BlobHeader{}, errs.Recoverable(errs.CodeFreespaceExhaust, "could not place moved-in blob copy below source page", nil)
	}

	for _, tid := range origTids {
		if err := m.store.PatchData(storage, tid, func(ph *types.TupleHeader, _ []byte) {
			ph.Infomask = ph.Infomask.Set(types.InfomaskMovedOut)
		}); err != nil {
			return types.BlobHeader{}, err
		}
	}

	return types.NewBlobHeader(header.TotalLength, newHead, targetStorage.Rel.Rel), nil
}
