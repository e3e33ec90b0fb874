// Package types defines the core data model shared across the storage engine:
// relation and block identifiers, item pointers, tuple headers, transaction
// ids and status, and snapshots. These types are deliberately free of any
// I/O or locking so that every other package (vfs, smgr, xlog, page, heap,
// tqual, blob, freespace, vacuum) can depend on them without cycles.
package types

import "fmt"

// RelID identifies one relation within one database. Both halves are
// opaque unsigned 32-bit keys assigned by the catalog.
type RelID struct {
	DBID uint32
	Rel  uint32
}

func (r RelID) String() string {
	return fmt.Sprintf("%d/%d", r.DBID, r.Rel)
}

// BlockNumber identifies a fixed-size page inside one relation.
type BlockNumber uint32

// InvalidBlockNumber is the sentinel "no block" value.
const InvalidBlockNumber BlockNumber = 0xFFFFFFFF

// OffsetNumber is a 1-based slot index on a page.
type OffsetNumber uint16

// InvalidOffsetNumber marks "no slot".
const InvalidOffsetNumber OffsetNumber = 0

// FirstOffsetNumber is the first valid slot index on a page.
const FirstOffsetNumber OffsetNumber = 1

// ItemPointer (tid) is the physical address of a tuple: a block number and
// an offset number within that block's line pointer array.
type ItemPointer struct {
	Block  BlockNumber
	Offset OffsetNumber
}

// InvalidItemPointer is the "points nowhere" sentinel.
var InvalidItemPointer = ItemPointer{Block: InvalidBlockNumber, Offset: InvalidOffsetNumber}

// IsValid reports whether the item pointer references a real slot.
func (ip ItemPointer) IsValid() bool {
	return ip.Block != InvalidBlockNumber
}

// Equal reports whether two item pointers address the same slot.
func (ip ItemPointer) Equal(o ItemPointer) bool {
	return ip.Block == o.Block && ip.Offset == o.Offset
}

func (ip ItemPointer) String() string {
	return fmt.Sprintf("(%d,%d)", ip.Block, ip.Offset)
}

// TransactionID is a 64-bit monotonically allocated transaction id.
type TransactionID uint64

const (
	// InvalidTransactionID marks "no transaction" (e.g. an unset xmax).
	InvalidTransactionID TransactionID = 0
	// BootstrapTransactionID is used by the bootstrap/ami process only.
	BootstrapTransactionID TransactionID = 512
	// FirstNormalTransactionID is the first id handed to an ordinary client.
	FirstNormalTransactionID TransactionID = 514
)

func (x TransactionID) String() string { return fmt.Sprintf("xid:%d", uint64(x)) }

// Precedes reports whether xid a was allocated strictly before xid b,
// accounting for the fact that ids below FirstNormalTransactionID are
// special and always considered "earlier".
func (x TransactionID) Precedes(o TransactionID) bool {
	return x < o
}

// CommandID identifies a command within one transaction.
type CommandID uint32

// InvalidCommandID marks "no command recorded".
const InvalidCommandID CommandID = 0xFFFFFFFF

// TransactionStatus is the 2-bit status stored per transaction id in the
// transaction log.
type TransactionStatus uint8

const (
	StatusInProgress    TransactionStatus = 0
	StatusCommitted     TransactionStatus = 1 // hard commit, durable
	StatusAborted       TransactionStatus = 2
	StatusSoftCommitted TransactionStatus = 3 // acknowledged, not yet synced
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	case StatusSoftCommitted:
		return "soft-committed"
	default:
		return "unknown"
	}
}

// Infomask bits packed into a tuple header. Hint bits ({Xmin,Xmax}Committed
// and {Xmin,Xmax}Invalid) may be set lazily by any reader that resolves
// transaction status; they are idempotent and never persisted through a
// commit record.
type Infomask uint16

const (
	InfomaskXminCommitted Infomask = 1 << iota
	InfomaskXminInvalid
	InfomaskXmaxCommitted
	InfomaskXmaxInvalid
	InfomaskMarkedForUpdate
	InfomaskUpdated
	InfomaskMovedIn
	InfomaskMovedOut
	InfomaskHasBlob
	InfomaskBlobSegment
	InfomaskBlobHead
	InfomaskBlobLinked
	InfomaskFragScanned
)

func (m Infomask) Has(bit Infomask) bool { return m&bit != 0 }
func (m Infomask) Set(bit Infomask) Infomask { return m | bit }
func (m Infomask) Clear(bit Infomask) Infomask { return m &^ bit }

// CmdOrVacuumXid is the union field that holds either (cmin, cmax) while a
// tuple is live, or a vacuum-transaction id once the tuple has been moved by
// vacuum (the "moved-in/moved-out" pair, spec.md §4.4 and §4.7).
type CmdOrVacuumXid struct {
	CMin      CommandID
	CMax      CommandID
	VacuumXid TransactionID
}

// TupleHeader is the fixed-size per-tuple header preceding attribute data.
type TupleHeader struct {
	OID      uint32
	Xmin     TransactionID
	Xmax     TransactionID
	Union    CmdOrVacuumXid
	Ctid     ItemPointer // forward pointer: self for a live tuple, or the update target
	Infomask Infomask
	// Length and header-offset of the full on-disk tuple, used to locate
	// attribute data following this header.
	Length uint16
	Hoff   uint16
}

// NoOID is the sentinel OID for user tables that don't use object ids.
const NoOID uint32 = 0xFFFFFFFF

// Snapshot captures the set of transactions visible to one query. A tuple is
// visible under S iff its inserting transaction is committed by S and its
// deleting transaction (if any) is not committed by S (spec.md §4.4).
type Snapshot struct {
	Xmin       TransactionID // smallest xid still in progress when snapshot was taken
	Xmax       TransactionID // first xid not yet allocated
	InProgress map[TransactionID]struct{}
	// Tid, if valid, restricts a dirty snapshot lookup to wanting the
	// writer of one specific tuple rather than a full visibility test.
	Tid ItemPointer
}

// Special snapshot kinds recognized by tqual predicates.
type SnapshotKind uint8

const (
	SnapshotMVCC SnapshotKind = iota
	SnapshotNow
	SnapshotSelf
	SnapshotDirty
	SnapshotAny
)

// InProgressAt reports whether xid counts as in progress under this
// snapshot: ids at or beyond Xmax, or listed in InProgress and not below
// Xmin. It does not consult the transaction log; callers combine this with
// a status lookup (see pkg/tqual).
func (s Snapshot) InProgressAt(xid TransactionID) bool {
	if xid >= s.Xmax {
		return true
	}
	if xid < s.Xmin {
		return false
	}
	_, ok := s.InProgress[xid]
	return ok
}

// NewSnapshot builds a snapshot from the currently in-progress xid set plus
// the allocator's next-to-assign xid, following the xmin/xmax convention in
// spec.md §3: xmin is the oldest in-progress xid, xmax is one past the
// highest allocated xid.
func NewSnapshot(inProgress []TransactionID, nextXid TransactionID) Snapshot {
	set := make(map[TransactionID]struct{}, len(inProgress))
	xmin := nextXid
	for _, x := range inProgress {
		set[x] = struct{}{}
		if x < xmin {
			xmin = x
		}
	}
	return Snapshot{Xmin: xmin, Xmax: nextXid, InProgress: set}
}

// RelKind distinguishes what a relation descriptor names.
type RelKind uint8

const (
	RelKindHeap RelKind = iota
	RelKindIndex
	RelKindSpecial
	RelKindUncataloged
)

// RelFlags are boolean attributes of a relation descriptor.
type RelFlags uint8

const (
	RelFlagSystem RelFlags = 1 << iota
	RelFlagTemp
	RelFlagThisXactOnly
)

// BlobHeader is stored in place of a large attribute's value. The high bit
// of PointerLength marks the value as indirect (out-of-line).
type BlobHeader struct {
	PointerLength uint32 // sizeof(header); high bit set => indirect
	TotalLength   uint32 // total logical length of the blob
	Start         ItemPointer
	StorageRel    uint32
}

const blobIndirectBit uint32 = 0x80000000

// blobHeaderWireLen is sizeof(BlobHeader) on disk: pointer-length u32,
// total-length u32, forward-item-pointer {u32,u16}, storage-relation u32.
const blobHeaderWireLen uint32 = 4 + 4 + 4 + 2 + 4

// NewBlobHeader builds an out-of-line (indirect) blob header pointing at
// start, the first segment of a chain holding totalLength logical bytes in
// storageRel.
func NewBlobHeader(totalLength uint32, start ItemPointer, storageRel uint32) BlobHeader {
	return BlobHeader{
		PointerLength: blobIndirectBit | blobHeaderWireLen,
		TotalLength:   totalLength,
		Start:         start,
		StorageRel:    storageRel,
	}
}

// IsIndirect reports whether this header points out-of-line.
func (b BlobHeader) IsIndirect() bool {
	return b.PointerLength&blobIndirectBit != 0
}

// SizeofTupleBlob returns the masked pointer length, preserving the
// original mask 0x00ffffff verbatim (spec.md §9 Open Question: the mask's
// intent of stripping a flag byte is not documented upstream, but the mask
// itself is preserved faithfully).
func SizeofTupleBlob(b BlobHeader) uint32 {
	return b.PointerLength & 0x00ffffff
}

// HeapTupleSatisfiesUpdate result codes (spec.md §4.4).
type UpdateResult uint8

const (
	UpdateMayBeUpdated UpdateResult = iota
	UpdateInvisible
	UpdateSelfUpdated
	UpdateUpdated
	UpdateBeingUpdated
)

// VacuumClass classifies a tuple during the lazy-vacuum scan pass
// (spec.md §4.4, HeapTupleSatisfiesVacuum).
type VacuumClass uint8

const (
	VacuumLive VacuumClass = iota
	VacuumRecentlyDead
	VacuumDead
	VacuumStillborn
	VacuumInsertInProgress
	VacuumDeleteInProgress
)
