// Package xlog implements the transaction log and id allocator described
// in spec.md §4.3: a packed 2-bit-per-transaction status log, a prefetch-
// batched id allocator, hard/soft commit semantics, and crash recovery.
package xlog

import (
	"encoding/binary"
	"sync"

	"github.com/weaverdb/wdbengine/pkg/errs"
	"github.com/weaverdb/wdbengine/pkg/log"
	"github.com/weaverdb/wdbengine/pkg/metrics"
	"github.com/weaverdb/wdbengine/pkg/page"
	"github.com/weaverdb/wdbengine/pkg/smgr"
	"github.com/weaverdb/wdbengine/pkg/types"
)

// VariableRel and LogRel are the fixed relation identifiers of the two
// cooperating persistent relations, opened once per database cluster
// (DBID 0 is reserved for cluster-wide relations, matching how pg_control
// lives outside any one database).
var (
	VariableRel = types.RelID{DBID: 0, Rel: 1}
	LogRel      = types.RelID{DBID: 0, Rel: 2}
)

// MaxTrackedDatabases bounds the per-database low-water array stored in
// variable relation block 1.
const MaxTrackedDatabases = 200

const perDBRecordLen = 1 + 4 + 8 // init u8, dbid u32, low-water u64

// dbLowWater is one per-database bookkeeping record.
type dbLowWater struct {
	Init     bool
	DBID     uint32
	LowWater types.TransactionID
}

// idBatch is a locally-held prefetch batch: the next id to hand out and
// how many remain in the batch before the allocator must refill.
type idBatch struct {
	next      uint64
	remaining uint64
}

// statusCacheEntry is the single-slot per-allocator status query cache.
type statusCacheEntry struct {
	valid  bool
	xid    types.TransactionID
	status types.TransactionStatus
}

// Allocator is the transaction log and id allocator. One Allocator is
// shared process-wide over a smgr.Manager.
type Allocator struct {
	mgr *smgr.Manager

	xidMu        sync.Mutex
	xidBatch     idBatch
	xidPrefetch  uint64

	oidMu       sync.Mutex
	oidBatch    idBatch
	oidPrefetch uint32

	statusMu    sync.Mutex
	statusCache statusCacheEntry
	baseline    types.TransactionID
	checkpoint  types.TransactionID

	perDBMu sync.Mutex
	perDB   []dbLowWater
}

// Config controls prefetch batch sizes, matching the configuration
// surface's objectid_prefetch/transaction_prefetch options.
type Config struct {
	TransactionPrefetch uint64
	ObjectIDPrefetch    uint32
}

// Open attaches to an already-created variable/log relation pair, loads the
// stored next-xid from block 0 and the current baseline/checkpoint from
// block 1.
func Open(mgr *smgr.Manager, cfg Config) (*Allocator, error) {
	a := &Allocator{
		mgr:         mgr,
		xidPrefetch: cfg.TransactionPrefetch,
		oidPrefetch: cfg.ObjectIDPrefetch,
	}
	if a.xidPrefetch == 0 {
		a.xidPrefetch = 32
	}
	if a.oidPrefetch == 0 {
		a.oidPrefetch = 32
	}

	buf0 := make([]byte, page.Size)
	if err := mgr.ReadBlock(VariableRel, 0, buf0); err != nil {
		return nil, err
	}
	a.xidBatch = idBatch{next: binary.LittleEndian.Uint64(buf0[0:8])}

	buf := make([]byte, page.Size)
	if err := mgr.ReadBlock(VariableRel, 1, buf); err != nil {
		return nil, err
	}
	a.baseline = types.TransactionID(binary.LittleEndian.Uint64(buf[0:8]))
	a.checkpoint = types.TransactionID(binary.LittleEndian.Uint64(buf[8:16]))
	a.perDB = decodePerDB(buf[16:])

	return a, nil
}

// Bootstrap initializes a brand-new variable relation at
// BootstrapTransactionID / OID 1, with an empty per-db array.
func Bootstrap(mgr *smgr.Manager, cfg Config) (*Allocator, error) {
	if err := mgr.Create(smgr.Info{Rel: VariableRel, DBName: "global", Name: "pg_variable"}); err != nil {
		return nil, err
	}
	if err := mgr.Create(smgr.Info{Rel: LogRel, DBName: "global", Name: "pg_log"}); err != nil {
		return nil, err
	}
	if _, err := mgr.Extend(VariableRel); err != nil {
		return nil, err
	}
	if _, err := mgr.Extend(VariableRel); err != nil {
		return nil, err
	}

	a := &Allocator{
		mgr:         mgr,
		xidPrefetch: cfg.TransactionPrefetch,
		oidPrefetch: cfg.ObjectIDPrefetch,
		baseline:    types.BootstrapTransactionID,
		checkpoint:  types.BootstrapTransactionID,
	}
	if a.xidPrefetch == 0 {
		a.xidPrefetch = 32
	}
	if a.oidPrefetch == 0 {
		a.oidPrefetch = 32
	}
	a.xidBatch = idBatch{next: uint64(types.FirstNormalTransactionID)}
	a.oidBatch = idBatch{next: 1}

	if err := a.writeBlock0(); err != nil {
		return nil, err
	}
	if err := a.writeBlock1(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Allocator) writeBlock0() error {
	buf := make([]byte, page.Size)
	binary.LittleEndian.PutUint64(buf[0:8], a.xidBatch.next)
	binary.LittleEndian.PutUint32(buf[8:12], a.oidBatch.next)
	return a.mgr.WriteBlock(VariableRel, 0, buf)
}

func (a *Allocator) writeBlock1() error {
	buf := make([]byte, page.Size)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(a.baseline))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(a.checkpoint))
	encodePerDB(buf[16:], a.perDB)
	return a.mgr.WriteBlock(VariableRel, 1, buf)
}

func decodePerDB(buf []byte) []dbLowWater {
	var out []dbLowWater
	for i := 0; i+perDBRecordLen <= len(buf) && len(out) < MaxTrackedDatabases; i += perDBRecordLen {
		init := buf[i] != 0
		if !init {
			continue
		}
		dbid := binary.LittleEndian.Uint32(buf[i+1 : i+5])
		lw := binary.LittleEndian.Uint64(buf[i+5 : i+13])
		out = append(out, dbLowWater{Init: init, DBID: dbid, LowWater: types.TransactionID(lw)})
	}
	return out
}

func encodePerDB(buf []byte, entries []dbLowWater) {
	for i, e := range entries {
		off := i * perDBRecordLen
		if off+perDBRecordLen > len(buf) {
			break
		}
		if e.Init {
			buf[off] = 1
		}
		binary.LittleEndian.PutUint32(buf[off+1:off+5], e.DBID)
		binary.LittleEndian.PutUint64(buf[off+5:off+13], uint64(e.LowWater))
	}
}

// NewTransactionID consumes one id from the cached prefetch batch,
// refilling from the variable relation under the allocator's lock when the
// batch is empty.
func (a *Allocator) NewTransactionID() (types.TransactionID, error) {
	a.xidMu.Lock()
	defer a.xidMu.Unlock()

	if a.xidBatch.remaining == 0 {
		if err := a.refillXidLocked(); err != nil {
			return types.InvalidTransactionID, err
		}
	}

	xid := types.TransactionID(a.xidBatch.next)
	a.xidBatch.next++
	a.xidBatch.remaining--
	metrics.XidCurrent.Set(float64(xid))
	return xid, nil
}

func (a *Allocator) refillXidLocked() error {
	buf := make([]byte, page.Size)
	if err := a.mgr.ReadBlock(VariableRel, 0, buf); err != nil {
		return err
	}
	next := binary.LittleEndian.Uint64(buf[0:8])
	binary.LittleEndian.PutUint64(buf[0:8], next+a.xidPrefetch)
	if err := a.mgr.WriteBlock(VariableRel, 0, buf); err != nil {
		return err
	}
	if err := a.mgr.FlushBlock(VariableRel, 0, buf); err != nil {
		return err
	}
	a.xidBatch = idBatch{next: next, remaining: a.xidPrefetch}
	metrics.XidAllocationBatches.Inc()
	return nil
}

// ReadNewTransactionID returns the next id that would be allocated without
// consuming it.
func (a *Allocator) ReadNewTransactionID() types.TransactionID {
	a.xidMu.Lock()
	defer a.xidMu.Unlock()
	return types.TransactionID(a.xidBatch.next)
}

// NewObjectID is analogous to NewTransactionID but uses an independent
// prefetch batch and lock, since object ids and transaction ids are
// consumed at very different rates.
func (a *Allocator) NewObjectID() (uint32, error) {
	a.oidMu.Lock()
	defer a.oidMu.Unlock()

	if a.oidBatch.remaining == 0 {
		buf := make([]byte, page.Size)
		if err := a.mgr.ReadBlock(VariableRel, 0, buf); err != nil {
			return 0, err
		}
		next := binary.LittleEndian.Uint32(buf[8:12])
		binary.LittleEndian.PutUint32(buf[8:12], next+a.oidPrefetch)
		if err := a.mgr.WriteBlock(VariableRel, 0, buf); err != nil {
			return 0, err
		}
		a.oidBatch = idBatch{next: uint64(next), remaining: uint64(a.oidPrefetch)}
	}

	oid := uint32(a.oidBatch.next)
	a.oidBatch.next++
	a.oidBatch.remaining--
	return oid, nil
}

// blockAndBit computes the log relation block number and bit offset
// holding xid's 2-bit status, matching "one block per (block-size × 4)
// transactions" from spec.md §6.
func blockAndBit(xid types.TransactionID) (types.BlockNumber, uint) {
	perBlock := uint64(page.Size) * 4
	block := uint64(xid) / perBlock
	bit := (uint64(xid) % perBlock) * 2
	return types.BlockNumber(block), uint(bit)
}

// SetStatus writes xid's 2-bit status into the packed log relation.
func (a *Allocator) SetStatus(xid types.TransactionID, status types.TransactionStatus) error {
	block, bit := blockAndBit(xid)

	buf := make([]byte, page.Size)
	if err := a.mgr.ReadBlock(LogRel, block, buf); err != nil {
		return err
	}
	byteOff := bit / 8
	shift := bit % 8
	buf[byteOff] = (buf[byteOff] &^ (0x3 << shift)) | (byte(status) << shift)
	if err := a.mgr.WriteBlock(LogRel, block, buf); err != nil {
		return err
	}

	a.statusMu.Lock()
	a.statusCache = statusCacheEntry{valid: true, xid: xid, status: status}
	a.statusMu.Unlock()
	return nil
}

// GetStatus returns xid's commit status, consulting the single-slot cache
// first, then the baseline shortcut, then the packed log.
func (a *Allocator) GetStatus(xid types.TransactionID) (types.TransactionStatus, error) {
	if xid == types.InvalidTransactionID {
		return types.StatusAborted, nil
	}

	a.statusMu.Lock()
	if a.statusCache.valid && a.statusCache.xid == xid {
		s := a.statusCache.status
		a.statusMu.Unlock()
		return s, nil
	}
	belowBaseline := xid.Precedes(a.baseline)
	a.statusMu.Unlock()

	if belowBaseline {
		return types.StatusCommitted, nil
	}

	block, bit := blockAndBit(xid)
	buf := make([]byte, page.Size)
	if err := a.mgr.ReadBlock(LogRel, block, buf); err != nil {
		return 0, err
	}
	byteOff := bit / 8
	shift := bit % 8
	status := types.TransactionStatus((buf[byteOff] >> shift) & 0x3)

	a.statusMu.Lock()
	a.statusCache = statusCacheEntry{valid: true, xid: xid, status: status}
	a.statusMu.Unlock()
	return status, nil
}

// HardCommit forces the log page to disk, then fsyncs every dirty data
// page the caller touched for this transaction, before returning.
func (a *Allocator) HardCommit(xid types.TransactionID, syncDataRels func() error) error {
	if err := a.SetStatus(xid, types.StatusCommitted); err != nil {
		return err
	}
	block, _ := blockAndBit(xid)
	if err := a.mgr.FlushBlock(LogRel, block, mustRead(a.mgr, LogRel, block)); err != nil {
		return err
	}
	if syncDataRels != nil {
		if err := syncDataRels(); err != nil {
			return err
		}
	}
	metrics.TransactionsCommitted.WithLabelValues("hard").Inc()
	return nil
}

func mustRead(mgr *smgr.Manager, rel types.RelID, block types.BlockNumber) []byte {
	buf := make([]byte, page.Size)
	_ = mgr.ReadBlock(rel, block, buf)
	return buf
}

// SoftCommit writes committed status without forcing anything to disk; the
// client may be told the transaction succeeded before the page lands.
func (a *Allocator) SoftCommit(xid types.TransactionID) error {
	if err := a.SetStatus(xid, types.StatusSoftCommitted); err != nil {
		return err
	}
	metrics.TransactionsCommitted.WithLabelValues("soft").Inc()
	return nil
}

// Abort writes aborted status; no sync is required.
func (a *Allocator) Abort(xid types.TransactionID) error {
	if err := a.SetStatus(xid, types.StatusAborted); err != nil {
		return err
	}
	metrics.TransactionsAborted.Inc()
	return nil
}

// Recover implements TransRecover: for every id in [checkpoint, next-xid)
// in ascending order, soft-committed and in-progress ids are rewritten to
// aborted; hard-commit and already-aborted ids are left alone. Afterward
// every dirty buffer is fsynced and the checkpoint advances to next-xid.
func (a *Allocator) Recover() error {
	recoveryLog := log.WithComponent("xlog-recovery")
	next := a.ReadNewTransactionID()

	var swept int
	for xid := a.checkpoint; xid.Precedes(next); xid++ {
		status, err := a.GetStatus(xid)
		if err != nil {
			return err
		}
		if status == types.StatusSoftCommitted || status == types.StatusInProgress {
			if err := a.SetStatus(xid, types.StatusAborted); err != nil {
				return err
			}
			log.WithXid(recoveryLog, uint64(xid)).Debug().Msg("rewrote unresolved transaction to aborted during recovery")
			swept++
		}
	}

	if err := a.mgr.SyncAll(); err != nil {
		return err
	}

	a.statusMu.Lock()
	a.checkpoint = next
	a.statusMu.Unlock()
	if err := a.writeBlock1(); err != nil {
		return err
	}

	metrics.RecoverySweptXids.Add(float64(swept))
	recoveryLog.Info().Int("swept", swept).Uint64("checkpoint", uint64(next)).Msg("transaction recovery sweep complete")
	return nil
}

// SetLowWater records (or updates) the low-water transaction id for a
// database, used by pool-sweep and vacuum to bound how far back a scan
// needs to look for still-relevant tombstones.
func (a *Allocator) SetLowWater(dbID uint32, lowWater types.TransactionID) error {
	a.perDBMu.Lock()
	defer a.perDBMu.Unlock()

	for i := range a.perDB {
		if a.perDB[i].DBID == dbID {
			a.perDB[i].LowWater = lowWater
			return a.writeBlock1()
		}
	}
	if len(a.perDB) >= MaxTrackedDatabases {
		return errs.Recoverable(errs.CodeWriteFailed, "per-database low-water table full", nil)
	}
	a.perDB = append(a.perDB, dbLowWater{Init: true, DBID: dbID, LowWater: lowWater})
	return a.writeBlock1()
}

// LowWater returns the recorded low-water xid for a database, or
// InvalidTransactionID if none has been recorded yet.
func (a *Allocator) LowWater(dbID uint32) types.TransactionID {
	a.perDBMu.Lock()
	defer a.perDBMu.Unlock()
	for _, e := range a.perDB {
		if e.DBID == dbID {
			return e.LowWater
		}
	}
	return types.InvalidTransactionID
}
