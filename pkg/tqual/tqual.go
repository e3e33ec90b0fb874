// Package tqual implements spec.md §4.4's tuple-visibility predicates:
// HeapTupleSatisfiesItself, HeapTupleSatisfiesNow, HeapTupleSatisfiesDirty,
// HeapTupleSatisfiesSnapshot, HeapTupleSatisfiesUpdate and
// HeapTupleSatisfiesVacuum. Each predicate also performs the hint-bit lazy
// update described there: the first evaluator to resolve a transaction's
// commit/abort state stamps InfomaskXmin/XmaxCommitted/Invalid on the tuple
// so later callers skip the status-log lookup. Hint-bit writes are
// idempotent and touch only those four mask bits, so they are safe under a
// page share lock without the exclusive lock the rest of an update needs.
package tqual

import "github.com/weaverdb/wdbengine/pkg/types"

// StatusSource resolves a transaction id to its committed/aborted/
// in-progress/soft-committed status. pkg/xlog.Allocator implements this.
type StatusSource interface {
	GetStatus(xid types.TransactionID) (types.TransactionStatus, error)
}

// resolvedCommitted reports whether xid is durably committed, consulting
// the tuple's own hint bits first and falling back to src, stamping the
// hint bit on resolution. hardOnly requires a hard (fsync'd) commit; a
// soft commit is treated as not-yet-committed by hardOnly callers since it
// can still be rolled back to aborted by TransRecover.
func resolvedCommitted(src StatusSource, xid types.TransactionID, mask *types.Infomask, committedBit, invalidBit types.Infomask, hardOnly bool) (bool, error) {
	if xid == types.InvalidTransactionID {
		return false, nil
	}
	if mask.Has(committedBit) {
		return true, nil
	}
	if mask.Has(invalidBit) {
		return false, nil
	}
	status, err := src.GetStatus(xid)
	if err != nil {
		return false, err
	}
	switch status {
	case types.StatusCommitted:
		*mask = mask.Set(committedBit)
		return true, nil
	case types.StatusSoftCommitted:
		if hardOnly {
			return false, nil
		}
		*mask = mask.Set(committedBit)
		return true, nil
	case types.StatusAborted:
		*mask = mask.Set(invalidBit)
		return false, nil
	default: // StatusInProgress
		return false, nil
	}
}

func resolvedAborted(src StatusSource, xid types.TransactionID, mask *types.Infomask, committedBit, invalidBit types.Infomask) (bool, error) {
	if xid == types.InvalidTransactionID {
		return false, nil
	}
	if mask.Has(invalidBit) {
		return true, nil
	}
	if mask.Has(committedBit) {
		return false, nil
	}
	status, err := src.GetStatus(xid)
	if err != nil {
		return false, err
	}
	if status == types.StatusAborted {
		*mask = mask.Set(invalidBit)
		return true, nil
	}
	if status == types.StatusCommitted {
		*mask = mask.Set(committedBit)
	}
	return false, nil
}

// SatisfiesItself implements HeapTupleSatisfiesItself: visible to the
// inserting transaction's own later commands, including tuples it has not
// yet hard- or soft-committed itself (xmin == xid is enough).
func SatisfiesItself(tup *types.TupleHeader, xid types.TransactionID, cid types.CommandID, src StatusSource) (bool, error) {
	if tup.Xmin == xid {
		if tup.Union.CMin != types.InvalidCommandID && tup.Union.CMin >= cid {
			return false, nil
		}
	} else {
		committed, err := resolvedCommitted(src, tup.Xmin, &tup.Infomask, types.InfomaskXminCommitted, types.InfomaskXminInvalid, false)
		if err != nil {
			return false, err
		}
		if !committed {
			return false, nil
		}
	}
	if tup.Xmax == types.InvalidTransactionID {
		return true, nil
	}
	if tup.Xmax == xid {
		return tup.Union.CMax != types.InvalidCommandID && tup.Union.CMax >= cid, nil
	}
	deleted, err := resolvedCommitted(src, tup.Xmax, &tup.Infomask, types.InfomaskXmaxCommitted, types.InfomaskXmaxInvalid, false)
	if err != nil {
		return false, err
	}
	return !deleted, nil
}

// SatisfiesNow implements HeapTupleSatisfiesNow: visible to any reader
// right now, i.e. xmin is hard- or soft-committed and xmax (if set) is not.
func SatisfiesNow(tup *types.TupleHeader, src StatusSource) (bool, error) {
	committed, err := resolvedCommitted(src, tup.Xmin, &tup.Infomask, types.InfomaskXminCommitted, types.InfomaskXminInvalid, false)
	if err != nil {
		return false, err
	}
	if !committed {
		return false, nil
	}
	if tup.Xmax == types.InvalidTransactionID {
		return true, nil
	}
	deleted, err := resolvedCommitted(src, tup.Xmax, &tup.Infomask, types.InfomaskXmaxCommitted, types.InfomaskXmaxInvalid, false)
	if err != nil {
		return false, err
	}
	return !deleted, nil
}

// SatisfiesDirty implements HeapTupleSatisfiesDirty: like Now, but reports
// the writer to wait on when the tuple is being inserted or deleted by a
// still-in-progress transaction, for lock-for-update callers.
func SatisfiesDirty(tup *types.TupleHeader, src StatusSource) (visible bool, waitFor types.TransactionID, err error) {
	if tup.Xmin != types.InvalidTransactionID && !tup.Infomask.Has(types.InfomaskXminCommitted) && !tup.Infomask.Has(types.InfomaskXminInvalid) {
		status, serr := src.GetStatus(tup.Xmin)
		if serr != nil {
			return false, types.InvalidTransactionID, serr
		}
		if status == types.StatusInProgress {
			return false, tup.Xmin, nil
		}
	}
	committed, cerr := resolvedCommitted(src, tup.Xmin, &tup.Infomask, types.InfomaskXminCommitted, types.InfomaskXminInvalid, false)
	if cerr != nil {
		return false, types.InvalidTransactionID, cerr
	}
	if !committed {
		return false, types.InvalidTransactionID, nil
	}
	if tup.Xmax == types.InvalidTransactionID {
		return true, types.InvalidTransactionID, nil
	}
	if !tup.Infomask.Has(types.InfomaskXmaxCommitted) && !tup.Infomask.Has(types.InfomaskXmaxInvalid) {
		status, serr := src.GetStatus(tup.Xmax)
		if serr != nil {
			return false, types.InvalidTransactionID, serr
		}
		if status == types.StatusInProgress {
			return true, tup.Xmax, nil
		}
	}
	deleted, derr := resolvedCommitted(src, tup.Xmax, &tup.Infomask, types.InfomaskXmaxCommitted, types.InfomaskXmaxInvalid, false)
	if derr != nil {
		return false, types.InvalidTransactionID, derr
	}
	return !deleted, types.InvalidTransactionID, nil
}

// SatisfiesSnapshot implements HeapTupleSatisfiesSnapshot(S): visible under
// a consistent point-in-time snapshot S. Committed-ness still consults the
// status log/hint bits; in-progress-ness is decided purely from S.
func SatisfiesSnapshot(tup *types.TupleHeader, snap types.Snapshot, src StatusSource) (bool, error) {
	if snap.InProgressAt(tup.Xmin) {
		return false, nil
	}
	committed, err := resolvedCommitted(src, tup.Xmin, &tup.Infomask, types.InfomaskXminCommitted, types.InfomaskXminInvalid, false)
	if err != nil {
		return false, err
	}
	if !committed {
		return false, nil
	}
	if tup.Xmax == types.InvalidTransactionID {
		return true, nil
	}
	if snap.InProgressAt(tup.Xmax) {
		return true, nil
	}
	deleted, err := resolvedCommitted(src, tup.Xmax, &tup.Infomask, types.InfomaskXmaxCommitted, types.InfomaskXmaxInvalid, false)
	if err != nil {
		return false, err
	}
	return !deleted, nil
}

// SatisfiesUpdate implements HeapTupleSatisfiesUpdate: the caller (xid,
// cid) is attempting to update or delete this tuple; it reports which of
// the five outcomes applies.
func SatisfiesUpdate(tup *types.TupleHeader, xid types.TransactionID, cid types.CommandID, src StatusSource) (types.UpdateResult, error) {
	if tup.Xmin == xid {
		if tup.Union.CMin != types.InvalidCommandID && tup.Union.CMin >= cid {
			return types.UpdateInvisible, nil
		}
	} else {
		committed, err := resolvedCommitted(src, tup.Xmin, &tup.Infomask, types.InfomaskXminCommitted, types.InfomaskXminInvalid, false)
		if err != nil {
			return types.UpdateInvisible, err
		}
		if !committed {
			aborted, aerr := resolvedAborted(src, tup.Xmin, &tup.Infomask, types.InfomaskXminCommitted, types.InfomaskXminInvalid)
			if aerr != nil {
				return types.UpdateInvisible, aerr
			}
			if aborted {
				return types.UpdateInvisible, nil
			}
			return types.UpdateBeingUpdated, nil
		}
	}

	if tup.Xmax == types.InvalidTransactionID {
		return types.UpdateMayBeUpdated, nil
	}
	if tup.Xmax == xid {
		if tup.Union.CMax != types.InvalidCommandID && tup.Union.CMax >= cid {
			return types.UpdateSelfUpdated, nil
		}
		return types.UpdateMayBeUpdated, nil
	}

	status, err := src.GetStatus(tup.Xmax)
	if err != nil {
		return types.UpdateInvisible, err
	}
	switch status {
	case types.StatusInProgress:
		return types.UpdateBeingUpdated, nil
	case types.StatusAborted:
		tup.Infomask = tup.Infomask.Set(types.InfomaskXmaxInvalid)
		return types.UpdateMayBeUpdated, nil
	default: // committed or soft-committed
		tup.Infomask = tup.Infomask.Set(types.InfomaskXmaxCommitted)
		return types.UpdateUpdated, nil
	}
}

// SatisfiesVacuum implements HeapTupleSatisfiesVacuum(oldestXmin): the
// lazy-vacuum classification of a tuple, deciding whether it can be
// reclaimed, must be preserved for a reader still older than oldestXmin, or
// is mid-insert/mid-delete by a transaction vacuum must not disturb.
func SatisfiesVacuum(tup *types.TupleHeader, oldestXmin types.TransactionID, src StatusSource) (types.VacuumClass, error) {
	if tup.Xmin == types.InvalidTransactionID && tup.Infomask.Has(types.InfomaskXminInvalid) {
		return types.VacuumDead, nil
	}

	xminCommitted, err := resolvedCommitted(src, tup.Xmin, &tup.Infomask, types.InfomaskXminCommitted, types.InfomaskXminInvalid, true)
	if err != nil {
		return types.VacuumDead, err
	}
	if !xminCommitted {
		aborted, aerr := resolvedAborted(src, tup.Xmin, &tup.Infomask, types.InfomaskXminCommitted, types.InfomaskXminInvalid)
		if aerr != nil {
			return types.VacuumDead, aerr
		}
		if aborted {
			return types.VacuumStillborn, nil
		}
		return types.VacuumInsertInProgress, nil
	}

	if tup.Xmax == types.InvalidTransactionID {
		return types.VacuumLive, nil
	}

	status, err := src.GetStatus(tup.Xmax)
	if err != nil {
		return types.VacuumDead, err
	}
	switch status {
	case types.StatusInProgress:
		return types.VacuumDeleteInProgress, nil
	case types.StatusAborted:
		tup.Infomask = tup.Infomask.Set(types.InfomaskXmaxInvalid)
		return types.VacuumLive, nil
	default: // committed or soft-committed deleter
		tup.Infomask = tup.Infomask.Set(types.InfomaskXmaxCommitted)
		if tup.Xmax.Precedes(oldestXmin) {
			return types.VacuumDead, nil
		}
		return types.VacuumRecentlyDead, nil
	}
}
