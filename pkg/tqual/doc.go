/*
Package tqual implements spec.md §4.4's tuple visibility predicates over a
types.TupleHeader and a status source (normally *xlog.Allocator):

	visible, err := tqual.SatisfiesSnapshot(&tup, snap, alloc)

Every predicate that resolves a transaction's commit/abort state stamps the
corresponding hint bit on the tuple so later callers can skip the status
lookup entirely. Callers holding only a share lock on the tuple's page may
still call these functions: the hint-bit writes are idempotent and confined
to the four Xmin/XmaxCommitted/Invalid bits, never touching tuple data.
*/
package tqual
