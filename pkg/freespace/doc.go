/*
Package freespace implements spec.md §4.6: a process-wide per-relation
freespace map consulted by pkg/heap for insert/update placement and
maintained by pkg/vacuum after each reclaim pass.

	fsm := freespace.New(sm, 1000)
	block, err := fsm.GetFreespace(info, 120, 0)
	// ... write the tuple into block ...
	fsm.RegisterFreespace(info.Rel, updatedRuns)

Extent policy controls how aggressively GetFreespace grows a relation when
no run satisfies a request; see SetExtentPolicy.
*/
package freespace
