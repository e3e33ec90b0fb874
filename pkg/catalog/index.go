package catalog

import (
	"sync"

	"github.com/google/btree"

	"github.com/weaverdb/wdbengine/pkg/types"
)

// tidItem orders types.ItemPointer by (block, offset) for btree.BTree.
type tidItem types.ItemPointer

func (t tidItem) Less(than btree.Item) bool {
	o := than.(tidItem)
	if t.Block != o.Block {
		return t.Block < o.Block
	}
	return t.Offset < o.Offset
}

// BTreeIndex is an in-memory index access method stand-in: a real index
// lives outside this engine's scope, but pkg/vacuum's index-bulk-delete
// coordination (spec.md §4.7) needs something to call. Concurrent inserts
// and bulk-deletes are safe; iteration snapshots are not provided since
// nothing here needs one.
type BTreeIndex struct {
	mu   sync.Mutex
	tree *btree.BTree
}

// NewBTreeIndex builds an empty index with a reasonable node degree.
func NewBTreeIndex() *BTreeIndex {
	return &BTreeIndex{tree: btree.New(32)}
}

// Insert adds tid to the index.
func (x *BTreeIndex) Insert(tid types.ItemPointer) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tree.ReplaceOrInsert(tidItem(tid))
}

// Contains reports whether tid is currently indexed.
func (x *BTreeIndex) Contains(tid types.ItemPointer) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.tree.Get(tidItem(tid)) != nil
}

// Len returns the number of indexed tids.
func (x *BTreeIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.tree.Len()
}

// BulkDelete implements vacuum.IndexBulkDeleter: every dead tid present in
// the index is removed, and the count actually removed is returned so the
// caller can detect a heap/index divergence.
func (x *BTreeIndex) BulkDelete(deadTids []types.ItemPointer) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	removed := 0
	for _, tid := range deadTids {
		if x.tree.Delete(tidItem(tid)) != nil {
			removed++
		}
	}
	return removed, nil
}
