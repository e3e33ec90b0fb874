// Package catalog is the external collaborator boundary spec.md leaves
// unspecified: relation and attribute descriptors, per-relation extent
// policy (pg_extent), the external blob-store mapping pkg/blob probes
// through StorageLookup, an in-place statistics sink for pkg/vacuum, and a
// B-tree-backed index stand-in for pkg/vacuum's index-bulk-delete
// coordination.
//
// Descriptors and extent policy are persisted in a bbolt database, the way
// the teacher persists cluster state: one bucket per concern, JSON-encoded
// values, upsert-as-write. The index stand-in is in-memory only — a real
// access method belongs outside this engine's scope, and vacuum only needs
// something that implements IndexBulkDeleter to exercise the coordination
// path.
package catalog
