// Package env implements the process-wide init/shutdown sequence and the
// per-thread environment object described in spec.md §5, replacing the
// original engine's global statics and thread-local storage with an
// explicit handle threaded through every entry point.
//
// Engine.Open follows the init order of spec.md §5 with one deliberate
// reordering: the catalog cache opens before shadow-log replay rather than
// after, since replay's recovered pages carry only numeric (dbID, rel)
// identity and need the catalog's relation directory to resolve a path for
// relations this process hasn't opened yet. After that: lock the data
// directory, attach the VFD table and storage manager, open the shadow log,
// open the catalog cache, replay any pending crash recovery, open (or
// bootstrap) the variable/log relations, run transaction-system recovery if
// requested, start freespace, heap and invalidation, and finally start the
// pool-sweep workers. Engine.Close reverses the order, draining pool-sweep
// and fsyncing storage before the shadow log and data directory lock are
// released.
//
// NewThread hands out a ThreadEnv, the per-client stand-in for the
// original engine's thread-local memory contexts, snapshot, and
// cancellation flag.
package env
