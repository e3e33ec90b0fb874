/*
Package log provides structured logging for weaverdb using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns used throughout the storage engine (pool-sweep job
dispatch, vacuum passes, transaction recovery, VFD eviction).

# Usage

Initializing the logger:

	import "github.com/weaverdb/wdbengine/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	vacuumLog := log.WithComponent("vacuum")
	vacuumLog.Info().Msg("pass 1 scan started")

Context helpers tag an existing logger with one structured field rather
than replacing it, so a component logger keeps its "component" field:

	relLog := log.WithRelation(vacuumLog, 5, 16401)
	relLog.Info().Msg("extent grown by 10 blocks")

	xidLog := log.WithXid(log.WithComponent("xlog-recovery"), 800)
	xidLog.Debug().Msg("rewrote unresolved transaction to aborted during recovery")

	jobLog := log.WithJobID(log.WithComponent("poolsweep"), "vacuum/db5.rel16401")
	jobLog.Warn().Msg("dropping job for unregistered relation")

# Log Levels

Debug: verbose page/tid-level tracing, development only.
Info: lifecycle events — job dispatch, vacuum pass boundaries, recovery steps.
Warn: recoverable anomalies — freespace exhaustion, index bulk-delete divergence.
Error: failed operations that aborted a transaction or a job.
Fatal: startup failures only; never called from a running transaction path.
*/
package log
