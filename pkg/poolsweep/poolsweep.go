// Package poolsweep implements spec.md §4.8: a process-wide table of
// background worker threads, at most one per database, each draining its
// own FIFO job queue of maintenance work (vacuum, reindex, scan, defrag,
// analyze, respan, relink, move, compact, vacuum-database, recover) plus
// the wait-notify synchronization primitive. Adapted from the teacher's
// pkg/worker (per-entity loop, stopCh) and pkg/scheduler/pkg/events
// (ticker/channel-driven dispatch, zerolog component logger).
package poolsweep

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weaverdb/wdbengine/pkg/log"
	"github.com/weaverdb/wdbengine/pkg/types"
)

// JobKind names one of the maintenance operations a worker dispatches.
type JobKind string

const (
	JobVacuum         JobKind = "vacuum"
	JobReindex        JobKind = "reindex"
	JobScan           JobKind = "scan"
	JobDefrag         JobKind = "defrag"
	JobAnalyze        JobKind = "analyze"
	JobRespan         JobKind = "respan"
	JobRelink         JobKind = "relink"
	JobMove           JobKind = "move"
	JobCompact        JobKind = "compact"
	JobVacuumDatabase JobKind = "vacuum-database"
	JobRecover        JobKind = "recover"
	// JobWaitNotify is the synchronization primitive: a caller blocks on
	// notify until the worker has drained every job queued ahead of it.
	JobWaitNotify JobKind = "wait-notify"
)

// Job is one unit of work queued for a database's worker.
type Job struct {
	Kind  JobKind
	RelID types.RelID
	DBID  uint32
	Args  map[string]string

	notify chan struct{}
}

// Dispatcher runs one job's kind-specific routine. pkg/env supplies the
// real implementation; the worker begins and commits no transaction around
// it. An error is logged and the job dropped without affecting the worker
// itself.
type Dispatcher func(job *Job) error

// Config bounds one worker's behavior.
type Config struct {
	// IdleTimeout is how long a worker waits for a new job before retiring.
	IdleTimeout time.Duration
}

// DefaultConfig matches an ordinary installation.
var DefaultConfig = Config{IdleTimeout: 30 * time.Second}

// Pool is the process-wide worker table: AddJobRequest/WaitNotify locate or
// spawn the worker for a database id, on demand, and retire it once idle.
type Pool struct {
	mu       sync.Mutex
	workers  map[uint32]*worker
	dispatch Dispatcher
	cfg      Config
	logger   zerolog.Logger
}

// New builds a Pool. dispatch is called once per non-wait-notify job.
func New(dispatch Dispatcher, cfg Config) *Pool {
	if cfg.IdleTimeout <= 0 {
		cfg = DefaultConfig
	}
	return &Pool{
		workers:  make(map[uint32]*worker),
		dispatch: dispatch,
		cfg:      cfg,
		logger:   log.WithComponent("poolsweep"),
	}
}

// AddJobRequest locates or spawns the worker for dbID and enqueues the job,
// dropping the request if an equivalent job (same kind and relation) is
// already queued. If the worker found for dbID has already committed to
// retiring, enqueue reports it and this re-fetches (and, if needed,
// respawns) the worker rather than orphaning the job in a queue nobody will
// ever drain again.
func (p *Pool) AddJobRequest(kind JobKind, relID types.RelID, dbID uint32, args map[string]string) {
	job := &Job{Kind: kind, RelID: relID, DBID: dbID, Args: args}
	for !p.workerFor(dbID).enqueue(job) {
	}
}

// WaitNotify blocks until dbID's worker has drained every job queued ahead
// of this call.
func (p *Pool) WaitNotify(dbID uint32) {
	notify := make(chan struct{})
	job := &Job{Kind: JobWaitNotify, DBID: dbID, notify: notify}
	for !p.workerFor(dbID).enqueue(job) {
	}
	<-notify
}

func (p *Pool) workerFor(dbID uint32) *worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[dbID]
	if !ok {
		w = newWorker(dbID, p.dispatch, p.cfg, p.logger)
		w.onIdle = func() { p.retire(dbID, w) }
		p.workers[dbID] = w
		w.start()
	}
	return w
}

// retire drops w from the table, but only if w is still the registered
// worker for dbID: a request racing exactly against this retirement may
// already have installed a fresh worker under the same key (see enqueue's
// retired check), and that replacement must not be evicted here.
func (p *Pool) retire(dbID uint32, w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[dbID] == w {
		delete(p.workers, dbID)
	}
}

// Shutdown drains and stops every live worker, blocking until each has
// exited — spec.md §5's "DB writer and all pool-sweeps drained before
// closing the log".
func (p *Pool) Shutdown() {
	p.mu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
}

type worker struct {
	dbID     uint32
	dispatch Dispatcher
	cfg      Config
	logger   zerolog.Logger
	onIdle   func()

	mu      sync.Mutex
	queue   []*Job
	pending map[string]bool
	retired bool

	signal chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func newWorker(dbID uint32, dispatch Dispatcher, cfg Config, logger zerolog.Logger) *worker {
	return &worker{
		dbID:     dbID,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]bool),
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func dedupKey(kind JobKind, relID types.RelID) string {
	return fmt.Sprintf("%s/%s", kind, relID)
}

// enqueue implements add-job-request's duplicate/subsumption check: a job
// of the same kind already queued for the same relation makes this request
// a no-op (spec.md §4.8: "if a vacuum for the same rel is already queued,
// drop this request"). A job already dispatched (dequeued) no longer
// counts, so a second request for the same relation queues normally once
// the first has started running.
//
// enqueue reports false, without queuing the job, if w has already
// committed to retiring (see popOrRetire). w.retired is only ever set
// under w.mu in the same critical section that confirms the queue is
// empty, so no caller can observe retired==false, queue the job, and then
// have the worker retire without ever seeing it.
func (w *worker) enqueue(job *Job) bool {
	w.mu.Lock()
	if w.retired {
		w.mu.Unlock()
		return false
	}
	if job.Kind != JobWaitNotify {
		key := dedupKey(job.Kind, job.RelID)
		if w.pending[key] {
			w.mu.Unlock()
			return true
		}
		w.pending[key] = true
	}
	w.queue = append(w.queue, job)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	return true
}

func (w *worker) pop() (*Job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.popLocked()
}

func (w *worker) popLocked() (*Job, bool) {
	if len(w.queue) == 0 {
		return nil, false
	}
	job := w.queue[0]
	w.queue = w.queue[1:]
	if job.Kind != JobWaitNotify {
		delete(w.pending, dedupKey(job.Kind, job.RelID))
	}
	return job, true
}

// popOrRetire is the atomic version of the idle-timeout decision: under a
// single critical section, either dequeue a job that arrived just before
// the timeout fired, or mark the worker retired so any enqueue racing
// against it is rejected and retried against a freshly spawned worker
// instead of being silently dropped into a queue nobody drains again.
func (w *worker) popOrRetire() (job *Job, ok bool, retiring bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if job, ok := w.popLocked(); ok {
		return job, true, false
	}
	w.retired = true
	return nil, false, true
}

func (w *worker) start() {
	go w.run()
}

// stop signals the worker to drain its remaining queue and exit, and waits
// for it to do so.
func (w *worker) stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *worker) run() {
	defer close(w.doneCh)
	stopping := false
	for {
		if job, ok := w.pop(); ok {
			w.runJob(job)
			continue
		}
		if stopping {
			return
		}
		select {
		case <-w.signal:
		case <-w.stopCh:
			stopping = true
		case <-time.After(w.cfg.IdleTimeout):
			job, ok, retiring := w.popOrRetire()
			if ok {
				w.runJob(job)
				continue
			}
			if retiring {
				w.onIdle()
				return
			}
		}
	}
}

func (w *worker) runJob(job *Job) {
	if job.Kind == JobWaitNotify {
		close(job.notify)
		return
	}
	if err := w.dispatch(job); err != nil {
		log.WithRelation(w.logger, job.DBID, job.RelID.Rel).Error().
			Err(err).
			Str("kind", string(job.Kind)).
			Msg("pool-sweep job failed, job dropped")
	}
}
