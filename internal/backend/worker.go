package backend

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fanoutsql/fanoutsql/internal/wire"
)

// WorkerState is the lifecycle state of a dispatch worker, mirrored in the
// dispatch-worker-pool gauge.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerExecuting
	WorkerExiting
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerExecuting:
		return "executing"
	case WorkerExiting:
		return "exiting"
	default:
		return "unknown"
	}
}

// CommitContext is the barrier and success bitmap shared by every dispatch
// worker participating in one ALL-branch fan-out, plus the dispatcher
// goroutine that created it. It is used exactly once.
type CommitContext struct {
	wg            sync.WaitGroup
	results       []atomic.Bool
	replyIdx      int
	twoPC         bool
	onBarrierWait func(time.Duration) // optional, set by the dispatcher for metrics.
}

// NewCommitContext creates a barrier for backendCount participating workers.
// replyIdx is the backend index reported by ReplyOwner; which worker
// actually writes to the client is decided by the Reply sink in each Job.
func NewCommitContext(backendCount, replyIdx int, twoPC bool) *CommitContext {
	cc := &CommitContext{
		results:  make([]atomic.Bool, backendCount),
		replyIdx: replyIdx,
		twoPC:    twoPC,
	}
	cc.wg.Add(backendCount)
	return cc
}

// MarkResult records backend i's outcome and arrives at the barrier. Must be
// called exactly once per participating backend.
func (cc *CommitContext) MarkResult(i int, ok bool) {
	cc.results[i].Store(ok)
	cc.wg.Done()
}

// SetBarrierObserver registers a callback invoked with how long each
// participating worker spent blocked in Wait. Must be called before any
// worker reaches Wait.
func (cc *CommitContext) SetBarrierObserver(fn func(time.Duration)) { cc.onBarrierWait = fn }

// Wait blocks until every participating backend has arrived.
func (cc *CommitContext) Wait() {
	start := time.Now()
	cc.wg.Wait()
	if cc.onBarrierWait != nil {
		cc.onBarrierWait(time.Since(start))
	}
}

// AllSucceeded reports whether every participating backend recorded success.
// Valid only after Wait returns.
func (cc *CommitContext) AllSucceeded() bool {
	for i := range cc.results {
		if !cc.results[i].Load() {
			return false
		}
	}
	return true
}

// ReplyOwner returns the backend index whose response reaches the client.
func (cc *CommitContext) ReplyOwner() int { return cc.replyIdx }

// TwoPC reports whether this fan-out ends in an explicit COMMIT/ROLLBACK.
func (cc *CommitContext) TwoPC() bool { return cc.twoPC }

// Job is one query handed to a dispatch worker.
type Job struct {
	Query  []byte
	Reply  *wire.Conn     // nil: this worker's result is discarded.
	Commit *CommitContext // nil only in tests exercising a single worker in isolation.
	Index  int            // this worker's position among CommitContext's participants.
	Seq    byte           // sequence number for the first packet written to Reply.
	Done   chan error     // optional completion signal, buffered by the caller.
}

// Worker owns one dedicated connection to one backend and serializes query
// execution through a single-slot mailbox, matching the teacher's
// one-goroutine-per-connection pattern.
type Worker struct {
	Index   int
	Conn    *Conn
	Mailbox chan Job

	state atomic.Int32
	exit  atomic.Bool
}

func newWorker(idx int, c *Conn) *Worker {
	w := &Worker{Index: idx, Conn: c, Mailbox: make(chan Job, 1)}
	go w.run()
	return w
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// Submit hands job to the worker. The caller must hold exclusive ownership
// of the worker (acquired from the registry's worker lock pool) until job
// completes.
func (w *Worker) Submit(job Job) { w.Mailbox <- job }

// Stop tells the worker to exit after it finishes any job already in its
// mailbox. Callers must only call Stop on a worker that no dispatcher holds
// or is about to submit to. Registry.Reload and Registry.CloseAll stop
// workers without acquiring their pool slots.
func (w *Worker) Stop() {
	w.exit.Store(true)
	close(w.Mailbox)
}

func (w *Worker) run() {
	for job := range w.Mailbox {
		w.state.Store(int32(WorkerExecuting))
		err := w.execute(job)
		if job.Done != nil {
			job.Done <- err
		}
		w.state.Store(int32(WorkerIdle))
	}
	w.state.Store(int32(WorkerExiting))
}

// execute implements the per-worker ALL-branch protocol: send the query,
// read the first response packet to decide success/failure, join the
// barrier, then either run the two-phase-commit tail or stream/drain the
// remainder of the result set.
func (w *Worker) execute(job Job) error {
	if err := w.Conn.SendQuery(job.Query); err != nil {
		if job.Commit != nil {
			job.Commit.MarkResult(job.Index, false)
		}
		return err
	}

	first, err := wire.ReadPacket(w.Conn.Wire)
	if err != nil {
		if job.Commit != nil {
			job.Commit.MarkResult(job.Index, false)
		}
		return err
	}
	ok := !wire.IsErrorPacket(first.Payload)
	first.Seq = job.Seq

	if job.Commit == nil {
		return wire.DrainResultSet(w.Conn.Wire, job.Reply, first)
	}

	job.Commit.MarkResult(job.Index, ok)
	job.Commit.Wait()

	if job.Commit.TwoPC() {
		return w.finishTwoPC(job, first)
	}
	return wire.DrainResultSet(w.Conn.Wire, job.Reply, first)
}

// finishTwoPC drains the original query's response (a two-phase-commit query
// is assumed to return no rows beyond its initial OK/ERR), issues COMMIT or
// ROLLBACK depending on whether every participant succeeded, and reports the
// outcome to the reply-owning worker's sink: the backend's own COMMIT
// response on success, or ER_ERROR_DURING_COMMIT on rollback — the client
// must see an error, never the backend's ROLLBACK-statement OK.
func (w *Worker) finishTwoPC(job Job, first wire.Packet) error {
	if err := wire.DrainResultSet(w.Conn.Wire, nil, first); err != nil {
		return err
	}

	allOK := job.Commit.AllSucceeded()
	stmt := []byte("ROLLBACK")
	if allOK {
		stmt = []byte("COMMIT")
	}
	if err := w.Conn.SendQuery(stmt); err != nil {
		return err
	}
	resp, err := wire.ReadPacket(w.Conn.Wire)
	if err != nil {
		return err
	}
	if job.Reply == nil {
		return nil
	}
	if !allOK {
		if err := wire.SendError(job.Reply, job.Seq, wire.ErrErrorDuringCommit,
			"transaction rolled back: not all backends committed"); err != nil {
			return err
		}
		return nil
	}
	if err := job.Reply.WritePacket(resp.Payload, job.Seq); err != nil {
		return err
	}
	return wire.Flush(job.Reply)
}
