// Package dispatch implements the query router: classify each query with a
// pluggable mapper, then either send it to one arbitrarily chosen backend
// or fan it out to every backend with barrier synchronization and an
// optional two-phase commit.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fanoutsql/fanoutsql/internal/backend"
	"github.com/fanoutsql/fanoutsql/internal/mapper"
	"github.com/fanoutsql/fanoutsql/internal/metrics"
	"github.com/fanoutsql/fanoutsql/internal/wire"
)

// Options configures a Dispatcher's fan-out behavior.
type Options struct {
	Mapper         mapper.Mapper // nil is equivalent to always-Any.
	TwoPhaseCommit bool
	TxnIDs         TxnIDGenerator
	Metrics        *metrics.Collector // nil disables metrics recording.
}

// Dispatcher routes the queries of every client session to the backend
// registry; one Dispatcher is shared by all sessions.
type Dispatcher struct {
	registry *backend.Registry
	opts     Options

	// quiesce is held for read by every in-flight Dispatch call and for
	// write by administrative operations (a registry reload that must see
	// zero active dispatches against the backend(s) it is replacing).
	quiesce sync.RWMutex

	querying atomic.Int64
}

// New creates a Dispatcher over registry.
func New(registry *backend.Registry, opts Options) *Dispatcher {
	if opts.TxnIDs == nil {
		opts.TxnIDs = &LocalTxnIDGenerator{}
	}
	return &Dispatcher{registry: registry, opts: opts}
}

// Quiesce blocks until every in-flight Dispatch call has returned and
// prevents new ones from starting, for the duration the returned function
// is not called. Callers must call the returned function to resume
// dispatch.
func (d *Dispatcher) Quiesce() (resume func()) {
	d.quiesce.Lock()
	return d.quiesce.Unlock
}

// Querying reports the number of Dispatch calls currently in flight.
func (d *Dispatcher) Querying() int64 { return d.querying.Load() }

// Dispatch classifies query with the configured mapper and routes it,
// writing the client-visible response to reply. seq is the sequence number
// the first response packet to the client should use.
func (d *Dispatcher) Dispatch(ctx context.Context, query []byte, reply *wire.Conn, seq byte) error {
	d.quiesce.RLock()
	defer d.quiesce.RUnlock()

	d.querying.Add(1)
	defer d.querying.Add(-1)

	decision, rewritten, err := d.classify(query)
	if err != nil {
		return fmt.Errorf("dispatch: mapping query: %w", err)
	}
	if rewritten != nil {
		query = rewritten
	}

	backendCount := d.registry.Count()
	if backendCount == 0 {
		return fmt.Errorf("dispatch: no backends configured")
	}

	start := time.Now()
	// A single configured backend always takes the ANY path: there is
	// nothing to fan out to, and two-phase commit against one participant
	// is a no-op dressed up as a protocol round trip.
	routed := mapper.Any
	if backendCount != 1 {
		routed = decision
	}
	if routed == mapper.Any {
		err = d.dispatchAny(query, reply, seq)
	} else {
		err = d.dispatchAll(ctx, query, reply, seq, backendCount)
	}
	if d.opts.Metrics != nil {
		d.opts.Metrics.ObserveQueryDuration(routed.String(), time.Since(start))
		if err != nil {
			d.opts.Metrics.DispatchError(routed.String())
		}
	}
	return err
}

func (d *Dispatcher) classify(query []byte) (mapper.Decision, []byte, error) {
	if d.opts.Mapper == nil {
		return mapper.Any, nil, nil
	}
	return d.opts.Mapper.Map(query)
}

// dispatchAny sends query to one arbitrarily chosen backend and streams its
// entire response straight through to reply.
func (d *Dispatcher) dispatchAny(query []byte, reply *wire.Conn, seq byte) error {
	idx, ok := d.registry.Random()
	if !ok {
		return fmt.Errorf("dispatch: no backends configured")
	}
	conn, slot, err := d.registry.AcquireConn(idx)
	if err != nil {
		return fmt.Errorf("dispatch: acquiring connection: %w", err)
	}
	defer d.registry.ReleaseConn(idx, slot, conn)

	if err := conn.SendQuery(query); err != nil {
		return fmt.Errorf("dispatch: sending query to backend %d: %w", idx, err)
	}
	first, err := wire.ReadPacket(conn.Wire)
	if err != nil {
		return fmt.Errorf("dispatch: reading response from backend %d: %w", idx, err)
	}
	if err := wire.DrainResultSet(conn.Wire, reply, renumber(first, seq)); err != nil {
		return fmt.Errorf("dispatch: streaming response from backend %d: %w", idx, err)
	}
	return nil
}

// renumber rewrites a packet's sequence number to seq, used when forwarding
// a backend's first response packet as the first packet of a fresh
// client-facing response.
func renumber(pkt wire.Packet, seq byte) wire.Packet {
	pkt.Seq = seq
	return pkt
}

// dispatchAll fans query out to every backend, synchronizing on a shared
// barrier, and forwards backend 0's response to the client (arbitrary but
// fixed choice: every backend is expected to see the same query and, for
// well-formed fan-out statements, agree on the outcome).
func (d *Dispatcher) dispatchAll(ctx context.Context, query []byte, reply *wire.Conn, seq byte, backendCount int) error {
	const replyOwner = 0
	commit := backend.NewCommitContext(backendCount, replyOwner, d.opts.TwoPhaseCommit)
	if d.opts.Metrics != nil {
		commit.SetBarrierObserver(d.opts.Metrics.ObserveBarrierWait)
	}
	if d.opts.TwoPhaseCommit {
		_ = d.opts.TxnIDs.Next(ctx) // drawn but not appended to the query, logged, or recorded
	}

	type acquired struct {
		idx  int
		slot int
		w    *backend.Worker
	}
	workers := make([]acquired, backendCount)
	for i := 0; i < backendCount; i++ {
		w, slot, err := d.registry.AcquireWorker(i)
		if err != nil {
			for j := 0; j < i; j++ {
				d.registry.ReleaseWorker(workers[j].idx, workers[j].slot)
			}
			return fmt.Errorf("dispatch: acquiring worker for backend %d: %w", i, err)
		}
		workers[i] = acquired{idx: i, slot: slot, w: w}
	}
	defer func() {
		for _, a := range workers {
			d.registry.ReleaseWorker(a.idx, a.slot)
		}
	}()

	done := make(chan error, backendCount)
	for i, a := range workers {
		var sink *wire.Conn
		if i == replyOwner {
			sink = reply
		}
		a.w.Submit(backend.Job{Query: query, Reply: sink, Commit: commit, Index: i, Seq: seq, Done: done})
	}

	var firstErr error
	for range workers {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.opts.TwoPhaseCommit && d.opts.Metrics != nil {
		d.opts.Metrics.TwoPCOutcome(commit.AllSucceeded())
	}
	if firstErr != nil {
		return fmt.Errorf("dispatch: fan-out: %w", firstErr)
	}
	return nil
}
