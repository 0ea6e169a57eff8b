package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// TxnIDGenerator hands out monotonically increasing transaction identifiers.
// The dispatcher draws one per two-phase-commit fan-out; the identifier is
// not appended to the query, logged, or exported as a metric. It is not used
// for any correctness guarantee — a restart resetting the counter, or two
// proxy instances issuing overlapping IDs, is harmless.
type TxnIDGenerator interface {
	Next(ctx context.Context) uint64
}

// LocalTxnIDGenerator is an in-process monotonic counter, the default when
// no Redis endpoint is configured.
type LocalTxnIDGenerator struct {
	counter atomic.Uint64
}

// Next implements TxnIDGenerator.
func (g *LocalTxnIDGenerator) Next(context.Context) uint64 {
	return g.counter.Add(1)
}

// RedisTxnIDGenerator draws IDs from a shared Redis INCR counter, so that
// multiple proxy instances fronting the same backend set hand out
// non-overlapping transaction IDs. Falls back to a local counter if the
// Redis round trip fails, since a duplicate ID is a cosmetic problem and
// must never block dispatch.
type RedisTxnIDGenerator struct {
	client   *redis.Client
	key      string
	timeout  time.Duration
	fallback LocalTxnIDGenerator
}

// NewRedisTxnIDGenerator creates a generator backed by addr, incrementing
// key for every call.
func NewRedisTxnIDGenerator(addr, key string, timeout time.Duration) *RedisTxnIDGenerator {
	return &RedisTxnIDGenerator{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		key:     key,
		timeout: timeout,
	}
}

// Next implements TxnIDGenerator.
func (g *RedisTxnIDGenerator) Next(ctx context.Context) uint64 {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	n, err := g.client.Incr(ctx, g.key).Result()
	if err != nil {
		return g.fallback.Next(ctx)
	}
	return uint64(n)
}

// Close releases the underlying Redis client.
func (g *RedisTxnIDGenerator) Close() error { return g.client.Close() }
