// Package lockpool implements a counted-availability slot allocator used to
// bound concurrency for client workers, per-backend connections, and
// per-backend dispatch workers.
package lockpool

import (
	"fmt"
	"math/rand"
	"sync"
)

// Pool is a fixed set of slots that are either free or held by exactly one
// borrower. Acquire blocks until a slot is free; Release returns it.
//
// The backing array is sized to the next power of two at or above the
// requested size, mirroring the legacy allocator this design is modeled on.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	lockMu  sync.Mutex // coarse lock independent of slot availability
	size    int
	alloc   int
	avail   []bool
	locked  int
	rng     *rand.Rand
}

// New creates a pool with the given number of slots, all initially free.
func New(size int) (*Pool, error) {
	if size < 0 {
		return nil, fmt.Errorf("lockpool: negative size %d", size)
	}
	p := &Pool{
		size:  size,
		alloc: nextPow2(size),
		rng:   rand.New(rand.NewSource(int64(size) + 1)),
	}
	p.avail = make([]bool, p.alloc)
	for i := range p.avail {
		i := i
		if i < p.size {
			p.avail[i] = true
		}
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

func nextPow2(n int) int {
	alloc := 1
	for alloc < n {
		alloc <<= 1
	}
	return alloc
}

// Size returns the current logical size of the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Locked returns the number of currently held slots.
func (p *Pool) Locked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}

// Acquire blocks until a slot is free, marks it held, and returns its index.
// It scans starting from a random offset so that, under contention, no
// single slot is starved.
func (p *Pool) Acquire() int {
	p.mu.Lock()
	for {
		if idx, ok := p.scanLocked(); ok {
			p.mu.Unlock()
			return idx
		}
		p.cond.Wait()
	}
}

// TryAcquire is the non-blocking variant of Acquire. ok is false if every
// slot was held at the moment of the call.
func (p *Pool) TryAcquire() (idx int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanLocked()
}

// scanLocked must be called with p.mu held. It picks a random starting slot
// and scans linearly for a free one.
func (p *Pool) scanLocked() (int, bool) {
	if p.size == 0 {
		return 0, false
	}
	start := p.rng.Intn(p.size)
	for i := 0; i < p.size; i++ {
		idx := (start + i) % p.size
		if p.avail[idx] {
			p.avail[idx] = false
			p.locked++
			return idx, true
		}
	}
	return 0, false
}

// Release marks slot i as free again and wakes one waiter. Releasing a slot
// that is already free is a usage error: it is reported via the returned
// error but does not panic or corrupt pool state.
func (p *Pool) Release(i int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i < 0 || i >= p.size {
		return fmt.Errorf("lockpool: release of out-of-range index %d (size %d)", i, p.size)
	}
	if p.avail[i] {
		return fmt.Errorf("lockpool: release of unheld slot %d", i)
	}
	p.avail[i] = true
	p.locked--
	p.cond.Signal()
	return nil
}

// AnyHeld returns the index of some currently held slot, used by shutdown
// paths to drain outstanding borrowers. ok is false if nothing is held.
func (p *Pool) AnyHeld() (idx int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.size; i++ {
		if !p.avail[i] {
			return i, true
		}
	}
	return 0, false
}

// IsFree reports whether slot i is currently available.
func (p *Pool) IsFree(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= p.size {
		return false
	}
	return p.avail[i]
}

// SetSize resizes the pool. Growing marks new slots free; shrinking
// truncates from the tail, discarding availability information for removed
// slots. It is idempotent: calling it again with the same size is a no-op.
func (p *Pool) SetSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setSizeLocked(n)
}

func (p *Pool) setSizeLocked(n int) {
	if n == p.size {
		return
	}

	newAlloc := nextPow2(n)
	if newAlloc != p.alloc {
		avail := make([]bool, newAlloc)
		copyLen := p.size
		if newAlloc < copyLen {
			copyLen = newAlloc
		}
		copy(avail, p.avail[:copyLen])
		for i := copyLen; i < newAlloc; i++ {
			avail[i] = true
		}
		p.avail = avail
		p.alloc = newAlloc
	} else if n > p.size {
		for i := p.size; i < n; i++ {
			p.avail[i] = true
		}
	}

	p.size = n
	p.cond.Broadcast()
}

// Remove deletes slot i, shifting the availability of every slot with index
// greater than i down by one, then shrinking the pool by one.
func (p *Pool) Remove(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i < 0 || i >= p.size {
		return
	}
	wasHeld := !p.avail[i]
	for j := i; j < p.size-1; j++ {
		p.avail[j] = p.avail[j+1]
	}
	if wasHeld {
		p.locked--
	}
	p.setSizeLocked(p.size - 1)
}

// Lock acquires the pool's coarse mutex, used by the backend registry to
// freeze acquisition during reload. Unlike the legacy implementation this
// lock is not re-entrant: Go goroutines have no stable identity to key
// re-entrancy on, so callers (the registry reload path) must never acquire
// it recursively.
func (p *Pool) Lock() {
	p.lockMu.Lock()
}

// Unlock releases the coarse mutex acquired by Lock.
func (p *Pool) Unlock() {
	p.lockMu.Unlock()
}
