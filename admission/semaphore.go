/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       A counting semaphore whose total permit count can
             grow or shrink at runtime (tracking the fleet's
             advertised slot total), issuing owned, mergeable,
             splittable permit bundles. golang.org/x/sync/semaphore
             was considered and rejected: its Weighted type has a
             fixed capacity set at construction and no notion of a
             held "bundle" that can be split or merged, both of
             which §3/§4.2 require for permit custody bookkeeping.
Root Cause:  §4.2 Admission semaphore, §4.6 Integrity restoration.
Context:     Generalizes the teacher's per-key buffered-channel
             Semaphore (middleware/concurrency.go) to a single
             fleet-wide counter with a resizable total, modeled
             after HackStrix's channel-based worker pool acquire
             pattern but using a condition variable instead of a
             channel so capacity can change after construction.
Suitability: L4 — concurrency correctness directly backs the
             integrity invariant (I1).
──────────────────────────────────────────────────────────────
*/

package admission

import (
	"context"
	"errors"
	"sync"
)

// ErrInsufficientPermits is returned when a split or merge is attempted
// against a bundle that does not hold enough permits, or against permits
// drawn from different semaphores. Per §9's resolved Open Question, this
// is treated as a pool-integrity error rather than silently clamped.
var ErrInsufficientPermits = errors.New("admission: insufficient permits in bundle")

// Semaphore is a fleet-wide counting semaphore. Total capacity can be
// grown (Add) or shrunk (Drain) after construction, which is what lets
// restore_integrity (§4.6) track the fleet's advertised slot total.
type Semaphore struct {
	mu        sync.Mutex
	cond      *sync.Cond
	available int
	total     int
}

// New creates a semaphore with the given initial total capacity.
func New(total int) *Semaphore {
	if total < 0 {
		total = 0
	}
	s := &Semaphore{available: total, total: total}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a permit is available or ctx is done. On success it
// returns ownership of exactly one permit.
func (s *Semaphore) Acquire(ctx context.Context) (*Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A watcher goroutine wakes any Cond.Wait()-ers when ctx is canceled;
	// sync.Cond has no native context support.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-stop:
		}
	}()

	s.mu.Lock()
	for s.available == 0 && ctx.Err() == nil {
		s.cond.Wait()
	}
	if ctx.Err() != nil {
		s.mu.Unlock()
		return nil, ctx.Err()
	}
	s.available--
	s.mu.Unlock()

	return &Permit{sem: s, count: 1}, nil
}

// TryAcquire attempts a non-blocking acquire, returning (nil, false) if no
// permit is immediately available.
func (s *Semaphore) TryAcquire() (*Permit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available == 0 {
		return nil, false
	}
	s.available--
	return &Permit{sem: s, count: 1}, true
}

// Add grows total (and free) capacity by n, waking any blocked acquirers.
// Used by restore_integrity to add a deficit.
func (s *Semaphore) Add(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.available += n
	s.total += n
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Drain permanently removes up to n free permits, shrinking total
// capacity along with them. It never touches permits currently held by a
// peer's custody or an in-flight acquirer — those are, by construction,
// already excluded from `available`. Returns the number actually
// removed, which may be less than n if not enough are free; the caller
// (restore_integrity) is expected to retry on a later pass, since this
// operation must be idempotent and tolerant of transient shortfalls.
func (s *Semaphore) Drain(n int) int {
	if n <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.available {
		n = s.available
	}
	s.available -= n
	s.total -= n
	return n
}

// Snapshot returns the current (available, total) pair.
func (s *Semaphore) Snapshot() (available, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available, s.total
}

// addBack returns n permits to the free pool without changing total
// capacity — used when a held bundle is dropped or split off.
func (s *Semaphore) addBack(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.available += n
	s.mu.Unlock()
	s.cond.Broadcast()
}
