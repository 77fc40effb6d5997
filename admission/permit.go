package admission

import (
	"sync"
	"unsafe"
)

// Permit is an owned bundle of one or more slots drawn from a Semaphore.
// A request, or a peer holding custody on a request's behalf, owns a
// Permit until it is released, split, or merged away. Permit is safe for
// concurrent use; releasing, splitting and merging are the only ways its
// count changes after creation.
type Permit struct {
	mu    sync.Mutex
	sem   *Semaphore
	count int
}

// Count reports how many slots this bundle currently represents.
func (p *Permit) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Release returns the entire bundle to its semaphore's free pool. After
// Release, the bundle is empty and must not be used again.
func (p *Permit) Release() {
	p.mu.Lock()
	n := p.count
	p.count = 0
	sem := p.sem
	p.mu.Unlock()
	if n > 0 && sem != nil {
		sem.addBack(n)
	}
}

// ReleaseOne returns a single slot from the bundle to the free pool,
// shrinking it by one. It is a no-op if the bundle is already empty.
func (p *Permit) ReleaseOne() {
	p.mu.Lock()
	if p.count == 0 {
		p.mu.Unlock()
		return
	}
	p.count--
	sem := p.sem
	p.mu.Unlock()
	sem.addBack(1)
}

// Split carves n slots off this bundle into a new, independently-owned
// Permit, leaving the remainder behind. It fails with
// ErrInsufficientPermits if the bundle does not currently hold at least n.
func (p *Permit) Split(n int) (*Permit, error) {
	if n <= 0 {
		return nil, ErrInsufficientPermits
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count < n {
		return nil, ErrInsufficientPermits
	}
	p.count -= n
	return &Permit{sem: p.sem, count: n}, nil
}

// Merge folds other's slots into p and empties other. Merging permits
// drawn from two different semaphores is a pool-integrity violation and
// returns ErrInsufficientPermits without mutating either bundle.
func (p *Permit) Merge(other *Permit) error {
	if other == nil || other == p {
		return nil
	}
	// Lock in a stable order (by address) to avoid deadlocking against a
	// concurrent Merge running in the opposite direction.
	first, second := p, other
	if uintptr(unsafe.Pointer(first)) > uintptr(unsafe.Pointer(second)) {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if p.sem != other.sem {
		return ErrInsufficientPermits
	}
	p.count += other.count
	other.count = 0
	return nil
}
