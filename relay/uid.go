package relay

import (
	"errors"
	"sync"
)

// ErrUidSpaceExhausted is returned when the allocator's free list is empty
// and its monotonic counter has already reached the maximum session id.
var ErrUidSpaceExhausted = errors.New("relay: session id space exhausted")

// UidAllocator hands out 64-bit session identifiers and recycles released
// ones. Released ids are pushed onto a LIFO free list and preferred over
// minting a fresh one off the counter.
type UidAllocator struct {
	mu      sync.Mutex
	next    uint64
	free    []uint64
	started bool
}

// NewUidAllocator returns an allocator starting from id 1 (0 is reserved
// so a zero-valued SessionId can be used as a "no session" sentinel).
func NewUidAllocator() *UidAllocator {
	return &UidAllocator{next: 1}
}

// Get returns a fresh or recycled session id, or ErrUidSpaceExhausted if
// none remain.
func (a *UidAllocator) Get() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id, nil
	}

	if a.next == 0 {
		// wrapped past math.MaxUint64
		return 0, ErrUidSpaceExhausted
	}

	id := a.next
	a.next++
	return id, nil
}

// Release returns id to the free list for future reuse.
func (a *UidAllocator) Release(id uint64) {
	a.mu.Lock()
	a.free = append(a.free, id)
	a.mu.Unlock()
}
