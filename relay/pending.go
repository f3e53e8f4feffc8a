package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingLifetimeSeconds is the TTL every pending entry starts at, in
// whole seconds, decremented once per GC tick.
const pendingLifetimeSeconds = 30

type pendingEntry[V any] struct {
	value           V
	lifetimeSeconds int32
}

// PendingStore is the tagged-variant machinery of spec §4.2/§9: a
// generic key -> value map with a per-second TTL decrement, collect-then-
// delete GC, and a per-store expiry hook. The same type backs the
// CreateCache/JoinCache/ModifyCache token stores (keyed by a 128-bit
// token) and the pending-KCP-connection store (keyed by ConnectionId).
type PendingStore[K comparable, V any] struct {
	mu       sync.Mutex
	entries  map[K]*pendingEntry[V]
	onExpire func(key K, value V)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPendingStore returns a store whose GC ticker is not yet running; call
// Start to begin the once-per-second decrement.
func NewPendingStore[K comparable, V any](onExpire func(key K, value V)) *PendingStore[K, V] {
	return &PendingStore[K, V]{
		entries:  make(map[K]*pendingEntry[V]),
		onExpire: onExpire,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background GC ticker.
func (p *PendingStore[K, V]) Start() {
	p.wg.Add(1)
	go p.gcWorker()
}

// Stop halts the GC ticker and waits for it to exit.
func (p *PendingStore[K, V]) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *PendingStore[K, V]) gcWorker() {
	defer p.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick()
		case <-p.stopCh:
			return
		}
	}
}

// tick decrements every entry's remaining lifetime, then collects and
// deletes the ones that went negative, invoking onExpire for each
// afterwards so the hook never runs while the map is locked.
func (p *PendingStore[K, V]) tick() {
	p.mu.Lock()
	var expired []K
	for key, entry := range p.entries {
		entry.lifetimeSeconds--
		if entry.lifetimeSeconds < 0 {
			expired = append(expired, key)
		}
	}
	values := make([]V, 0, len(expired))
	for _, key := range expired {
		values = append(values, p.entries[key].value)
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if p.onExpire == nil {
		return
	}
	for i, key := range expired {
		p.onExpire(key, values[i])
	}
}

// AddWithKey inserts value under an explicit, caller-supplied key (used by
// the pending-KCP-connection store, keyed by ConnectionId). Fails with
// ErrServerSideError if the key is already present.
func (p *PendingStore[K, V]) AddWithKey(key K, value V) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; ok {
		return ErrServerSideError
	}
	p.entries[key] = &pendingEntry[V]{value: value, lifetimeSeconds: pendingLifetimeSeconds}
	return nil
}

// IsPending reports whether key currently has a live entry.
func (p *PendingStore[K, V]) IsPending(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// TryExtract atomically removes and returns the value for key, if present.
// Once extracted, a token is never seen again by the store (spec §8
// invariant 5).
func (p *PendingStore[K, V]) TryExtract(key K) (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(p.entries, key)
	return entry.value, true
}

// Remove deletes key without returning its value or invoking onExpire.
// Used when a pending entry is consumed through a path that already knows
// it doesn't need the expiry side effect (e.g. a connection promoting out
// of Pending state).
func (p *PendingStore[K, V]) Remove(key K) {
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
}

// PendingTokenStore is a PendingStore keyed by a 128-bit token, the shape
// backing C2's CreateCache/JoinCache/ModifyCache.
type PendingTokenStore[V any] struct {
	*PendingStore[[16]byte, V]
}

// NewPendingTokenStore returns a token store. onExpire is invoked with a
// no-op body for the three spec §3 caches (their hook does nothing), but
// the caller may still pass one for logging.
func NewPendingTokenStore[V any](onExpire func(token [16]byte, value V)) *PendingTokenStore[V] {
	return &PendingTokenStore[V]{PendingStore: NewPendingStore[[16]byte, V](onExpire)}
}

// Add generates a fresh 128-bit token (retrying on the astronomically
// unlikely collision) and stores value under it.
func (t *PendingTokenStore[V]) Add(value V) [16]byte {
	for {
		token := [16]byte(uuid.New())
		t.mu.Lock()
		if _, exists := t.entries[token]; exists {
			t.mu.Unlock()
			continue
		}
		t.entries[token] = &pendingEntry[V]{value: value, lifetimeSeconds: pendingLifetimeSeconds}
		t.mu.Unlock()
		return token
	}
}

// PendingKcpConnectionStore is C5's fourth store (spec §3
// "PendingKcpConnection"): identical machinery to C2 but keyed by
// ConnectionId, with an expiry hook that disconnects the connection with
// reason TimeOut.
type PendingKcpConnectionStore struct {
	*PendingStore[uint64, struct{}]
}

// NewPendingKcpConnectionStore wires onTimeout as the expiry hook.
func NewPendingKcpConnectionStore(onTimeout func(connectionId uint64)) *PendingKcpConnectionStore {
	return &PendingKcpConnectionStore{
		PendingStore: NewPendingStore[uint64, struct{}](func(connectionId uint64, _ struct{}) {
			onTimeout(connectionId)
		}),
	}
}

// AddConnection marks connectionId as pending authorization.
func (s *PendingKcpConnectionStore) AddConnection(connectionId uint64) error {
	return s.AddWithKey(connectionId, struct{}{})
}
