package sessions

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
)

const defaultRetention = 5 * time.Minute

// Registry indexes the coordinators of this process by session id.
//
// Attempts still in flight live in a plain map. Once an attempt ends its coordinator is
// kept in a TTL cache for fast status reads and then dropped; the store holds the durable record.
type Registry struct {
	locks *shared.KeyedMutex

	mu       sync.Mutex
	inFlight map[string]*Coordinator
	retained *ttlcache.Cache[string, *Coordinator]
	stopOnce sync.Once
}

// NewRegistry creates a registry that retains finished coordinators for retention.
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = defaultRetention
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Coordinator](retention),
		ttlcache.WithDisableTouchOnHit[string, *Coordinator](),
	)
	go cache.Start()

	return &Registry{
		locks:    shared.NewKeyedMutex(),
		inFlight: make(map[string]*Coordinator),
		retained: cache,
	}
}

// Acquire returns the in-flight coordinator for id, or calls create to start a new one.
//
// Calls for the same id are serialized, so create runs at most once per attempt.
// Calls for different ids never wait on each other.
func (r *Registry) Acquire(id string, create func() (*Coordinator, error)) (c *Coordinator, created bool, err error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	c, ok := r.inFlight[id]
	r.mu.Unlock()
	if ok && !c.Finished() {
		return c, false, nil
	}

	c, err = create()
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	r.inFlight[id] = c
	r.retained.Delete(id)
	r.mu.Unlock()

	go r.retire(id, c)
	return c, true, nil
}

// retire moves c to the retained cache once its flow exits, unless it was replaced or evicted.
func (r *Registry) retire(id string, c *Coordinator) {
	<-c.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[id] != c {
		return
	}
	delete(r.inFlight, id)
	r.retained.Set(id, c, ttlcache.DefaultTTL)
}

// Get returns the coordinator for id, in flight or retained.
func (r *Registry) Get(id string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.inFlight[id]; ok {
		return c, true
	}
	if item := r.retained.Get(id); item != nil {
		return item.Value(), true
	}
	return nil, false
}

// Live reports whether a background flow is still running for id.
func (r *Registry) Live(id string) bool {
	r.mu.Lock()
	c, ok := r.inFlight[id]
	r.mu.Unlock()
	return ok && !c.Finished()
}

// Remove forgets id and calls fn with the coordinator that was registered for it, or nil.
//
// fn runs under the same per-id lock as [Registry.Acquire], so no new attempt for id can
// start until it returns.
func (r *Registry) Remove(id string, fn func(*Coordinator) error) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	c := r.inFlight[id]
	delete(r.inFlight, id)
	if item := r.retained.Get(id); item != nil {
		if c == nil {
			c = item.Value()
		}
		r.retained.Delete(id)
	}
	r.mu.Unlock()

	return fn(c)
}

// InFlight returns the coordinators whose flow is still running.
func (r *Registry) InFlight() []*Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Coordinator, 0, len(r.inFlight))
	for _, c := range r.inFlight {
		if !c.Finished() {
			out = append(out, c)
		}
	}
	return out
}

// Active returns every in-flight and retained coordinator.
func (r *Registry) Active() []*Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Coordinator, 0, len(r.inFlight)+r.retained.Len())
	for _, c := range r.inFlight {
		out = append(out, c)
	}
	for id, item := range r.retained.Items() {
		if _, ok := r.inFlight[id]; !ok {
			out = append(out, item.Value())
		}
	}
	return out
}

// Close stops the retention cache.
func (r *Registry) Close() {
	r.stopOnce.Do(r.retained.Stop)
}
