package terminal

import (
	"sync"

	"github.com/termhost/termhost/internal/backend"
)

// Registry owns the bundle of event-stream subscriptions a manager holds
// on its child process handle and guarantees exactly-once release.
//
// Tokens are recorded one at a time, so a teardown after a partial
// attach still releases everything recorded up to that point. Once
// released the registry stays released: a token tracked afterwards is
// unsubscribed on the spot, which keeps a disposal racing an in-flight
// attach from leaking a listener.
type Registry struct {
	mu       sync.Mutex
	released bool
	subs     []*backend.Subscription
}

func NewRegistry() *Registry { return &Registry{} }

// Track records a subscription for release.
func (r *Registry) Track(sub *backend.Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
}

// Len reports how many subscriptions the registry currently holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Release unsubscribes every recorded subscription and clears the
// record. Safe to call repeatedly and when nothing was ever tracked; the
// second call observes an empty record and does nothing.
func (r *Registry) Release() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.released = true
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
