// Package hub is the in-process fan-out relay: a registry of live
// subscribers per thread key that delivers broadcast events best-effort.
// Nothing is queued for absent subscribers; catch-up belongs to the
// message history read path.
package hub

import "sync"

// Event is the wire envelope pushed to subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// A Subscriber accepts events for one thread key. Deliver must not
// block; implementations report failure instead (a failed subscriber is
// treated as already disconnected and reconciled by its own teardown).
type Subscriber interface {
	Deliver(Event) error
	Close()
}

// Hub maps thread keys to their live subscriber sets. All mutation is
// mutex-guarded; broadcast iterates over a snapshot so a concurrent
// disconnect never blocks or corrupts delivery.
type Hub struct {
	mu      sync.Mutex
	threads map[string]map[Subscriber]struct{}
}

func New() *Hub {
	return &Hub{threads: make(map[string]map[Subscriber]struct{})}
}

// Connect registers sub under threadKey.
func (h *Hub) Connect(threadKey string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.threads[threadKey]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.threads[threadKey] = set
	}
	set[sub] = struct{}{}
}

// Disconnect removes sub from threadKey's set, pruning the set when it
// empties so idle threads retain no bookkeeping.
func (h *Hub) Disconnect(threadKey string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.threads[threadKey]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.threads, threadKey)
	}
}

// Broadcast delivers event to every current subscriber of threadKey.
// Delivery failures are ignored per recipient and never abort the rest.
func (h *Hub) Broadcast(threadKey string, event Event) {
	for _, sub := range h.snapshot(threadKey) {
		_ = sub.Deliver(event)
	}
}

// SubscriberCount reports the live subscribers for threadKey.
func (h *Hub) SubscriberCount(threadKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.threads[threadKey])
}

// ThreadCount reports how many thread keys currently have subscribers.
func (h *Hub) ThreadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.threads)
}

// Shutdown closes every subscriber and empties the registry.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	threads := h.threads
	h.threads = make(map[string]map[Subscriber]struct{})
	h.mu.Unlock()

	for _, set := range threads {
		for sub := range set {
			sub.Close()
		}
	}
}

func (h *Hub) snapshot(threadKey string) []Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.threads[threadKey]
	if !ok {
		return nil
	}
	subs := make([]Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	return subs
}
