package channels

import "sync"

// DefaultDedupCapacity is the bounded recent-history window per adapter.
const DefaultDedupCapacity = 10000

// DedupSet suppresses reprocessing of duplicate platform events. It is a
// bounded set with FIFO eviction backed by a ring buffer, O(1) on both insert
// and evict. Check-and-insert is a single operation under one mutex, so two
// concurrent deliveries of the same event cannot both pass.
//
// Dedup is a liveness optimization, not a correctness guarantee: the set is
// never persisted, so a restart forgets history.
type DedupSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	head int
	size int
}

// NewDedupSet creates a dedup set with the given capacity.
// Non-positive capacity falls back to DefaultDedupCapacity.
func NewDedupSet(capacity int) *DedupSet {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &DedupSet{
		seen: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Seen atomically checks whether key was already recorded and records it if
// not. Returns true for a duplicate. When the set is full the
// oldest-inserted key is evicted first.
func (d *DedupSet) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}

	if d.size == len(d.ring) {
		delete(d.seen, d.ring[d.head])
	} else {
		d.size++
	}
	d.ring[d.head] = key
	d.seen[key] = struct{}{}
	d.head = (d.head + 1) % len(d.ring)

	return false
}

// Forget releases a key so a later delivery of the same event is admitted
// again. Used when the message could not be handed downstream after the key
// was already recorded. The ring slot is left in place; its eventual eviction
// of an already-forgotten key is harmless.
func (d *DedupSet) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Len returns the number of tracked keys.
func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// DedupKey builds the idempotency key for a platform event. Some platforms
// only guarantee message-id uniqueness within a chat, so the conversation id
// is part of the composite.
func DedupKey(conversationID, messageID string) string {
	return conversationID + "/" + messageID
}
