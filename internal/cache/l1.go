package cache

import (
	"sync"
	"time"
)

// EvictionCallback is invoked when a capacity eviction drops an entry.
// Used for metrics only: an L1 eviction reflects memory pressure, not data
// invalidity, so it never cascades a delete to other layers.
type EvictionCallback func(key string, item *Item)

// l1Entry is a node in the LRU list
type l1Entry struct {
	key  string
	item *Item
	prev *l1Entry
	next *l1Entry
}

// L1Store is the in-process bounded store: a map plus a doubly-linked list
// giving O(1) get/set/delete with least-recently-used eviction. TTL is
// enforced lazily: an expired entry found on Get is removed and reported
// absent. All methods are safe for concurrent use.
type L1Store struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*l1Entry
	head     *l1Entry // most recently used
	tail     *l1Entry // least recently used
	onEvict  EvictionCallback
}

// NewL1Store creates a store bounded to capacity entries
func NewL1Store(capacity int, onEvict EvictionCallback) *L1Store {
	if capacity <= 0 {
		capacity = 1000
	}
	return &L1Store{
		capacity: capacity,
		entries:  make(map[string]*l1Entry, capacity),
		onEvict:  onEvict,
	}
}

// Get returns the item for a key, marking it most recently used and
// recording the access. Expired entries are removed and reported absent.
func (s *L1Store) Get(key string) (*Item, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}

	if entry.item.Expired(now) {
		s.remove(entry)
		return nil, false
	}

	entry.item.Touch(now)
	s.moveToFront(entry)
	return entry.item, true
}

// Peek returns the item without touching access metadata or LRU order.
// Expired entries are still reported absent.
func (s *L1Store) Peek(key string) (*Item, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.item.Expired(now) {
		return nil, false
	}
	return entry.item, true
}

// Set stores an item, evicting the least-recently-used entry when the
// store is at capacity
func (s *L1Store) Set(key string, item *Item) {
	s.mu.Lock()

	if entry, ok := s.entries[key]; ok {
		entry.item = item
		s.moveToFront(entry)
		s.mu.Unlock()
		return
	}

	var evictedKey string
	var evictedItem *Item
	if len(s.entries) >= s.capacity {
		victim := s.tail
		if victim != nil {
			evictedKey = victim.key
			evictedItem = victim.item
			s.remove(victim)
		}
	}

	entry := &l1Entry{key: key, item: item}
	s.entries[key] = entry
	s.pushFront(entry)
	s.mu.Unlock()

	// Callback outside the lock; it may take its own locks for metrics
	if evictedItem != nil && s.onEvict != nil {
		s.onEvict(evictedKey, evictedItem)
	}
}

// Delete removes a key. Returns true if the key was present.
func (s *L1Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	s.remove(entry)
	return true
}

// Keys returns a snapshot of all keys, most recently used first
func (s *L1Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for entry := s.head; entry != nil; entry = entry.next {
		keys = append(keys, entry.key)
	}
	return keys
}

// ForEach visits every entry until fn returns false. The visit happens
// under the store lock; fn must not call back into the store.
func (s *L1Store) ForEach(fn func(key string, item *Item) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for entry := s.head; entry != nil; entry = entry.next {
		if !fn(entry.key, entry.item) {
			return
		}
	}
}

// Clear removes every entry
func (s *L1Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*l1Entry, s.capacity)
	s.head = nil
	s.tail = nil
}

// Len returns the current number of entries
func (s *L1Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Capacity returns the configured entry bound
func (s *L1Store) Capacity() int {
	return s.capacity
}

// Utilization returns the fill ratio in [0, 1]
func (s *L1Store) Utilization() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(len(s.entries)) / float64(s.capacity)
}

// pushFront inserts an entry at the head. Caller holds the lock.
func (s *L1Store) pushFront(entry *l1Entry) {
	entry.prev = nil
	entry.next = s.head
	if s.head != nil {
		s.head.prev = entry
	}
	s.head = entry
	if s.tail == nil {
		s.tail = entry
	}
}

// moveToFront marks an entry most recently used. Caller holds the lock.
func (s *L1Store) moveToFront(entry *l1Entry) {
	if s.head == entry {
		return
	}
	s.unlink(entry)
	s.pushFront(entry)
}

// remove unlinks an entry and drops it from the map. Caller holds the lock.
func (s *L1Store) remove(entry *l1Entry) {
	s.unlink(entry)
	delete(s.entries, entry.key)
}

// unlink detaches an entry from the list. Caller holds the lock.
func (s *L1Store) unlink(entry *l1Entry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		s.head = entry.next
	}
	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		s.tail = entry.prev
	}
	entry.prev = nil
	entry.next = nil
}
