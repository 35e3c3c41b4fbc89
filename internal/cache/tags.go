package cache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	tagEntryPrefix = "tag:"
	keyEntryPrefix = "key:"
)

// TagIndex maps an invalidation tag to the set of keys carrying it, with a
// reverse key→tags mapping for cleanup on delete. Entries are weak
// references: a key may disappear from a layer while still listed here
// until the next tag-delete pass, which self-heals by skipping misses.
//
// The index is backed by an expiring in-memory cache so stale tag entries
// age out on their own (same TTL as the L2 mirror), keeping the index from
// growing without bound when keys vanish through physical layer expiry.
type TagIndex struct {
	mu      sync.Mutex
	backing *gocache.Cache
	ttl     time.Duration
}

// NewTagIndex creates an index whose entries expire after ttl
func NewTagIndex(ttl time.Duration) *TagIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TagIndex{
		backing: gocache.New(ttl, 10*time.Minute),
		ttl:     ttl,
	}
}

// AddTag associates a key with a tag. Re-adding refreshes the entry's TTL.
func (t *TagIndex) AddTag(tag, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.addToSet(tagEntryPrefix+tag, key)
	t.addToSet(keyEntryPrefix+key, tag)
}

// KeysForTag returns the keys currently associated with a tag
func (t *TagIndex) KeysForTag(tag string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.setMembers(tagEntryPrefix + tag)
}

// TagsForKey returns the tags a key currently carries in the index
func (t *TagIndex) TagsForKey(key string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.setMembers(keyEntryPrefix + key)
}

// RemoveKey removes a key from every tag it belongs to
func (t *TagIndex) RemoveKey(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tag := range t.setMembers(keyEntryPrefix + key) {
		t.removeFromSet(tagEntryPrefix+tag, key)
	}
	t.backing.Delete(keyEntryPrefix + key)
}

// RemoveTag drops a tag and detaches it from every key that carried it
func (t *TagIndex) RemoveTag(tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range t.setMembers(tagEntryPrefix + tag) {
		t.removeFromSet(keyEntryPrefix+key, tag)
	}
	t.backing.Delete(tagEntryPrefix + tag)
}

// Clear drops every entry
func (t *TagIndex) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backing.Flush()
}

// addToSet inserts a member into the named set. Caller holds the lock.
func (t *TagIndex) addToSet(entry, member string) {
	set := t.getSet(entry)
	set[member] = struct{}{}
	t.backing.Set(entry, set, t.ttl)
}

// removeFromSet drops a member, deleting the set when it empties.
// Caller holds the lock.
func (t *TagIndex) removeFromSet(entry, member string) {
	set := t.getSet(entry)
	delete(set, member)
	if len(set) == 0 {
		t.backing.Delete(entry)
		return
	}
	t.backing.Set(entry, set, t.ttl)
}

// getSet returns the named set, or an empty one. Caller holds the lock.
func (t *TagIndex) getSet(entry string) map[string]struct{} {
	if v, ok := t.backing.Get(entry); ok {
		if set, ok := v.(map[string]struct{}); ok {
			return set
		}
	}
	return make(map[string]struct{})
}

// setMembers snapshots the named set's members. Caller holds the lock.
func (t *TagIndex) setMembers(entry string) []string {
	v, ok := t.backing.Get(entry)
	if !ok {
		return nil
	}
	set, ok := v.(map[string]struct{})
	if !ok {
		return nil
	}
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members
}
