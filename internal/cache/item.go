// Package cache implements the multi-tier cache engine. It stores keyed
// data across three layers of increasing latency and decreasing cost: an
// in-process bounded store (L1), a networked shared store (L2), and an
// optional far/edge store (L3). Hot data is promoted to faster layers on
// read, items can be bulk-invalidated by tag, and writes replicate across
// layers through a background synchronizer.
//
// Layers converge eventually, not immediately: promotion and replication
// are fire-and-forget, so a read on one layer immediately after a write on
// another may observe the previous value until the synchronizer runs.
package cache

import (
	"encoding/json"
	"time"
)

// Layer identifies a cache tier
type Layer string

const (
	// LayerL1 is the in-process bounded store
	LayerL1 Layer = "l1"
	// LayerL2 is the networked shared store
	LayerL2 Layer = "l2"
	// LayerL3 is the far/edge store
	LayerL3 Layer = "l3"
)

// Valid reports whether the layer names a known tier
func (l Layer) Valid() bool {
	return l == LayerL1 || l == LayerL2 || l == LayerL3
}

// Item is the value envelope stored at every layer: the serialized payload
// (possibly compressed) plus the metadata that travels with it. The same
// JSON representation is used on L2 and L3 so any engine instance can
// interpret a copy found on a shared layer.
type Item struct {
	Data     []byte   `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// Metadata describes a cached payload
type Metadata struct {
	// Layer is the tier that wrote this physical copy. Informational only;
	// it never participates in identity or expiry decisions.
	Layer Layer `json:"layer"`

	// Size is the byte length of the stored payload, post-compression.
	// Used for layer-selection heuristics and metrics, never correctness.
	Size int `json:"size"`

	// Compressed marks whether Data holds the compressed representation
	Compressed bool `json:"compressed"`

	// CreatedAt is when the value was set; the anchor for logical TTL
	CreatedAt time.Time `json:"created_at"`

	// LastAccess is updated on every successful read
	LastAccess time.Time `json:"last_access"`

	// AccessCount is incremented on every successful read
	AccessCount int64 `json:"access_count"`

	// TTL is the logical time-to-live from CreatedAt. Always positive;
	// the engine rejects zero or negative TTLs at the call site.
	TTL time.Duration `json:"ttl"`

	// Tags are invalidation labels; an item may carry several
	Tags []string `json:"tags,omitempty"`

	// Priority is a layer-selection hint, higher prefers faster layers
	Priority int `json:"priority"`
}

// Expired reports whether the item is logically expired at the given time,
// independent of whether the backing layer has physically expired it
func (it *Item) Expired(now time.Time) bool {
	return now.Sub(it.Metadata.CreatedAt) > it.Metadata.TTL
}

// RemainingTTL returns the logical TTL left at the given time, or zero when
// the item is already expired
func (it *Item) RemainingTTL(now time.Time) time.Duration {
	remaining := it.Metadata.TTL - now.Sub(it.Metadata.CreatedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Touch records a successful read
func (it *Item) Touch(now time.Time) {
	it.Metadata.LastAccess = now
	it.Metadata.AccessCount++
}

// HasTag reports whether the item carries the given invalidation tag
func (it *Item) HasTag(tag string) bool {
	for _, t := range it.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a copy of the item suitable for handing to another layer.
// Data is shared; it is never mutated after creation.
func (it *Item) Clone() *Item {
	clone := *it
	if it.Metadata.Tags != nil {
		clone.Metadata.Tags = append([]string(nil), it.Metadata.Tags...)
	}
	return &clone
}

// MarshalEnvelope encodes the item for storage on a shared layer
func (it *Item) MarshalEnvelope() ([]byte, error) {
	return json.Marshal(it)
}

// UnmarshalEnvelope decodes an item read back from a shared layer
func UnmarshalEnvelope(data []byte) (*Item, error) {
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, err
	}
	return &it, nil
}
