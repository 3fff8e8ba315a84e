// Package caching provides the in-process caches the room server,
// federation API, and sync engine share: an LRU/cost-based cache backed by
// ristretto for hot path lookups (events, interned NIDs, verify keys), and
// TTL caches backed by go-cache for short-lived negative/positive results
// (DNS SRV lookups, bad event IDs).
package caching

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCachePartition is a typed view over a shared ristretto.Cache,
// namespaced by a key prefix so unrelated partitions never collide.
// Setting mutable=false makes Set panic if an existing key's value would
// change — used for caches keyed by content that can never legitimately
// change once interned (event IDs, NIDs).
type RistrettoCachePartition[K comparable, V any] struct {
	cache   *ristretto.Cache
	prefix  string
	ttl     time.Duration
	mutable bool
	mu      sync.Mutex
}

func newPartition[K comparable, V any](cache *ristretto.Cache, prefix string, ttl time.Duration, mutable bool) *RistrettoCachePartition[K, V] {
	return &RistrettoCachePartition[K, V]{cache: cache, prefix: prefix, ttl: ttl, mutable: mutable}
}

func (p *RistrettoCachePartition[K, V]) key(k K) string {
	return fmt.Sprintf("%s\x1f%v", p.prefix, k)
}

// Get returns the cached value for key, if present and not expired.
func (p *RistrettoCachePartition[K, V]) Get(k K) (V, bool) {
	var zero V
	v, ok := p.cache.Get(p.key(k))
	if !ok {
		return zero, false
	}
	typed, ok := v.(V)
	return typed, ok
}

// Set stores value under key with a cost of 1. If the partition is
// immutable and key already holds a different value, Set panics: that
// indicates a caller treating content-addressed data as if it were mutable.
func (p *RistrettoCachePartition[K, V]) Set(k K, v V) {
	p.SetWithCost(k, v, 1)
}

// SetWithCost stores value under key with an explicit eviction cost, using
// the partition's configured TTL (if any).
func (p *RistrettoCachePartition[K, V]) SetWithCost(k K, v V, cost int64) {
	p.setWithTTL(k, v, cost, p.ttl)
}

// SetWithTTL stores value under key with an explicit eviction cost and a
// per-call TTL override, for callers whose expiry comes from the fetched
// data itself (e.g. a signing key's valid_until_ts) rather than a fixed
// partition-wide lifetime.
func (p *RistrettoCachePartition[K, V]) SetWithTTL(k K, v V, cost int64, ttl time.Duration) {
	p.setWithTTL(k, v, cost, ttl)
}

func (p *RistrettoCachePartition[K, V]) setWithTTL(k K, v V, cost int64, ttl time.Duration) {
	if !p.mutable {
		p.mu.Lock()
		defer p.mu.Unlock()
		if existing, ok := p.Get(k); ok && !valuesEqual(existing, v) {
			panic(fmt.Sprintf("caching: immutable partition %q: value changed for key %v", p.prefix, k))
		}
	}
	key := p.key(k)
	if ttl > 0 {
		p.cache.SetWithTTL(key, v, cost, ttl)
	} else {
		p.cache.Set(key, v, cost)
	}
	// ristretto applies Set asynchronously through an internal ring
	// buffer; Wait blocks until it has been processed so a Get
	// immediately after Set is never flaky.
	p.cache.Wait()
}

// Unset evicts key. On an immutable partition this is itself a mutation
// and panics, matching Set's contract.
func (p *RistrettoCachePartition[K, V]) Unset(k K) {
	if !p.mutable {
		panic(fmt.Sprintf("caching: immutable partition %q: Unset called for key %v", p.prefix, k))
	}
	p.cache.Del(p.key(k))
	p.cache.Wait()
}

func valuesEqual(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// NewRistrettoCache constructs the shared ristretto cache every partition
// multiplexes onto, sized by maxCost bytes/units.
func NewRistrettoCache(maxCost int64) (*ristretto.Cache, error) {
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
}

// Caches bundles every named partition the room server, federation API,
// and sync engine read and write.
type Caches struct {
	cache *ristretto.Cache

	// RoomVersions maps a room ID to its room version, interned once at
	// room creation and never changed.
	RoomVersions *RistrettoCachePartition[string, string]
	// RoomNIDs maps a room ID to its short room NID and back.
	RoomNIDs *RistrettoCachePartition[string, uint64]
	// RoomIDs is the inverse of RoomNIDs.
	RoomIDs *RistrettoCachePartition[uint64, string]
	// EventStateKeys maps an interned state-key NID back to its
	// (event_type, state_key) pair.
	EventStateKeys *RistrettoCachePartition[uint64, [2]string]
	// Events caches parsed PDU JSON by event ID for the timeline hot path.
	Events *RistrettoCachePartition[string, []byte]
	// ServerKeys caches a server's current Ed25519 verify key by
	// (server name, key ID), short-TTL since keys rotate and expire.
	ServerKeys *RistrettoCachePartition[string, []byte]
	// LazyLoadingMembers tracks, per (device, room), which member event
	// IDs have already been sent to that device under lazy-loading, so
	// redundant member events are skipped on subsequent /sync responses.
	LazyLoadingMembers *RistrettoCachePartition[string, string]
}

// NewCaches wires every partition onto one shared ristretto cache sized by
// maxCost.
func NewCaches(maxCost int64) (*Caches, error) {
	cache, err := NewRistrettoCache(maxCost)
	if err != nil {
		return nil, fmt.Errorf("caching: new ristretto cache: %w", err)
	}
	return &Caches{
		cache:               cache,
		RoomVersions:        newPartition[string, string](cache, "room_version", 0, false),
		RoomNIDs:            newPartition[string, uint64](cache, "room_nid", 0, false),
		RoomIDs:             newPartition[uint64, string](cache, "room_id", 0, false),
		EventStateKeys:      newPartition[uint64, [2]string](cache, "event_state_key", 0, false),
		Events:              newPartition[string, []byte](cache, "event", 0, true),
		ServerKeys:          newPartition[string, []byte](cache, "server_key", 10*time.Minute, true),
		LazyLoadingMembers:  newPartition[string, string](cache, "lazy_member", 0, true),
	}, nil
}

// LazyLoadingKey builds the composite key LazyLoadingMembers is keyed by.
func LazyLoadingKey(deviceID, roomID, userID string) string {
	return deviceID + "\x1f" + roomID + "\x1f" + userID
}
