// Package state implements the room state compressor and accessor:
// interning (event_type, state_key) pairs and event IDs into short IDs,
// representing a state snapshot as a compressed sorted vector, and
// computing the add/remove deltas between snapshots.
package state

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/nexuschat/coreserver/roomserver/types"
)

// Store is the persistence boundary the compressor/accessor need. A
// production implementation is backed by SQL (roomserver/storage); tests
// and in-process callers may use NewMemoryStore.
type Store interface {
	// InternStateKey returns the short ID for (eventType, stateKey),
	// allocating one if it doesn't exist yet.
	InternStateKey(eventType, stateKey string) (types.EventStateKeyNID, error)
	// InternEventID returns the short ID for eventID, allocating one if
	// it doesn't exist yet.
	InternEventID(eventID string) (types.EventNID, error)
	// EventIDForNID resolves a short event ID back to its string form.
	EventIDForNID(nid types.EventNID) (string, bool)
	// StateKeyForNID resolves a short state-key ID back to (type, key).
	StateKeyForNID(nid types.EventStateKeyNID) (eventType, stateKey string, ok bool)

	// LookupSnapshotByHash returns an existing snapshot NID whose
	// compressed vector hashes to h, if any.
	LookupSnapshotByHash(h [32]byte) (types.StateSnapshotNID, bool)
	// PutSnapshot persists a new compressed vector under a freshly
	// allocated snapshot NID and indexes it by hash.
	PutSnapshot(h [32]byte, compressed types.StateEntryList) types.StateSnapshotNID
	// Snapshot returns the compressed vector for an existing snapshot NID.
	Snapshot(nid types.StateSnapshotNID) (types.StateEntryList, bool)
}

// MemoryStore is a concurrency-safe, process-local Store implementation.
type MemoryStore struct {
	mu sync.RWMutex

	nextEventNID     types.EventNID
	nextStateKeyNID  types.EventStateKeyNID
	nextSnapshotNID  types.StateSnapshotNID

	eventIDToNID map[string]types.EventNID
	nidToEventID map[types.EventNID]string

	stateKeyToNID map[[2]string]types.EventStateKeyNID
	nidToStateKey map[types.EventStateKeyNID][2]string

	hashToSnapshot map[[32]byte]types.StateSnapshotNID
	snapshots      map[types.StateSnapshotNID]types.StateEntryList
}

// NewMemoryStore constructs an empty MemoryStore. NID numbering starts at
// 1 so that the zero value of each NID type can mean "unset".
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextEventNID:    1,
		nextStateKeyNID: 1,
		nextSnapshotNID: 1,
		eventIDToNID:    map[string]types.EventNID{},
		nidToEventID:    map[types.EventNID]string{},
		stateKeyToNID:   map[[2]string]types.EventStateKeyNID{},
		nidToStateKey:   map[types.EventStateKeyNID][2]string{},
		hashToSnapshot:  map[[32]byte]types.StateSnapshotNID{},
		snapshots:       map[types.StateSnapshotNID]types.StateEntryList{},
	}
}

func (m *MemoryStore) InternStateKey(eventType, stateKey string) (types.EventStateKeyNID, error) {
	key := [2]string{eventType, stateKey}
	m.mu.Lock()
	defer m.mu.Unlock()
	if nid, ok := m.stateKeyToNID[key]; ok {
		return nid, nil
	}
	nid := m.nextStateKeyNID
	m.nextStateKeyNID++
	m.stateKeyToNID[key] = nid
	m.nidToStateKey[nid] = key
	return nid, nil
}

func (m *MemoryStore) InternEventID(eventID string) (types.EventNID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nid, ok := m.eventIDToNID[eventID]; ok {
		return nid, nil
	}
	nid := m.nextEventNID
	m.nextEventNID++
	m.eventIDToNID[eventID] = nid
	m.nidToEventID[nid] = eventID
	return nid, nil
}

func (m *MemoryStore) EventIDForNID(nid types.EventNID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.nidToEventID[nid]
	return id, ok
}

func (m *MemoryStore) StateKeyForNID(nid types.EventStateKeyNID) (string, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.nidToStateKey[nid]
	if !ok {
		return "", "", false
	}
	return key[0], key[1], true
}

func (m *MemoryStore) LookupSnapshotByHash(h [32]byte) (types.StateSnapshotNID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nid, ok := m.hashToSnapshot[h]
	return nid, ok
}

func (m *MemoryStore) PutSnapshot(h [32]byte, compressed types.StateEntryList) types.StateSnapshotNID {
	m.mu.Lock()
	defer m.mu.Unlock()
	nid := m.nextSnapshotNID
	m.nextSnapshotNID++
	m.snapshots[nid] = compressed
	m.hashToSnapshot[h] = nid
	return nid
}

func (m *MemoryStore) Snapshot(nid types.StateSnapshotNID) (types.StateEntryList, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[nid]
	return s, ok
}

// HashCompressed computes the snapshot-identity hash of a sorted
// compressed vector, used to dedupe identical snapshots under different
// NIDs.
func HashCompressed(sorted types.StateEntryList) [32]byte {
	buf := make([]byte, 0, len(sorted)*16)
	var tmp [16]byte
	for _, e := range sorted {
		binary.BigEndian.PutUint64(tmp[0:8], uint64(e.EventStateKeyNID))
		binary.BigEndian.PutUint64(tmp[8:16], uint64(e.EventNID))
		buf = append(buf, tmp[:]...)
	}
	return sha256.Sum256(buf)
}

func sortEntries(entries types.StateEntryList) types.StateEntryList {
	out := make(types.StateEntryList, len(entries))
	copy(out, entries)
	sort.Sort(out)
	return out
}
