package state

import (
	"fmt"

	"github.com/nexuschat/coreserver/internal/eventauth"
	"github.com/nexuschat/coreserver/roomserver/types"
)

// Compressor implements the intern/compress/save_state operations against
// a pluggable Store.
type Compressor struct {
	store Store
}

// NewCompressor wraps store with the compressor operations.
func NewCompressor(store Store) *Compressor {
	return &Compressor{store: store}
}

// InternStateKey interns (eventType, stateKey); idempotent, monotone.
func (c *Compressor) InternStateKey(eventType, stateKey string) (types.EventStateKeyNID, error) {
	return c.store.InternStateKey(eventType, stateKey)
}

// InternEventID interns eventID; idempotent.
func (c *Compressor) InternEventID(eventID string) (types.EventNID, error) {
	return c.store.InternEventID(eventID)
}

// Compress interns every tuple in stateMap and returns the sorted
// 16-byte-record vector representing the snapshot.
func (c *Compressor) Compress(stateMap map[eventauth.StateKeyTuple]string) (types.StateEntryList, error) {
	out := make(types.StateEntryList, 0, len(stateMap))
	for tuple, eventID := range stateMap {
		skNID, err := c.InternStateKey(tuple.Type, tuple.StateKey)
		if err != nil {
			return nil, fmt.Errorf("state: intern state key: %w", err)
		}
		evNID, err := c.InternEventID(eventID)
		if err != nil {
			return nil, fmt.Errorf("state: intern event id: %w", err)
		}
		out = append(out, types.StateEntry{EventStateKeyNID: skNID, EventNID: evNID})
	}
	return sortEntries(out), nil
}

// SaveState stores a compressed snapshot, returning its snapshot NID and
// the add/remove delta against previous. On a hash collision with an
// existing snapshot the stored ID is reused and added/removed are both
// empty.
func (c *Compressor) SaveState(compressed types.StateEntryList, previous types.StateEntryList) (types.StateSnapshotNID, types.StateEntryList, types.StateEntryList, error) {
	sorted := sortEntries(compressed)
	h := HashCompressed(sorted)
	if nid, ok := c.store.LookupSnapshotByHash(h); ok {
		return nid, nil, nil, nil
	}
	nid := c.store.PutSnapshot(h, sorted)
	added, removed := Delta(previous, sorted)
	return nid, added, removed, nil
}

// Delta computes the minimal add/remove sets between two compressed
// snapshots.
func Delta(before, after types.StateEntryList) (added, removed types.StateEntryList) {
	beforeSet := make(map[types.StateEntry]struct{}, len(before))
	for _, e := range before {
		beforeSet[e] = struct{}{}
	}
	afterSet := make(map[types.StateEntry]struct{}, len(after))
	for _, e := range after {
		afterSet[e] = struct{}{}
	}
	for _, e := range after {
		if _, ok := beforeSet[e]; !ok {
			added = append(added, e)
		}
	}
	for _, e := range before {
		if _, ok := afterSet[e]; !ok {
			removed = append(removed, e)
		}
	}
	return sortEntries(added), sortEntries(removed)
}
