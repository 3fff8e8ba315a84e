package state

import (
	"github.com/nexuschat/coreserver/internal/eventauth"
	"github.com/nexuschat/coreserver/roomserver/types"
)

// Accessor resolves a state snapshot back to event IDs.
type Accessor struct {
	store Store
}

// NewAccessor wraps store with read operations over snapshots.
func NewAccessor(store Store) *Accessor {
	return &Accessor{store: store}
}

// StateGet fetches the event ID set at (type, stateKey) in the given
// snapshot, if any.
func (a *Accessor) StateGet(snapshot types.StateSnapshotNID, eventType, stateKey string) (string, bool) {
	skNID, err := a.store.InternStateKey(eventType, stateKey)
	if err != nil {
		return "", false
	}
	entries, ok := a.store.Snapshot(snapshot)
	if !ok {
		return "", false
	}
	for _, e := range entries {
		if e.EventStateKeyNID == skNID {
			return a.store.EventIDForNID(e.EventNID)
		}
	}
	return "", false
}

// StateFullIDs resolves every (state-key NID -> event ID) pair in a
// snapshot.
func (a *Accessor) StateFullIDs(snapshot types.StateSnapshotNID) map[types.EventStateKeyNID]string {
	entries, ok := a.store.Snapshot(snapshot)
	if !ok {
		return nil
	}
	out := make(map[types.EventStateKeyNID]string, len(entries))
	for _, e := range entries {
		if id, ok := a.store.EventIDForNID(e.EventNID); ok {
			out[e.EventStateKeyNID] = id
		}
	}
	return out
}

// StateTuples resolves a snapshot into (type, stateKey) -> eventID, the
// shape eventauth.MapStateProvider and room-state callers want.
func (a *Accessor) StateTuples(snapshot types.StateSnapshotNID) map[eventauth.StateKeyTuple]string {
	entries, ok := a.store.Snapshot(snapshot)
	if !ok {
		return nil
	}
	out := make(map[eventauth.StateKeyTuple]string, len(entries))
	for _, e := range entries {
		evType, stateKey, ok := a.store.StateKeyForNID(e.EventStateKeyNID)
		if !ok {
			continue
		}
		if id, ok := a.store.EventIDForNID(e.EventNID); ok {
			out[eventauth.StateKeyTuple{Type: evType, StateKey: stateKey}] = id
		}
	}
	return out
}
