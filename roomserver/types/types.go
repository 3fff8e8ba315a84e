// Package types holds the short-ID-based in-memory and on-disk
// representations used across the room server.
package types

import (
	"fmt"
	"sort"
)

// EventNID is a monotone, server-local 64-bit intern of an event ID
//.
type EventNID uint64

// EventStateKeyNID is a monotone, server-local 64-bit intern of an
// (event_type, state_key) pair.
type EventStateKeyNID uint64

// StateSnapshotNID is a monotone, server-local 64-bit intern of a state
// snapshot.
type StateSnapshotNID uint64

// EventTypeNID interns the event_type half of a state-key pair so the
// compressor can work entirely in integers.
type EventTypeNID uint64

// RoomNID interns a room_id.
type RoomNID uint64

// StateEntry is the 16-byte compressed record: a state-key intern paired
// with the event that set it.
type StateEntry struct {
	EventStateKeyNID EventStateKeyNID
	EventNID         EventNID
}

// StateEntryList orders entries by state key first so that the compressed
// vector representing a snapshot is a canonical sorted sequence, letting
// equal snapshots byte-compare equal.
type StateEntryList []StateEntry

func (s StateEntryList) Len() int      { return len(s) }
func (s StateEntryList) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s StateEntryList) Less(i, j int) bool {
	if s[i].EventStateKeyNID != s[j].EventStateKeyNID {
		return s[i].EventStateKeyNID < s[j].EventStateKeyNID
	}
	return s[i].EventNID < s[j].EventNID
}

// StateAtEvent captures the short IDs relevant to a single event's
// position in the DAG: which snapshot preceded it, and (if it is itself a
// state event) which state-key slot it occupies.
type StateAtEvent struct {
	// BeforeStateSnapshotNID is zero until computed by the resolver.
	BeforeStateSnapshotNID StateSnapshotNID
	StateEntry             StateEntry
	IsStateEvent            bool
	EventNID                EventNID
}

// RoomInfo is the per-room metadata: current state pointer, room version,
// and whether the room has any local presence remaining.
type RoomInfo struct {
	RoomNID          RoomNID
	RoomID           string
	RoomVersion      string
	StateSnapshotNID StateSnapshotNID
	IsStub           bool // persisted and read back by storage; no code path in this server sets it
}

// IsEmpty reports whether the room has no locally-known state at all.
func (r RoomInfo) IsEmpty() bool {
	return r.RoomNID == 0
}

// Event pairs an event's interned NID with its event and room IDs. It
// holds no parsed PDU and no rejection status; rejection is recorded on
// storage.StoredEvent.IsRejected.
type Event struct {
	EventNID EventNID
	// EventID and RoomID are cached alongside the NID purely to avoid a
	// round trip through the intern table in hot paths.
	EventID string
	RoomID  string
}

func (e Event) String() string {
	return fmt.Sprintf("Event{NID:%d ID:%s}", e.EventNID, e.EventID)
}

// StateEntryNIDsFromMap sorts a (state-key NID -> event NID) map into a
// canonical StateEntryList.
func StateEntryNIDsFromMap(m map[EventStateKeyNID]EventNID) StateEntryList {
	out := make(StateEntryList, 0, len(m))
	for k, v := range m {
		out = append(out, StateEntry{EventStateKeyNID: k, EventNID: v})
	}
	sort.Sort(out)
	return out
}
