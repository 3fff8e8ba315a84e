// Package internal builds the room timeline on top of roomserver/state:
// appending an authorized event to a room's DAG, recomputing the state
// snapshot that follows it, and rewriting a redacted target's content in
// place once its redaction is itself authorized.
package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexuschat/coreserver/internal/eventauth"
	"github.com/nexuschat/coreserver/roomserver/state"
	"github.com/nexuschat/coreserver/roomserver/storage"
	"github.com/nexuschat/coreserver/roomserver/types"
)

// roomLocks hands out one mutex per room ID so concurrent appends to
// different rooms never block each other, while appends to the same room
// are serialized the way a single state-writer goroutine would be.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: map[string]*sync.Mutex{}}
}

func (r *roomLocks) forRoom(roomID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[roomID] = l
	}
	return l
}

// Builder turns authorized PDUs into timeline entries.
type Builder struct {
	DB         *storage.Database
	Compressor *state.Compressor
	Accessor   *state.Accessor
	locks      *roomLocks
}

// NewBuilder constructs a Builder over db.
func NewBuilder(db *storage.Database) *Builder {
	return &Builder{
		DB:         db,
		Compressor: state.NewCompressor(db),
		Accessor:   state.NewAccessor(db),
		locks:      newRoomLocks(),
	}
}

// AppendResult describes what happened to the room's state as a result of
// appending one event.
type AppendResult struct {
	EventNID         types.EventNID
	StateSnapshotNID types.StateSnapshotNID
	Added, Removed   types.StateEntryList
}

// BuildAndAppend appends event (whose auth has already been checked by
// the caller) to roomID's timeline. stateBefore is the resolved state the
// event was authorized against; if event is itself a state event,
// stateBefore must already include event's own (type, state_key) entry
// pointing at event.EventID. Non-state events simply carry stateBefore
// forward unchanged.
func (b *Builder) BuildAndAppend(ctx context.Context, roomID string, event *eventauth.PDU, pduJSON []byte, stateBefore map[eventauth.StateKeyTuple]string) (*AppendResult, error) {
	lock := b.locks.forRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	info, known := b.DB.RoomInfo(roomID)
	if !known {
		info = types.RoomInfo{RoomID: roomID, RoomVersion: string(event.RoomVersion())}
	}

	compressed, err := b.Compressor.Compress(stateBefore)
	if err != nil {
		return nil, fmt.Errorf("internal: compress state: %w", err)
	}
	var previous types.StateEntryList
	if info.StateSnapshotNID != 0 {
		previous, _ = b.DB.Snapshot(info.StateSnapshotNID)
	}
	snapshotNID, added, removed, err := b.Compressor.SaveState(compressed, previous)
	if err != nil {
		return nil, fmt.Errorf("internal: save state: %w", err)
	}

	eventNID, err := b.DB.InternEventID(event.EventID)
	if err != nil {
		return nil, fmt.Errorf("internal: intern event id: %w", err)
	}

	var stateKey *string
	if event.IsStateEvent() {
		_, sk := event.StateKeyTuple()
		stateKey = &sk
	}
	if err := b.DB.PutEvent(storage.StoredEvent{
		EventID:          event.EventID,
		RoomID:           roomID,
		EventType:        event.EventType,
		StateKey:         stateKey,
		Sender:           event.Sender,
		Depth:            event.Depth,
		OriginServerTS:   event.OriginServerTS,
		StateSnapshotNID: snapshotNID,
		Count:            int64(eventNID),
		PDUJSON:          pduJSON,
	}); err != nil {
		return nil, fmt.Errorf("internal: put event: %w", err)
	}
	if err := b.DB.PutPrevEvents(event.EventID, event.PrevEvents); err != nil {
		return nil, fmt.Errorf("internal: put prev events: %w", err)
	}
	if err := b.DB.UpdateForwardExtremities(roomID, event.EventID, event.PrevEvents); err != nil {
		return nil, fmt.Errorf("internal: update forward extremities: %w", err)
	}

	info.RoomID = roomID
	if info.RoomVersion == "" {
		info.RoomVersion = string(event.RoomVersion())
	}
	info.StateSnapshotNID = snapshotNID
	if err := b.DB.PutRoomInfo(info); err != nil {
		return nil, fmt.Errorf("internal: put room info: %w", err)
	}

	return &AppendResult{EventNID: eventNID, StateSnapshotNID: snapshotNID, Added: added, Removed: removed}, nil
}

// AppendOutlier persists event without touching room state or forward
// extremities: used for rejected events and events whose prev_events
// aren't locally known yet (soft-failed pending backfill).
func (b *Builder) AppendOutlier(ctx context.Context, roomID string, event *eventauth.PDU, pduJSON []byte, rejected bool) error {
	lock := b.locks.forRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	var stateKey *string
	if event.IsStateEvent() {
		_, sk := event.StateKeyTuple()
		stateKey = &sk
	}
	eventNID, err := b.DB.InternEventID(event.EventID)
	if err != nil {
		return fmt.Errorf("internal: intern event id: %w", err)
	}
	return b.DB.PutEvent(storage.StoredEvent{
		EventID:        event.EventID,
		RoomID:         roomID,
		EventType:      event.EventType,
		StateKey:       stateKey,
		Sender:         event.Sender,
		Depth:          event.Depth,
		OriginServerTS: event.OriginServerTS,
		IsRejected:     rejected,
		Count:          int64(eventNID),
		PDUJSON:        pduJSON,
	})
}

// ForceState overwrites roomID's current-state pointer to stateMap without
// appending any event to the timeline: used when joining a room via
// federation, where the pre-join snapshot comes from a remote server's
// send_join response rather than from applying a locally-authorized event.
func (b *Builder) ForceState(ctx context.Context, roomID string, version eventauth.RoomVersion, stateMap map[eventauth.StateKeyTuple]string) (types.StateSnapshotNID, error) {
	lock := b.locks.forRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	info, known := b.DB.RoomInfo(roomID)
	if !known {
		info = types.RoomInfo{RoomID: roomID, RoomVersion: string(version)}
	}

	compressed, err := b.Compressor.Compress(stateMap)
	if err != nil {
		return 0, fmt.Errorf("internal: compress state: %w", err)
	}
	var previous types.StateEntryList
	if info.StateSnapshotNID != 0 {
		previous, _ = b.DB.Snapshot(info.StateSnapshotNID)
	}
	snapshotNID, _, _, err := b.Compressor.SaveState(compressed, previous)
	if err != nil {
		return 0, fmt.Errorf("internal: save state: %w", err)
	}

	info.RoomID = roomID
	if info.RoomVersion == "" {
		info.RoomVersion = string(version)
	}
	info.StateSnapshotNID = snapshotNID
	if err := b.DB.PutRoomInfo(info); err != nil {
		return 0, fmt.Errorf("internal: put room info: %w", err)
	}
	return snapshotNID, nil
}

// RedactPDU rewrites target's stored PDU JSON in place once the redaction
// event is authorized against the state the target was created under.
// If target isn't locally known yet, RedactPDU is a no-op; the redaction
// is not recorded, so it is not applied if the target arrives later.
func (b *Builder) RedactPDU(ctx context.Context, version eventauth.RoomVersion, redaction *eventauth.PDU, redactionJSON []byte) error {
	target, ok := b.DB.Event(redaction.Redacts)
	if !ok {
		return nil
	}
	targetPDU, err := eventauth.ParsePDU(target.PDUJSON, version)
	if err != nil {
		return fmt.Errorf("internal: parse redaction target: %w", err)
	}

	stateProvider := eventauth.StateProvider(eventauth.MapStateProvider{})
	if target.StateSnapshotNID != 0 {
		tuples := b.Accessor.StateTuples(target.StateSnapshotNID)
		mp := make(eventauth.MapStateProvider, len(tuples))
		for tuple, eventID := range tuples {
			stored, ok := b.DB.Event(eventID)
			if !ok {
				continue
			}
			pdu, err := eventauth.ParsePDU(stored.PDUJSON, version)
			if err != nil {
				continue
			}
			mp[tuple] = pdu
		}
		stateProvider = mp
	}

	if err := eventauth.RedactionAuthorized(version, redaction.Sender, targetPDU, stateProvider); err != nil {
		return fmt.Errorf("internal: redaction not authorized: %w", err)
	}

	redacted, err := eventauth.RedactEvent(target.PDUJSON, version, redactionJSON)
	if err != nil {
		return fmt.Errorf("internal: redact event: %w", err)
	}
	target.IsRedacted = true
	target.PDUJSON = redacted
	return b.DB.PutEvent(target)
}

// TimelineCount returns the number of non-rejected events persisted for
// roomID.
func (b *Builder) TimelineCount(ctx context.Context, roomID string) (int64, error) {
	return b.DB.TimelineCount(ctx, roomID)
}
