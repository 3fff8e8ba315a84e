package storage

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nexuschat/coreserver/roomserver/types"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	d, err := NewDatabase(db, "sqlite")
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	return d
}

func TestInternEventIDIsStableAndAllocatesOnce(t *testing.T) {
	d := newTestDatabase(t)
	nid1, err := d.InternEventID("$a:x.org")
	if err != nil {
		t.Fatalf("InternEventID: %v", err)
	}
	nid2, err := d.InternEventID("$a:x.org")
	if err != nil {
		t.Fatalf("InternEventID: %v", err)
	}
	if nid1 != nid2 {
		t.Fatalf("expected same nid, got %d and %d", nid1, nid2)
	}
	id, ok := d.EventIDForNID(nid1)
	if !ok || id != "$a:x.org" {
		t.Fatalf("EventIDForNID: got %q ok=%v", id, ok)
	}
}

func TestInternStateKeyRoundTrip(t *testing.T) {
	d := newTestDatabase(t)
	nid, err := d.InternStateKey("m.room.member", "@alice:x.org")
	if err != nil {
		t.Fatalf("InternStateKey: %v", err)
	}
	eventType, stateKey, ok := d.StateKeyForNID(nid)
	if !ok || eventType != "m.room.member" || stateKey != "@alice:x.org" {
		t.Fatalf("StateKeyForNID: got (%q, %q) ok=%v", eventType, stateKey, ok)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	d := newTestDatabase(t)
	entries := types.StateEntryList{
		{EventStateKeyNID: 1, EventNID: 10},
		{EventStateKeyNID: 2, EventNID: 11},
	}
	hash := [32]byte{1, 2, 3}
	nid := d.PutSnapshot(hash, entries)
	if nid == 0 {
		t.Fatalf("expected non-zero snapshot nid")
	}
	got, ok := d.Snapshot(nid)
	if !ok || len(got) != 2 {
		t.Fatalf("Snapshot: got %v ok=%v", got, ok)
	}
	if got[0] != entries[0] || got[1] != entries[1] {
		t.Fatalf("Snapshot roundtrip mismatch: %v vs %v", got, entries)
	}
	lookup, ok := d.LookupSnapshotByHash(hash)
	if !ok || lookup != nid {
		t.Fatalf("LookupSnapshotByHash: got %d ok=%v, want %d", lookup, ok, nid)
	}
}

func TestRoomInfoRoundTrip(t *testing.T) {
	d := newTestDatabase(t)
	info := types.RoomInfo{RoomID: "!a:x.org", RoomVersion: "10", StateSnapshotNID: 5}
	if err := d.PutRoomInfo(info); err != nil {
		t.Fatalf("PutRoomInfo: %v", err)
	}
	got, ok := d.RoomInfo("!a:x.org")
	if !ok || got.RoomVersion != "10" || got.StateSnapshotNID != 5 {
		t.Fatalf("RoomInfo: got %+v ok=%v", got, ok)
	}

	info.StateSnapshotNID = 9
	if err := d.PutRoomInfo(info); err != nil {
		t.Fatalf("PutRoomInfo update: %v", err)
	}
	got, ok = d.RoomInfo("!a:x.org")
	if !ok || got.StateSnapshotNID != 9 {
		t.Fatalf("RoomInfo after update: got %+v ok=%v", got, ok)
	}
}

func TestEventAndForwardExtremities(t *testing.T) {
	d := newTestDatabase(t)
	ev := StoredEvent{
		EventID:        "$a:x.org",
		RoomID:         "!a:x.org",
		EventType:      "m.room.message",
		Sender:         "@alice:x.org",
		Depth:          1,
		OriginServerTS: 1000,
		PDUJSON:        []byte(`{"type":"m.room.message"}`),
	}
	if err := d.PutEvent(ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	got, ok := d.Event("$a:x.org")
	if !ok || got.RoomID != ev.RoomID || got.Sender != ev.Sender {
		t.Fatalf("Event: got %+v ok=%v", got, ok)
	}

	if err := d.UpdateForwardExtremities(ev.RoomID, ev.EventID, nil); err != nil {
		t.Fatalf("UpdateForwardExtremities: %v", err)
	}
	extrems, err := d.ForwardExtremities(ev.RoomID)
	if err != nil {
		t.Fatalf("ForwardExtremities: %v", err)
	}
	if len(extrems) != 1 || extrems[0] != ev.EventID {
		t.Fatalf("unexpected extremities: %v", extrems)
	}

	next := StoredEvent{
		EventID:        "$b:x.org",
		RoomID:         ev.RoomID,
		EventType:      "m.room.message",
		Sender:         "@alice:x.org",
		Depth:          2,
		OriginServerTS: 1001,
		PDUJSON:        []byte(`{"type":"m.room.message"}`),
	}
	if err := d.PutEvent(next); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	if err := d.UpdateForwardExtremities(ev.RoomID, next.EventID, []string{ev.EventID}); err != nil {
		t.Fatalf("UpdateForwardExtremities: %v", err)
	}
	extrems, err = d.ForwardExtremities(ev.RoomID)
	if err != nil {
		t.Fatalf("ForwardExtremities: %v", err)
	}
	if len(extrems) != 1 || extrems[0] != next.EventID {
		t.Fatalf("expected only %q to remain an extremity, got %v", next.EventID, extrems)
	}
}
