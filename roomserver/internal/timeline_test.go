package internal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nexuschat/coreserver/internal/eventauth"
)

func buildCreatePDU(t *testing.T) (*eventauth.PDU, []byte) {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"room_id":          "!room:x.org",
		"sender":           "@alice:x.org",
		"type":             eventauth.RoomCreateType,
		"state_key":        "",
		"content":          map[string]interface{}{"creator": "@alice:x.org"},
		"prev_events":      []string{},
		"auth_events":      []string{},
		"depth":            int64(1),
		"origin_server_ts": int64(1000),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pdu, err := eventauth.ParsePDU(raw, eventauth.RoomVersionV11)
	if err != nil {
		t.Fatalf("ParsePDU: %v", err)
	}
	return pdu, raw
}

func TestBuildAndAppendCreatesFirstSnapshot(t *testing.T) {
	db := newTestDB(t)
	b := NewBuilder(db)
	pdu, raw := buildCreatePDU(t)

	stateAfter := map[eventauth.StateKeyTuple]string{
		{Type: eventauth.RoomCreateType, StateKey: ""}: pdu.EventID,
	}
	result, err := b.BuildAndAppend(context.Background(), pdu.RoomID, pdu, raw, stateAfter)
	if err != nil {
		t.Fatalf("BuildAndAppend: %v", err)
	}
	if result.StateSnapshotNID == 0 {
		t.Fatalf("expected non-zero snapshot nid")
	}

	count, err := b.TimelineCount(context.Background(), pdu.RoomID)
	if err != nil {
		t.Fatalf("TimelineCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected timeline count 1, got %d", count)
	}

	info, ok := db.RoomInfo(pdu.RoomID)
	if !ok || info.StateSnapshotNID != result.StateSnapshotNID {
		t.Fatalf("RoomInfo not updated: %+v ok=%v", info, ok)
	}
}

func TestAppendOutlierDoesNotTouchRoomState(t *testing.T) {
	db := newTestDB(t)
	b := NewBuilder(db)
	pdu, raw := buildCreatePDU(t)

	if err := b.AppendOutlier(context.Background(), pdu.RoomID, pdu, raw, true); err != nil {
		t.Fatalf("AppendOutlier: %v", err)
	}
	if _, ok := db.RoomInfo(pdu.RoomID); ok {
		t.Fatalf("expected no room info for an outlier-only room")
	}
	stored, ok := db.Event(pdu.EventID)
	if !ok || !stored.IsRejected {
		t.Fatalf("expected stored rejected event, got %+v ok=%v", stored, ok)
	}
}

func TestRedactPDUAppliesAllowlist(t *testing.T) {
	db := newTestDB(t)
	b := NewBuilder(db)
	pdu, raw := buildCreatePDU(t)
	stateAfter := map[eventauth.StateKeyTuple]string{
		{Type: eventauth.RoomCreateType, StateKey: ""}: pdu.EventID,
	}
	if _, err := b.BuildAndAppend(context.Background(), pdu.RoomID, pdu, raw, stateAfter); err != nil {
		t.Fatalf("BuildAndAppend: %v", err)
	}

	redactionRaw, err := json.Marshal(map[string]interface{}{
		"room_id":          pdu.RoomID,
		"sender":           pdu.Sender,
		"type":             "m.room.redaction",
		"redacts":          pdu.EventID,
		"content":          map[string]interface{}{"reason": "test"},
		"prev_events":      []string{pdu.EventID},
		"auth_events":      []string{pdu.EventID},
		"depth":            int64(2),
		"origin_server_ts": int64(2000),
	})
	if err != nil {
		t.Fatalf("marshal redaction: %v", err)
	}
	redaction, err := eventauth.ParsePDU(redactionRaw, eventauth.RoomVersionV11)
	if err != nil {
		t.Fatalf("ParsePDU redaction: %v", err)
	}

	if err := b.RedactPDU(context.Background(), eventauth.RoomVersionV11, redaction, redactionRaw); err != nil {
		t.Fatalf("RedactPDU: %v", err)
	}

	stored, ok := db.Event(pdu.EventID)
	if !ok || !stored.IsRedacted {
		t.Fatalf("expected target marked redacted, got %+v ok=%v", stored, ok)
	}
	var redactedPDU eventauth.PDU
	if err := json.Unmarshal(stored.PDUJSON, &redactedPDU); err != nil {
		t.Fatalf("unmarshal redacted pdu: %v", err)
	}
	var content map[string]interface{}
	if err := json.Unmarshal(redactedPDU.Content, &content); err != nil {
		t.Fatalf("unmarshal redacted content: %v", err)
	}
	if _, ok := content["creator"]; !ok {
		t.Fatalf("expected allowlisted field 'creator' to survive redaction, got %v", content)
	}
}
