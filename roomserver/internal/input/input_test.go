package input

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nexuschat/coreserver/internal/caching"
	"github.com/nexuschat/coreserver/internal/eventauth"
	"github.com/nexuschat/coreserver/internal/eventcrypto"
	roomserverinternal "github.com/nexuschat/coreserver/roomserver/internal"
	"github.com/nexuschat/coreserver/roomserver/storage"
)

const testOrigin = "x.org"
const testKeyID = "ed25519:1"

func newTestInputer(t *testing.T) (*Inputer, ed25519.PrivateKey) {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db, err := storage.NewDatabase(sqlDB, "sqlite")
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	verifyKey := func(ctx context.Context, serverName, keyID string) ([]byte, error) {
		if serverName == testOrigin && keyID == testKeyID {
			return pub, nil
		}
		return nil, ErrNoSuchKey{ServerName: serverName, KeyID: keyID}
	}
	builder := roomserverinternal.NewBuilder(db)
	in := NewInputer(db, builder, verifyKey, caching.NewTTLCaches())
	return in, priv
}

// ErrNoSuchKey is the test double's stand-in for a keyring miss.
type ErrNoSuchKey struct {
	ServerName, KeyID string
}

func (e ErrNoSuchKey) Error() string { return "no such key: " + e.ServerName + " " + e.KeyID }

func signPDU(t *testing.T, priv ed25519.PrivateKey, fields map[string]interface{}) (*eventauth.PDU, []byte) {
	t.Helper()
	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw, err = eventcrypto.AddContentHash(raw)
	if err != nil {
		t.Fatalf("AddContentHash: %v", err)
	}
	signed, err := eventcrypto.Sign(raw, testOrigin, testKeyID, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pdu, err := eventauth.ParsePDU(signed, eventauth.RoomVersionV11)
	if err != nil {
		t.Fatalf("ParsePDU: %v", err)
	}
	return pdu, signed
}

func TestInputEventAcceptsCreateJoinAndMessage(t *testing.T) {
	in, priv := newTestInputer(t)
	ctx := context.Background()
	roomID := "!room:x.org"

	createPDU, createRaw := signPDU(t, priv, map[string]interface{}{
		"room_id": roomID, "sender": "@alice:x.org", "type": eventauth.RoomCreateType, "state_key": "",
		"content": map[string]interface{}{"creator": "@alice:x.org"},
		"prev_events": []string{}, "auth_events": []string{}, "depth": int64(1), "origin_server_ts": int64(1000),
	})
	res, err := in.InputEvent(ctx, roomID, eventauth.RoomVersionV11, createRaw)
	if err != nil {
		t.Fatalf("InputEvent(create): %v", err)
	}
	if !res.Accepted {
		t.Fatalf("expected create event accepted, got %+v", res)
	}

	joinPDU, joinRaw := signPDU(t, priv, map[string]interface{}{
		"room_id": roomID, "sender": "@alice:x.org", "type": eventauth.RoomMemberType, "state_key": "@alice:x.org",
		"content": map[string]interface{}{"membership": eventauth.MembershipJoin},
		"prev_events": []string{createPDU.EventID}, "auth_events": []string{createPDU.EventID},
		"depth": int64(2), "origin_server_ts": int64(1001),
	})
	res, err = in.InputEvent(ctx, roomID, eventauth.RoomVersionV11, joinRaw)
	if err != nil {
		t.Fatalf("InputEvent(join): %v", err)
	}
	if !res.Accepted {
		t.Fatalf("expected join event accepted, got %+v", res)
	}

	_, msgRaw := signPDU(t, priv, map[string]interface{}{
		"room_id": roomID, "sender": "@alice:x.org", "type": "m.room.message",
		"content": map[string]interface{}{"body": "hi"},
		"prev_events": []string{joinPDU.EventID}, "auth_events": []string{createPDU.EventID, joinPDU.EventID},
		"depth": int64(3), "origin_server_ts": int64(1002),
	})
	res, err = in.InputEvent(ctx, roomID, eventauth.RoomVersionV11, msgRaw)
	if err != nil {
		t.Fatalf("InputEvent(message): %v", err)
	}
	if !res.Accepted {
		t.Fatalf("expected message event accepted, got %+v", res)
	}

	count, err := in.Builder.TimelineCount(ctx, roomID)
	if err != nil {
		t.Fatalf("TimelineCount: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected timeline count 3, got %d", count)
	}
}

func TestInputEventRejectsUnauthorizedSender(t *testing.T) {
	in, priv := newTestInputer(t)
	ctx := context.Background()
	roomID := "!room:x.org"

	createPDU, createRaw := signPDU(t, priv, map[string]interface{}{
		"room_id": roomID, "sender": "@alice:x.org", "type": eventauth.RoomCreateType, "state_key": "",
		"content": map[string]interface{}{"creator": "@alice:x.org"},
		"prev_events": []string{}, "auth_events": []string{}, "depth": int64(1), "origin_server_ts": int64(1000),
	})
	if _, err := in.InputEvent(ctx, roomID, eventauth.RoomVersionV11, createRaw); err != nil {
		t.Fatalf("InputEvent(create): %v", err)
	}

	_, msgRaw := signPDU(t, priv, map[string]interface{}{
		"room_id": roomID, "sender": "@mallory:x.org", "type": "m.room.message",
		"content": map[string]interface{}{"body": "hi"},
		"prev_events": []string{createPDU.EventID}, "auth_events": []string{createPDU.EventID},
		"depth": int64(2), "origin_server_ts": int64(1001),
	})
	res, err := in.InputEvent(ctx, roomID, eventauth.RoomVersionV11, msgRaw)
	if err != nil {
		t.Fatalf("InputEvent(message): %v", err)
	}
	if !res.Rejected {
		t.Fatalf("expected message from non-member to be rejected, got %+v", res)
	}
}

func TestInputEventFilesMissingPrevEventAsOutlier(t *testing.T) {
	in, priv := newTestInputer(t)
	ctx := context.Background()
	roomID := "!room:x.org"

	_, msgRaw := signPDU(t, priv, map[string]interface{}{
		"room_id": roomID, "sender": "@alice:x.org", "type": "m.room.message",
		"content": map[string]interface{}{"body": "hi"},
		"prev_events": []string{"$missing:x.org"}, "auth_events": []string{},
		"depth": int64(5), "origin_server_ts": int64(1000),
	})
	res, err := in.InputEvent(ctx, roomID, eventauth.RoomVersionV11, msgRaw)
	if err != nil {
		t.Fatalf("InputEvent: %v", err)
	}
	if !res.Outlier {
		t.Fatalf("expected outlier result, got %+v", res)
	}
}

func TestInputEventRejectsBadSignature(t *testing.T) {
	in, _ := newTestInputer(t)
	ctx := context.Background()
	roomID := "!room:x.org"

	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_, createRaw := signPDU(t, otherPriv, map[string]interface{}{
		"room_id": roomID, "sender": "@alice:x.org", "type": eventauth.RoomCreateType, "state_key": "",
		"content": map[string]interface{}{"creator": "@alice:x.org"},
		"prev_events": []string{}, "auth_events": []string{}, "depth": int64(1), "origin_server_ts": int64(1000),
	})
	res, err := in.InputEvent(ctx, roomID, eventauth.RoomVersionV11, createRaw)
	if err != nil {
		t.Fatalf("InputEvent: %v", err)
	}
	if !res.Rejected {
		t.Fatalf("expected bad signature to be rejected, got %+v", res)
	}
}
