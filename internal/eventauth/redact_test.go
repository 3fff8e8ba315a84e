package eventauth

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"
)

func TestRedactEventStripsDisallowedFields(t *testing.T) {
	target := []byte(`{"event_id":"$abc","type":"m.room.message","content":{"body":"secret","formatted_body":"<b>secret</b>"}}`)
	redaction := []byte(`{"event_id":"$def","type":"m.room.redaction","redacts":"$abc"}`)

	out, err := RedactEvent(target, RoomVersionV10, redaction)
	if err != nil {
		t.Fatalf("RedactEvent: %v", err)
	}
	if gjson.GetBytes(out, "content.body").Exists() {
		t.Fatal("expected body to be stripped")
	}
	if gjson.GetBytes(out, "event_id").String() != "$abc" {
		t.Fatal("expected event_id to be unchanged")
	}
	var rb struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(gjson.GetBytes(out, "unsigned.redacted_because").Raw, &rb); err != nil {
		t.Fatalf("unmarshal redacted_because: %v", err)
	}
}

func TestRedactEventKeepsAllowlistedMembershipField(t *testing.T) {
	target := []byte(`{"event_id":"$abc","type":"m.room.member","content":{"membership":"join","displayname":"Bob"}}`)
	redaction := []byte(`{"event_id":"$def","type":"m.room.redaction"}`)

	out, err := RedactEvent(target, RoomVersionV10, redaction)
	if err != nil {
		t.Fatalf("RedactEvent: %v", err)
	}
	if gjson.GetBytes(out, "content.membership").String() != "join" {
		t.Fatal("expected membership to survive redaction")
	}
	if gjson.GetBytes(out, "content.displayname").Exists() {
		t.Fatal("expected displayname to be stripped")
	}
}
