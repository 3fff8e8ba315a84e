package pushrules

import (
	"encoding/json"
	"testing"

	"github.com/nexuschat/coreserver/roomserver/storage"
)

func stateKey(s string) *string { return &s }

func messageEvent(t *testing.T, sender, body string) storage.StoredEvent {
	t.Helper()
	content, err := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	pdu, err := json.Marshal(map[string]interface{}{"content": json.RawMessage(content)})
	if err != nil {
		t.Fatalf("marshal pdu: %v", err)
	}
	return storage.StoredEvent{EventType: "m.room.message", Sender: sender, PDUJSON: pdu}
}

func TestEvaluateNotifiesOnPlainMessage(t *testing.T) {
	ev := messageEvent(t, "@bob:example.com", "hello there")
	outcome := Evaluate(ev, Profile{UserID: "@alice:example.com"})
	if !outcome.Notify || outcome.Highlight {
		t.Fatalf("got %+v, want notify without highlight", outcome)
	}
}

func TestEvaluateHighlightsOnUsernameMention(t *testing.T) {
	ev := messageEvent(t, "@bob:example.com", "hey alice, check this out")
	outcome := Evaluate(ev, Profile{UserID: "@alice:example.com"})
	if !outcome.Notify || !outcome.Highlight {
		t.Fatalf("got %+v, want notify and highlight", outcome)
	}
}

func TestEvaluateDoesNotMatchSubstringUsername(t *testing.T) {
	ev := messageEvent(t, "@bob:example.com", "median filters are great")
	outcome := Evaluate(ev, Profile{UserID: "@ian:example.com"})
	if outcome.Highlight {
		t.Fatalf("got %+v, want no highlight for a substring match", outcome)
	}
}

func TestEvaluateIgnoresOwnEvents(t *testing.T) {
	ev := messageEvent(t, "@alice:example.com", "alice alice alice")
	outcome := Evaluate(ev, Profile{UserID: "@alice:example.com"})
	if outcome.Notify || outcome.Highlight {
		t.Fatalf("got %+v, want no notification for the user's own event", outcome)
	}
}

func TestEvaluateSuppressesMemberEvents(t *testing.T) {
	ev := storage.StoredEvent{EventType: "m.room.member", Sender: "@bob:example.com", StateKey: stateKey("@carol:example.com"), PDUJSON: json.RawMessage(`{"content":{}}`)}
	outcome := Evaluate(ev, Profile{UserID: "@alice:example.com"})
	if outcome.Notify || outcome.Highlight {
		t.Fatalf("got %+v, want membership changes to never notify", outcome)
	}
}

func TestCountTallies(t *testing.T) {
	timeline := []storage.StoredEvent{
		messageEvent(t, "@bob:example.com", "hi"),
		messageEvent(t, "@bob:example.com", "alice are you there"),
	}
	notify, highlight := Count(timeline, Profile{UserID: "@alice:example.com"})
	if notify != 2 || highlight != 1 {
		t.Fatalf("got notify=%d highlight=%d, want notify=2 highlight=1", notify, highlight)
	}
}
