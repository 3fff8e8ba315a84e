package internal

import (
	"context"
	"testing"

	"github.com/nexuschat/coreserver/internal/eventauth"
)

type fakeIgnores struct {
	ignored map[[2]string]bool
}

func (f fakeIgnores) IsIgnored(ctx context.Context, ignorer, ignoree string) (bool, error) {
	return f.ignored[[2]string{ignorer, ignoree}], nil
}

func TestHandleInviteRecordsPendingInvite(t *testing.T) {
	db := newTestDB(t)
	iv := NewInviter(db, nil)
	stripped := []StrippedStateEvent{{Type: eventauth.RoomCreateType, Sender: "@alice:x.org"}}

	delivered, err := iv.HandleInvite(context.Background(), "!room:x.org", "@alice:x.org", "@bob:y.org", stripped, 1)
	if err != nil || !delivered {
		t.Fatalf("HandleInvite: delivered=%v err=%v", delivered, err)
	}

	inv, ok := db.Invite("!room:x.org", "@bob:y.org")
	if !ok || inv.Sender != "@alice:x.org" {
		t.Fatalf("expected stored invite, got %+v ok=%v", inv, ok)
	}

	if err := iv.Retract("!room:x.org", "@bob:y.org"); err != nil {
		t.Fatalf("Retract: %v", err)
	}
	if _, ok := db.Invite("!room:x.org", "@bob:y.org"); ok {
		t.Fatalf("expected invite to be retracted")
	}
}

func TestHandleInviteIgnoredUserPolicy(t *testing.T) {
	db := newTestDB(t)

	senderIgnoresTarget := NewInviter(db, fakeIgnores{ignored: map[[2]string]bool{{"@alice:x.org", "@bob:y.org"}: true}})
	delivered, err := senderIgnoresTarget.HandleInvite(context.Background(), "!room:x.org", "@alice:x.org", "@bob:y.org", nil, 1)
	if err != nil || delivered {
		t.Fatalf("expected silent drop, got delivered=%v err=%v", delivered, err)
	}

	targetIgnoresSender := NewInviter(db, fakeIgnores{ignored: map[[2]string]bool{{"@bob:y.org", "@alice:x.org"}: true}})
	_, err = targetIgnoresSender.HandleInvite(context.Background(), "!room:x.org", "@alice:x.org", "@bob:y.org", nil, 1)
	if _, ok := err.(ErrInviteRefused); !ok {
		t.Fatalf("expected ErrInviteRefused, got %v", err)
	}
}
