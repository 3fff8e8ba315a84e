package internal

import (
	"context"
	"testing"
)

func TestHandleBannedRoomJoinAllowsUnbannedRoom(t *testing.T) {
	db := newTestDB(t)
	m := NewMembership(db)

	if err := m.HandleBannedRoomJoin(context.Background(), "@alice:example.com", "!room:example.com"); err != nil {
		t.Fatalf("HandleBannedRoomJoin: %v", err)
	}
}

func TestHandleBannedRoomJoinRejectsBannedRoom(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := db.BanRoom(ctx, "!evil:example.com", "abuse"); err != nil {
		t.Fatalf("BanRoom: %v", err)
	}
	m := NewMembership(db)

	err := m.HandleBannedRoomJoin(ctx, "@alice:example.com", "!evil:example.com")
	if _, ok := err.(ErrRoomBanned); !ok {
		t.Fatalf("expected ErrRoomBanned, got %v", err)
	}
}

func TestHandleBannedRoomJoinDeactivatesAfterRepeatedAttempts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := db.BanRoom(ctx, "!evil:example.com", "abuse"); err != nil {
		t.Fatalf("BanRoom: %v", err)
	}
	m := NewMembership(db)

	for i := int64(1); i < ForbiddenJoinAttemptLimit; i++ {
		if err := m.HandleBannedRoomJoin(ctx, "@bob:example.com", "!evil:example.com"); err == nil {
			t.Fatalf("attempt %d: expected ErrRoomBanned", i)
		}
		deactivated, err := db.IsAccountDeactivated(ctx, "@bob:example.com")
		if err != nil {
			t.Fatalf("IsAccountDeactivated: %v", err)
		}
		if deactivated {
			t.Fatalf("attempt %d: account deactivated too early", i)
		}
	}

	if err := m.HandleBannedRoomJoin(ctx, "@bob:example.com", "!evil:example.com"); err == nil {
		t.Fatalf("expected ErrRoomBanned on the limit-reaching attempt")
	}
	deactivated, err := db.IsAccountDeactivated(ctx, "@bob:example.com")
	if err != nil {
		t.Fatalf("IsAccountDeactivated: %v", err)
	}
	if !deactivated {
		t.Fatalf("expected account to be deactivated after %d attempts", ForbiddenJoinAttemptLimit)
	}

	err = m.HandleBannedRoomJoin(ctx, "@bob:example.com", "!evil:example.com")
	if _, ok := err.(ErrAccountDeactivated); !ok {
		t.Fatalf("expected ErrAccountDeactivated once deactivated, got %v", err)
	}
}
