package internal

import (
	"context"
	"fmt"
)

// ForbiddenJoinAttemptLimit is how many rejected joins against banned
// rooms a single user may accumulate before HandleBannedRoomJoin
// deactivates their account. Repeated attempts past this point look like
// scripted probing rather than a user innocently following a stale
// room link.
const ForbiddenJoinAttemptLimit = 3

// ErrRoomBanned is returned when userID's join (or invite) targets a room
// this homeserver has banned.
type ErrRoomBanned struct {
	RoomID string
}

func (e ErrRoomBanned) Error() string {
	return fmt.Sprintf("internal: room %s is banned on this homeserver", e.RoomID)
}

// ErrAccountDeactivated is returned once a user's account has been
// deactivated, whether by HandleBannedRoomJoin or any other path.
type ErrAccountDeactivated struct {
	UserID string
}

func (e ErrAccountDeactivated) Error() string {
	return fmt.Sprintf("internal: account %s is deactivated", e.UserID)
}

// membershipStore is the subset of storage.Database Membership needs; kept
// as an interface here purely to let tests fake it without a real DB.
type membershipStore interface {
	IsRoomBanned(ctx context.Context, roomID string) (bool, error)
	IsAccountDeactivated(ctx context.Context, userID string) (bool, error)
	RecordForbiddenJoinAttempt(ctx context.Context, userID string) (int64, error)
	DeactivateAccount(ctx context.Context, userID string) error
}

// Membership guards local join/invite attempts against homeserver-level
// room bans, escalating repeat offenders into a full account
// deactivation.
type Membership struct {
	DB membershipStore
}

// NewMembership constructs a Membership guard.
func NewMembership(db membershipStore) *Membership {
	return &Membership{DB: db}
}

// HandleBannedRoomJoin rejects userID's join (or invite acceptance) to
// roomID if the room is banned on this homeserver. A user who is already
// deactivated is rejected outright without touching the attempt counter.
// Each rejected attempt against a banned room increments a per-user
// counter; once it reaches ForbiddenJoinAttemptLimit the account is
// deactivated, since by then the behavior looks like scripted probing for
// bannable rooms rather than an honest mistake.
func (m *Membership) HandleBannedRoomJoin(ctx context.Context, userID, roomID string) error {
	deactivated, err := m.DB.IsAccountDeactivated(ctx, userID)
	if err != nil {
		return err
	}
	if deactivated {
		return ErrAccountDeactivated{UserID: userID}
	}

	banned, err := m.DB.IsRoomBanned(ctx, roomID)
	if err != nil {
		return err
	}
	if !banned {
		return nil
	}

	attempts, err := m.DB.RecordForbiddenJoinAttempt(ctx, userID)
	if err != nil {
		return err
	}
	if attempts >= ForbiddenJoinAttemptLimit {
		if err := m.DB.DeactivateAccount(ctx, userID); err != nil {
			return err
		}
	}
	return ErrRoomBanned{RoomID: roomID}
}
