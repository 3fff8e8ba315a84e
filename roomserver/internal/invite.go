package internal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nexuschat/coreserver/internal/eventauth"
	"github.com/nexuschat/coreserver/roomserver/storage"
)

// StrippedStateEvent is the minimal state summary handed to an invited
// user before they have joined: enough to render the room without
// granting access to its full history.
type StrippedStateEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Sender   string          `json:"sender"`
	Content  json.RawMessage `json:"content"`
}

// strippedStateTypes is the fixed set of state events summarized into an
// invite: room creation, join rule, canonical alias, avatar and name (if
// set), plus the inviter's own membership event.
var strippedStateTypes = []string{
	eventauth.RoomCreateType,
	"m.room.join_rules",
	"m.room.canonical_alias",
	"m.room.avatar",
	"m.room.name",
}

// IgnoreChecker reports whether one user has ignored another, so invite
// delivery can apply the ignored-user policy without this package
// depending on wherever ignore lists are actually stored.
type IgnoreChecker interface {
	IsIgnored(ctx context.Context, ignorer, ignoree string) (bool, error)
}

// ErrInviteRefused is returned when the invite target has ignored the
// sender: the invite must be refused with Forbidden, not silently dropped.
type ErrInviteRefused struct {
	Sender, Target string
}

func (e ErrInviteRefused) Error() string {
	return fmt.Sprintf("internal: %s has ignored %s, refusing invite", e.Target, e.Sender)
}

// Inviter records pending invites and their stripped-state summaries, and
// applies the ignored-user policy on delivery.
type Inviter struct {
	DB      *storage.Database
	Ignores IgnoreChecker
}

// NewInviter constructs an Inviter. ignores may be nil, in which case the
// ignored-user policy is skipped (no ignore list configured).
func NewInviter(db *storage.Database, ignores IgnoreChecker) *Inviter {
	return &Inviter{DB: db, Ignores: ignores}
}

// BuildStrippedState summarizes roomID's current state (as resolved
// before the invite event) into the fixed stripped-state set, appending
// the inviter's own m.room.member event last so a client can always at
// least render who invited them.
func (iv *Inviter) BuildStrippedState(state map[eventauth.StateKeyTuple]string, version eventauth.RoomVersion, inviterMemberPDU *eventauth.PDU) ([]StrippedStateEvent, error) {
	var out []StrippedStateEvent
	for _, t := range strippedStateTypes {
		eventID, ok := state[eventauth.StateKeyTuple{Type: t, StateKey: ""}]
		if !ok {
			continue
		}
		stored, ok := iv.DB.Event(eventID)
		if !ok {
			continue
		}
		pdu, err := eventauth.ParsePDU(stored.PDUJSON, version)
		if err != nil {
			return nil, fmt.Errorf("internal: parse stripped state event %s: %w", eventID, err)
		}
		out = append(out, StrippedStateEvent{Type: pdu.EventType, StateKey: "", Sender: pdu.Sender, Content: pdu.Content})
	}
	out = append(out, StrippedStateEvent{
		Type:     eventauth.RoomMemberType,
		StateKey: inviterMemberPDU.Sender,
		Sender:   inviterMemberPDU.Sender,
		Content:  inviterMemberPDU.Content,
	})
	return out, nil
}

// HandleInvite applies the ignored-user policy and, if the invite is
// allowed through, records it. Per the ignored-user policy: if the sender
// has ignored the target, the invite is silently dropped (delivered==false,
// err==nil); if the target has ignored the sender, the invite is refused
// with ErrInviteRefused.
func (iv *Inviter) HandleInvite(ctx context.Context, roomID, sender, target string, stripped []StrippedStateEvent, count int64) (delivered bool, err error) {
	if iv.Ignores != nil {
		senderIgnoresTarget, err := iv.Ignores.IsIgnored(ctx, sender, target)
		if err != nil {
			return false, fmt.Errorf("internal: check ignore list: %w", err)
		}
		if senderIgnoresTarget {
			return false, nil
		}
		targetIgnoresSender, err := iv.Ignores.IsIgnored(ctx, target, sender)
		if err != nil {
			return false, fmt.Errorf("internal: check ignore list: %w", err)
		}
		if targetIgnoresSender {
			return false, ErrInviteRefused{Sender: sender, Target: target}
		}
	}

	raw, err := json.Marshal(stripped)
	if err != nil {
		return false, fmt.Errorf("internal: marshal stripped state: %w", err)
	}
	if err := iv.DB.PutInvite(storage.InviteState{
		RoomID: roomID, Target: target, Sender: sender, StrippedState: raw, Count: count,
	}); err != nil {
		return false, fmt.Errorf("internal: put invite: %w", err)
	}
	return true, nil
}

// Retract drops a pending invite once it is resolved by a join, leave, or
// explicit rejection.
func (iv *Inviter) Retract(roomID, target string) error {
	return iv.DB.DeleteInvite(roomID, target)
}
