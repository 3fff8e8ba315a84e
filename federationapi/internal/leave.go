package federation

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/sjson"

	"github.com/nexuschat/coreserver/internal/eventauth"
	"github.com/nexuschat/coreserver/internal/eventcrypto"
	roomserverinternal "github.com/nexuschat/coreserver/roomserver/internal"
	"github.com/nexuschat/coreserver/roomserver/storage"
)

// Leaver drives a federated room leave: make_leave/send_leave against an
// ordered candidate server list, symmetric to Joiner.
type Leaver struct {
	Client  *Client
	DB      *storage.Database
	Builder *roomserverinternal.Builder
	Origin  string
	KeyID   string
	Priv    ed25519.PrivateKey
	Inviter *roomserverinternal.Inviter
}

// NewLeaver constructs a Leaver.
func NewLeaver(client *Client, db *storage.Database, builder *roomserverinternal.Builder, inviter *roomserverinternal.Inviter, origin, keyID string, priv ed25519.PrivateKey) *Leaver {
	return &Leaver{Client: client, DB: db, Builder: builder, Inviter: inviter, Origin: origin, KeyID: keyID, Priv: priv}
}

// LeaveRoom attempts to leave roomID as userID via each of
// candidateServers. If the user only ever held an invite to roomID (never
// joined), the invite is dropped locally regardless of whether any remote
// server accepted the leave.
func (l *Leaver) LeaveRoom(ctx context.Context, roomID, userID string, candidateServers []string) error {
	_, hadInvite := l.DB.Invite(roomID, userID)

	var lastErr error
	for _, server := range candidateServers {
		if err := l.attemptLeave(ctx, server, roomID, userID); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if hadInvite && l.Inviter != nil {
		l.Inviter.Retract(roomID, userID)
	}
	return lastErr
}

func (l *Leaver) attemptLeave(ctx context.Context, server, roomID, userID string) error {
	makeResp, err := l.Client.MakeLeave(ctx, server, roomID, userID)
	if err != nil {
		return err
	}
	version := eventauth.RoomVersion(makeResp.RoomVersion)
	if !version.Supported() {
		return fmt.Errorf("federation: unsupported room version %q from %s", makeResp.RoomVersion, server)
	}

	raw := []byte(makeResp.Event)
	content, err := json.Marshal(eventauth.MemberContent{Membership: eventauth.MembershipLeave})
	if err != nil {
		return err
	}
	raw, err = sjson.SetRawBytes(raw, "content", content)
	if err != nil {
		return err
	}
	raw, err = sjson.SetBytes(raw, "origin", l.Origin)
	if err != nil {
		return err
	}
	raw, err = sjson.SetBytes(raw, "origin_server_ts", time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if version.EventIDFormat() == eventcrypto.EventIDFormatReferenceHash {
		raw, err = sjson.DeleteBytes(raw, "event_id")
		if err != nil {
			return err
		}
	}
	raw, err = eventcrypto.AddContentHash(raw)
	if err != nil {
		return err
	}
	signed, err := eventcrypto.Sign(raw, l.Origin, l.KeyID, l.Priv)
	if err != nil {
		return err
	}
	pdu, err := eventauth.ParsePDU(signed, version)
	if err != nil {
		return err
	}

	return l.Client.SendLeave(ctx, server, roomID, pdu.EventID, signed)
}
