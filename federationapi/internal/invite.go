package federation

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/nexuschat/coreserver/internal/eventauth"
	"github.com/nexuschat/coreserver/internal/eventcrypto"
	roomserverinternal "github.com/nexuschat/coreserver/roomserver/internal"
	"github.com/nexuschat/coreserver/roomserver/internal/input"
)

// InviteSender handles both directions of a federated invite: sending a
// locally-built invite event to a remote target's server, and accepting
// an invite event a remote server sent to one of our local users.
type InviteSender struct {
	Client  *Client
	Inviter *roomserverinternal.Inviter
	Input   *input.Inputer
	Origin  string
	KeyID   string
	Priv    ed25519.PrivateKey
	Keys    verifyKeyFunc
}

// NewInviteSender constructs an InviteSender.
func NewInviteSender(client *Client, inviter *roomserverinternal.Inviter, in *input.Inputer, keys func(ctx context.Context, serverName, keyID string) ([]byte, error), origin, keyID string, priv ed25519.PrivateKey) *InviteSender {
	return &InviteSender{Client: client, Inviter: inviter, Input: in, Keys: keys, Origin: origin, KeyID: keyID, Priv: priv}
}

// SendInvite hashes and signs unsignedPDU (an m.room.member
// membership=invite event this server built locally), sends it to the
// target's server, verifies the returned event_id matches, and injects
// the result into the ingress pipeline exactly as if it had arrived over
// federation normally.
func (s *InviteSender) SendInvite(ctx context.Context, roomID string, version eventauth.RoomVersion, destination string, unsignedPDU []byte) (*input.Result, error) {
	raw, err := eventcrypto.AddContentHash(unsignedPDU)
	if err != nil {
		return nil, fmt.Errorf("federation: hash invite: %w", err)
	}
	signed, err := eventcrypto.Sign(raw, s.Origin, s.KeyID, s.Priv)
	if err != nil {
		return nil, fmt.Errorf("federation: sign invite: %w", err)
	}
	pdu, err := eventauth.ParsePDU(signed, version)
	if err != nil {
		return nil, fmt.Errorf("federation: parse invite: %w", err)
	}

	resp, err := s.Client.SendInvite(ctx, destination, roomID, pdu.EventID, signed)
	if err != nil {
		return nil, fmt.Errorf("federation: send invite to %s: %w", destination, err)
	}

	var remote eventauth.PDU
	if err := json.Unmarshal(resp.Event, &remote); err != nil {
		return nil, fmt.Errorf("federation: parse %s's invite response: %w", destination, err)
	}
	if version.EventIDFormat() == eventcrypto.EventIDFormatReferenceHash {
		if err := eventcrypto.VerifyReferenceHashEventID(resp.Event, pdu.EventID); err != nil {
			return nil, fmt.Errorf("federation: %s returned a mismatched invite event: %w", destination, err)
		}
	} else if remote.EventID != pdu.EventID {
		return nil, fmt.Errorf("federation: %s returned a mismatched invite event: got %s want %s", destination, remote.EventID, pdu.EventID)
	}
	merged, err := mergeSignatures(signed, remote.Signatures)
	if err != nil {
		return nil, fmt.Errorf("federation: merge invite signatures: %w", err)
	}

	return s.Input.InputEvent(ctx, roomID, version, merged)
}

// ReceiveInvite handles an invite PDU a remote server sent to one of our
// local users: verifies the sender's signature, then hands the
// accompanying stripped state to the Inviter, applying the ignored-user
// policy.
func (s *InviteSender) ReceiveInvite(ctx context.Context, roomID string, version eventauth.RoomVersion, raw []byte, strippedState []roomserverinternal.StrippedStateEvent, count int64) (bool, error) {
	pdu, err := eventauth.ParsePDU(raw, version)
	if err != nil {
		return false, fmt.Errorf("federation: parse incoming invite: %w", err)
	}
	if err := eventcrypto.VerifyContentHash(raw, pdu.Hashes.SHA256); err != nil {
		return false, fmt.Errorf("federation: incoming invite hash mismatch: %w", err)
	}
	domain := senderDomain(pdu.Sender)
	sigs, ok := pdu.Signatures[domain]
	if !ok || len(sigs) == 0 {
		return false, fmt.Errorf("federation: incoming invite has no signature from %s", domain)
	}
	var lastErr error
	verified := false
	for keyID := range sigs {
		pub, err := s.Keys(ctx, domain, keyID)
		if err != nil {
			lastErr = err
			continue
		}
		if err := eventcrypto.Verify(raw, domain, keyID, pub); err != nil {
			lastErr = err
			continue
		}
		verified = true
		break
	}
	if !verified {
		return false, fmt.Errorf("federation: incoming invite signature verification failed: %w", lastErr)
	}

	if pdu.StateKey == nil {
		return false, fmt.Errorf("federation: incoming invite has no state_key")
	}
	return s.Inviter.HandleInvite(ctx, roomID, pdu.Sender, *pdu.StateKey, strippedState, count)
}

func mergeSignatures(base []byte, sigs eventauth.SignatureMap) ([]byte, error) {
	out := base
	for server, keyIDs := range sigs {
		for keyID, sig := range keyIDs {
			path := fmt.Sprintf("signatures.%s.%s", server, keyID)
			merged, err := sjson.SetBytes(out, path, sig)
			if err != nil {
				return nil, err
			}
			out = merged
		}
	}
	return out, nil
}
