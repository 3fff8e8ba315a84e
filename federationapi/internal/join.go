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

// verifyKeyFunc mirrors roomserver/internal/input's dependency-inversion
// seam: callers inject key lookup (concretely internal/keyring.Keyring)
// without this package importing it directly.
type verifyKeyFunc func(ctx context.Context, serverName, keyID string) ([]byte, error)

// ErrBadServerResponse is returned when every candidate server either
// rejected the join/leave request or offered an unsupported room version.
type ErrBadServerResponse struct {
	Reason string
}

func (e ErrBadServerResponse) Error() string { return "federation: " + e.Reason }

const (
	maxIncompatibleRoomVersions = 15
	maxTotalFailures            = 40
	maxPrevEvents               = 20
)

// Joiner drives a federated room join end to end: make_join/send_join
// against an ordered candidate server list, validation of the returned
// state and auth chain, and handing the reconstructed pre-join state and
// our own join event to the room server.
type Joiner struct {
	Client            *Client
	DB                *storage.Database
	Builder           *roomserverinternal.Builder
	Keys              verifyKeyFunc
	Origin            string
	KeyID             string
	Priv              ed25519.PrivateKey
	SupportedVersions []string
	// Membership rejects joins to homeserver-banned rooms before any
	// candidate server is contacted. Nil skips the check (no ban list
	// configured).
	Membership *roomserverinternal.Membership
}

// NewJoiner constructs a Joiner. membership may be nil, in which case
// banned-room joins are not checked.
func NewJoiner(client *Client, db *storage.Database, builder *roomserverinternal.Builder, keys func(ctx context.Context, serverName, keyID string) ([]byte, error), origin, keyID string, priv ed25519.PrivateKey, supportedVersions []string, membership *roomserverinternal.Membership) *Joiner {
	return &Joiner{Client: client, DB: db, Builder: builder, Keys: keys, Origin: origin, KeyID: keyID, Priv: priv, SupportedVersions: supportedVersions, Membership: membership}
}

// JoinResult reports the outcome of a federated join attempt.
type JoinResult struct {
	EventID      string
	RoomVersion  eventauth.RoomVersion
	UsedServer   string
}

// JoinRoom attempts to join roomID as userID via each of candidateServers
// in turn, per the make_join/send_join handshake.
func (j *Joiner) JoinRoom(ctx context.Context, roomID, userID string, candidateServers []string, displayName *string) (*JoinResult, error) {
	if j.Membership != nil {
		if err := j.Membership.HandleBannedRoomJoin(ctx, userID, roomID); err != nil {
			return nil, err
		}
	}

	var incompatible, totalFailures int
	for _, server := range candidateServers {
		if totalFailures >= maxTotalFailures {
			return nil, ErrBadServerResponse{Reason: "no server available"}
		}

		makeResp, err := j.Client.MakeJoin(ctx, server, roomID, userID, j.SupportedVersions)
		if err != nil {
			totalFailures++
			continue
		}
		version := eventauth.RoomVersion(makeResp.RoomVersion)
		if !version.Supported() {
			incompatible++
			if incompatible >= maxIncompatibleRoomVersions {
				return nil, ErrBadServerResponse{Reason: "unsupported room version"}
			}
			continue
		}

		signed, joinPDU, err := j.buildJoinEvent(makeResp.Event, version, userID, displayName, "")
		if err != nil {
			totalFailures++
			continue
		}

		sendResp, err := j.Client.SendJoin(ctx, server, roomID, joinPDU.EventID, signed)
		if err != nil {
			totalFailures++
			continue
		}

		if version.RestrictedJoinsAllowed() && len(sendResp.Event) > 0 {
			if merged, ok := j.mergeRemoteSignature(signed, sendResp.Event, version, joinPDU.EventID); ok {
				signed = merged
			}
		}

		stateMap, err := j.validateAndForceState(ctx, roomID, version, sendResp)
		if err != nil {
			return nil, fmt.Errorf("federation: validate send_join response from %s: %w", server, err)
		}

		authProvider, err := stateProviderFromMap(stateMap, j.DB, version)
		if err != nil {
			return nil, fmt.Errorf("federation: build auth state: %w", err)
		}
		if err := eventauth.Allowed(joinPDU, authProvider); err != nil {
			return nil, fmt.Errorf("federation: join not authorized: %w", err)
		}

		stateMap[eventauth.StateKeyTuple{Type: eventauth.RoomMemberType, StateKey: userID}] = joinPDU.EventID
		if _, err := j.Builder.BuildAndAppend(ctx, roomID, joinPDU, signed, stateMap); err != nil {
			return nil, fmt.Errorf("federation: append join event: %w", err)
		}

		return &JoinResult{EventID: joinPDU.EventID, RoomVersion: version, UsedServer: server}, nil
	}
	return nil, ErrBadServerResponse{Reason: "no server available"}
}

// buildJoinEvent rewrites a remote server's join template into our own
// signed event: origin/timestamp/content overwritten, hashed, signed, and
// parsed into a PDU (which derives its event_id for v3+).
func (j *Joiner) buildJoinEvent(template json.RawMessage, version eventauth.RoomVersion, userID string, displayName *string, authorizedVia string) (json.RawMessage, *eventauth.PDU, error) {
	content := eventauth.MemberContent{Membership: eventauth.MembershipJoin, DisplayName: displayName, JoinAuthorisedViaUsersServer: authorizedVia}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, nil, err
	}

	raw := []byte(template)
	raw, err = sjson.SetRawBytes(raw, "content", contentJSON)
	if err != nil {
		return nil, nil, err
	}
	raw, err = sjson.SetBytes(raw, "origin", j.Origin)
	if err != nil {
		return nil, nil, err
	}
	raw, err = sjson.SetBytes(raw, "origin_server_ts", time.Now().UnixMilli())
	if err != nil {
		return nil, nil, err
	}
	if version.EventIDFormat() == eventcrypto.EventIDFormatReferenceHash {
		raw, err = sjson.DeleteBytes(raw, "event_id")
		if err != nil {
			return nil, nil, err
		}
	}

	raw, err = eventcrypto.AddContentHash(raw)
	if err != nil {
		return nil, nil, err
	}
	signed, err := eventcrypto.Sign(raw, j.Origin, j.KeyID, j.Priv)
	if err != nil {
		return nil, nil, err
	}
	pdu, err := eventauth.ParsePDU(signed, version)
	if err != nil {
		return nil, nil, err
	}
	return signed, pdu, nil
}

// mergeRemoteSignature validates the remote's re-signed copy of our join
// event (same event_id) and merges its signatures into ours, so a
// restricted join carries both our signature and the authorizing
// member's-server's signature.
func (j *Joiner) mergeRemoteSignature(ours, remote json.RawMessage, version eventauth.RoomVersion, wantEventID string) (json.RawMessage, bool) {
	remotePDU, err := eventauth.ParsePDU(remote, version)
	if err != nil {
		return nil, false
	}
	if remotePDU.EventID != wantEventID {
		return nil, false
	}
	for server, sigs := range remotePDU.Signatures {
		for keyID, sig := range sigs {
			path := fmt.Sprintf("signatures.%s.%s", server, keyID)
			merged, err := sjson.SetBytes(ours, path, sig)
			if err != nil {
				continue
			}
			ours = merged
		}
	}
	return ours, true
}

// validateAndForceState validates every PDU in a send_join response's
// state and auth_chain (event_id derivation plus signature verification),
// persists each as an outlier, reconstructs the pre-join state map from
// the response's state list, and forces the room's current-state pointer
// to it.
func (j *Joiner) validateAndForceState(ctx context.Context, roomID string, version eventauth.RoomVersion, resp *SendJoinResponse) (map[eventauth.StateKeyTuple]string, error) {
	all := append(append([]json.RawMessage{}, resp.AuthChain...), resp.State...)
	validated := make(map[string]*eventauth.PDU, len(all))
	for _, raw := range all {
		pdu, err := j.validateOutlierPDU(ctx, raw, version)
		if err != nil {
			continue
		}
		validated[pdu.EventID] = pdu
		if _, known := j.DB.Event(pdu.EventID); !known {
			if err := j.Builder.AppendOutlier(ctx, roomID, pdu, raw, false); err != nil {
				return nil, fmt.Errorf("federation: append outlier %s: %w", pdu.EventID, err)
			}
		}
	}

	stateMap := make(map[eventauth.StateKeyTuple]string, len(resp.State))
	for _, raw := range resp.State {
		probe, err := eventauth.ParsePDU(raw, version)
		if err != nil {
			continue
		}
		pdu, ok := validated[probe.EventID]
		if !ok {
			// Anything missing here failed validation above and is skipped
			// from the reconstructed state.
			continue
		}
		evType, sk := pdu.StateKeyTuple()
		stateMap[eventauth.StateKeyTuple{Type: evType, StateKey: sk}] = pdu.EventID
	}

	if _, err := j.Builder.ForceState(ctx, roomID, version, stateMap); err != nil {
		return nil, fmt.Errorf("federation: force state: %w", err)
	}
	return stateMap, nil
}

func (j *Joiner) validateOutlierPDU(ctx context.Context, raw json.RawMessage, version eventauth.RoomVersion) (*eventauth.PDU, error) {
	pdu, err := eventauth.ParsePDU(raw, version)
	if err != nil {
		return nil, err
	}
	if err := eventcrypto.VerifyContentHash(raw, pdu.Hashes.SHA256); err != nil {
		return nil, err
	}
	domain := senderDomain(pdu.Sender)
	sigs, ok := pdu.Signatures[domain]
	if !ok || len(sigs) == 0 {
		return nil, fmt.Errorf("federation: no signature from %s on %s", domain, pdu.EventID)
	}
	var lastErr error
	for keyID := range sigs {
		pub, err := j.Keys(ctx, domain, keyID)
		if err != nil {
			lastErr = err
			continue
		}
		if err := eventcrypto.Verify(raw, domain, keyID, pub); err != nil {
			lastErr = err
			continue
		}
		return pdu, nil
	}
	return nil, fmt.Errorf("federation: signature verification failed for %s: %w", pdu.EventID, lastErr)
}

func senderDomain(userID string) string {
	for i := len(userID) - 1; i >= 0; i-- {
		if userID[i] == ':' {
			return userID[i+1:]
		}
	}
	return userID
}

// stateProviderFromMap adapts a reconstructed state map into the
// eventauth.StateProvider Allowed needs, resolving each entry's PDU from
// local storage (already persisted as an outlier by validateAndForceState).
func stateProviderFromMap(stateMap map[eventauth.StateKeyTuple]string, db *storage.Database, version eventauth.RoomVersion) (eventauth.StateProvider, error) {
	mp := eventauth.MapStateProvider{}
	for tuple, eventID := range stateMap {
		stored, ok := db.Event(eventID)
		if !ok {
			continue
		}
		pdu, err := eventauth.ParsePDU(stored.PDUJSON, version)
		if err != nil {
			return nil, err
		}
		mp[tuple] = pdu
	}
	return mp, nil
}
