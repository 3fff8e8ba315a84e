// Package input is the room server's event-ingress pipeline: it verifies
// a PDU's content hash and signatures, authorizes it against the state it
// claims to be built on, resolves that state when an event's predecessors
// disagree, and either appends the event to the timeline or files it
// away as a soft-failed outlier or a rejected event.
package input

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexuschat/coreserver/internal/caching"
	"github.com/nexuschat/coreserver/internal/eventauth"
	"github.com/nexuschat/coreserver/internal/eventcrypto"
	roomserverinternal "github.com/nexuschat/coreserver/roomserver/internal"
	"github.com/nexuschat/coreserver/roomserver/state/stateres"
	"github.com/nexuschat/coreserver/roomserver/storage"
	"github.com/nexuschat/coreserver/roomserver/types"
)

// Result reports the disposition of one ingested event.
type Result struct {
	EventID  string
	Accepted bool
	Outlier  bool
	Rejected bool
	Reason   string
}

// Inputer wires the ingress pipeline's dependencies together.
type Inputer struct {
	DB      *storage.Database
	Builder *roomserverinternal.Builder
	Keys    verifyKeyFunc
	Bad     *caching.TTLCaches
}

// verifyKeyFunc adapts any KeyVerifier-shaped dependency (concretely
// internal/keyring.Keyring) without this package importing crypto/ed25519
// or internal/keyring directly, keeping the dependency direction the same
// as HTTPDoer elsewhere in this codebase: callers inject behavior, this
// package only declares what it needs.
type verifyKeyFunc func(ctx context.Context, serverName, keyID string) ([]byte, error)

// NewInputer constructs an Inputer. verifyKey is typically
// (*keyring.Keyring).VerifyKey adapted to return []byte.
func NewInputer(db *storage.Database, builder *roomserverinternal.Builder, verifyKey func(ctx context.Context, serverName, keyID string) ([]byte, error), bad *caching.TTLCaches) *Inputer {
	return &Inputer{DB: db, Builder: builder, Keys: verifyKey, Bad: bad}
}

// InputEvent runs the full ingress pipeline for one PDU.
func (in *Inputer) InputEvent(ctx context.Context, roomID string, version eventauth.RoomVersion, pduJSON []byte) (*Result, error) {
	event, err := eventauth.ParsePDU(pduJSON, version)
	if err != nil {
		return nil, fmt.Errorf("input: parse pdu: %w", err)
	}

	if reason, bad := in.Bad.IsBadEvent(event.EventID); bad {
		return &Result{EventID: event.EventID, Rejected: true, Reason: reason}, nil
	}

	if err := eventcrypto.VerifyContentHash(pduJSON, event.Hashes.SHA256); err != nil {
		in.Bad.MarkBadEvent(event.EventID, err.Error())
		return &Result{EventID: event.EventID, Rejected: true, Reason: err.Error()}, nil
	}

	if err := in.verifySignature(ctx, event, pduJSON); err != nil {
		in.Bad.MarkBadEvent(event.EventID, err.Error())
		return &Result{EventID: event.EventID, Rejected: true, Reason: err.Error()}, nil
	}

	isCreate := event.EventType == eventauth.RoomCreateType && event.IsStateEvent() && event.Depth <= 1
	if !isCreate {
		for _, p := range event.PrevEvents {
			if _, ok := in.DB.Event(p); !ok {
				if err := in.Builder.AppendOutlier(ctx, roomID, event, pduJSON, false); err != nil {
					return nil, fmt.Errorf("input: append outlier: %w", err)
				}
				return &Result{EventID: event.EventID, Outlier: true, Reason: "missing prev_event " + p}, nil
			}
		}
	}

	authProvider, err := in.authStateProvider(event, version)
	if err != nil {
		in.Bad.MarkBadEvent(event.EventID, err.Error())
		if err := in.Builder.AppendOutlier(ctx, roomID, event, pduJSON, true); err != nil {
			return nil, fmt.Errorf("input: append outlier: %w", err)
		}
		return &Result{EventID: event.EventID, Rejected: true, Reason: err.Error()}, nil
	}

	if !isCreate {
		if err := eventauth.Allowed(event, authProvider); err != nil {
			in.Bad.MarkBadEvent(event.EventID, err.Error())
			if err := in.Builder.AppendOutlier(ctx, roomID, event, pduJSON, true); err != nil {
				return nil, fmt.Errorf("input: append outlier: %w", err)
			}
			return &Result{EventID: event.EventID, Rejected: true, Reason: err.Error()}, nil
		}
	}

	stateBefore, err := in.resolveStateBefore(ctx, roomID, event, version, isCreate)
	if err != nil {
		return nil, fmt.Errorf("input: resolve state before: %w", err)
	}
	if event.IsStateEvent() {
		_, sk := event.StateKeyTuple()
		stateBefore[eventauth.StateKeyTuple{Type: event.EventType, StateKey: sk}] = event.EventID
	}

	if _, err := in.Builder.BuildAndAppend(ctx, roomID, event, pduJSON, stateBefore); err != nil {
		return nil, fmt.Errorf("input: build and append: %w", err)
	}

	if event.EventType == "m.room.redaction" {
		if err := in.Builder.RedactPDU(ctx, version, event, pduJSON); err != nil {
			return &Result{EventID: event.EventID, Accepted: true, Reason: err.Error()}, nil
		}
	}

	return &Result{EventID: event.EventID, Accepted: true}, nil
}

func (in *Inputer) verifySignature(ctx context.Context, event *eventauth.PDU, pduJSON []byte) error {
	domain := senderDomain(event.Sender)
	sigs, ok := event.Signatures[domain]
	if !ok || len(sigs) == 0 {
		return fmt.Errorf("input: no signature from %s", domain)
	}
	var lastErr error
	for keyID := range sigs {
		pub, err := in.Keys(ctx, domain, keyID)
		if err != nil {
			lastErr = err
			continue
		}
		if err := eventcrypto.Verify(pduJSON, domain, keyID, pub); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("input: no usable signature from %s", domain)
	}
	return fmt.Errorf("input: signature verification failed: %w", lastErr)
}

func senderDomain(userID string) string {
	if i := strings.IndexByte(userID, ':'); i >= 0 {
		return userID[i+1:]
	}
	return userID
}

// authStateProvider resolves event's explicit auth_events into a
// StateProvider, failing if any referenced auth event isn't locally
// known (it must be, since auth_events are sent inline with the PDU).
func (in *Inputer) authStateProvider(event *eventauth.PDU, version eventauth.RoomVersion) (eventauth.StateProvider, error) {
	mp := eventauth.MapStateProvider{}
	for _, authID := range event.AuthEvents {
		stored, ok := in.DB.Event(authID)
		if !ok {
			return nil, fmt.Errorf("input: missing auth event %s", authID)
		}
		pdu, err := eventauth.ParsePDU(stored.PDUJSON, version)
		if err != nil {
			return nil, fmt.Errorf("input: parse auth event %s: %w", authID, err)
		}
		evType, stateKey := pdu.StateKeyTuple()
		mp[eventauth.StateKeyTuple{Type: evType, StateKey: stateKey}] = pdu
	}
	return mp, nil
}

// resolveStateBefore computes the full room state event is built on top
// of: the single predecessor's resulting state when there is no fork, or
// the v2 state resolution of every distinct predecessor state when
// event.PrevEvents point at diverging branches.
func (in *Inputer) resolveStateBefore(ctx context.Context, roomID string, event *eventauth.PDU, version eventauth.RoomVersion, isCreate bool) (map[eventauth.StateKeyTuple]string, error) {
	if isCreate {
		return map[eventauth.StateKeyTuple]string{}, nil
	}

	seen := map[uint64]bool{}
	var snapshotNIDs []uint64
	for _, p := range event.PrevEvents {
		stored, ok := in.DB.Event(p)
		if !ok || stored.StateSnapshotNID == 0 {
			continue
		}
		nid := uint64(stored.StateSnapshotNID)
		if !seen[nid] {
			seen[nid] = true
			snapshotNIDs = append(snapshotNIDs, nid)
		}
	}
	if len(snapshotNIDs) == 0 {
		return map[eventauth.StateKeyTuple]string{}, nil
	}

	acc := in.Builder.Accessor
	if len(snapshotNIDs) == 1 {
		return acc.StateTuples(types.StateSnapshotNID(snapshotNIDs[0])), nil
	}

	states := make([]map[eventauth.StateKeyTuple]string, len(snapshotNIDs))
	for i, nid := range snapshotNIDs {
		states[i] = acc.StateTuples(types.StateSnapshotNID(nid))
	}
	authChains := make([][]string, len(states))
	provider := dbEventProvider{db: in.DB, version: version}
	for i, st := range states {
		authChains[i] = authChainFor(st, provider)
	}
	return stateres.Resolve(version, states, authChains, provider)
}

func authChainFor(state map[eventauth.StateKeyTuple]string, provider dbEventProvider) []string {
	seen := map[string]bool{}
	queue := make([]string, 0, len(state))
	for _, id := range state {
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		pdu, ok := provider.Event(id)
		if !ok {
			continue
		}
		queue = append(queue, pdu.AuthEvents...)
	}
	chain := make([]string, 0, len(seen))
	for id := range seen {
		chain = append(chain, id)
	}
	return chain
}

// dbEventProvider adapts storage.Database to stateres.EventProvider.
type dbEventProvider struct {
	db      *storage.Database
	version eventauth.RoomVersion
}

func (p dbEventProvider) Event(eventID string) (*eventauth.PDU, bool) {
	stored, ok := p.db.Event(eventID)
	if !ok {
		return nil, false
	}
	pdu, err := eventauth.ParsePDU(stored.PDUJSON, p.version)
	if err != nil {
		return nil, false
	}
	return pdu, true
}
