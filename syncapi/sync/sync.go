// Package sync is the classic (non-sliding, v3) sync engine: it computes
// the delta between a resume token and current server state for every
// room a user cares about, tracks which member events have already been
// lazy-loaded to a given device, and long-polls callers until new data
// arrives or a timeout elapses.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexuschat/coreserver/internal/caching"
	"github.com/nexuschat/coreserver/internal/eventauth"
	roomserverinternal "github.com/nexuschat/coreserver/roomserver/internal"
	"github.com/nexuschat/coreserver/roomserver/state"
	"github.com/nexuschat/coreserver/roomserver/storage"
	"github.com/nexuschat/coreserver/syncapi/pushrules"
)

// Token is a sync resume point: the monotone event Count the response was
// assembled at.
type Token int64

// MaxLongPollTimeout bounds how long Sync will block awaiting new data,
// per the concurrency model's 30s cap on suspended sync tasks.
const MaxLongPollTimeout = 30 * time.Second

// Request is one /sync call's parameters.
type Request struct {
	UserID          string
	DeviceID        string
	Since           *Token
	FullState       bool
	Timeout         time.Duration
	LazyLoadMembers bool
}

// JoinedRoom is one joined room's delta.
type JoinedRoom struct {
	RoomID            string
	Timeline          []storage.StoredEvent
	Limited           bool
	PrevBatch         Token
	State             []storage.StoredEvent
	NotificationCount int64
	HighlightCount    int64
}

// InvitedRoom is a room the user was invited to after Since.
type InvitedRoom struct {
	RoomID      string
	InviteState []roomserverinternal.StrippedStateEvent
}

// LeftRoom is a room the user left after Since.
type LeftRoom struct {
	RoomID     string
	LeaveEvent json.RawMessage
	State      []storage.StoredEvent
}

// Response is the assembled sync result.
type Response struct {
	NextBatch Token
	Join      map[string]*JoinedRoom
	Invite    map[string]*InvitedRoom
	Leave     map[string]*LeftRoom
	DeviceLists struct {
		Changed []string
		Left    []string
	}
}

const (
	membershipStateType = "m.room.member"
	timelineLimit       = 20
)

// Engine assembles sync responses from the room server's storage.
type Engine struct {
	DB       *storage.Database
	Accessor *state.Accessor
	Caches   *caching.Caches
	Notifier *Notifier
}

// NewEngine constructs an Engine over db, sharing the room server's
// accessor so state lookups hit the same snapshot compression the
// timeline builder produces.
func NewEngine(db *storage.Database, caches *caching.Caches) *Engine {
	return &Engine{DB: db, Accessor: state.NewAccessor(db), Caches: caches, Notifier: NewNotifier()}
}

// Sync assembles one response for req, long-polling up to req.Timeout
// (capped at MaxLongPollTimeout) if nothing has changed and the request
// is not a full-state initial sync.
func (e *Engine) Sync(ctx context.Context, req Request) (*Response, error) {
	since := int64(0)
	if req.Since != nil {
		since = int64(*req.Since)
	}

	resp, err := e.assemble(ctx, req, since)
	if err != nil {
		return nil, err
	}
	if req.FullState || req.Since == nil || !responseEmpty(resp) {
		return resp, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		return resp, nil
	}
	if timeout > MaxLongPollTimeout {
		timeout = MaxLongPollTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-e.Notifier.Wait(req.UserID):
	case <-waitCtx.Done():
	}
	return e.assemble(ctx, req, since)
}

func responseEmpty(r *Response) bool {
	return len(r.Join) == 0 && len(r.Invite) == 0 && len(r.Leave) == 0 &&
		len(r.DeviceLists.Changed) == 0 && len(r.DeviceLists.Left) == 0
}

func (e *Engine) assemble(ctx context.Context, req Request, since int64) (*Response, error) {
	resp := &Response{Join: map[string]*JoinedRoom{}, Invite: map[string]*InvitedRoom{}, Leave: map[string]*LeftRoom{}}

	memberships, err := e.DB.LatestMembershipEvents(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("sync: latest memberships: %w", err)
	}

	for _, m := range memberships {
		content, err := memberContent(m.PDUJSON)
		if err != nil {
			return nil, fmt.Errorf("sync: parse membership content for %s: %w", m.RoomID, err)
		}
		switch content.Membership {
		case eventauth.MembershipJoin:
			jr, err := e.joinedRoomDelta(ctx, m.RoomID, since, req)
			if err != nil {
				return nil, err
			}
			if jr != nil {
				resp.Join[m.RoomID] = jr
			}
		case eventauth.MembershipInvite:
			if m.Count <= since {
				continue
			}
			inv, ok := e.DB.Invite(m.RoomID, req.UserID)
			if !ok {
				continue
			}
			var stripped []roomserverinternal.StrippedStateEvent
			if err := json.Unmarshal(inv.StrippedState, &stripped); err != nil {
				return nil, fmt.Errorf("sync: parse invite state for %s: %w", m.RoomID, err)
			}
			resp.Invite[m.RoomID] = &InvitedRoom{RoomID: m.RoomID, InviteState: stripped}
		case eventauth.MembershipLeave, eventauth.MembershipBan:
			if m.Count <= since {
				continue
			}
			resp.Leave[m.RoomID] = &LeftRoom{RoomID: m.RoomID, LeaveEvent: m.PDUJSON}
		}
	}

	// A pending invite to a room this server has no local timeline for
	// yet (the common case: the invited user has never joined, so no
	// m.room.member event was ever appended to this room's event store
	// here) never shows up in memberships above; InvitesForUser is the
	// only record of it.
	invites, err := e.DB.InvitesForUser(ctx, req.UserID, since)
	if err != nil {
		return nil, fmt.Errorf("sync: invites for %s: %w", req.UserID, err)
	}
	for _, inv := range invites {
		if _, already := resp.Invite[inv.RoomID]; already {
			continue
		}
		var stripped []roomserverinternal.StrippedStateEvent
		if err := json.Unmarshal(inv.StrippedState, &stripped); err != nil {
			return nil, fmt.Errorf("sync: parse invite state for %s: %w", inv.RoomID, err)
		}
		resp.Invite[inv.RoomID] = &InvitedRoom{RoomID: inv.RoomID, InviteState: stripped}
	}

	maxCount, err := e.DB.CurrentCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: current count: %w", err)
	}
	resp.NextBatch = Token(maxCount)

	if err := e.fillDeviceLists(ctx, req.UserID, since, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

// joinedRoomDelta computes one joined room's timeline/state delta, or nil
// if nothing changed and this isn't an initial sync.
func (e *Engine) joinedRoomDelta(ctx context.Context, roomID string, since int64, req Request) (*JoinedRoom, error) {
	timeline, err := e.DB.EventsSince(ctx, roomID, since, timelineLimit+1)
	if err != nil {
		return nil, fmt.Errorf("sync: timeline for %s: %w", roomID, err)
	}
	limited := len(timeline) > timelineLimit
	if limited {
		timeline = timeline[len(timeline)-timelineLimit:]
	}

	info, known := e.DB.RoomInfo(roomID)
	if !known {
		return nil, nil
	}
	currentSnapshot := info.StateSnapshotNID
	sinceSnapshot, haveSince := e.DB.StateSnapshotAtCount(ctx, roomID, since)

	if len(timeline) == 0 && haveSince && sinceSnapshot == currentSnapshot {
		return nil, nil
	}

	currentState := e.Accessor.StateTuples(currentSnapshot)
	var sinceState map[eventauth.StateKeyTuple]string
	if haveSince {
		sinceState = e.Accessor.StateTuples(sinceSnapshot)
	}

	stateDelta := diffState(currentState, sinceState)

	joinedNow := false
	for _, ev := range timeline {
		if ev.EventType == membershipStateType && ev.StateKey != nil && *ev.StateKey == req.UserID {
			content, err := memberContent(ev.PDUJSON)
			if err == nil && content.Membership == eventauth.MembershipJoin {
				joinedNow = true
			}
		}
	}
	if joinedNow {
		limited = true
	}

	if req.LazyLoadMembers {
		stateDelta = e.applyLazyLoad(stateDelta, timeline, req, joinedNow || req.Since == nil)
	}

	stateEvents := make([]storage.StoredEvent, 0, len(stateDelta))
	for _, eventID := range stateDelta {
		if ev, ok := e.DB.Event(eventID); ok {
			stateEvents = append(stateEvents, ev)
		}
	}

	prevBatch := Token(since)
	if len(timeline) > 0 {
		prevBatch = Token(timeline[0].Count - 1)
	}

	notificationCount, highlightCount := pushrules.Count(timeline, pushrules.Profile{UserID: req.UserID})

	return &JoinedRoom{
		RoomID:            roomID,
		Timeline:          timeline,
		Limited:           limited,
		PrevBatch:         prevBatch,
		State:             stateEvents,
		NotificationCount: notificationCount,
		HighlightCount:    highlightCount,
	}, nil
}

// diffState returns the event IDs present in current but not in since (by
// (type, state_key) identity), i.e. the state that needs sending because
// it's new or changed since the last sync.
func diffState(current, since map[eventauth.StateKeyTuple]string) []string {
	var out []string
	for tuple, eventID := range current {
		if since == nil {
			out = append(out, eventID)
			continue
		}
		if prev, ok := since[tuple]; !ok || prev != eventID {
			out = append(out, eventID)
		}
	}
	sort.Strings(out)
	return out
}

// applyLazyLoad trims member events out of stateDelta unless the member
// is a timeline sender, the syncing user themself, or hasn't already been
// sent to this device, and records what's sent for next time.
func (e *Engine) applyLazyLoad(stateDelta []string, timeline []storage.StoredEvent, req Request, forceFullMembers bool) []string {
	included := map[string]bool{req.UserID: true}
	for _, ev := range timeline {
		included[ev.Sender] = true
	}

	out := make([]string, 0, len(stateDelta))
	for _, eventID := range stateDelta {
		ev, ok := e.DB.Event(eventID)
		if !ok || ev.EventType != membershipStateType || ev.StateKey == nil {
			out = append(out, eventID)
			continue
		}
		memberID := *ev.StateKey
		key := caching.LazyLoadingKey(req.DeviceID, ev.RoomID, memberID)
		_, alreadySent := e.Caches.LazyLoadingMembers.Get(key)
		if forceFullMembers || included[memberID] || !alreadySent {
			out = append(out, eventID)
			e.Caches.LazyLoadingMembers.Set(key, eventID)
		}
	}
	return out
}

func memberContent(pduJSON json.RawMessage) (eventauth.MemberContent, error) {
	var envelope struct {
		Content eventauth.MemberContent `json:"content"`
	}
	if err := json.Unmarshal(pduJSON, &envelope); err != nil {
		return eventauth.MemberContent{}, err
	}
	return envelope.Content, nil
}

// fillDeviceLists populates device_lists.changed/left from the membership
// events since Since in every room the user is joined to: another user's
// join puts them in Changed, a leave or ban puts them in Left. Whether a
// room is encrypted, and whether the two users still share another room,
// is not checked.
func (e *Engine) fillDeviceLists(ctx context.Context, userID string, since int64, resp *Response) error {
	seenChanged := map[string]bool{}
	seenLeft := map[string]bool{}
	for roomID := range resp.Join {
		events, err := e.DB.EventsSince(ctx, roomID, since, 0)
		if err != nil {
			return fmt.Errorf("sync: device list scan for %s: %w", roomID, err)
		}
		for _, ev := range events {
			if ev.EventType != membershipStateType || ev.StateKey == nil || *ev.StateKey == userID {
				continue
			}
			content, err := memberContent(ev.PDUJSON)
			if err != nil {
				continue
			}
			switch content.Membership {
			case eventauth.MembershipJoin:
				if !seenChanged[*ev.StateKey] {
					resp.DeviceLists.Changed = append(resp.DeviceLists.Changed, *ev.StateKey)
					seenChanged[*ev.StateKey] = true
				}
			case eventauth.MembershipLeave, eventauth.MembershipBan:
				if !seenLeft[*ev.StateKey] {
					resp.DeviceLists.Left = append(resp.DeviceLists.Left, *ev.StateKey)
					seenLeft[*ev.StateKey] = true
				}
			}
		}
	}
	return nil
}

// Notifier wakes per-user long-poll waiters when new data for that user
// might be available (a new timeline event, invite, or leave in any room
// they're part of).
type Notifier struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewNotifier constructs an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{waiters: map[string][]chan struct{}{}}
}

// Wait returns a channel that closes the next time Notify(userID) is
// called.
func (n *Notifier) Wait(userID string) <-chan struct{} {
	ch := make(chan struct{})
	n.mu.Lock()
	n.waiters[userID] = append(n.waiters[userID], ch)
	n.mu.Unlock()
	return ch
}

// Notify wakes every waiter currently registered for userID.
func (n *Notifier) Notify(userID string) {
	n.mu.Lock()
	waiters := n.waiters[userID]
	delete(n.waiters, userID)
	n.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
