package eventauth

import (
	"encoding/json"
	"fmt"
)

// StateProvider resolves a (type, state_key) tuple to the event currently
// occupying that slot, as seen from whatever snapshot the caller built.
type StateProvider interface {
	Lookup(eventType, stateKey string) (*PDU, bool)
}

// MapStateProvider is the trivial StateProvider backed by an in-memory map,
// used both by tests and by the roomserver/state accessor once it has
// resolved a snapshot to full event bodies.
type MapStateProvider map[StateKeyTuple]*PDU

func (m MapStateProvider) Lookup(eventType, stateKey string) (*PDU, bool) {
	p, ok := m[StateKeyTuple{Type: eventType, StateKey: stateKey}]
	return p, ok
}

// AuthError is returned by Allowed when an event fails authorization; it
// always carries a human-readable reason so soft-fail/reject decisions can
// be logged without re-deriving why.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "eventauth: auth failed: " + e.Reason }

func authFail(format string, args ...interface{}) error {
	return &AuthError{Reason: fmt.Sprintf(format, args...)}
}

// Allowed runs the room-version's auth rules against event, given state.
// It is deterministic in its inputs alone: no wall-clock or RNG.
func Allowed(event *PDU, state StateProvider) error {
	if event.EventType == RoomCreateType && event.IsStateEvent() && *event.StateKey == "" {
		return checkCreate(event)
	}

	createEvent, ok := state.Lookup(RoomCreateType, "")
	if !ok {
		return authFail("no m.room.create event in state")
	}
	_ = createEvent

	if event.EventType == RoomMemberType && event.IsStateEvent() {
		return checkMember(event, state)
	}

	senderMember, ok := state.Lookup(RoomMemberType, event.Sender)
	if !ok || memberOf(senderMember) != MembershipJoin {
		return authFail("sender %s is not joined", event.Sender)
	}

	pl := powerLevelsOrDefault(state, createEvent)

	senderLvl := senderLevel(pl, event.Sender)
	required := pl.EventLevel(event.EventType, event.IsStateEvent())
	if senderLvl < required {
		return authFail("sender %s level %d below required %d for %s", event.Sender, senderLvl, required, event.EventType)
	}

	if event.EventType == RoomPowerLevelsType && event.IsStateEvent() && *event.StateKey == "" {
		return checkPowerLevels(event, pl, senderLvl)
	}

	return nil
}

func memberOf(p *PDU) string {
	if p == nil {
		return "leave"
	}
	var c MemberContent
	_ = json.Unmarshal(p.Content, &c)
	return c.Membership
}

func senderLevel(pl PowerLevelContent, sender string) int64 {
	return pl.UserLevel(sender)
}

func powerLevelsOrDefault(state StateProvider, createEvent *PDU) PowerLevelContent {
	if plEvent, ok := state.Lookup(RoomPowerLevelsType, ""); ok {
		var pl PowerLevelContent
		if err := json.Unmarshal(plEvent.Content, &pl); err == nil {
			return pl
		}
	}
	creator := ""
	if createEvent != nil {
		var cc struct {
			Creator string `json:"creator"`
		}
		_ = json.Unmarshal(createEvent.Content, &cc)
		creator = cc.Creator
		if creator == "" {
			creator = createEvent.Sender
		}
	}
	return DefaultPowerLevelContent(creator)
}

// checkCreate authorizes an m.room.create event: it must be
// the first event in the room (no prev_events) and, for versions requiring
// it, the sender's domain must match the room_id's domain.
func checkCreate(event *PDU) error {
	if len(event.PrevEvents) != 0 {
		return authFail("m.room.create must have no prev_events")
	}
	if event.RoomVersion().RequiresUserIDDomainMatchesRoomID() {
		senderDomain := domainOf(event.Sender)
		roomDomain := domainOf(event.RoomID)
		if senderDomain == "" || senderDomain != roomDomain {
			return authFail("m.room.create sender domain %s does not match room_id domain %s", senderDomain, roomDomain)
		}
	}
	return nil
}

func domainOf(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[i+1:]
		}
	}
	return ""
}

// checkMember authorizes an m.room.member transition: the
// rule depends on (current, new) membership, join_rule, sender power
// level, whether target==sender, any third-party invite, and restricted
// join authorization.
func checkMember(event *PDU, state StateProvider) error {
	if event.StateKey == nil {
		return authFail("m.room.member requires a state_key")
	}
	target := *event.StateKey
	if !looksLikeUserID(target) {
		return authFail("m.room.member state_key %q is not a valid user id", target)
	}
	var newContent MemberContent
	if err := json.Unmarshal(event.Content, &newContent); err != nil {
		return authFail("invalid m.room.member content: %v", err)
	}

	createEvent, _ := state.Lookup(RoomCreateType, "")
	targetMemberEvent, hasTargetMember := state.Lookup(RoomMemberType, target)
	currentMembership := memberOf(targetMemberEvent)
	senderMemberEvent, _ := state.Lookup(RoomMemberType, event.Sender)
	senderMembership := memberOf(senderMemberEvent)
	pl := powerLevelsOrDefault(state, createEvent)
	senderLvl := senderLevel(pl, event.Sender)

	// The room creator's own join, sent immediately after m.room.create
	// with no m.room.member events yet in state, bootstraps room
	// membership and is allowed unconditionally rather than subject to
	// the join rule (there is no one else yet to have invited them).
	if newContent.Membership == MembershipJoin && !hasTargetMember && target == event.Sender &&
		createEvent != nil && createEvent.Sender == target {
		return nil
	}

	joinRule := JoinRuleInvite
	if jr, ok := state.Lookup(RoomJoinRulesType, ""); ok {
		var c struct {
			JoinRule string `json:"join_rule"`
		}
		_ = json.Unmarshal(jr.Content, &c)
		if c.JoinRule != "" {
			joinRule = c.JoinRule
		}
	}

	switch newContent.Membership {
	case MembershipJoin:
		return checkJoin(event, target, currentMembership, senderMembership, joinRule, newContent, state)
	case MembershipInvite:
		if target == event.Sender {
			return authFail("cannot invite self")
		}
		if currentMembership == MembershipBan {
			return authFail("target is banned")
		}
		if currentMembership == MembershipJoin || currentMembership == MembershipInvite {
			return authFail("target already %s", currentMembership)
		}
		if newContent.ThirdPartyInvite != nil {
			return nil // third-party invite token checked by caller against the referenced state event
		}
		if senderMembership != MembershipJoin {
			return authFail("sender must be joined to invite")
		}
		if senderLvl < pl.Invite {
			return authFail("sender level %d below invite level %d", senderLvl, pl.Invite)
		}
		return nil
	case MembershipLeave:
		if target == event.Sender {
			if currentMembership == MembershipBan {
				return authFail("banned users cannot unban themselves via leave")
			}
			return nil
		}
		if senderMembership != MembershipJoin {
			return authFail("sender must be joined to kick/unban")
		}
		if currentMembership == MembershipBan {
			if senderLvl < pl.Ban {
				return authFail("sender level %d below ban level %d to unban", senderLvl, pl.Ban)
			}
			return nil
		}
		if senderLvl < pl.Kick {
			return authFail("sender level %d below kick level %d", senderLvl, pl.Kick)
		}
		if senderLvl <= pl.UserLevel(target) && target != event.Sender {
			return authFail("cannot kick a user with level >= own level")
		}
		return nil
	case MembershipBan:
		if senderMembership != MembershipJoin {
			return authFail("sender must be joined to ban")
		}
		if senderLvl < pl.Ban {
			return authFail("sender level %d below ban level %d", senderLvl, pl.Ban)
		}
		if senderLvl <= pl.UserLevel(target) {
			return authFail("cannot ban a user with level >= own level")
		}
		return nil
	case MembershipKnock:
		if !event.RoomVersion().KnockAllowed() {
			return authFail("room version does not support knocking")
		}
		if joinRule != JoinRuleKnock && joinRule != JoinRuleKnockRestricted {
			return authFail("join rule does not permit knocking")
		}
		if target != event.Sender {
			return authFail("cannot knock on behalf of another user")
		}
		if currentMembership == MembershipJoin || currentMembership == MembershipBan {
			return authFail("cannot knock from state %s", currentMembership)
		}
		return nil
	default:
		return authFail("unknown membership %q", newContent.Membership)
	}
}

func checkJoin(event *PDU, target, currentMembership, _ string, joinRule string, newContent MemberContent, state StateProvider) error {
	if target != event.Sender {
		return authFail("join target must equal sender")
	}
	if currentMembership == MembershipBan {
		return authFail("banned users cannot join")
	}
	if currentMembership == MembershipJoin {
		return nil // idempotent profile update
	}
	switch joinRule {
	case JoinRulePublic:
		return nil
	case JoinRuleInvite:
		if currentMembership != MembershipInvite {
			return authFail("join rule is invite-only and target was not invited")
		}
		return nil
	case JoinRuleKnock:
		if currentMembership != MembershipInvite {
			return authFail("join rule is knock and target was not invited")
		}
		return nil
	case JoinRuleRestricted, JoinRuleKnockRestricted:
		if !event.RoomVersion().RestrictedJoinsAllowed() {
			return authFail("room version does not support restricted joins")
		}
		if currentMembership == MembershipInvite {
			return nil
		}
		authorizer := newContent.JoinAuthorisedViaUsersServer
		if authorizer == "" {
			return authFail("restricted join missing join_authorised_via_users_server")
		}
		authorizerMember, ok := state.Lookup(RoomMemberType, authorizer)
		if !ok || memberOf(authorizerMember) != MembershipJoin {
			return authFail("join_authorised_via_users_server %s is not joined", authorizer)
		}
		createEvent, _ := state.Lookup(RoomCreateType, "")
		pl := powerLevelsOrDefault(state, createEvent)
		if pl.UserLevel(authorizer) < pl.Invite {
			return authFail("join_authorised_via_users_server %s lacks invite power", authorizer)
		}
		return nil
	default:
		return authFail("join rule %q forbids joining without invite", joinRule)
	}
}

func looksLikeUserID(id string) bool {
	return len(id) > 1 && id[0] == '@' && domainOf(id) != ""
}

// checkPowerLevels authorizes a change to m.room.power_levels: every
// numeric change must be permitted by the sender's current
// level; a user cannot grant a level they do not themselves hold, nor
// modify a user already at or above their own level.
func checkPowerLevels(event *PDU, oldPL PowerLevelContent, senderLvl int64) error {
	var newPL PowerLevelContent
	if err := json.Unmarshal(event.Content, &newPL); err != nil {
		return authFail("invalid m.room.power_levels content: %v", err)
	}

	checks := []struct {
		name     string
		old, new int64
	}{
		{"users_default", oldPL.UsersDefault, newPL.UsersDefault},
		{"events_default", oldPL.EventsDefault, newPL.EventsDefault},
		{"state_default", oldPL.StateDefault, newPL.StateDefault},
		{"ban", oldPL.Ban, newPL.Ban},
		{"kick", oldPL.Kick, newPL.Kick},
		{"redact", oldPL.Redact, newPL.Redact},
		{"invite", oldPL.Invite, newPL.Invite},
	}
	for _, c := range checks {
		if c.old != c.new && senderLvl < max64(c.old, c.new) {
			return authFail("sender level %d cannot change %s from %d to %d", senderLvl, c.name, c.old, c.new)
		}
	}
	for evType, newLvl := range newPL.Events {
		oldLvl := oldPL.EventLevel(evType, false)
		if _, existed := oldPL.Events[evType]; !existed {
			oldLvl = oldPL.EventsDefault
		}
		if oldLvl != newLvl && senderLvl < max64(oldLvl, newLvl) {
			return authFail("sender level %d cannot change event level %s from %d to %d", senderLvl, evType, oldLvl, newLvl)
		}
	}
	allUsers := map[string]struct{}{}
	for u := range oldPL.Users {
		allUsers[u] = struct{}{}
	}
	for u := range newPL.Users {
		allUsers[u] = struct{}{}
	}
	for u := range allUsers {
		oldLvl := oldPL.UserLevel(u)
		newLvl := newPL.UserLevel(u)
		if oldLvl == newLvl {
			continue
		}
		if newLvl > senderLvl {
			return authFail("sender level %d cannot grant %s level %d above own level", senderLvl, u, newLvl)
		}
		if u != event.Sender && oldLvl >= senderLvl {
			return authFail("sender level %d cannot modify user %s already at level %d", senderLvl, u, oldLvl)
		}
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
