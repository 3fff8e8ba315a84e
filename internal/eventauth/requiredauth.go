package eventauth

// RoomCreateType, etc. are the event types the auth rules
// reason about by name.
const (
	RoomCreateType       = "m.room.create"
	RoomMemberType       = "m.room.member"
	RoomPowerLevelsType  = "m.room.power_levels"
	RoomJoinRulesType    = "m.room.join_rules"
	RoomThirdPartyInvite = "m.room.third_party_invite"
	RoomHistoryVisType   = "m.room.history_visibility"
)

// JoinRule values.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
	JoinRulePrivate         = "private"
)

// RequiredAuthEventTypes computes the set of (type, state_key) tuples an
// event's auth_events must reference: always create, the current
// power_levels (if any), the sender's own member event, and for
// membership changes the target's member event plus, where relevant,
// join_rules and a third-party invite.
func RequiredAuthEventTypes(eventType, sender string, stateKey *string, content MemberContent) []StateKeyTuple {
	tuples := []StateKeyTuple{
		{Type: RoomCreateType, StateKey: ""},
		{Type: RoomPowerLevelsType, StateKey: ""},
		{Type: RoomMemberType, StateKey: sender},
	}
	if eventType != RoomMemberType || stateKey == nil {
		return tuples
	}
	target := *stateKey
	if target != sender {
		tuples = append(tuples, StateKeyTuple{Type: RoomMemberType, StateKey: target})
	}
	switch content.Membership {
	case MembershipJoin, MembershipInvite, MembershipKnock:
		tuples = append(tuples, StateKeyTuple{Type: RoomJoinRulesType, StateKey: ""})
	}
	if content.Membership == MembershipInvite && content.ThirdPartyInvite != nil && content.ThirdPartyInvite.Signed.Token != "" {
		tuples = append(tuples, StateKeyTuple{Type: RoomThirdPartyInvite, StateKey: content.ThirdPartyInvite.Signed.Token})
	}
	return tuples
}

// StateKeyTuple identifies a slot in room state.
type StateKeyTuple struct {
	Type     string
	StateKey string
}
