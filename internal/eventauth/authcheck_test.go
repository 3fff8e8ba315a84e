package eventauth

import (
	"encoding/json"
	"testing"
)

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func statePDU(t *testing.T, evType, stateKey, sender string, content interface{}) *PDU {
	t.Helper()
	sk := stateKey
	return &PDU{
		EventType:   evType,
		StateKey:    &sk,
		Sender:      sender,
		Content:     mustMarshal(t, content),
		roomVersion: RoomVersionV10,
	}
}

func baseRoomState(t *testing.T) MapStateProvider {
	state := MapStateProvider{}
	state[StateKeyTuple{Type: RoomCreateType, StateKey: ""}] = statePDU(t, RoomCreateType, "", "@alice:example.org",
		struct {
			Creator string `json:"creator"`
		}{Creator: "@alice:example.org"})
	state[StateKeyTuple{Type: RoomMemberType, StateKey: "@alice:example.org"}] = statePDU(t, RoomMemberType, "@alice:example.org", "@alice:example.org",
		MemberContent{Membership: MembershipJoin})
	state[StateKeyTuple{Type: RoomMemberType, StateKey: "@bob:example.org"}] = statePDU(t, RoomMemberType, "@bob:example.org", "@alice:example.org",
		MemberContent{Membership: MembershipJoin})
	state[StateKeyTuple{Type: RoomPowerLevelsType, StateKey: ""}] = statePDU(t, RoomPowerLevelsType, "", "@alice:example.org",
		PowerLevelContent{Users: map[string]int64{"@alice:example.org": 100, "@bob:example.org": 50}, Ban: 50, Kick: 50, Redact: 50, Invite: 0})
	state[StateKeyTuple{Type: RoomJoinRulesType, StateKey: ""}] = statePDU(t, RoomJoinRulesType, "", "@alice:example.org",
		struct {
			JoinRule string `json:"join_rule"`
		}{JoinRule: JoinRulePublic})
	return state
}

func TestAllowedCreateRequiresNoPrevEvents(t *testing.T) {
	ev := &PDU{
		EventType:   RoomCreateType,
		StateKey:    strPtr(""),
		Sender:      "@alice:example.org",
		RoomID:      "!room:example.org",
		PrevEvents:  []string{"$x"},
		Content:     mustMarshal(t, map[string]string{"creator": "@alice:example.org"}),
		roomVersion: RoomVersionV10,
	}
	if err := Allowed(ev, MapStateProvider{}); err == nil {
		t.Fatal("expected create-with-prev-events to fail")
	}
}

func TestAllowedCreateDomainMismatch(t *testing.T) {
	ev := &PDU{
		EventType:   RoomCreateType,
		StateKey:    strPtr(""),
		Sender:      "@alice:example.org",
		RoomID:      "!room:other.org",
		Content:     mustMarshal(t, map[string]string{"creator": "@alice:example.org"}),
		roomVersion: RoomVersionV10,
	}
	if err := Allowed(ev, MapStateProvider{}); err == nil {
		t.Fatal("expected domain mismatch to fail")
	}
}

func TestAllowedMessageFromJoinedUser(t *testing.T) {
	state := baseRoomState(t)
	ev := &PDU{
		EventType:   "m.room.message",
		Sender:      "@bob:example.org",
		Content:     mustMarshal(t, map[string]string{"body": "hi"}),
		roomVersion: RoomVersionV10,
	}
	if err := Allowed(ev, state); err != nil {
		t.Fatalf("expected message to be allowed: %v", err)
	}
}

func TestAllowedMessageFromNonMember(t *testing.T) {
	state := baseRoomState(t)
	ev := &PDU{
		EventType:   "m.room.message",
		Sender:      "@carol:example.org",
		Content:     mustMarshal(t, map[string]string{"body": "hi"}),
		roomVersion: RoomVersionV10,
	}
	if err := Allowed(ev, state); err == nil {
		t.Fatal("expected message from non-member to fail")
	}
}

func TestAllowedBanRequiresSufficientLevel(t *testing.T) {
	state := baseRoomState(t)
	ev := statePDU(t, RoomMemberType, "@bob:example.org", "@alice:example.org", MemberContent{Membership: MembershipBan})
	if err := Allowed(ev, state); err != nil {
		t.Fatalf("expected alice to be able to ban bob: %v", err)
	}

	evReverse := statePDU(t, RoomMemberType, "@alice:example.org", "@bob:example.org", MemberContent{Membership: MembershipBan})
	if err := Allowed(evReverse, state); err == nil {
		t.Fatal("expected bob (level 50) not to be able to ban alice (level 100)")
	}
}

func TestCheckPowerLevelsCannotSelfPromoteAboveOwnLevel(t *testing.T) {
	state := baseRoomState(t)
	newPL := PowerLevelContent{Users: map[string]int64{"@alice:example.org": 100, "@bob:example.org": 100}, Ban: 50, Kick: 50, Redact: 50, Invite: 0}
	ev := statePDU(t, RoomPowerLevelsType, "", "@bob:example.org", newPL)
	if err := Allowed(ev, state); err == nil {
		t.Fatal("expected bob not to be able to grant himself level 100")
	}
}

func TestCheckPowerLevelsOwnerCanAdjustOthers(t *testing.T) {
	state := baseRoomState(t)
	newPL := PowerLevelContent{Users: map[string]int64{"@alice:example.org": 100, "@bob:example.org": 0}, Ban: 50, Kick: 50, Redact: 50, Invite: 0}
	ev := statePDU(t, RoomPowerLevelsType, "", "@alice:example.org", newPL)
	if err := Allowed(ev, state); err != nil {
		t.Fatalf("expected alice to demote bob: %v", err)
	}
}

func TestAllowedJoinPublicRoom(t *testing.T) {
	state := baseRoomState(t)
	ev := statePDU(t, RoomMemberType, "@carol:example.org", "@carol:example.org", MemberContent{Membership: MembershipJoin})
	if err := Allowed(ev, state); err != nil {
		t.Fatalf("expected carol to join public room: %v", err)
	}
}

func TestAllowedJoinInviteOnlyWithoutInviteFails(t *testing.T) {
	state := baseRoomState(t)
	state[StateKeyTuple{Type: RoomJoinRulesType, StateKey: ""}] = statePDU(t, RoomJoinRulesType, "", "@alice:example.org",
		struct {
			JoinRule string `json:"join_rule"`
		}{JoinRule: JoinRuleInvite})
	ev := statePDU(t, RoomMemberType, "@carol:example.org", "@carol:example.org", MemberContent{Membership: MembershipJoin})
	if err := Allowed(ev, state); err == nil {
		t.Fatal("expected join to fail without invite")
	}
}

func TestRestrictedJoinRequiresAuthorizedInviter(t *testing.T) {
	state := baseRoomState(t)
	state[StateKeyTuple{Type: RoomJoinRulesType, StateKey: ""}] = statePDU(t, RoomJoinRulesType, "", "@alice:example.org",
		struct {
			JoinRule string `json:"join_rule"`
		}{JoinRule: JoinRuleRestricted})
	ev := statePDU(t, RoomMemberType, "@carol:example.org", "@carol:example.org",
		MemberContent{Membership: MembershipJoin, JoinAuthorisedViaUsersServer: "@bob:example.org"})
	if err := Allowed(ev, state); err != nil {
		t.Fatalf("expected restricted join via bob to succeed: %v", err)
	}

	evNoAuth := statePDU(t, RoomMemberType, "@dan:example.org", "@dan:example.org", MemberContent{Membership: MembershipJoin})
	if err := Allowed(evNoAuth, state); err == nil {
		t.Fatal("expected restricted join without authorizer to fail")
	}
}

func strPtr(s string) *string { return &s }
