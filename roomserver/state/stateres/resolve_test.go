package stateres

import (
	"encoding/json"
	"testing"

	"github.com/nexuschat/coreserver/internal/eventauth"
)

type fakeEvents map[string]*eventauth.PDU

func (f fakeEvents) Event(id string) (*eventauth.PDU, bool) {
	e, ok := f[id]
	return e, ok
}

func strp(s string) *string { return &s }

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// buildRoom constructs a small DAG: create -> alice join (power 100) ->
// power_levels -> bob join. Returns the event store and the base state
// map after bob has joined.
func buildRoom(t *testing.T) (fakeEvents, map[eventauth.StateKeyTuple]string) {
	t.Helper()
	events := fakeEvents{}

	create := &eventauth.PDU{
		EventID: "$create", RoomID: "!r:x.org", Sender: "@alice:x.org",
		EventType: eventauth.RoomCreateType, StateKey: strp(""),
		Content: mustJSON(t, map[string]string{"creator": "@alice:x.org"}),
	}
	events["$create"] = create

	aliceJoin := &eventauth.PDU{
		EventID: "$alice-join", RoomID: "!r:x.org", Sender: "@alice:x.org",
		EventType: eventauth.RoomMemberType, StateKey: strp("@alice:x.org"),
		AuthEvents: []string{"$create"},
		Content:    mustJSON(t, eventauth.MemberContent{Membership: eventauth.MembershipJoin}),
	}
	events["$alice-join"] = aliceJoin

	pl := eventauth.DefaultPowerLevelContent("@alice:x.org")
	plEvent := &eventauth.PDU{
		EventID: "$pl1", RoomID: "!r:x.org", Sender: "@alice:x.org",
		EventType: eventauth.RoomPowerLevelsType, StateKey: strp(""),
		AuthEvents:     []string{"$create", "$alice-join"},
		OriginServerTS: 100,
		Content:        mustJSON(t, pl),
	}
	events["$pl1"] = plEvent

	bobJoin := &eventauth.PDU{
		EventID: "$bob-join", RoomID: "!r:x.org", Sender: "@bob:x.org",
		EventType: eventauth.RoomMemberType, StateKey: strp("@bob:x.org"),
		AuthEvents: []string{"$create", "$pl1"},
		Content:    mustJSON(t, eventauth.MemberContent{Membership: eventauth.MembershipJoin}),
	}
	events["$bob-join"] = bobJoin

	base := map[eventauth.StateKeyTuple]string{
		{Type: eventauth.RoomCreateType, StateKey: ""}:                 "$create",
		{Type: eventauth.RoomMemberType, StateKey: "@alice:x.org"}:     "$alice-join",
		{Type: eventauth.RoomMemberType, StateKey: "@bob:x.org"}:       "$bob-join",
		{Type: eventauth.RoomPowerLevelsType, StateKey: ""}:            "$pl1",
	}
	return events, base
}

func TestResolveSingleStateIsReturnedUnchanged(t *testing.T) {
	_, base := buildRoom(t)
	got, err := Resolve(eventauth.RoomVersionV10, []map[eventauth.StateKeyTuple]string{base}, nil, fakeEvents{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != len(base) {
		t.Fatalf("expected %d tuples, got %d", len(base), len(got))
	}
	for k, v := range base {
		if got[k] != v {
			t.Fatalf("tuple %v: want %s got %s", k, v, got[k])
		}
	}
}

// TestResolveBanVsPowerLevelConflict builds two forks
// from the same base: one where alice (power 100) bans bob, one where bob
// tries to raise his own power level to 100. The conflicted power_levels
// events must resolve so that the ban (authorized by alice's power) wins
// and bob's self-serving power_levels change is rejected.
func TestResolveBanVsPowerLevelConflict(t *testing.T) {
	events, base := buildRoom(t)

	banEvent := &eventauth.PDU{
		EventID: "$ban-bob", RoomID: "!r:x.org", Sender: "@alice:x.org",
		EventType: eventauth.RoomMemberType, StateKey: strp("@bob:x.org"),
		AuthEvents:     []string{"$create", "$alice-join", "$pl1", "$bob-join"},
		OriginServerTS: 200,
		Content:        mustJSON(t, eventauth.MemberContent{Membership: eventauth.MembershipBan}),
	}
	events["$ban-bob"] = banEvent

	// Bob (power 0) attempts to grant himself power 100 -- must be
	// rejected by the auth check regardless of ordering.
	forgedPL := eventauth.PowerLevelContent{
		UsersDefault: 0,
		Users:        map[string]int64{"@alice:x.org": 100, "@bob:x.org": 100},
		Ban:          50, Kick: 50, Redact: 50, Invite: 0, EventsDefault: 0, StateDefault: 50,
	}
	forged := &eventauth.PDU{
		EventID: "$pl-forged", RoomID: "!r:x.org", Sender: "@bob:x.org",
		EventType: eventauth.RoomPowerLevelsType, StateKey: strp(""),
		AuthEvents:     []string{"$create", "$bob-join", "$pl1"},
		OriginServerTS: 150,
		Content:        mustJSON(t, forgedPL),
	}
	events["$pl-forged"] = forged

	stateA := cloneState(base)
	stateA[eventauth.StateKeyTuple{Type: eventauth.RoomMemberType, StateKey: "@bob:x.org"}] = "$ban-bob"

	stateB := cloneState(base)
	stateB[eventauth.StateKeyTuple{Type: eventauth.RoomPowerLevelsType, StateKey: ""}] = "$pl-forged"

	authChainA := []string{"$create", "$alice-join", "$pl1", "$bob-join", "$ban-bob"}
	authChainB := []string{"$create", "$alice-join", "$pl1", "$bob-join", "$pl-forged"}

	resolved, err := Resolve(eventauth.RoomVersionV10,
		[]map[eventauth.StateKeyTuple]string{stateA, stateB},
		[][]string{authChainA, authChainB},
		events,
	)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := resolved[eventauth.StateKeyTuple{Type: eventauth.RoomPowerLevelsType, StateKey: ""}]; got != "$pl1" {
		t.Fatalf("expected original power_levels $pl1 to win, got %s", got)
	}
	if got := resolved[eventauth.StateKeyTuple{Type: eventauth.RoomMemberType, StateKey: "@bob:x.org"}]; got != "$ban-bob" {
		t.Fatalf("expected alice's ban to win, got %s", got)
	}
}

func TestResolveIsIdempotentOnDuplicateInputs(t *testing.T) {
	_, base := buildRoom(t)
	got, err := Resolve(eventauth.RoomVersionV10,
		[]map[eventauth.StateKeyTuple]string{base, base, base},
		[][]string{{"$create", "$alice-join", "$pl1", "$bob-join"}, {"$create", "$alice-join", "$pl1", "$bob-join"}, {"$create", "$alice-join", "$pl1", "$bob-join"}},
		fakeEvents{},
	)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for k, v := range base {
		if got[k] != v {
			t.Fatalf("tuple %v: want %s got %s", k, v, got[k])
		}
	}
}
