package eventauth

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// redactionAllowlistPreV11 maps event type to the set of top-level content
// keys that survive redaction. Types absent from the map lose their
// entire content. This is the v1-v10 table; v11 differs in a few fields,
// see redactionAllowlistV11.
var redactionAllowlistPreV11 = map[string][]string{
	RoomCreateType:      {"creator"},
	RoomMemberType:      {"membership"},
	RoomJoinRulesType:    {"join_rule"},
	RoomPowerLevelsType: {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"},
	RoomHistoryVisType:  {"history_visibility"},
}

// redactionAllowlistV11 additionally keeps invite on power_levels and
// join_authorised_via_users_server / allow for restricted joins.
var redactionAllowlistV11 = map[string][]string{
	RoomCreateType:      {"creator"},
	RoomMemberType:      {"membership", "join_authorised_via_users_server"},
	RoomJoinRulesType:    {"join_rule", "allow"},
	RoomPowerLevelsType: {"ban", "events", "events_default", "invite", "kick", "redact", "state_default", "users", "users_default"},
	RoomHistoryVisType:  {"history_visibility"},
}

func allowlistFor(version RoomVersion) map[string][]string {
	if version == RoomVersionV11 {
		return redactionAllowlistV11
	}
	return redactionAllowlistPreV11
}

// RedactionAuthorized decides whether sender may redact target. Pre-v3
// requires sender power >= redact level or same-domain-as-target; v3+
// requires sender power >= redact level for others' events (same-event
// redaction by its own sender is always allowed).
func RedactionAuthorized(version RoomVersion, sender string, target *PDU, state StateProvider) error {
	if target != nil && target.Sender == sender {
		return nil
	}
	createEvent, _ := state.Lookup(RoomCreateType, "")
	pl := powerLevelsOrDefault(state, createEvent)
	senderMember, ok := state.Lookup(RoomMemberType, sender)
	if !ok || memberOf(senderMember) != MembershipJoin {
		return authFail("redaction sender %s is not joined", sender)
	}
	senderLvl := senderLevel(pl, sender)
	if senderLvl >= pl.Redact {
		return nil
	}
	if version == RoomVersionV1 || version == RoomVersionV2 {
		if target != nil && domainOf(sender) == domainOf(target.Sender) {
			return nil
		}
	}
	return authFail("redaction sender %s level %d below redact level %d", sender, senderLvl, pl.Redact)
}

// RedactEvent strips target's content down to its type's allowlisted
// fields and writes unsigned.redacted_because. The event_id is never
// changed.
func RedactEvent(targetJSON []byte, version RoomVersion, redactionEventJSON []byte) ([]byte, error) {
	var typ struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(targetJSON, &typ); err != nil {
		return nil, fmt.Errorf("eventauth: redact: parse target type: %w", err)
	}
	allow := allowlistFor(version)[typ.Type]

	contentRaw := gjson.GetBytes(targetJSON, "content")
	newContent := "{}"
	var err error
	for _, key := range allow {
		if v := contentRaw.Get(key); v.Exists() {
			newContent, err = sjson.SetRaw(newContent, key, v.Raw)
			if err != nil {
				return nil, fmt.Errorf("eventauth: redact: set %s: %w", key, err)
			}
		}
	}

	out, err := sjson.SetRawBytes(targetJSON, "content", []byte(newContent))
	if err != nil {
		return nil, fmt.Errorf("eventauth: redact: set content: %w", err)
	}
	out, err = sjson.SetRawBytes(out, "unsigned.redacted_because", redactionEventJSON)
	if err != nil {
		return nil, fmt.Errorf("eventauth: redact: set redacted_because: %w", err)
	}
	return out, nil
}
