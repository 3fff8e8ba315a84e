package eventauth

import (
	"fmt"

	"github.com/nexuschat/coreserver/internal/eventcrypto"
)

// RoomVersion is a tagged selector for the per-version behaviour: a
// variant per supported version selecting auth-rule and
// redaction-allowlist functions.
type RoomVersion string

const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// DefaultRoomVersion is used by the room-creation path when the client
// does not specify one.
const DefaultRoomVersion = RoomVersionV11

var knownRoomVersions = map[RoomVersion]struct{}{
	RoomVersionV1: {}, RoomVersionV2: {}, RoomVersionV3: {}, RoomVersionV4: {},
	RoomVersionV5: {}, RoomVersionV6: {}, RoomVersionV7: {}, RoomVersionV8: {},
	RoomVersionV9: {}, RoomVersionV10: {}, RoomVersionV11: {},
}

// Supported reports whether this server implements the given room version.
func (v RoomVersion) Supported() bool {
	_, ok := knownRoomVersions[v]
	return ok
}

// EventIDFormat reports how event IDs are derived for this room version.
func (v RoomVersion) EventIDFormat() eventcrypto.EventIDFormat {
	switch v {
	case RoomVersionV1, RoomVersionV2:
		return eventcrypto.EventIDFormatExplicit
	default:
		return eventcrypto.EventIDFormatReferenceHash
	}
}

// StateResolutionV2 reports whether this room version resolves state
// conflicts with the v2 algorithm. v1 used a simpler depth-based
// ordering, which this server does not implement.
func (v RoomVersion) StateResolutionV2() bool {
	return v != RoomVersionV1
}

// RestrictedJoinsAllowed reports whether the join_rule may be "restricted"
// or "knock_restricted".
func (v RoomVersion) RestrictedJoinsAllowed() bool {
	switch v {
	case RoomVersionV8, RoomVersionV9, RoomVersionV10, RoomVersionV11:
		return true
	default:
		return false
	}
}

// KnockAllowed reports whether the knock membership/join rule exists
// (v7+).
func (v RoomVersion) KnockAllowed() bool {
	switch v {
	case RoomVersionV7, RoomVersionV8, RoomVersionV9, RoomVersionV10, RoomVersionV11:
		return true
	default:
		return false
	}
}

// RequiresUserIDDomainMatchesRoomID reports whether m.room.create's sender
// domain must match the room_id's domain (true for v1-v10, false for v11
// where room_id is no longer necessarily homed on any one server).
func (v RoomVersion) RequiresUserIDDomainMatchesRoomID() bool {
	return v != RoomVersionV11
}

// ParseRoomVersion validates and returns a RoomVersion, or an error if
// unsupported.
func ParseRoomVersion(s string) (RoomVersion, error) {
	v := RoomVersion(s)
	if !v.Supported() {
		return "", fmt.Errorf("eventauth: unsupported room version %q", s)
	}
	return v, nil
}
