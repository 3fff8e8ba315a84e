// Package eventauth implements the typed PDU representation together with
// the room-version-aware authorization rules and redaction allowlists.
package eventauth

import (
	"encoding/json"
	"fmt"

	"github.com/nexuschat/coreserver/internal/eventcrypto"
)

// PDU is the typed representation of a persistent data unit.
// Content is kept as raw JSON since its schema is type-dependent; callers
// that need typed content (e.g. m.room.member) unmarshal it explicitly.
type PDU struct {
	EventID         string          `json:"event_id,omitempty"`
	RoomID          string          `json:"room_id"`
	Sender          string          `json:"sender"`
	OriginServerTS  int64           `json:"origin_server_ts"`
	EventType       string          `json:"type"`
	StateKey        *string         `json:"state_key,omitempty"`
	Content         json.RawMessage `json:"content"`
	PrevEvents      []string        `json:"prev_events"`
	AuthEvents      []string        `json:"auth_events"`
	Depth           int64           `json:"depth"`
	Redacts         string          `json:"redacts,omitempty"`
	Hashes          Hashes          `json:"hashes"`
	Signatures      SignatureMap    `json:"signatures,omitempty"`
	Unsigned        json.RawMessage `json:"unsigned,omitempty"`

	// roomVersion is carried out-of-band (not serialized) so every
	// operation on a parsed PDU knows which rule variant applies.
	roomVersion RoomVersion
}

// Hashes carries the content hash of a PDU.
type Hashes struct {
	SHA256 string `json:"sha256,omitempty"`
}

// SignatureMap is server name -> key ID -> base64 signature.
type SignatureMap map[string]map[string]string

// IsStateEvent reports whether this PDU updates room state.
func (p *PDU) IsStateEvent() bool { return p.StateKey != nil }

// StateKeyTuple returns the (type, state_key) this PDU would update. Only
// valid if IsStateEvent is true.
func (p *PDU) StateKeyTuple() (string, string) {
	if p.StateKey == nil {
		return p.EventType, ""
	}
	return p.EventType, *p.StateKey
}

// RoomVersion returns the room version this PDU was parsed/built under.
func (p *PDU) RoomVersion() RoomVersion { return p.roomVersion }

// WithRoomVersion attaches a room version to an already-parsed PDU, e.g.
// after looking up room metadata.
func (p *PDU) WithRoomVersion(v RoomVersion) *PDU {
	p.roomVersion = v
	return p
}

// MemberContent is the typed content of an m.room.member event.
type MemberContent struct {
	Membership                   string                `json:"membership"`
	DisplayName                  *string               `json:"displayname,omitempty"`
	AvatarURL                    *string               `json:"avatar_url,omitempty"`
	Reason                       *string               `json:"reason,omitempty"`
	IsDirect                     bool                  `json:"is_direct,omitempty"`
	JoinAuthorisedViaUsersServer string                `json:"join_authorised_via_users_server,omitempty"`
	ThirdPartyInvite             *ThirdPartyInviteStub `json:"third_party_invite,omitempty"`
}

// ThirdPartyInviteStub is the subset of an m.room.member event's
// third_party_invite field the auth rules need: the signed token linking
// back to the m.room.third_party_invite state event that authorized it.
type ThirdPartyInviteStub struct {
	Signed struct {
		Token string `json:"token"`
	} `json:"signed"`
}

const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// PowerLevelContent is the typed content of an m.room.power_levels event.
type PowerLevelContent struct {
	Users         map[string]int64 `json:"users,omitempty"`
	UsersDefault  int64            `json:"users_default"`
	Events        map[string]int64 `json:"events,omitempty"`
	EventsDefault int64            `json:"events_default"`
	StateDefault  int64            `json:"state_default"`
	Ban           int64            `json:"ban"`
	Kick          int64            `json:"kick"`
	Redact        int64            `json:"redact"`
	Invite        int64            `json:"invite"`
}

// UserLevel returns the power level for user, falling back to
// UsersDefault, matching the auth-rule default of 0 when no power_levels
// event exists at all (callers pass DefaultPowerLevelContent in that case).
func (p PowerLevelContent) UserLevel(userID string) int64 {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

// EventLevel returns the required power level to send eventType, falling
// back to EventsDefault (or StateDefault for state events).
func (p PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if lvl, ok := p.Events[eventType]; ok {
		return lvl
	}
	if isState {
		return p.StateDefault
	}
	return p.EventsDefault
}

// DefaultPowerLevelContent is the power level content assumed when no
// m.room.power_levels event exists yet.
func DefaultPowerLevelContent(creator string) PowerLevelContent {
	return PowerLevelContent{
		Users:        map[string]int64{creator: 100},
		UsersDefault: 0,
		Events:       map[string]int64{},
		StateDefault: 0,
		Ban:          50,
		Kick:         50,
		Redact:       50,
		Invite:       0,
	}
}

// ParsePDU parses raw JSON into a PDU without validating signatures or
// hashes; callers run eventcrypto.Verify/VerifyContentHash separately.
func ParsePDU(raw []byte, version RoomVersion) (*PDU, error) {
	var p PDU
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("eventauth: parse pdu: %w", err)
	}
	p.roomVersion = version
	if version.EventIDFormat() == eventcrypto.EventIDFormatReferenceHash {
		id, err := eventcrypto.ReferenceHashEventID(raw)
		if err != nil {
			return nil, fmt.Errorf("eventauth: derive event id: %w", err)
		}
		p.EventID = id
	} else if p.EventID == "" {
		return nil, fmt.Errorf("eventauth: room version %s requires an explicit event_id", version)
	}
	return &p, nil
}
