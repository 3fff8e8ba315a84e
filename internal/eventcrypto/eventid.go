package eventcrypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// EventIDFormat selects how event IDs are derived for a room version.
// Room versions 1 and 2 carry an explicit, origin-assigned event_id; 3
// and above derive it deterministically from the reference hash.
type EventIDFormat int

const (
	// EventIDFormatExplicit means the event_id travels in the PDU body
	// and is trusted as assigned by the origin (room versions 1-2).
	EventIDFormatExplicit EventIDFormat = iota
	// EventIDFormatReferenceHash means the event_id is computed from the
	// reference hash of the PDU with event_id/unsigned/signatures removed
	// (room versions 3+).
	EventIDFormatReferenceHash
)

// ReferenceHashEventID derives an event ID by taking the sha256 of the
// canonical JSON form of the PDU with event_id, unsigned and signatures
// removed, base64url-encoding it unpadded, and prefixing it with "$".
func ReferenceHashEventID(pduJSON []byte) (string, error) {
	stripped, err := StripFields(pduJSON, "event_id", "unsigned", "signatures")
	if err != nil {
		return "", err
	}
	canon, err := CanonicalJSON(stripped)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "$" + base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// VerifyReferenceHashEventID recomputes the reference-hash event ID and
// compares it against the supplied one.
func VerifyReferenceHashEventID(pduJSON []byte, eventID string) error {
	got, err := ReferenceHashEventID(pduJSON)
	if err != nil {
		return err
	}
	if got != eventID {
		return fmt.Errorf("eventcrypto: event ID mismatch: got %s want %s", got, eventID)
	}
	return nil
}
