package eventcrypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/tidwall/sjson"
)

// ContentHash computes the reference content hash: sha256
// over the canonical JSON form of the PDU with unsigned/signatures/hashes
// removed, returned unpadded base64.
func ContentHash(pduJSON []byte) (string, error) {
	stripped, err := StripFields(pduJSON, "unsigned", "signatures", "hashes")
	if err != nil {
		return "", err
	}
	canon, err := CanonicalJSON(stripped)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

// AddContentHash computes the content hash and writes it back into the
// pdu's hashes.sha256 field, returning the updated JSON.
func AddContentHash(pduJSON []byte) ([]byte, error) {
	hash, err := ContentHash(pduJSON)
	if err != nil {
		return nil, err
	}
	out, err := sjson.SetBytes(pduJSON, "hashes.sha256", hash)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: set hashes.sha256: %w", err)
	}
	return out, nil
}

// VerifyContentHash recomputes the content hash and compares it against
// the value stored in hashes.sha256.
func VerifyContentHash(pduJSON []byte, want string) error {
	got, err := ContentHash(pduJSON)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("eventcrypto: content hash mismatch: got %s want %s", got, want)
	}
	return nil
}
