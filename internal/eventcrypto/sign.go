package eventcrypto

import (
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"
)

// ErrMissingVerifyKey is returned by Verify when the PDU carries no
// signature under the requested (origin, key ID) pair.
type ErrMissingVerifyKey struct {
	Origin string
	KeyID  string
}

func (e ErrMissingVerifyKey) Error() string {
	return fmt.Sprintf("eventcrypto: missing verify key %s for origin %s", e.KeyID, e.Origin)
}

// ErrVerificationFailed is returned when a signature does not verify under
// a known key.
type ErrVerificationFailed struct {
	Origin string
	KeyID  string
}

func (e ErrVerificationFailed) Error() string {
	return fmt.Sprintf("eventcrypto: signature verification failed for %s/%s", e.Origin, e.KeyID)
}

// Sign adds origin's Ed25519 signature over the canonical JSON form of the
// PDU with unsigned and signatures removed, writing it to
// signatures[origin][keyID].
func Sign(pduJSON []byte, origin, keyID string, priv ed25519.PrivateKey) ([]byte, error) {
	stripped, err := StripFields(pduJSON, "unsigned", "signatures")
	if err != nil {
		return nil, err
	}
	canon, err := CanonicalJSON(stripped)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, canon)
	encoded := base64.RawStdEncoding.EncodeToString(sig)
	path := fmt.Sprintf("signatures.%s.%s", jsonPathEscape(origin), jsonPathEscape(keyID))
	out, err := sjson.SetBytesOptions(pduJSON, path, encoded, &sjson.Options{Optimistic: true, ReplaceInPlace: false})
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: set signature: %w", err)
	}
	return out, nil
}

// Verify checks that signatures[origin][keyID] verifies against pub for
// the canonical JSON form of the PDU with unsigned and signatures removed.
func Verify(pduJSON []byte, origin, keyID string, pub ed25519.PublicKey) error {
	sigB64 := gjson.GetBytes(pduJSON, fmt.Sprintf("signatures.%s.%s", jsonPathEscape(origin), jsonPathEscape(keyID)))
	if !sigB64.Exists() {
		return ErrMissingVerifyKey{Origin: origin, KeyID: keyID}
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64.String())
	if err != nil {
		// Some servers pad their base64; tolerate it.
		sig, err = base64.StdEncoding.DecodeString(sigB64.String())
		if err != nil {
			return fmt.Errorf("eventcrypto: decode signature: %w", err)
		}
	}
	stripped, err := StripFields(pduJSON, "unsigned", "signatures")
	if err != nil {
		return err
	}
	canon, err := CanonicalJSON(stripped)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, canon, sig) {
		return ErrVerificationFailed{Origin: origin, KeyID: keyID}
	}
	return nil
}

// jsonPathEscape escapes gjson/sjson path metacharacters in map keys such
// as server names and key IDs, neither of which may legally contain them,
// but defence in depth costs nothing here.
func jsonPathEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '*', '?', '#', '|':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
