package eventcrypto

import (
	"testing"

	"golang.org/x/crypto/ed25519"
)

func TestCanonicalJSONSortsKeysAndStripsWhitespace(t *testing.T) {
	in := []byte(`{"b": 2, "a": 1, "c": {"z": 9, "y": 8}}`)
	out, err := CanonicalJSON(in)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":1,"b":2,"c":{"y":8,"z":9}}`
	if string(out) != want {
		t.Fatalf("got %s want %s", out, want)
	}
}

func TestCanonicalJSONRejectsOutOfRangeInteger(t *testing.T) {
	in := []byte(`{"a": 9007199254740993}`)
	if _, err := CanonicalJSON(in); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestContentHashDeterministic(t *testing.T) {
	pdu := []byte(`{"type":"m.room.message","content":{"body":"hi"},"unsigned":{"age":5},"signatures":{},"hashes":{}}`)
	h1, err := ContentHash(pdu)
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	// Changing unsigned/signatures/hashes must not change the content hash.
	pdu2 := []byte(`{"type":"m.room.message","content":{"body":"hi"},"unsigned":{"age":999},"signatures":{"x":{"y":"z"}},"hashes":{"sha256":"stale"}}`)
	h2, err := ContentHash(pdu2)
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected stable content hash, got %s vs %s", h1, h2)
	}
}

func TestReferenceHashEventIDRoundTrip(t *testing.T) {
	pdu := []byte(`{"type":"m.room.create","room_id":"!abc:example.org","sender":"@alice:example.org","content":{"creator":"@alice:example.org"},"depth":1,"prev_events":[],"auth_events":[],"origin_server_ts":1000,"hashes":{"sha256":"abc"}}`)
	id, err := ReferenceHashEventID(pdu)
	if err != nil {
		t.Fatalf("ReferenceHashEventID: %v", err)
	}
	if len(id) < 2 || id[0] != '$' {
		t.Fatalf("unexpected event id shape: %s", id)
	}
	if err := VerifyReferenceHashEventID(pdu, id); err != nil {
		t.Fatalf("VerifyReferenceHashEventID: %v", err)
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pdu := []byte(`{"type":"m.room.message","room_id":"!abc:example.org","sender":"@alice:example.org","content":{"body":"hi"}}`)
	signed, err := Sign(pdu, "example.org", "ed25519:1", priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(signed, "example.org", "ed25519:1", pub); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyFailsOnTamperedContent(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pdu := []byte(`{"type":"m.room.message","content":{"body":"hi"}}`)
	signed, err := Sign(pdu, "example.org", "ed25519:1", priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tampered, err := StripFields(signed, "content")
	if err != nil {
		t.Fatalf("StripFields: %v", err)
	}
	if err := Verify(tampered, "example.org", "ed25519:1", pub); err == nil {
		t.Fatalf("expected verification to fail on tampered content")
	}
}

func TestVerifyMissingKeyID(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pdu := []byte(`{"type":"m.room.message"}`)
	if err := Verify(pdu, "example.org", "ed25519:1", pub); err == nil {
		t.Fatalf("expected ErrMissingVerifyKey")
	} else if _, ok := err.(ErrMissingVerifyKey); !ok {
		t.Fatalf("expected ErrMissingVerifyKey, got %T: %v", err, err)
	}
}
