package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/nexuschat/coreserver/internal/caching"
)

type fakeDoer struct {
	handler func(req *http.Request) (*http.Response, error)
}

func (f fakeDoer) Do(req *http.Request) (*http.Response, error) { return f.handler(req) }

func jsonResponse(t *testing.T, status int, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(string(b)))}
}

func newTestKeyring(t *testing.T, doer HTTPDoer, notaries []string) *Keyring {
	t.Helper()
	caches, err := caching.NewCaches(1 << 20)
	if err != nil {
		t.Fatalf("NewCaches: %v", err)
	}
	return NewKeyring(doer, notaries, caches, caching.NewTTLCaches())
}

func TestVerifyKeyDirectFetchSuccess(t *testing.T) {
	_, pub, _ := newTestKey(t)
	doer := fakeDoer{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusOK, ServerKeyResponse{
			ServerName: "origin.x.org",
			VerifyKeys: map[string]VerifyKey{"ed25519:1": {Key: base64.RawStdEncoding.EncodeToString(pub)}},
		}), nil
	}}
	k := newTestKeyring(t, doer, nil)
	got, err := k.VerifyKey(context.Background(), "origin.x.org", "ed25519:1")
	if err != nil {
		t.Fatalf("VerifyKey: %v", err)
	}
	if !got.Equal(pub) {
		t.Fatalf("key mismatch")
	}
}

func TestVerifyKeyFallsBackToNotaryOnDirectFailure(t *testing.T) {
	_, pub, _ := newTestKey(t)
	doer := fakeDoer{handler: func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.String(), "/key/v2/server") {
			return nil, errConnRefused{}
		}
		return jsonResponse(t, http.StatusOK, ServerKeyResponse{
			ServerName: "origin.x.org",
			VerifyKeys: map[string]VerifyKey{"ed25519:1": {Key: base64.RawStdEncoding.EncodeToString(pub)}},
		}), nil
	}}
	k := newTestKeyring(t, doer, []string{"notary.x.org"})
	got, err := k.VerifyKey(context.Background(), "origin.x.org", "ed25519:1")
	if err != nil {
		t.Fatalf("VerifyKey: %v", err)
	}
	if !got.Equal(pub) {
		t.Fatalf("key mismatch")
	}
}

func TestVerifyKeyCachesResult(t *testing.T) {
	_, pub, _ := newTestKey(t)
	calls := 0
	doer := fakeDoer{handler: func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(t, http.StatusOK, ServerKeyResponse{
			ServerName: "origin.x.org",
			VerifyKeys: map[string]VerifyKey{"ed25519:1": {Key: base64.RawStdEncoding.EncodeToString(pub)}},
		}), nil
	}}
	k := newTestKeyring(t, doer, nil)
	ctx := context.Background()
	if _, err := k.VerifyKey(ctx, "origin.x.org", "ed25519:1"); err != nil {
		t.Fatalf("VerifyKey: %v", err)
	}
	if _, err := k.VerifyKey(ctx, "origin.x.org", "ed25519:1"); err != nil {
		t.Fatalf("VerifyKey: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 network call, got %d", calls)
	}
}

func TestVerifyKeyUnknownKeyIDErrors(t *testing.T) {
	_, pub, _ := newTestKey(t)
	doer := fakeDoer{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusOK, ServerKeyResponse{
			ServerName: "origin.x.org",
			VerifyKeys: map[string]VerifyKey{"ed25519:1": {Key: base64.RawStdEncoding.EncodeToString(pub)}},
		}), nil
	}}
	k := newTestKeyring(t, doer, nil)
	_, err := k.VerifyKey(context.Background(), "origin.x.org", "ed25519:9")
	if err == nil {
		t.Fatalf("expected error for unknown key id")
	}
	var unknown ErrUnknownKeyID
	if !asUnknownKeyID(err, &unknown) {
		t.Fatalf("expected ErrUnknownKeyID, got %v", err)
	}
}

func asUnknownKeyID(err error, target *ErrUnknownKeyID) bool {
	if e, ok := err.(ErrUnknownKeyID); ok {
		*target = e
		return true
	}
	return false
}

func newTestKey(t *testing.T) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv, pub, nil
}

type errConnRefused struct{}

func (errConnRefused) Error() string { return "connection refused" }
