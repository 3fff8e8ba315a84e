// Package keyring acquires and caches the Ed25519 verify keys federation
// uses to check signatures on incoming PDUs and transactions: a direct
// GET against the origin server's /_matrix/key/v2/server, falling back to
// a configured notary server's /_matrix/key/v2/query when the origin is
// unreachable or its response doesn't cover the requested key ID.
package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nexuschat/coreserver/internal/caching"
)

// VerifyKey is a single Ed25519 verify key as served in a /key/v2/server
// response's verify_keys or old_verify_keys map.
type VerifyKey struct {
	Key string `json:"key"`
}

// ServerKeyResponse is a (signed) /_matrix/key/v2/server response body.
type ServerKeyResponse struct {
	ServerName    string                 `json:"server_name"`
	VerifyKeys    map[string]VerifyKey   `json:"verify_keys"`
	OldVerifyKeys map[string]VerifyKey   `json:"old_verify_keys"`
	ValidUntilTS  int64                  `json:"valid_until_ts"`
	Signatures    map[string]map[string]string `json:"signatures"`
}

// ErrUnknownKeyID is returned when neither a direct fetch nor any
// configured notary could produce a verify key for the requested key ID.
type ErrUnknownKeyID struct {
	ServerName string
	KeyID      string
}

func (e ErrUnknownKeyID) Error() string {
	return fmt.Sprintf("keyring: no verify key %s for server %s", e.KeyID, e.ServerName)
}

// HTTPDoer is the subset of *http.Client the keyring needs; tests supply a
// fake.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Keyring fetches and caches remote servers' signing keys.
type Keyring struct {
	client         HTTPDoer
	notaryServers  []string
	caches         *caching.Caches
	ttl            *caching.TTLCaches
	maxCacheTTL    time.Duration
	log            *logrus.Entry
}

// NewKeyring constructs a Keyring. notaryServers is tried in order when a
// direct fetch from the origin server fails.
func NewKeyring(client HTTPDoer, notaryServers []string, caches *caching.Caches, ttl *caching.TTLCaches) *Keyring {
	return &Keyring{
		client:        client,
		notaryServers: notaryServers,
		caches:        caches,
		ttl:           ttl,
		maxCacheTTL:   24 * time.Hour,
		log:           logrus.WithField("component", "keyring"),
	}
}

// VerifyKey returns the Ed25519 public key serverName has published under
// keyID, fetching and caching it if necessary.
func (k *Keyring) VerifyKey(ctx context.Context, serverName, keyID string) (ed25519.PublicKey, error) {
	cacheKey := serverName + "\x1f" + keyID
	if raw, ok := k.caches.ServerKeys.Get(cacheKey); ok {
		return ed25519.PublicKey(raw), nil
	}

	resp, err := k.fetchDirect(ctx, serverName)
	if err != nil {
		k.log.WithError(err).WithField("server", serverName).Warn("direct key fetch failed, falling back to notary")
		resp, err = k.fetchViaNotary(ctx, serverName)
		if err != nil {
			return nil, err
		}
		k.ttl.MarkNotaryFallback(serverName, true)
	} else {
		k.ttl.MarkNotaryFallback(serverName, false)
		if _, ok, _ := keyFromResponse(resp, keyID); !ok && len(k.notaryServers) > 0 {
			if notaryResp, nerr := k.fetchViaNotary(ctx, serverName); nerr == nil {
				resp = notaryResp
				k.ttl.MarkNotaryFallback(serverName, true)
			}
		}
	}

	pub, ok, err := keyFromResponse(resp, keyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownKeyID{ServerName: serverName, KeyID: keyID}
	}

	ttl := k.maxCacheTTL
	if resp.ValidUntilTS > 0 {
		untilUnix := time.UnixMilli(resp.ValidUntilTS)
		if d := time.Until(untilUnix); d > 0 && d < ttl {
			ttl = d
		}
	}
	k.caches.ServerKeys.SetWithTTL(cacheKey, []byte(pub), int64(len(pub)), ttl)
	return pub, nil
}

func keyFromResponse(resp *ServerKeyResponse, keyID string) (ed25519.PublicKey, bool, error) {
	vk, ok := resp.VerifyKeys[keyID]
	if !ok {
		vk, ok = resp.OldVerifyKeys[keyID]
		if !ok {
			return nil, false, nil
		}
	}
	raw, err := base64.RawStdEncoding.DecodeString(vk.Key)
	if err != nil {
		return nil, false, fmt.Errorf("keyring: decode verify key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, false, fmt.Errorf("keyring: verify key wrong size: %d", len(raw))
	}
	return ed25519.PublicKey(raw), true, nil
}

func (k *Keyring) fetchDirect(ctx context.Context, serverName string) (*ServerKeyResponse, error) {
	url := fmt.Sprintf("matrix-federation://%s/_matrix/key/v2/server", serverName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return k.doAndDecode(req)
}

func (k *Keyring) fetchViaNotary(ctx context.Context, serverName string) (*ServerKeyResponse, error) {
	var lastErr error
	for _, notary := range k.notaryServers {
		url := fmt.Sprintf("matrix-federation://%s/_matrix/key/v2/query/%s", notary, serverName)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := k.doAndDecode(req)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("keyring: no notary servers configured for %s", serverName)
	}
	return nil, fmt.Errorf("keyring: all notaries failed for %s: %w", serverName, lastErr)
}

func (k *Keyring) doAndDecode(req *http.Request) (*ServerKeyResponse, error) {
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyring: unexpected status %d from %s", resp.StatusCode, req.URL)
	}
	var out ServerKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("keyring: decode response: %w", err)
	}
	return &out, nil
}
