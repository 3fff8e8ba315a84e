// Package federation is the outbound federation client: signed HTTP
// requests to remote homeservers for the join/leave/invite handshakes and
// server-key queries, plus the join/leave orchestration that drives the
// room server's ingress pipeline from a remote response.
package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/sjson"

	"github.com/nexuschat/coreserver/internal/eventcrypto"
)

// HTTPDoer is the subset of *http.Client the federation client needs;
// tests inject a fake, matching the same seam internal/keyring uses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client makes signed federation requests on behalf of Origin.
type Client struct {
	Doer   HTTPDoer
	Origin string
	KeyID  string
	Priv   ed25519.PrivateKey
}

// NewClient constructs a Client that signs every outbound request with
// (origin, keyID, priv) per the X-Matrix request-signing convention.
func NewClient(doer HTTPDoer, origin, keyID string, priv ed25519.PrivateKey) *Client {
	return &Client{Doer: doer, Origin: origin, KeyID: keyID, Priv: priv}
}

// sign builds the canonical-JSON object an X-Matrix Authorization header
// signs (method, request URI, origin, destination, and the request body,
// omitted for bodiless requests) and returns the resulting header value.
func (c *Client) sign(method, requestURI, destination string, body []byte) (string, error) {
	desc := map[string]interface{}{
		"method":      method,
		"uri":         requestURI,
		"origin":      c.Origin,
		"destination": destination,
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	if len(body) > 0 {
		var content interface{}
		if err := json.Unmarshal(body, &content); err != nil {
			return "", fmt.Errorf("federation: decode request body: %w", err)
		}
		raw, err = sjson.SetBytes(raw, "content", content)
		if err != nil {
			return "", err
		}
	}
	canon, err := eventcrypto.CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(c.Priv, canon)
	return fmt.Sprintf(`X-Matrix origin=%q,key="%s",sig="%s"`, c.Origin, c.KeyID, base64.RawStdEncoding.EncodeToString(sig)), nil
}

// doSigned issues a federation request to destination, signing it with
// the X-Matrix convention, and returns the decoded JSON body.
func (c *Client) doSigned(ctx context.Context, method, destination, path string, body []byte, out interface{}) error {
	url := fmt.Sprintf("matrix-federation://%s%s", destination, path)
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	auth, err := c.sign(method, path, destination, body)
	if err != nil {
		return fmt.Errorf("federation: sign request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Doer.Do(req)
	if err != nil {
		return fmt.Errorf("federation: request %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("federation: %s %s returned %d: %s", method, url, resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("federation: decode response from %s: %w", destination, err)
	}
	return nil
}

// MakeJoinResponse is the body of a /make_join response: a template join
// event plus the room versions the remote would accept it for.
type MakeJoinResponse struct {
	Event       json.RawMessage `json:"event"`
	RoomVersion string          `json:"room_version"`
}

// MakeJoin requests a template join event for (roomID, userID) from
// destination, offering supportedVersions.
func (c *Client) MakeJoin(ctx context.Context, destination, roomID, userID string, supportedVersions []string) (*MakeJoinResponse, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/make_join/%s/%s?ver=%s", roomID, userID, joinVersions(supportedVersions))
	var out MakeJoinResponse
	if err := c.doSigned(ctx, http.MethodGet, destination, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func joinVersions(versions []string) string {
	s := ""
	for i, v := range versions {
		if i > 0 {
			s += "&ver="
		}
		s += v
	}
	return s
}

// SendJoinResponse is the body of a /send_join response: the room's
// pre-join state and the auth chain for every event it contains, plus
// (room version >= 8) a re-signed copy of our own join event.
type SendJoinResponse struct {
	State     []json.RawMessage `json:"state"`
	AuthChain []json.RawMessage `json:"auth_chain"`
	Event     json.RawMessage   `json:"event,omitempty"`
}

// SendJoin submits a signed join event to destination and returns the
// room's pre-join state.
func (c *Client) SendJoin(ctx context.Context, destination, roomID, eventID string, signedEvent json.RawMessage) (*SendJoinResponse, error) {
	path := fmt.Sprintf("/_matrix/federation/v2/send_join/%s/%s", roomID, eventID)
	var out SendJoinResponse
	if err := c.doSigned(ctx, http.MethodPut, destination, path, signedEvent, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MakeLeave requests a template leave event for (roomID, userID).
func (c *Client) MakeLeave(ctx context.Context, destination, roomID, userID string) (*MakeJoinResponse, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/make_leave/%s/%s", roomID, userID)
	var out MakeJoinResponse
	if err := c.doSigned(ctx, http.MethodGet, destination, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendLeave submits a signed leave event to destination.
func (c *Client) SendLeave(ctx context.Context, destination, roomID, eventID string, signedEvent json.RawMessage) error {
	path := fmt.Sprintf("/_matrix/federation/v2/send_leave/%s/%s", roomID, eventID)
	return c.doSigned(ctx, http.MethodPut, destination, path, signedEvent, nil)
}

// InviteResponse is the body of a /invite response: the same event,
// re-signed by the target server.
type InviteResponse struct {
	Event json.RawMessage `json:"event"`
}

// SendInvite delivers a signed invite event to destination and returns
// the target server's re-signed copy.
func (c *Client) SendInvite(ctx context.Context, destination, roomID, eventID string, signedEvent json.RawMessage) (*InviteResponse, error) {
	path := fmt.Sprintf("/_matrix/federation/v2/invite/%s/%s", roomID, eventID)
	var out InviteResponse
	if err := c.doSigned(ctx, http.MethodPut, destination, path, signedEvent, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
