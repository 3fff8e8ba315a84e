// Package routing exposes the federation wire endpoints (make_join,
// send_join, make_leave, send_leave, invite) as thin gorilla/mux HTTP
// handlers: each decodes its request, delegates to federationapi/internal,
// and encodes the result, with no business logic of its own.
package routing

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nexuschat/coreserver/internal/eventauth"
	federation "github.com/nexuschat/coreserver/federationapi/internal"
	roomserverinternal "github.com/nexuschat/coreserver/roomserver/internal"
	"github.com/nexuschat/coreserver/roomserver/storage"
)

// ClientUserID resolves the Matrix user ID an inbound federation request's
// access token was issued to; a stub collaborator a client-facing
// component supplies, since this package only speaks the federation
// (server-to-server) side of the protocol.
type ClientUserID func(r *http.Request) (string, error)

// Register attaches the federation wire endpoints to router. make_join,
// send_join, make_leave and send_leave all answer StatusNotImplemented:
// serving them is the room-authoritative side of a join/leave, which this
// server does not act as (its own users' joins and leaves go out through
// federationapi/internal's Joiner/Leaver instead). Only invite is wired
// through to a handler.
func Register(router *mux.Router, db *storage.Database, joiner *federation.Joiner, leaver *federation.Leaver, inviteSender *federation.InviteSender, userID ClientUserID) {
	s := router.PathPrefix("/_matrix/federation/v2").Subrouter()

	s.HandleFunc("/make_join/{roomID}/{userID}", notLocalAuthorityHandler).Methods(http.MethodGet)
	s.HandleFunc("/send_join/{roomID}/{eventID}", notLocalAuthorityHandler).Methods(http.MethodPut)
	s.HandleFunc("/make_leave/{roomID}/{userID}", notLocalAuthorityHandler).Methods(http.MethodGet)
	s.HandleFunc("/send_leave/{roomID}/{eventID}", notLocalAuthorityHandler).Methods(http.MethodPut)
	s.HandleFunc("/invite/{roomID}/{eventID}", inviteHandler(db, inviteSender)).Methods(http.MethodPut)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"errcode": "M_UNKNOWN", "error": err.Error()})
}

func notLocalAuthorityHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, errNotLocalAuthority)
}

type inviteRequest struct {
	Event           json.RawMessage `json:"event"`
	RoomVersion     string          `json:"room_version"`
	InviteRoomState json.RawMessage `json:"invite_room_state"`
}

// inviteHandler accepts a federated invite PUT to a local user: the event
// and its accompanying invite_room_state are decoded, verified, and handed
// to InviteSender.ReceiveInvite, which applies the ignored-user policy and
// records the pending invite.
func inviteHandler(db *storage.Database, inviteSender *federation.InviteSender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomID"]

		var body inviteRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		version := eventauth.RoomVersion(body.RoomVersion)
		if !version.Supported() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported room version %q", body.RoomVersion))
			return
		}
		var stripped []roomserverinternal.StrippedStateEvent
		if len(body.InviteRoomState) > 0 {
			if err := json.Unmarshal(body.InviteRoomState, &stripped); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}

		count, err := db.CurrentCount(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if _, err := inviteSender.ReceiveInvite(r.Context(), roomID, version, body.Event, stripped, count+1); err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"event": body.Event})
	}
}

var errNotLocalAuthority = notImplementedError("this server does not yet act as the room-authoritative side of federation joins/leaves")

type notImplementedError string

func (e notImplementedError) Error() string { return string(e) }
