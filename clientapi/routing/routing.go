// Package routing exposes the client-facing room directory endpoints
// (alias resolution/creation/deletion and the public room list) as thin
// gorilla/mux HTTP handlers over roomserver/internal's Directory.
package routing

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	roomserverinternal "github.com/nexuschat/coreserver/roomserver/internal"
)

// ClientUserID resolves the Matrix user ID an inbound client request's
// access token was issued to.
type ClientUserID func(r *http.Request) (string, error)

// Register attaches the directory endpoints to router.
func Register(router *mux.Router, dir *roomserverinternal.Directory, userID ClientUserID) {
	router.HandleFunc("/_matrix/client/v3/directory/room/{roomAlias}", resolveAliasHandler(dir)).Methods(http.MethodGet)
	router.HandleFunc("/_matrix/client/v3/directory/room/{roomAlias}", createAliasHandler(dir, userID)).Methods(http.MethodPut)
	router.HandleFunc("/_matrix/client/v3/directory/room/{roomAlias}", deleteAliasHandler(dir, userID)).Methods(http.MethodDelete)
	router.HandleFunc("/_matrix/client/v3/publicRooms", publicRoomsHandler(dir)).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func resolveAliasHandler(dir *roomserverinternal.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alias := mux.Vars(r)["roomAlias"]
		roomID, ok := dir.Resolve(r.Context(), alias)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "room alias not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"room_id": roomID, "servers": []string{}})
	}
}

type createAliasRequest struct {
	RoomID string `json:"room_id"`
}

func createAliasHandler(dir *roomserverinternal.Directory, userID ClientUserID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := userID(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_MISSING_TOKEN", "error": err.Error()})
			return
		}
		alias := mux.Vars(r)["roomAlias"]
		var body createAliasRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"errcode": "M_BAD_JSON", "error": err.Error()})
			return
		}
		if err := dir.CreateAlias(r.Context(), alias, body.RoomID, user); err != nil {
			if _, ok := err.(roomserverinternal.ErrAliasTaken); ok {
				writeJSON(w, http.StatusConflict, map[string]string{"errcode": "M_ROOM_IN_USE", "error": err.Error()})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"errcode": "M_UNKNOWN", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{})
	}
}

func deleteAliasHandler(dir *roomserverinternal.Directory, userID ClientUserID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := userID(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_MISSING_TOKEN", "error": err.Error()})
			return
		}
		alias := mux.Vars(r)["roomAlias"]
		if err := dir.DeleteAlias(r.Context(), alias, user); err != nil {
			if _, ok := err.(roomserverinternal.ErrNotAliasCreator); ok {
				writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": err.Error()})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"errcode": "M_UNKNOWN", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{})
	}
}

func publicRoomsHandler(dir *roomserverinternal.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := dir.ListPublicRooms(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"errcode": "M_UNKNOWN", "error": err.Error()})
			return
		}
		chunk := make([]map[string]interface{}, 0, len(entries))
		for _, e := range entries {
			entry := map[string]interface{}{
				"room_id":           e.RoomID,
				"num_joined_members": e.NumJoined,
			}
			if len(e.Aliases) > 0 {
				entry["aliases"] = e.Aliases
				entry["canonical_alias"] = e.Aliases[0]
			}
			chunk = append(chunk, entry)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"chunk":      chunk,
			"total_room_count_estimate": len(chunk),
		})
	}
}
