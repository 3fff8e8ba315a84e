package sync

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nexuschat/coreserver/roomserver/storage"
)

// ClientUserID resolves the Matrix user ID an inbound client request's
// access token was issued to.
type ClientUserID func(r *http.Request) (string, error)

// Register attaches GET /_matrix/client/v3/sync to router.
func Register(router *mux.Router, engine *Engine, userID ClientUserID) {
	router.HandleFunc("/_matrix/client/v3/sync", handleSync(engine, userID)).Methods(http.MethodGet)
}

func handleSync(engine *Engine, userID ClientUserID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := userID(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_MISSING_TOKEN", "error": err.Error()})
			return
		}

		q := r.URL.Query()
		req := Request{
			UserID:          user,
			DeviceID:        q.Get("device_id"),
			FullState:       q.Get("full_state") == "true",
			LazyLoadMembers: q.Get("filter") != "" && lazyLoadRequested(q.Get("filter")),
		}
		if since := q.Get("since"); since != "" {
			n, err := strconv.ParseInt(since, 10, 64)
			if err == nil {
				tok := Token(n)
				req.Since = &tok
			}
		}
		if timeoutMS := q.Get("timeout"); timeoutMS != "" {
			if n, err := strconv.Atoi(timeoutMS); err == nil {
				req.Timeout = time.Duration(n) * time.Millisecond
			}
		}

		resp, err := engine.Sync(r.Context(), req)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_UNKNOWN", "error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(encodeResponse(resp))
	}
}

// lazyLoadRequested reports whether the filter JSON sets
// "lazy_load_members":true under room.state or room.timeline; the rest of
// the Matrix filter grammar is ignored, since this server only needs the
// one flag that changes sync's membership-sending behavior.
func lazyLoadRequested(filterJSON string) bool {
	var parsed struct {
		Room struct {
			State struct {
				LazyLoadMembers bool `json:"lazy_load_members"`
			} `json:"state"`
			Timeline struct {
				LazyLoadMembers bool `json:"lazy_load_members"`
			} `json:"timeline"`
		} `json:"room"`
	}
	if err := json.Unmarshal([]byte(filterJSON), &parsed); err != nil {
		return false
	}
	return parsed.Room.State.LazyLoadMembers || parsed.Room.Timeline.LazyLoadMembers
}

// encodeResponse maps the internal Response onto the Matrix /sync wire
// shape.
func encodeResponse(resp *Response) map[string]interface{} {
	join := make(map[string]interface{}, len(resp.Join))
	for roomID, jr := range resp.Join {
		join[roomID] = map[string]interface{}{
			"timeline": map[string]interface{}{
				"events":    pduEvents(jr.Timeline),
				"limited":   jr.Limited,
				"prev_batch": strconv.FormatInt(int64(jr.PrevBatch), 10),
			},
			"state": map[string]interface{}{
				"events": pduEvents(jr.State),
			},
			"unread_notifications": map[string]interface{}{
				"notification_count": jr.NotificationCount,
				"highlight_count":    jr.HighlightCount,
			},
		}
	}
	invite := make(map[string]interface{}, len(resp.Invite))
	for roomID, ir := range resp.Invite {
		invite[roomID] = map[string]interface{}{
			"invite_state": map[string]interface{}{"events": ir.InviteState},
		}
	}
	leave := make(map[string]interface{}, len(resp.Leave))
	for roomID, lr := range resp.Leave {
		leave[roomID] = map[string]interface{}{
			"timeline": map[string]interface{}{"events": []json.RawMessage{lr.LeaveEvent}},
			"state":    map[string]interface{}{"events": pduEvents(lr.State)},
		}
	}
	return map[string]interface{}{
		"next_batch": strconv.FormatInt(int64(resp.NextBatch), 10),
		"rooms": map[string]interface{}{
			"join":   join,
			"invite": invite,
			"leave":  leave,
		},
		"device_lists": map[string]interface{}{
			"changed": orEmpty(resp.DeviceLists.Changed),
			"left":    orEmpty(resp.DeviceLists.Left),
		},
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func pduEvents(events []storage.StoredEvent) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.PDUJSON)
	}
	return out
}
