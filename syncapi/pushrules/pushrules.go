// Package pushrules evaluates timeline events against a minimal,
// hard-coded default push ruleset, the one Matrix gives every account
// that has never edited its rules, to produce the notification_count and
// highlight_count a sync response reports per room. Full per-user
// push-rule storage and editing is a separate concern this package does
// not implement.
package pushrules

import (
	"encoding/json"
	"strings"

	"github.com/nexuschat/coreserver/internal/eventauth"
	"github.com/nexuschat/coreserver/roomserver/storage"
)

// Outcome is what a matched rule decided for one event.
type Outcome struct {
	Notify    bool
	Highlight bool
}

// Profile is the syncing user's own identity, needed to evaluate the
// contains-display-name and contains-user-name content rules.
type Profile struct {
	UserID      string
	DisplayName string
}

// localpart returns the part of a Matrix user ID before the colon, e.g.
// "alice" from "@alice:example.com".
func localpart(userID string) string {
	userID = strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(userID, ':'); i >= 0 {
		return userID[:i]
	}
	return userID
}

type eventBody struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// Evaluate reports whether ev should count toward notification_count and
// highlight_count for profile, per the default ruleset's override,
// content, then underride precedence (first match wins). The syncing
// user's own events never notify themselves.
func Evaluate(ev storage.StoredEvent, profile Profile) Outcome {
	if ev.Sender == profile.UserID {
		return Outcome{}
	}

	var body eventBody
	_ = json.Unmarshal(contentOf(ev.PDUJSON), &body)

	// override rules
	switch {
	case ev.EventType == eventauth.RoomMemberType:
		// .m.rule.member_event: never notify on membership changes.
		return Outcome{}
	case body.MsgType == "m.notice":
		// .m.rule.suppress_notices
		return Outcome{}
	case ev.EventType == "m.room.tombstone" && ev.StateKey != nil && *ev.StateKey == "":
		// .m.rule.tombstone
		return Outcome{Notify: true, Highlight: true}
	case containsDisplayName(body.Body, profile.DisplayName):
		// .m.rule.contains_display_name
		return Outcome{Notify: true, Highlight: true}
	}

	// content rules
	if containsWord(body.Body, localpart(profile.UserID)) {
		// .m.rule.contains_user_name
		return Outcome{Notify: true, Highlight: true}
	}

	// underride rules
	switch ev.EventType {
	case "m.call.invite":
		return Outcome{Notify: true}
	case "m.room.message", "m.room.encrypted":
		return Outcome{Notify: true}
	}

	return Outcome{}
}

// Count evaluates every event in timeline and tallies the notify/highlight
// totals a sync response's unread_notifications block reports.
func Count(timeline []storage.StoredEvent, profile Profile) (notificationCount, highlightCount int64) {
	for _, ev := range timeline {
		outcome := Evaluate(ev, profile)
		if outcome.Notify {
			notificationCount++
		}
		if outcome.Highlight {
			highlightCount++
		}
	}
	return notificationCount, highlightCount
}

func contentOf(pduJSON json.RawMessage) json.RawMessage {
	var envelope struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(pduJSON, &envelope); err != nil {
		return nil
	}
	return envelope.Content
}

func containsDisplayName(body, displayName string) bool {
	if displayName == "" {
		return false
	}
	return containsWord(body, displayName)
}

// containsWord reports whether word appears in body as a whole word
// (case-insensitive), the same boundary the real contains_user_name and
// contains_display_name conditions apply so that e.g. "ian" doesn't match
// inside "median".
func containsWord(body, word string) bool {
	if word == "" {
		return false
	}
	body = strings.ToLower(body)
	word = strings.ToLower(word)
	idx := 0
	for {
		pos := strings.Index(body[idx:], word)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(rune(body[start-1]))
		afterOK := end == len(body) || !isWordChar(rune(body[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
