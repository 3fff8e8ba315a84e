// Package storage is the SQL-backed persistence layer for the room
// server: it satisfies roomserver/state.Store (short-ID interning and
// state snapshots) and additionally tracks room metadata, the event
// table, and forward extremities the timeline builder and event-ingress
// pipeline need. It runs unmodified against postgres (via lib/pq) and
// sqlite3 (via mattn/go-sqlite3 or modernc.org/sqlite), the same dual
// support the room server has always offered, by routing every query
// through rebind so "?" placeholders become "$1", "$2", ... on postgres.
package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nexuschat/coreserver/roomserver/state"
	"github.com/nexuschat/coreserver/roomserver/types"
)

// Database is the SQL-backed room server store.
type Database struct {
	db     *sql.DB
	driver string

	mu sync.Mutex // serializes the allocate-NID-then-insert sequences below
}

var _ state.Store = (*Database)(nil)

// NewDatabase opens db (already connected with the appropriate driver,
// "postgres" or "sqlite3"/"sqlite") and ensures the schema exists.
func NewDatabase(db *sql.DB, driver string) (*Database, error) {
	d := &Database{db: db, driver: driver}
	if err := d.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return d, nil
}

func (d *Database) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Database) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.rebind(query), args...)
}

func (d *Database) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.rebind(query), args...)
}

func (d *Database) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.db.QueryRowContext(ctx, d.rebind(query), args...)
}

// insertReturningID runs an INSERT and returns the newly allocated row ID.
// lib/pq doesn't implement sql.Result.LastInsertId, so on postgres the
// insert carries a RETURNING clause and the ID comes back through
// QueryRow instead; sqlite3/modernc.org's drivers support LastInsertId
// directly.
func (d *Database) insertReturningID(ctx context.Context, query, idColumn string, args ...interface{}) (int64, error) {
	if d.driver == "postgres" {
		var id int64
		err := d.queryRow(ctx, query+" RETURNING "+idColumn, args...).Scan(&id)
		return id, err
	}
	res, err := d.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *Database) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state_key_nids (
			nid INTEGER PRIMARY KEY,
			event_type TEXT NOT NULL,
			state_key TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS state_key_nids_idx ON state_key_nids (event_type, state_key)`,
		`CREATE TABLE IF NOT EXISTS event_nids (
			nid INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS state_snapshots (
			nid INTEGER PRIMARY KEY,
			hash BLOB NOT NULL UNIQUE,
			compressed BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			nid INTEGER PRIMARY KEY,
			room_id TEXT NOT NULL UNIQUE,
			room_version TEXT NOT NULL,
			state_snapshot_nid INTEGER NOT NULL DEFAULT 0,
			is_stub INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			nid INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			room_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_key TEXT,
			sender TEXT NOT NULL,
			depth INTEGER NOT NULL,
			origin_server_ts INTEGER NOT NULL,
			is_rejected INTEGER NOT NULL DEFAULT 0,
			is_redacted INTEGER NOT NULL DEFAULT 0,
			state_snapshot_nid INTEGER NOT NULL DEFAULT 0,
			pdu_json BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_room_idx ON events (room_id, depth)`,
		`CREATE TABLE IF NOT EXISTS prev_events (
			event_id TEXT NOT NULL,
			prev_event_id TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS prev_events_idx ON prev_events (event_id, prev_event_id)`,
		`CREATE TABLE IF NOT EXISTS forward_extremities (
			room_id TEXT NOT NULL,
			event_id TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS forward_extremities_idx ON forward_extremities (room_id, event_id)`,
		`CREATE TABLE IF NOT EXISTS invites (
			room_id TEXT NOT NULL,
			target TEXT NOT NULL,
			sender TEXT NOT NULL,
			stripped_state BLOB NOT NULL,
			count INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS invites_idx ON invites (room_id, target)`,
		`CREATE TABLE IF NOT EXISTS banned_rooms (
			room_id TEXT NOT NULL PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS forbidden_join_attempts (
			user_id TEXT NOT NULL PRIMARY KEY,
			attempts INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT NOT NULL PRIMARY KEY,
			is_deactivated INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS room_aliases (
			alias TEXT NOT NULL PRIMARY KEY,
			room_id TEXT NOT NULL,
			creator TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS room_aliases_room_idx ON room_aliases (room_id)`,
		`CREATE TABLE IF NOT EXISTS public_rooms (
			room_id TEXT NOT NULL PRIMARY KEY
		)`,
	}
	alters := []string{
		`ALTER TABLE events ADD COLUMN count INTEGER NOT NULL DEFAULT 0`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("exec %q: %w", s, err)
		}
	}
	// ALTER TABLE ... ADD COLUMN has no portable "if not exists" form
	// across postgres/sqlite3, so these are best-effort: a failure here
	// means the column already exists from a prior migrate() call.
	for _, s := range alters {
		d.db.ExecContext(ctx, s)
	}
	return nil
}

// --- roomserver/state.Store ---

func (d *Database) InternStateKey(eventType, stateKey string) (types.EventStateKeyNID, error) {
	ctx := context.Background()
	d.mu.Lock()
	defer d.mu.Unlock()

	var nid int64
	err := d.queryRow(ctx, `SELECT nid FROM state_key_nids WHERE event_type = ? AND state_key = ?`, eventType, stateKey).Scan(&nid)
	if err == nil {
		return types.EventStateKeyNID(nid), nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	id, err := d.insertReturningID(ctx, `INSERT INTO state_key_nids (event_type, state_key) VALUES (?, ?)`, "nid", eventType, stateKey)
	if err != nil {
		return 0, err
	}
	return types.EventStateKeyNID(id), nil
}

func (d *Database) InternEventID(eventID string) (types.EventNID, error) {
	ctx := context.Background()
	d.mu.Lock()
	defer d.mu.Unlock()

	var nid int64
	err := d.queryRow(ctx, `SELECT nid FROM event_nids WHERE event_id = ?`, eventID).Scan(&nid)
	if err == nil {
		return types.EventNID(nid), nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	id, err := d.insertReturningID(ctx, `INSERT INTO event_nids (event_id) VALUES (?)`, "nid", eventID)
	if err != nil {
		return 0, err
	}
	return types.EventNID(id), nil
}

func (d *Database) EventIDForNID(nid types.EventNID) (string, bool) {
	var eventID string
	err := d.queryRow(context.Background(), `SELECT event_id FROM event_nids WHERE nid = ?`, int64(nid)).Scan(&eventID)
	return eventID, err == nil
}

func (d *Database) StateKeyForNID(nid types.EventStateKeyNID) (eventType, stateKey string, ok bool) {
	err := d.queryRow(context.Background(), `SELECT event_type, state_key FROM state_key_nids WHERE nid = ?`, int64(nid)).Scan(&eventType, &stateKey)
	return eventType, stateKey, err == nil
}

func (d *Database) LookupSnapshotByHash(h [32]byte) (types.StateSnapshotNID, bool) {
	var nid int64
	err := d.queryRow(context.Background(), `SELECT nid FROM state_snapshots WHERE hash = ?`, h[:]).Scan(&nid)
	return types.StateSnapshotNID(nid), err == nil
}

func (d *Database) PutSnapshot(h [32]byte, compressed types.StateEntryList) types.StateSnapshotNID {
	ctx := context.Background()
	d.mu.Lock()
	defer d.mu.Unlock()

	id, err := d.insertReturningID(ctx, `INSERT INTO state_snapshots (hash, compressed) VALUES (?, ?)`, "nid", h[:], encodeCompressed(compressed))
	if err != nil {
		return 0
	}
	return types.StateSnapshotNID(id)
}

func (d *Database) Snapshot(nid types.StateSnapshotNID) (types.StateEntryList, bool) {
	var blob []byte
	err := d.queryRow(context.Background(), `SELECT compressed FROM state_snapshots WHERE nid = ?`, int64(nid)).Scan(&blob)
	if err != nil {
		return nil, false
	}
	return decodeCompressed(blob), true
}

func encodeCompressed(entries types.StateEntryList) []byte {
	buf := make([]byte, 0, len(entries)*16)
	var tmp [16]byte
	for _, e := range entries {
		binary.BigEndian.PutUint64(tmp[0:8], uint64(e.EventStateKeyNID))
		binary.BigEndian.PutUint64(tmp[8:16], uint64(e.EventNID))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeCompressed(blob []byte) types.StateEntryList {
	out := make(types.StateEntryList, 0, len(blob)/16)
	for i := 0; i+16 <= len(blob); i += 16 {
		out = append(out, types.StateEntry{
			EventStateKeyNID: types.EventStateKeyNID(binary.BigEndian.Uint64(blob[i : i+8])),
			EventNID:         types.EventNID(binary.BigEndian.Uint64(blob[i+8 : i+16])),
		})
	}
	return out
}

// --- room metadata ---

// RoomInfo returns the stored metadata for roomID, if the room is known.
func (d *Database) RoomInfo(roomID string) (types.RoomInfo, bool) {
	var info types.RoomInfo
	var stub int
	err := d.queryRow(context.Background(), `SELECT nid, room_version, state_snapshot_nid, is_stub FROM rooms WHERE room_id = ?`, roomID).
		Scan((*int64)(&info.RoomNID), &info.RoomVersion, (*int64)(&info.StateSnapshotNID), &stub)
	if err != nil {
		return types.RoomInfo{}, false
	}
	info.RoomID = roomID
	info.IsStub = stub != 0
	return info, true
}

// PutRoomInfo inserts or updates a room's metadata.
func (d *Database) PutRoomInfo(info types.RoomInfo) error {
	ctx := context.Background()
	_, err := d.exec(ctx, `INSERT INTO rooms (room_id, room_version, state_snapshot_nid, is_stub) VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET state_snapshot_nid = excluded.state_snapshot_nid, is_stub = excluded.is_stub`,
		info.RoomID, string(info.RoomVersion), int64(info.StateSnapshotNID), boolToInt(info.IsStub))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StoredEvent is a persisted PDU plus the room-server bookkeeping fields
// (resulting state snapshot, rejection/redaction flags) attached at ingress.
type StoredEvent struct {
	EventID        string
	RoomID         string
	EventType      string
	StateKey       *string
	Sender         string
	Depth          int64
	OriginServerTS int64
	IsRejected     bool
	IsRedacted     bool
	// StateSnapshotNID is the room state that results from applying this
	// event, not the state it was built against.
	StateSnapshotNID types.StateSnapshotNID
	// Count is this event's interned EventNID, used as the server's
	// monotone per-event Count: NIDs are allocated in insertion order and
	// never reused, so they double as the sync token's since/until
	// cursor without a separate counter table.
	Count   int64
	PDUJSON json.RawMessage
}

// PutEvent persists a fully-processed event.
func (d *Database) PutEvent(ev StoredEvent) error {
	ctx := context.Background()
	var stateKey interface{}
	if ev.StateKey != nil {
		stateKey = *ev.StateKey
	}
	_, err := d.exec(ctx, `INSERT INTO events
		(event_id, room_id, event_type, state_key, sender, depth, origin_server_ts, is_rejected, is_redacted, state_snapshot_nid, count, pdu_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET is_rejected = excluded.is_rejected, is_redacted = excluded.is_redacted, pdu_json = excluded.pdu_json`,
		ev.EventID, ev.RoomID, ev.EventType, stateKey, ev.Sender, ev.Depth, ev.OriginServerTS,
		boolToInt(ev.IsRejected), boolToInt(ev.IsRedacted), int64(ev.StateSnapshotNID), ev.Count, []byte(ev.PDUJSON))
	return err
}

// Event returns the stored PDU JSON and bookkeeping fields for eventID.
func (d *Database) Event(eventID string) (StoredEvent, bool) {
	var ev StoredEvent
	var stateKey sql.NullString
	var rejected, redacted int
	var pduJSON []byte
	err := d.queryRow(context.Background(), `SELECT event_id, room_id, event_type, state_key, sender, depth, origin_server_ts, is_rejected, is_redacted, state_snapshot_nid, count, pdu_json FROM events WHERE event_id = ?`, eventID).
		Scan(&ev.EventID, &ev.RoomID, &ev.EventType, &stateKey, &ev.Sender, &ev.Depth, &ev.OriginServerTS, &rejected, &redacted, (*int64)(&ev.StateSnapshotNID), &ev.Count, &pduJSON)
	if err != nil {
		return StoredEvent{}, false
	}
	if stateKey.Valid {
		ev.StateKey = &stateKey.String
	}
	ev.IsRejected = rejected != 0
	ev.IsRedacted = redacted != 0
	ev.PDUJSON = pduJSON
	return ev, true
}

// EventsSince returns roomID's non-rejected events with Count > sinceCount,
// oldest first, capped at limit (0 means unlimited). Used by the sync
// engine's timeline delta computation.
func (d *Database) EventsSince(ctx context.Context, roomID string, sinceCount int64, limit int) ([]StoredEvent, error) {
	query := `SELECT event_id, room_id, event_type, state_key, sender, depth, origin_server_ts, is_rejected, is_redacted, state_snapshot_nid, count, pdu_json
		FROM events WHERE room_id = ? AND count > ? AND is_rejected = 0 ORDER BY count ASC`
	args := []interface{}{roomID, sinceCount}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var stateKey sql.NullString
		var rejected, redacted int
		var pduJSON []byte
		if err := rows.Scan(&ev.EventID, &ev.RoomID, &ev.EventType, &stateKey, &ev.Sender, &ev.Depth, &ev.OriginServerTS, &rejected, &redacted, (*int64)(&ev.StateSnapshotNID), &ev.Count, &pduJSON); err != nil {
			return nil, err
		}
		if stateKey.Valid {
			ev.StateKey = &stateKey.String
		}
		ev.IsRejected = rejected != 0
		ev.IsRedacted = redacted != 0
		ev.PDUJSON = pduJSON
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestMembershipEvents returns userID's most recent m.room.member event
// in every room it has ever appeared in (one row per room_id, picked by
// highest Count), used by the sync engine to classify rooms into
// joined/invited/left.
func (d *Database) LatestMembershipEvents(ctx context.Context, userID string) ([]StoredEvent, error) {
	rows, err := d.query(ctx, `SELECT e.event_id, e.room_id, e.event_type, e.state_key, e.sender, e.depth, e.origin_server_ts, e.is_rejected, e.is_redacted, e.state_snapshot_nid, e.count, e.pdu_json
		FROM events e
		INNER JOIN (
			SELECT room_id, MAX(count) AS mc FROM events WHERE event_type = ? AND state_key = ? AND is_rejected = 0 GROUP BY room_id
		) latest ON e.room_id = latest.room_id AND e.count = latest.mc`, "m.room.member", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStoredEvents(rows)
}

// MembershipEventsSince returns userID's m.room.member events with
// Count > sinceCount, oldest first, used to detect join/leave transitions
// that happened during a sync window.
func (d *Database) MembershipEventsSince(ctx context.Context, userID string, sinceCount int64) ([]StoredEvent, error) {
	rows, err := d.query(ctx, `SELECT event_id, room_id, event_type, state_key, sender, depth, origin_server_ts, is_rejected, is_redacted, state_snapshot_nid, count, pdu_json
		FROM events WHERE event_type = ? AND state_key = ? AND count > ? AND is_rejected = 0 ORDER BY count ASC`, "m.room.member", userID, sinceCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStoredEvents(rows)
}

func scanStoredEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var stateKey sql.NullString
		var rejected, redacted int
		var pduJSON []byte
		if err := rows.Scan(&ev.EventID, &ev.RoomID, &ev.EventType, &stateKey, &ev.Sender, &ev.Depth, &ev.OriginServerTS, &rejected, &redacted, (*int64)(&ev.StateSnapshotNID), &ev.Count, &pduJSON); err != nil {
			return nil, err
		}
		if stateKey.Valid {
			ev.StateKey = &stateKey.String
		}
		ev.IsRejected = rejected != 0
		ev.IsRedacted = redacted != 0
		ev.PDUJSON = pduJSON
		out = append(out, ev)
	}
	return out, rows.Err()
}

// StateSnapshotAtCount returns the state snapshot in effect in roomID at
// Count (the snapshot produced by the latest non-rejected event with
// Count <= count). Since every stored event is already stamped with the
// snapshot it produced, a sync token's implied state is simply "whatever
// the most recent event at or before that token left behind" — no
// separate (room, count) -> snapshot table is needed.
func (d *Database) StateSnapshotAtCount(ctx context.Context, roomID string, count int64) (types.StateSnapshotNID, bool) {
	var nid int64
	err := d.queryRow(ctx, `SELECT state_snapshot_nid FROM events WHERE room_id = ? AND count <= ? AND is_rejected = 0 ORDER BY count DESC LIMIT 1`, roomID, count).Scan(&nid)
	if err != nil {
		return 0, false
	}
	return types.StateSnapshotNID(nid), true
}

// CurrentCount returns the greatest Count allocated across every room,
// i.e. the server-wide monotone cursor a fresh sync's next_batch starts
// from.
func (d *Database) CurrentCount(ctx context.Context) (int64, error) {
	var count int64
	err := d.queryRow(ctx, `SELECT COALESCE(MAX(nid), 0) FROM event_nids`).Scan(&count)
	return count, err
}

// InviteState is the stripped-state summary recorded for a pending invite.
type InviteState struct {
	RoomID, Target, Sender string
	StrippedState          json.RawMessage
	Count                  int64
}

// PutInvite records (or replaces) the stripped-state summary for an
// invite to target in roomID.
func (d *Database) PutInvite(inv InviteState) error {
	_, err := d.exec(context.Background(), `INSERT INTO invites (room_id, target, sender, stripped_state, count) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, target) DO UPDATE SET sender = excluded.sender, stripped_state = excluded.stripped_state, count = excluded.count`,
		inv.RoomID, inv.Target, inv.Sender, []byte(inv.StrippedState), inv.Count)
	return err
}

// Invite returns target's pending invite to roomID, if any.
func (d *Database) Invite(roomID, target string) (InviteState, bool) {
	var inv InviteState
	var raw []byte
	err := d.queryRow(context.Background(), `SELECT room_id, target, sender, stripped_state, count FROM invites WHERE room_id = ? AND target = ?`, roomID, target).
		Scan(&inv.RoomID, &inv.Target, &inv.Sender, &raw, &inv.Count)
	if err != nil {
		return InviteState{}, false
	}
	inv.StrippedState = raw
	return inv, true
}

// InvitesForUser returns every pending invite recorded for target with
// Count > sinceCount, used by sync's invited-room section.
func (d *Database) InvitesForUser(ctx context.Context, target string, sinceCount int64) ([]InviteState, error) {
	rows, err := d.query(ctx, `SELECT room_id, target, sender, stripped_state, count FROM invites WHERE target = ? AND count > ?`, target, sinceCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InviteState
	for rows.Next() {
		var inv InviteState
		var raw []byte
		if err := rows.Scan(&inv.RoomID, &inv.Target, &inv.Sender, &raw, &inv.Count); err != nil {
			return nil, err
		}
		inv.StrippedState = raw
		out = append(out, inv)
	}
	return out, rows.Err()
}

// DeleteInvite drops a pending invite, e.g. once the target joins, leaves,
// or rejects it.
func (d *Database) DeleteInvite(roomID, target string) error {
	_, err := d.exec(context.Background(), `DELETE FROM invites WHERE room_id = ? AND target = ?`, roomID, target)
	return err
}

// IsRoomBanned reports whether roomID has been banned on this homeserver,
// e.g. for abuse; Membership.HandleBannedRoomJoin rejects joins to a
// banned room.
func (d *Database) IsRoomBanned(ctx context.Context, roomID string) (bool, error) {
	var reason string
	err := d.queryRow(ctx, `SELECT reason FROM banned_rooms WHERE room_id = ?`, roomID).Scan(&reason)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// BanRoom marks roomID as banned on this homeserver.
func (d *Database) BanRoom(ctx context.Context, roomID, reason string) error {
	_, err := d.exec(ctx, `INSERT INTO banned_rooms (room_id, reason) VALUES (?, ?)
		ON CONFLICT (room_id) DO UPDATE SET reason = excluded.reason`, roomID, reason)
	return err
}

// RecordForbiddenJoinAttempt increments and returns userID's running count
// of rejected join attempts against banned rooms, the counter
// roomserver/internal's Membership guard escalates into an account
// deactivation once it crosses a threshold.
func (d *Database) RecordForbiddenJoinAttempt(ctx context.Context, userID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.driver == "postgres" {
		var attempts int64
		err := d.queryRow(ctx, `INSERT INTO forbidden_join_attempts (user_id, attempts) VALUES (?, 1)
			ON CONFLICT (user_id) DO UPDATE SET attempts = forbidden_join_attempts.attempts + 1
			RETURNING attempts`, userID).Scan(&attempts)
		return attempts, err
	}
	if _, err := d.exec(ctx, `INSERT INTO forbidden_join_attempts (user_id, attempts) VALUES (?, 1)
		ON CONFLICT (user_id) DO UPDATE SET attempts = attempts + 1`, userID); err != nil {
		return 0, err
	}
	var attempts int64
	err := d.queryRow(ctx, `SELECT attempts FROM forbidden_join_attempts WHERE user_id = ?`, userID).Scan(&attempts)
	return attempts, err
}

// IsAccountDeactivated reports whether userID's account has been
// deactivated.
func (d *Database) IsAccountDeactivated(ctx context.Context, userID string) (bool, error) {
	var deactivated bool
	err := d.queryRow(ctx, `SELECT is_deactivated FROM accounts WHERE user_id = ?`, userID).Scan(&deactivated)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return deactivated, nil
}

// DeactivateAccount marks userID's account deactivated.
func (d *Database) DeactivateAccount(ctx context.Context, userID string) error {
	_, err := d.exec(ctx, `INSERT INTO accounts (user_id, is_deactivated) VALUES (?, 1)
		ON CONFLICT (user_id) DO UPDATE SET is_deactivated = 1`, userID)
	return err
}

// ErrAliasExists is returned by PutRoomAlias when alias already maps to a
// different room.
var ErrAliasExists = fmt.Errorf("storage: alias already in use")

// LookupRoomAlias resolves a normalized room alias to its room ID, if any
// local mapping exists.
func (d *Database) LookupRoomAlias(ctx context.Context, alias string) (string, bool) {
	var roomID string
	err := d.queryRow(ctx, `SELECT room_id FROM room_aliases WHERE alias = ?`, alias).Scan(&roomID)
	return roomID, err == nil
}

// PutRoomAlias creates a new alias -> roomID mapping, recording creator
// for later authorization of deletes. Returns ErrAliasExists if alias is
// already bound to a different room.
func (d *Database) PutRoomAlias(ctx context.Context, alias, roomID, creator string) error {
	existing, ok := d.LookupRoomAlias(ctx, alias)
	if ok && existing != roomID {
		return ErrAliasExists
	}
	_, err := d.exec(ctx, `INSERT INTO room_aliases (alias, room_id, creator) VALUES (?, ?, ?)
		ON CONFLICT (alias) DO UPDATE SET room_id = excluded.room_id`, alias, roomID, creator)
	return err
}

// AliasCreator returns who created alias, if it exists.
func (d *Database) AliasCreator(ctx context.Context, alias string) (string, bool) {
	var creator string
	err := d.queryRow(ctx, `SELECT creator FROM room_aliases WHERE alias = ?`, alias).Scan(&creator)
	return creator, err == nil
}

// DeleteRoomAlias removes a local alias mapping.
func (d *Database) DeleteRoomAlias(ctx context.Context, alias string) error {
	_, err := d.exec(ctx, `DELETE FROM room_aliases WHERE alias = ?`, alias)
	return err
}

// AliasesForRoom returns every local alias pointing at roomID.
func (d *Database) AliasesForRoom(ctx context.Context, roomID string) ([]string, error) {
	rows, err := d.query(ctx, `SELECT alias FROM room_aliases WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, err
		}
		out = append(out, alias)
	}
	return out, rows.Err()
}

// SetRoomPublished adds or removes roomID from this homeserver's public
// room directory.
func (d *Database) SetRoomPublished(ctx context.Context, roomID string, published bool) error {
	if !published {
		_, err := d.exec(ctx, `DELETE FROM public_rooms WHERE room_id = ?`, roomID)
		return err
	}
	_, err := d.exec(ctx, `INSERT INTO public_rooms (room_id) VALUES (?) ON CONFLICT DO NOTHING`, roomID)
	return err
}

// IsRoomPublished reports whether roomID is listed in the public
// directory.
func (d *Database) IsRoomPublished(ctx context.Context, roomID string) (bool, error) {
	var dummy string
	err := d.queryRow(ctx, `SELECT room_id FROM public_rooms WHERE room_id = ?`, roomID).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PublicRooms returns every room ID currently listed in the public
// directory.
func (d *Database) PublicRooms(ctx context.Context) ([]string, error) {
	rows, err := d.query(ctx, `SELECT room_id FROM public_rooms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		out = append(out, roomID)
	}
	return out, rows.Err()
}

// PutPrevEvents records eventID's prev_events edges for auth/DAG walks.
func (d *Database) PutPrevEvents(eventID string, prevEventIDs []string) error {
	ctx := context.Background()
	for _, prev := range prevEventIDs {
		if _, err := d.exec(ctx, `INSERT INTO prev_events (event_id, prev_event_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, eventID, prev); err != nil {
			return err
		}
	}
	return nil
}

// ForwardExtremities returns the current forward extremities (events with
// no known children) for roomID.
func (d *Database) ForwardExtremities(roomID string) ([]string, error) {
	rows, err := d.query(context.Background(), `SELECT event_id FROM forward_extremities WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpdateForwardExtremities replaces the forward-extremity set for roomID:
// removing newEvent's prev_events (no longer childless) and adding
// newEvent itself.
func (d *Database) UpdateForwardExtremities(roomID, newEventID string, prevEventIDs []string) error {
	ctx := context.Background()
	for _, prev := range prevEventIDs {
		if _, err := d.exec(ctx, `DELETE FROM forward_extremities WHERE room_id = ? AND event_id = ?`, roomID, prev); err != nil {
			return err
		}
	}
	_, err := d.exec(ctx, `INSERT INTO forward_extremities (room_id, event_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, roomID, newEventID)
	return err
}

// TimelineCount returns the number of non-rejected events persisted for
// roomID.
func (d *Database) TimelineCount(ctx context.Context, roomID string) (int64, error) {
	var count int64
	err := d.queryRow(ctx, `SELECT COUNT(*) FROM events WHERE room_id = ? AND is_rejected = 0`, roomID).Scan(&count)
	return count, err
}
