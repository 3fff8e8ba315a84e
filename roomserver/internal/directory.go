package internal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nexuschat/coreserver/internal/eventauth"
	"github.com/nexuschat/coreserver/internal/util"
	"github.com/nexuschat/coreserver/roomserver/state"
	"github.com/nexuschat/coreserver/roomserver/storage"
)

func unmarshalMemberContent(pduJSON json.RawMessage, content *eventauth.MemberContent) error {
	var envelope struct {
		Content eventauth.MemberContent `json:"content"`
	}
	if err := json.Unmarshal(pduJSON, &envelope); err != nil {
		return err
	}
	*content = envelope.Content
	return nil
}

// ErrAliasTaken is returned when an alias creation targets an alias
// already bound to a different room.
type ErrAliasTaken struct {
	Alias string
}

func (e ErrAliasTaken) Error() string {
	return fmt.Sprintf("internal: alias %s is already in use", e.Alias)
}

// ErrNotAliasCreator is returned when a user who didn't create an alias
// tries to delete it.
type ErrNotAliasCreator struct {
	Alias, UserID string
}

func (e ErrNotAliasCreator) Error() string {
	return fmt.Sprintf("internal: %s did not create alias %s", e.UserID, e.Alias)
}

// Directory resolves and manages the bidirectional mapping between
// "#localpart:server" room aliases and room IDs, and this homeserver's
// public room directory listing.
type Directory struct {
	DB       *storage.Database
	Accessor *state.Accessor
}

// NewDirectory constructs a Directory.
func NewDirectory(db *storage.Database, accessor *state.Accessor) *Directory {
	return &Directory{DB: db, Accessor: accessor}
}

// Resolve normalizes alias and looks up the room ID it currently maps to.
func (d *Directory) Resolve(ctx context.Context, alias string) (roomID string, ok bool) {
	return d.DB.LookupRoomAlias(ctx, util.NormalizeRoomAlias(alias))
}

// CreateAlias binds alias to roomID, recording creator. Fails with
// ErrAliasTaken if alias already points somewhere else.
func (d *Directory) CreateAlias(ctx context.Context, alias, roomID, creator string) error {
	alias = util.NormalizeRoomAlias(alias)
	if err := d.DB.PutRoomAlias(ctx, alias, roomID, creator); err != nil {
		if err == storage.ErrAliasExists {
			return ErrAliasTaken{Alias: alias}
		}
		return err
	}
	return nil
}

// DeleteAlias removes alias, provided requester created it.
func (d *Directory) DeleteAlias(ctx context.Context, alias, requester string) error {
	alias = util.NormalizeRoomAlias(alias)
	creator, ok := d.DB.AliasCreator(ctx, alias)
	if !ok {
		return nil
	}
	if creator != requester {
		return ErrNotAliasCreator{Alias: alias, UserID: requester}
	}
	return d.DB.DeleteRoomAlias(ctx, alias)
}

// AliasesForRoom lists every local alias pointing at roomID.
func (d *Directory) AliasesForRoom(ctx context.Context, roomID string) ([]string, error) {
	return d.DB.AliasesForRoom(ctx, roomID)
}

// SetPublished adds or removes roomID from the public room directory.
func (d *Directory) SetPublished(ctx context.Context, roomID string, published bool) error {
	return d.DB.SetRoomPublished(ctx, roomID, published)
}

// PublicRoomEntry summarizes one room in a /publicRooms listing.
type PublicRoomEntry struct {
	RoomID    string
	Aliases   []string
	NumJoined int64
}

// ListPublicRooms returns every published room with its known aliases and
// current joined-member count.
func (d *Directory) ListPublicRooms(ctx context.Context) ([]PublicRoomEntry, error) {
	roomIDs, err := d.DB.PublicRooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PublicRoomEntry, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		aliases, err := d.DB.AliasesForRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		out = append(out, PublicRoomEntry{RoomID: roomID, Aliases: aliases, NumJoined: d.joinedMemberCount(roomID)})
	}
	return out, nil
}

// joinedMemberCount counts the members with membership=join in roomID's
// current state; it returns 0 for an unknown room rather than an error,
// since a public-room listing should degrade gracefully rather than fail
// entirely over one room's bookkeeping gap.
func (d *Directory) joinedMemberCount(roomID string) int64 {
	info, known := d.DB.RoomInfo(roomID)
	if !known {
		return 0
	}
	var count int64
	for tuple, eventID := range d.Accessor.StateTuples(info.StateSnapshotNID) {
		if tuple.Type != eventauth.RoomMemberType {
			continue
		}
		ev, ok := d.DB.Event(eventID)
		if !ok {
			continue
		}
		var content eventauth.MemberContent
		if err := unmarshalMemberContent(ev.PDUJSON, &content); err == nil && content.Membership == eventauth.MembershipJoin {
			count++
		}
	}
	return count
}
