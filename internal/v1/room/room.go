// Package room implements the server-side authority for realtime multiplayer
// rooms: the authoritative room state, the playlist queue, the match state
// machine and the user/room lifecycle coordinator.
//
// A ServerRoom is purely data plus its collaborator references. All mutation
// happens while the caller holds the room's exclusive handle from the entity
// store; nothing in this package takes additional locks.
package room

import (
	"context"

	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// ServerRoom is the in-memory authoritative representation of one room.
type ServerRoom struct {
	RoomID   types.RoomID
	State    types.RoomState
	Settings types.RoomSettings
	Users    []*types.RoomUser
	Host     *types.RoomUser
	Queue    *Queue

	db          types.Datastore
	broadcaster types.Broadcaster
}

// NewServerRoom builds a room around its persisted record. The playlist is
// loaded separately via Queue.Initialise while the room handle is held.
func NewServerRoom(record *types.RoomRecord, db types.Datastore, broadcaster types.Broadcaster) *ServerRoom {
	r := &ServerRoom{
		RoomID: record.ID,
		State:  types.RoomStateOpen,
		Settings: types.RoomSettings{
			Name:      record.Name,
			QueueMode: record.QueueMode,
		},
		db:          db,
		broadcaster: broadcaster,
	}
	r.Queue = &Queue{room: r}
	return r
}

// FindUser returns the member with the given user id, or nil.
func (r *ServerRoom) FindUser(userID types.UserID) *types.RoomUser {
	for _, u := range r.Users {
		if u.UserID == userID {
			return u
		}
	}
	return nil
}

// anyUserInState reports whether at least one member is in the given state.
func (r *ServerRoom) anyUserInState(state types.UserState) bool {
	for _, u := range r.Users {
		if u.State == state {
			return true
		}
	}
	return false
}

// usersInState returns the members currently in the given state, in
// insertion order.
func (r *ServerRoom) usersInState(state types.UserState) []*types.RoomUser {
	var out []*types.RoomUser
	for _, u := range r.Users {
		if u.State == state {
			out = append(out, u)
		}
	}
	return out
}

// removeUser deletes the member from the sequence, preserving order.
func (r *ServerRoom) removeUser(user *types.RoomUser) {
	for i, u := range r.Users {
		if u == user {
			r.Users = append(r.Users[:i], r.Users[i+1:]...)
			return
		}
	}
}

// memberIDs returns all member user ids in insertion order.
func (r *ServerRoom) memberIDs() []types.UserID {
	ids := make([]types.UserID, len(r.Users))
	for i, u := range r.Users {
		ids[i] = u.UserID
	}
	return ids
}

// Snapshot is the room view returned to a joining client.
type Snapshot struct {
	RoomID   types.RoomID         `json:"roomId"`
	State    types.RoomState      `json:"state"`
	Settings types.RoomSettings   `json:"settings"`
	Users    []types.RoomUser     `json:"users"`
	HostID   *types.UserID        `json:"hostId"`
	Playlist []types.PlaylistItem `json:"playlist"`
}

// Snapshot copies the room's current state so it can be marshalled after the
// room handle is released.
func (r *ServerRoom) Snapshot() *Snapshot {
	snap := &Snapshot{
		RoomID:   r.RoomID,
		State:    r.State,
		Settings: r.Settings,
		Users:    make([]types.RoomUser, len(r.Users)),
		Playlist: make([]types.PlaylistItem, len(r.Queue.items)),
	}
	for i, u := range r.Users {
		snap.Users[i] = *u
	}
	if r.Host != nil {
		id := r.Host.UserID
		snap.HostID = &id
	}
	for i, item := range r.Queue.items {
		snap.Playlist[i] = *item.Clone()
	}
	return snap
}

// syncGameplayGroup reconciles the member's gameplay-group membership with
// their new state: joined while Ready/WaitingForLoad/Loaded/Playing, left on
// entering Idle, FinishedPlay or Results. Membership is adjusted before any
// further gameplay event can be emitted, so no event reaches a user after
// removal.
func (r *ServerRoom) syncGameplayGroup(ctx context.Context, user *types.RoomUser, prev types.UserState) {
	was, is := prev.IsGameplay(), user.State.IsGameplay()
	if was == is {
		return
	}
	group := GroupName(r.RoomID, true)
	var err error
	if is {
		err = r.broadcaster.AddToGroup(ctx, group, user.ConnectionID)
	} else {
		err = r.broadcaster.RemoveFromGroup(ctx, group, user.ConnectionID)
	}
	if err != nil {
		logGroupError(r.RoomID, user.UserID, group, err)
	}
}
