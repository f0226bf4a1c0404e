// Package types defines shared types and constants for the application.
package types

import (
	"context"
	"time"
)

// --- Core Domain Types ---

// UserID identifies a player account.
type UserID int32

// RoomID identifies a multiplayer room. Assigned by the database.
type RoomID int64

// PlaylistItemID identifies a playlist item. Assigned by the database on insert.
type PlaylistItemID int64

// Mod is a gameplay modifier acronym (e.g. "HD", "DT").
type Mod string

// UserState is the per-member state within a room.
type UserState string

const (
	UserStateIdle           UserState = "idle"
	UserStateReady          UserState = "ready"
	UserStateWaitingForLoad UserState = "waiting_for_load"
	UserStateLoaded         UserState = "loaded"
	UserStatePlaying        UserState = "playing"
	UserStateFinishedPlay   UserState = "finished_play"
	UserStateResults        UserState = "results"
)

// IsGameplay reports whether a user in this state belongs to the room's
// gameplay broadcast group.
func (s UserState) IsGameplay() bool {
	switch s {
	case UserStateReady, UserStateWaitingForLoad, UserStateLoaded, UserStatePlaying:
		return true
	default:
		return false
	}
}

// RoomState is the lifecycle state of a room.
type RoomState string

const (
	RoomStateOpen           RoomState = "open"
	RoomStateWaitingForLoad RoomState = "waiting_for_load"
	RoomStatePlaying        RoomState = "playing"
)

// QueueMode governs current-item selection and who may enqueue.
type QueueMode string

const (
	QueueModeHostOnly             QueueMode = "host_only"
	QueueModeAllPlayersRoundRobin QueueMode = "all_players_round_robin"
	QueueModeAllPlayers           QueueMode = "all_players"
)

// RoomSettings is the mutable settings record of a room.
type RoomSettings struct {
	Name            string         `json:"name"`
	BeatmapID       int64          `json:"beatmapId"`
	BeatmapChecksum string         `json:"beatmapChecksum"`
	RulesetID       int16          `json:"rulesetId"`
	RequiredMods    []Mod          `json:"requiredMods"`
	AllowedMods     []Mod          `json:"allowedMods"`
	QueueMode       QueueMode      `json:"queueMode"`
	PlaylistItemID  PlaylistItemID `json:"playlistItemId"`
}

// Equal compares settings by value over all scalar fields plus mod-set
// equivalence (order-insensitive).
func (s RoomSettings) Equal(other RoomSettings) bool {
	return s.Name == other.Name &&
		s.BeatmapID == other.BeatmapID &&
		s.BeatmapChecksum == other.BeatmapChecksum &&
		s.RulesetID == other.RulesetID &&
		s.QueueMode == other.QueueMode &&
		s.PlaylistItemID == other.PlaylistItemID &&
		ModSetsEqual(s.RequiredMods, other.RequiredMods) &&
		ModSetsEqual(s.AllowedMods, other.AllowedMods)
}

// ModSetsEqual reports whether two mod sets contain the same acronyms,
// ignoring order and duplicates.
func ModSetsEqual(a, b []Mod) bool {
	seen := make(map[Mod]struct{}, len(a))
	for _, m := range a {
		seen[m] = struct{}{}
	}
	matched := make(map[Mod]struct{}, len(b))
	for _, m := range b {
		if _, ok := seen[m]; !ok {
			return false
		}
		matched[m] = struct{}{}
	}
	return len(seen) == len(matched)
}

// PlaylistItem is one entry of a room's playlist.
type PlaylistItem struct {
	ID              PlaylistItemID `json:"id"`
	OwnerID         UserID         `json:"ownerId"`
	BeatmapID       int64          `json:"beatmapId"`
	BeatmapChecksum string         `json:"beatmapChecksum"`
	RulesetID       int16          `json:"rulesetId"`
	RequiredMods    []Mod          `json:"requiredMods"`
	AllowedMods     []Mod          `json:"allowedMods"`
	Expired         bool           `json:"expired"`
}

// Clone returns a deep copy of the item.
func (p *PlaylistItem) Clone() *PlaylistItem {
	c := *p
	c.RequiredMods = append([]Mod(nil), p.RequiredMods...)
	c.AllowedMods = append([]Mod(nil), p.AllowedMods...)
	return &c
}

// RoomUser is a room member. ConnectionID is the transport token of the
// member's connection, used for broadcast group management.
type RoomUser struct {
	UserID       UserID    `json:"userId"`
	State        UserState `json:"state"`
	ConnectionID string    `json:"-"`
}

// UserSession binds a connection to a user and, once joined, to a room.
// At most one session exists per user id, process-wide.
type UserSession struct {
	ConnectionID string
	UserID       UserID
	RoomID       RoomID
}

// RoomRecord is the persisted room row as stored by the database.
type RoomRecord struct {
	ID         RoomID
	Name       string
	HostUserID UserID
	Category   string
	QueueMode  QueueMode
	EndsAt     *time.Time
}

// RoomCategoryRealtime marks rooms driven by this server.
const RoomCategoryRealtime = "realtime"

// Ended reports whether the room has been marked ended.
func (r *RoomRecord) Ended() bool {
	return r.EndsAt != nil
}

// --- Shared Interfaces ---

// Datastore is the relational database collaborator. The in-memory room is
// the authoritative source of truth for live state; the datastore reflects
// the last committed snapshot.
type Datastore interface {
	GetRoom(ctx context.Context, id RoomID) (*RoomRecord, error)
	GetAllPlaylistItems(ctx context.Context, roomID RoomID) ([]*PlaylistItem, error)
	AddPlaylistItem(ctx context.Context, roomID RoomID, item *PlaylistItem) (PlaylistItemID, error)
	UpdatePlaylistItem(ctx context.Context, roomID RoomID, item *PlaylistItem) error
	ExpirePlaylistItem(ctx context.Context, id PlaylistItemID) error
	// GetBeatmapChecksum returns "" with a nil error when the beatmap is unknown.
	GetBeatmapChecksum(ctx context.Context, beatmapID int64) (string, error)
	UpdateRoomName(ctx context.Context, id RoomID, name string) error
	UpdateRoomHost(ctx context.Context, id RoomID, userID UserID) error
	ClearScores(ctx context.Context, playlistItemID PlaylistItemID) error
	MarkRoomActive(ctx context.Context, id RoomID) error
	MarkRoomEnded(ctx context.Context, id RoomID) error
	ReplaceParticipants(ctx context.Context, roomID RoomID, userIDs []UserID) error
	IsUserRestricted(ctx context.Context, userID UserID) (bool, error)
}

// Broadcaster is the narrow fan-out interface supplied by the transport.
// No core logic may assume in-process delivery.
type Broadcaster interface {
	SendToGroup(ctx context.Context, group string, event string, payload any) error
	AddToGroup(ctx context.Context, group string, connectionID string) error
	RemoveFromGroup(ctx context.Context, group string, connectionID string) error
}

// StateCache is the distributed cache used to reconcile per-user session
// state across server restarts. Implementations degrade gracefully: a cache
// failure must never fail the enclosing handler.
type StateCache interface {
	BindUser(ctx context.Context, userID UserID, roomID RoomID) error
	UnbindUser(ctx context.Context, userID UserID) error
	BoundRoom(ctx context.Context, userID UserID) (RoomID, bool, error)
	AddRoomMember(ctx context.Context, roomID RoomID, userID UserID) error
	RemoveRoomMember(ctx context.Context, roomID RoomID, userID UserID) error
	ClearRoom(ctx context.Context, roomID RoomID) error
}
