package room

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// Events fanned out to the control group.
const (
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventUserStateChanged    = "user_state_changed"
	EventHostChanged         = "host_changed"
	EventRoomStateChanged    = "room_state_changed"
	EventSettingsChanged     = "settings_changed"
	EventPlaylistItemAdded   = "playlist_item_added"
	EventPlaylistItemChanged = "playlist_item_changed"
	EventMatchStarted        = "match_started"
	EventResultsReady        = "results_ready"
)

// Events fanned out to the gameplay group.
const (
	EventLoadRequested = "load_requested"
)

// GroupName derives a room's broadcast group name. Every room has a control
// group (gameplay=false) and a gameplay group (gameplay=true).
func GroupName(roomID types.RoomID, gameplay bool) string {
	return fmt.Sprintf("room:%d:%t", roomID, gameplay)
}

// --- Event payloads ---

type UserJoinedEvent struct {
	UserID types.UserID `json:"userId"`
}

type UserLeftEvent struct {
	UserID types.UserID `json:"userId"`
}

type UserStateChangedEvent struct {
	UserID types.UserID    `json:"userId"`
	State  types.UserState `json:"state"`
}

type HostChangedEvent struct {
	UserID types.UserID `json:"userId"`
}

type RoomStateChangedEvent struct {
	State types.RoomState `json:"state"`
}

type SettingsChangedEvent struct {
	Settings types.RoomSettings `json:"settings"`
}

type PlaylistItemAddedEvent struct {
	Item types.PlaylistItem `json:"item"`
}

type PlaylistItemChangedEvent struct {
	Item types.PlaylistItem `json:"item"`
}

type MatchStartedEvent struct{}

type ResultsReadyEvent struct {
	PlaylistItemID types.PlaylistItemID `json:"playlistItemId"`
}

type LoadRequestedEvent struct {
	PlaylistItemID types.PlaylistItemID `json:"playlistItemId"`
}

// emitControl publishes an event to the room's control group. Broadcast
// failures are logged and swallowed: the authoritative state has already
// advanced.
func (r *ServerRoom) emitControl(ctx context.Context, event string, payload any) {
	if err := r.broadcaster.SendToGroup(ctx, GroupName(r.RoomID, false), event, payload); err != nil {
		slog.Error("Failed to broadcast to control group", "room", r.RoomID, "event", event, "error", err)
	}
}

// emitGameplay publishes an event to the room's gameplay group.
func (r *ServerRoom) emitGameplay(ctx context.Context, event string, payload any) {
	if err := r.broadcaster.SendToGroup(ctx, GroupName(r.RoomID, true), event, payload); err != nil {
		slog.Error("Failed to broadcast to gameplay group", "room", r.RoomID, "event", event, "error", err)
	}
}
