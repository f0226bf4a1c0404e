package transport

import (
	"encoding/json"
	"errors"

	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// RPC method names accepted over the wire.
const (
	MethodJoinRoom        = "join_room"
	MethodLeaveRoom       = "leave_room"
	MethodTransferHost    = "transfer_host"
	MethodChangeState     = "change_state"
	MethodStartMatch      = "start_match"
	MethodChangeSettings  = "change_settings"
	MethodAddPlaylistItem = "add_playlist_item"
)

// RequestEnvelope is one client RPC frame.
type RequestEnvelope struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ResponseEnvelope answers one RequestEnvelope.
type ResponseEnvelope struct {
	ID     int64      `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// EventEnvelope is one server-initiated fan-out frame.
type EventEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// WireError is the client-visible error shape. Code is stable; Message is
// human-readable and may change.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Wire-level error codes, one per error kind.
const (
	CodeInvalidState       = "invalid_state"
	CodeNotHost            = "not_host"
	CodeNotJoinedRoom      = "not_joined_room"
	CodeInvalidStateChange = "invalid_state_change"
	CodeInvalidOperation   = "invalid_operation"
	CodeBadRequest         = "bad_request"
	CodeInternalError      = "internal_error"
)

// wireError maps an error kind to its wire-level code.
func wireError(err error) *WireError {
	var stateChange types.InvalidStateChangeError
	switch {
	case errors.As(err, &stateChange):
		return &WireError{Code: CodeInvalidStateChange, Message: stateChange.Error()}
	case errors.Is(err, types.ErrNotHost):
		return &WireError{Code: CodeNotHost, Message: err.Error()}
	case errors.Is(err, types.ErrNotJoinedRoom):
		return &WireError{Code: CodeNotJoinedRoom, Message: err.Error()}
	case errors.Is(err, types.ErrInvalidState):
		return &WireError{Code: CodeInvalidState, Message: err.Error()}
	case errors.Is(err, types.ErrInvalidOperation):
		return &WireError{Code: CodeInvalidOperation, Message: err.Error()}
	default:
		return &WireError{Code: CodeInternalError, Message: "internal server error"}
	}
}

// --- RPC argument shapes ---

type joinRoomArgs struct {
	RoomID types.RoomID `json:"roomId"`
}

type transferHostArgs struct {
	UserID types.UserID `json:"userId"`
}

type changeStateArgs struct {
	State types.UserState `json:"state"`
}

type changeSettingsArgs struct {
	Settings types.RoomSettings `json:"settings"`
}

type addPlaylistItemArgs struct {
	Item types.PlaylistItem `json:"item"`
}
