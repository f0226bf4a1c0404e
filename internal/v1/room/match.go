package room

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// validateClientStateChange enforces the transition table for transitions
// requested by clients. Any state may return to Idle; everything outside the
// table is server-initiated only.
func validateClientStateChange(from, to types.UserState) error {
	if to == types.UserStateIdle {
		return nil
	}
	switch {
	case from == types.UserStateIdle && to == types.UserStateReady:
		return nil
	case from == types.UserStateWaitingForLoad && to == types.UserStateLoaded:
		return nil
	case from == types.UserStatePlaying && to == types.UserStateFinishedPlay:
		return nil
	}
	return types.InvalidStateChangeError{From: from, To: to}
}

// setUserState applies an accepted transition: mutate the member, notify the
// control group, then reconcile gameplay-group membership. Callers run
// updateRoomStateIfRequired afterwards; this method never does, so server
// bulk transitions can't recurse.
func (r *ServerRoom) setUserState(ctx context.Context, user *types.RoomUser, state types.UserState) {
	prev := user.State
	if prev == state {
		return
	}
	user.State = state
	r.emitControl(ctx, EventUserStateChanged, UserStateChangedEvent{UserID: user.UserID, State: state})
	r.syncGameplayGroup(ctx, user, prev)
}

// changeRoomState transitions the room lifecycle state and notifies the
// control group.
func (r *ServerRoom) changeRoomState(ctx context.Context, state types.RoomState) {
	if r.State == state {
		return
	}
	r.State = state
	r.emitControl(ctx, EventRoomStateChanged, RoomStateChangedEvent{State: state})
}

// updateRoomStateIfRequired advances the room lifecycle when user states
// permit it. Runs after every accepted user transition and after members
// leave mid-match.
func (r *ServerRoom) updateRoomStateIfRequired(ctx context.Context) error {
	switch r.State {
	case types.RoomStateWaitingForLoad:
		if r.anyUserInState(types.UserStateWaitingForLoad) {
			return nil
		}
		loaded := r.usersInState(types.UserStateLoaded)
		if len(loaded) == 0 {
			// Everyone bailed during load: back to the lobby, no match.
			r.changeRoomState(ctx, types.RoomStateOpen)
			return nil
		}
		for _, u := range loaded {
			r.setUserState(ctx, u, types.UserStatePlaying)
		}
		r.emitControl(ctx, EventMatchStarted, MatchStartedEvent{})
		r.changeRoomState(ctx, types.RoomStatePlaying)
		return nil

	case types.RoomStatePlaying:
		if r.anyUserInState(types.UserStatePlaying) {
			return nil
		}
		for _, u := range r.usersInState(types.UserStateFinishedPlay) {
			r.setUserState(ctx, u, types.UserStateResults)
		}
		var itemID types.PlaylistItemID
		if current := r.Queue.CurrentItem(); current != nil {
			itemID = current.ID
		}
		r.emitControl(ctx, EventResultsReady, ResultsReadyEvent{PlaylistItemID: itemID})
		r.changeRoomState(ctx, types.RoomStateOpen)
		return r.Queue.FinishCurrentItem(ctx)
	}
	return nil
}

// startMatch moves the room from the lobby into the load phase. The host
// precondition is enforced by the coordinator.
func (r *ServerRoom) startMatch(ctx context.Context) error {
	if r.State != types.RoomStateOpen {
		return fmt.Errorf("%w: can't start match when already in progress", types.ErrInvalidState)
	}

	ready := r.usersInState(types.UserStateReady)
	if len(ready) == 0 {
		return fmt.Errorf("%w: can't start match with no ready users", types.ErrInvalidState)
	}
	if r.Host != nil && r.Host.State != types.UserStateReady {
		return fmt.Errorf("%w: can't start match when the host is not ready", types.ErrInvalidState)
	}

	var itemID types.PlaylistItemID
	if current := r.Queue.CurrentItem(); current != nil {
		itemID = current.ID
		if err := r.db.ClearScores(ctx, itemID); err != nil {
			return fmt.Errorf("clearing scores for playlist item %d: %w", itemID, err)
		}
	}

	for _, u := range ready {
		r.setUserState(ctx, u, types.UserStateWaitingForLoad)
	}
	r.changeRoomState(ctx, types.RoomStateWaitingForLoad)
	r.emitGameplay(ctx, EventLoadRequested, LoadRequestedEvent{PlaylistItemID: itemID})
	return nil
}

func logGroupError(roomID types.RoomID, userID types.UserID, group string, err error) {
	slog.Warn("Failed to update group membership", "room", roomID, "userId", userID, "group", group, "error", err)
}
