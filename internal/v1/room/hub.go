package room

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/harmonia-game/multiplayer-server/internal/v1/metrics"
	"github.com/harmonia-game/multiplayer-server/internal/v1/store"
	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// Hub coordinates the user/room lifecycle. It owns the entity store of live
// rooms and the user session table, and is the single entry point for all
// client RPCs.
//
// Locking discipline: a handler that must touch both a session and a room
// acquires the session handle first, then the room handle. That fixed order
// is the only deadlock-prevention rule in the server.
type Hub struct {
	rooms    *store.Store[types.RoomID, ServerRoom]
	sessions *store.SessionTable

	db          types.Datastore
	broadcaster types.Broadcaster
	cache       types.StateCache
}

// NewHub wires the coordinator with its collaborators. cache may be nil in
// single-instance mode.
func NewHub(db types.Datastore, broadcaster types.Broadcaster, cache types.StateCache) *Hub {
	return &Hub{
		rooms:       store.New[types.RoomID, ServerRoom](),
		sessions:    store.NewSessionTable(),
		db:          db,
		broadcaster: broadcaster,
		cache:       cache,
	}
}

// Reset drops all live rooms and sessions. Used only by test fixtures.
func (h *Hub) Reset() {
	h.rooms.Clear()
	h.sessions.Clear()
}

// JoinRoom adds the user to a room, creating the in-memory room from its
// database record on first join, and returns a snapshot for the client.
func (h *Hub) JoinRoom(ctx context.Context, userID types.UserID, connectionID string, roomID types.RoomID) (*Snapshot, error) {
	restricted, err := h.db.IsUserRestricted(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("checking restriction for user %d: %w", userID, err)
	}
	if restricted {
		return nil, fmt.Errorf("%w: user account is restricted", types.ErrInvalidState)
	}

	sess, err := h.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer sess.Release()
	if sess.Item() != nil {
		return nil, fmt.Errorf("%w: user is already in a room", types.ErrInvalidState)
	}

	roomHandle, err := h.rooms.GetForUse(ctx, roomID, true)
	if err != nil {
		return nil, err
	}
	defer roomHandle.Release()

	r := roomHandle.Item()
	created := false
	if r == nil {
		r, err = h.retrieveRoom(ctx, userID, roomID)
		if err != nil {
			return nil, err
		}
		if err := roomHandle.SetItem(r); err != nil {
			return nil, err
		}
		created = true
		metrics.ActiveRooms.Inc()
	}

	if r.FindUser(userID) != nil {
		return nil, fmt.Errorf("%w: user %d is already a member of room %d", types.ErrInvalidOperation, userID, roomID)
	}

	user := &types.RoomUser{UserID: userID, State: types.UserStateIdle, ConnectionID: connectionID}
	r.Users = append(r.Users, user)
	if r.Host == nil {
		r.Host = user
	}

	if err := h.broadcaster.AddToGroup(ctx, GroupName(roomID, false), connectionID); err != nil {
		h.rollbackJoin(ctx, roomHandle, r, user, created)
		return nil, fmt.Errorf("registering connection in control group: %w", err)
	}

	if err := h.db.ReplaceParticipants(ctx, roomID, r.memberIDs()); err != nil {
		if gerr := h.broadcaster.RemoveFromGroup(ctx, GroupName(roomID, false), connectionID); gerr != nil {
			logGroupError(roomID, userID, GroupName(roomID, false), gerr)
		}
		h.rollbackJoin(ctx, roomHandle, r, user, created)
		return nil, fmt.Errorf("persisting participants for room %d: %w", roomID, err)
	}

	if err := sess.SetItem(&types.UserSession{ConnectionID: connectionID, UserID: userID, RoomID: roomID}); err != nil {
		return nil, err
	}
	h.cacheBind(ctx, userID, roomID)

	metrics.RoomMembers.WithLabelValues(roomLabel(roomID)).Set(float64(len(r.Users)))
	r.emitControl(ctx, EventUserJoined, UserJoinedEvent{UserID: userID})

	return r.Snapshot(), nil
}

// retrieveRoom fetches and validates the persisted room on first join. The
// first joiner must be the room's designated host.
func (h *Hub) retrieveRoom(ctx context.Context, userID types.UserID, roomID types.RoomID) (*ServerRoom, error) {
	record, err := h.db.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("fetching room %d: %w", roomID, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: room %d does not exist", types.ErrInvalidState, roomID)
	}
	if record.Category != types.RoomCategoryRealtime {
		return nil, fmt.Errorf("%w: room %d is not a realtime room", types.ErrInvalidState, roomID)
	}
	if record.Ended() {
		return nil, fmt.Errorf("%w: room %d has ended", types.ErrInvalidState, roomID)
	}
	if record.HostUserID != userID {
		return nil, fmt.Errorf("%w: room %d can only be opened by its host", types.ErrInvalidState, roomID)
	}

	if err := h.db.MarkRoomActive(ctx, roomID); err != nil {
		return nil, fmt.Errorf("marking room %d active: %w", roomID, err)
	}

	r := NewServerRoom(record, h.db, h.broadcaster)
	if err := r.Queue.Initialise(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// rollbackJoin undoes the in-memory effects of a failed join. A room created
// by this join is torn down entirely.
func (h *Hub) rollbackJoin(ctx context.Context, roomHandle *store.Handle[types.RoomID, ServerRoom], r *ServerRoom, user *types.RoomUser, created bool) {
	r.removeUser(user)
	if r.Host == user {
		r.Host = nil
		if len(r.Users) > 0 {
			r.Host = r.Users[0]
		}
	}
	if created || len(r.Users) == 0 {
		if err := roomHandle.Destroy(); err == nil {
			metrics.ActiveRooms.Dec()
			metrics.RoomMembers.DeleteLabelValues(roomLabel(r.RoomID))
		}
	}
}

// LeaveRoom removes the caller from their current room and destroys the
// session.
func (h *Hub) LeaveRoom(ctx context.Context, userID types.UserID) error {
	sess, err := h.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	defer sess.Release()

	session := sess.Item()
	if session == nil {
		return types.ErrNotJoinedRoom
	}

	// The session is destroyed regardless of teardown errors so a failed
	// leave can't wedge the user out of future joins.
	leaveErr := h.leaveRoom(ctx, session)
	h.cacheUnbind(ctx, userID)
	if err := sess.Destroy(); err != nil {
		return err
	}
	return leaveErr
}

// HandleDisconnect is invoked by the transport on connection teardown and
// runs LeaveRoom semantics on the session's behalf. A stale cleanup for a
// superseded connection is a no-op.
func (h *Hub) HandleDisconnect(ctx context.Context, userID types.UserID, connectionID string) error {
	sess, err := h.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	defer sess.Release()

	session := sess.Item()
	if session == nil || session.ConnectionID != connectionID {
		return nil
	}

	leaveErr := h.leaveRoom(ctx, session)
	h.cacheUnbind(ctx, userID)
	if err := sess.Destroy(); err != nil {
		return err
	}
	return leaveErr
}

// leaveRoom detaches the session's user from their room while the caller
// holds the session handle. Database writes on this teardown path are logged
// and not retried: the in-memory room has already advanced and the database
// holds only the last committed snapshot.
func (h *Hub) leaveRoom(ctx context.Context, session *types.UserSession) error {
	roomHandle, err := h.rooms.GetForUse(ctx, session.RoomID, false)
	if err != nil {
		return err
	}
	defer roomHandle.Release()

	r := roomHandle.Item()
	if r == nil {
		return nil
	}
	user := r.FindUser(session.UserID)
	if user == nil {
		return nil
	}

	r.removeUser(user)

	control := GroupName(r.RoomID, false)
	if err := h.broadcaster.RemoveFromGroup(ctx, control, user.ConnectionID); err != nil {
		logGroupError(r.RoomID, user.UserID, control, err)
	}
	if user.State.IsGameplay() {
		gameplay := GroupName(r.RoomID, true)
		if err := h.broadcaster.RemoveFromGroup(ctx, gameplay, user.ConnectionID); err != nil {
			logGroupError(r.RoomID, user.UserID, gameplay, err)
		}
	}

	h.cacheRemoveMember(ctx, r.RoomID, user.UserID)

	if len(r.Users) == 0 {
		if err := h.db.MarkRoomEnded(ctx, r.RoomID); err != nil {
			slog.Error("Failed to mark room ended", "room", r.RoomID, "error", err)
		}
		if h.cache != nil {
			if err := h.cache.ClearRoom(ctx, r.RoomID); err != nil {
				slog.Warn("Failed to clear room from state cache", "room", r.RoomID, "error", err)
			}
		}
		r.emitControl(ctx, EventUserLeft, UserLeftEvent{UserID: user.UserID})
		metrics.ActiveRooms.Dec()
		metrics.RoomMembers.DeleteLabelValues(roomLabel(r.RoomID))
		return roomHandle.Destroy()
	}

	if err := h.db.ReplaceParticipants(ctx, r.RoomID, r.memberIDs()); err != nil {
		slog.Error("Failed to persist participants on leave", "room", r.RoomID, "error", err)
	}

	if r.Host == user {
		r.Host = r.Users[0]
		if err := h.db.UpdateRoomHost(ctx, r.RoomID, r.Host.UserID); err != nil {
			slog.Error("Failed to persist host reassignment", "room", r.RoomID, "error", err)
		}
		r.emitControl(ctx, EventHostChanged, HostChangedEvent{UserID: r.Host.UserID})
	}

	metrics.RoomMembers.WithLabelValues(roomLabel(r.RoomID)).Set(float64(len(r.Users)))
	r.emitControl(ctx, EventUserLeft, UserLeftEvent{UserID: user.UserID})

	// The leaver may have been the last member holding up a load or a match.
	return r.updateRoomStateIfRequired(ctx)
}

// TransferHost hands room ownership to another member. Caller must be host.
func (h *Hub) TransferHost(ctx context.Context, userID, targetID types.UserID) error {
	return h.withRoom(ctx, userID, func(ctx context.Context, _ *types.UserSession, r *ServerRoom) error {
		if r.Host == nil || r.Host.UserID != userID {
			return types.ErrNotHost
		}
		target := r.FindUser(targetID)
		if target == nil {
			return fmt.Errorf("%w: user %d is not in the room", types.ErrInvalidState, targetID)
		}

		previous := r.Host
		r.Host = target
		if err := h.db.UpdateRoomHost(ctx, r.RoomID, target.UserID); err != nil {
			r.Host = previous
			return fmt.Errorf("persisting host transfer: %w", err)
		}
		r.emitControl(ctx, EventHostChanged, HostChangedEvent{UserID: target.UserID})
		return nil
	})
}

// ChangeState applies a client-requested user state transition.
func (h *Hub) ChangeState(ctx context.Context, userID types.UserID, state types.UserState) error {
	return h.withRoom(ctx, userID, func(ctx context.Context, _ *types.UserSession, r *ServerRoom) error {
		user := r.FindUser(userID)
		if user == nil {
			return fmt.Errorf("%w: user %d missing from own room", types.ErrInvalidOperation, userID)
		}
		if user.State == state {
			// Idempotent: no mutation, no broadcast.
			return nil
		}
		if err := validateClientStateChange(user.State, state); err != nil {
			return err
		}
		r.setUserState(ctx, user, state)
		return r.updateRoomStateIfRequired(ctx)
	})
}

// StartMatch begins gameplay. Caller must be host.
func (h *Hub) StartMatch(ctx context.Context, userID types.UserID) error {
	return h.withRoom(ctx, userID, func(ctx context.Context, _ *types.UserSession, r *ServerRoom) error {
		if r.Host == nil || r.Host.UserID != userID {
			return types.ErrNotHost
		}
		return r.startMatch(ctx)
	})
}

// ChangeSettings swaps in new room settings. Caller must be host and the
// room must be in the lobby.
func (h *Hub) ChangeSettings(ctx context.Context, userID types.UserID, settings types.RoomSettings) error {
	return h.withRoom(ctx, userID, func(ctx context.Context, _ *types.UserSession, r *ServerRoom) error {
		if r.Host == nil || r.Host.UserID != userID {
			return types.ErrNotHost
		}
		if r.State != types.RoomStateOpen {
			return fmt.Errorf("%w: can't change settings while play is active", types.ErrInvalidState)
		}

		// The current-item pointer is owned by the queue, never by clients.
		settings.PlaylistItemID = r.Settings.PlaylistItemID
		if settings.Equal(r.Settings) {
			return nil
		}

		if err := validateSettings(ctx, h.db, settings); err != nil {
			return err
		}

		previous := r.Settings
		r.Settings = settings
		if err := h.db.UpdateRoomName(ctx, r.RoomID, settings.Name); err != nil {
			r.Settings = previous
			return fmt.Errorf("persisting room settings: %w", err)
		}

		for _, u := range r.usersInState(types.UserStateReady) {
			r.setUserState(ctx, u, types.UserStateIdle)
		}
		r.emitControl(ctx, EventSettingsChanged, SettingsChangedEvent{Settings: r.Settings})

		if previous.QueueMode != settings.QueueMode {
			return r.Queue.UpdateFromQueueModeChange(ctx)
		}
		return nil
	})
}

// AddPlaylistItem enqueues an item on behalf of the caller.
func (h *Hub) AddPlaylistItem(ctx context.Context, userID types.UserID, item *types.PlaylistItem) error {
	return h.withRoom(ctx, userID, func(ctx context.Context, _ *types.UserSession, r *ServerRoom) error {
		user := r.FindUser(userID)
		if user == nil {
			return fmt.Errorf("%w: user %d missing from own room", types.ErrInvalidOperation, userID)
		}
		return r.Queue.AddItem(ctx, item, user)
	})
}

// withRoom resolves the caller's session and room and runs fn with both
// handles held, session first.
func (h *Hub) withRoom(ctx context.Context, userID types.UserID, fn func(context.Context, *types.UserSession, *ServerRoom) error) error {
	sess, err := h.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	defer sess.Release()

	session := sess.Item()
	if session == nil {
		return types.ErrNotJoinedRoom
	}

	roomHandle, err := h.rooms.GetForUse(ctx, session.RoomID, false)
	if err != nil {
		return err
	}
	defer roomHandle.Release()

	r := roomHandle.Item()
	if r == nil {
		return fmt.Errorf("%w: session references missing room %d", types.ErrInvalidOperation, session.RoomID)
	}
	return fn(ctx, session, r)
}

// --- state cache helpers (best-effort) ---

func (h *Hub) cacheBind(ctx context.Context, userID types.UserID, roomID types.RoomID) {
	if h.cache == nil {
		return
	}
	if err := h.cache.BindUser(ctx, userID, roomID); err != nil {
		slog.Warn("Failed to bind user in state cache", "userId", userID, "room", roomID, "error", err)
	}
	if err := h.cache.AddRoomMember(ctx, roomID, userID); err != nil {
		slog.Warn("Failed to add room member in state cache", "userId", userID, "room", roomID, "error", err)
	}
}

func (h *Hub) cacheUnbind(ctx context.Context, userID types.UserID) {
	if h.cache == nil {
		return
	}
	if err := h.cache.UnbindUser(ctx, userID); err != nil {
		slog.Warn("Failed to unbind user in state cache", "userId", userID, "error", err)
	}
}

func (h *Hub) cacheRemoveMember(ctx context.Context, roomID types.RoomID, userID types.UserID) {
	if h.cache == nil {
		return
	}
	if err := h.cache.RemoveRoomMember(ctx, roomID, userID); err != nil {
		slog.Warn("Failed to remove room member in state cache", "userId", userID, "room", roomID, "error", err)
	}
}

func roomLabel(roomID types.RoomID) string {
	return strconv.FormatInt(int64(roomID), 10)
}
