package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

const testRoomID types.RoomID = 42

func testCtx() context.Context {
	return context.Background()
}

// newTestHub builds a hub around fresh mocks with room 42 seeded: host user
// 1, the given queue mode, one playlist item (id 1, beatmap 101).
func newTestHub(t *testing.T, mode types.QueueMode) (*Hub, *MockDatastore, *MockBroadcaster, *MockStateCache) {
	t.Helper()

	db := NewMockDatastore()
	b := NewMockBroadcaster()
	cache := NewMockStateCache()

	db.SeedRoom(&types.RoomRecord{
		ID:         testRoomID,
		Name:       "head-to-head",
		HostUserID: 1,
		Category:   types.RoomCategoryRealtime,
		QueueMode:  mode,
	}, item(1, 101, "cafe0101"))

	return NewHub(db, b, cache), db, b, cache
}

// roomSnapshot reads the live room under its handle.
func roomSnapshot(t *testing.T, h *Hub, id types.RoomID) *Snapshot {
	t.Helper()
	handle, err := h.rooms.GetForUse(testCtx(), id, false)
	require.NoError(t, err)
	defer handle.Release()
	r := handle.Item()
	if r == nil {
		return nil
	}
	return r.Snapshot()
}

func control() string  { return GroupName(testRoomID, false) }
func gameplay() string { return GroupName(testRoomID, true) }

func TestJoinRoom_FirstJoinerBecomesHost(t *testing.T) {
	h, db, b, cache := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	snap, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)

	assert.Equal(t, types.RoomStateOpen, snap.State)
	require.NotNil(t, snap.HostID)
	assert.Equal(t, types.UserID(1), *snap.HostID)
	require.Len(t, snap.Users, 1)
	assert.Equal(t, types.UserStateIdle, snap.Users[0].State)
	require.Len(t, snap.Playlist, 1)
	assert.Equal(t, snap.Playlist[0].ID, snap.Settings.PlaylistItemID)

	assert.True(t, b.InGroup(control(), "conn-1"))
	assert.Equal(t, []types.UserID{1}, db.Participants(testRoomID))
	assert.True(t, db.activeMarks[testRoomID])

	boundRoom, ok, err := cache.BoundRoom(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, testRoomID, boundRoom)
}

func TestJoinRoom_RestrictedUser(t *testing.T) {
	h, db, _, _ := newTestHub(t, types.QueueModeHostOnly)
	db.SetRestricted(1)

	_, err := h.JoinRoom(testCtx(), 1, "conn-1", testRoomID)
	assert.ErrorIs(t, err, types.ErrInvalidState)
	assert.Nil(t, roomSnapshot(t, h, testRoomID))
}

func TestJoinRoom_AlreadyInRoom(t *testing.T) {
	h, _, _, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)

	_, err = h.JoinRoom(ctx, 1, "conn-1b", testRoomID)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestJoinRoom_UnknownRoom(t *testing.T) {
	h, _, _, _ := newTestHub(t, types.QueueModeHostOnly)

	_, err := h.JoinRoom(testCtx(), 1, "conn-1", 404)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestJoinRoom_FirstJoinerMustBeDesignatedHost(t *testing.T) {
	h, _, _, _ := newTestHub(t, types.QueueModeHostOnly)

	_, err := h.JoinRoom(testCtx(), 2, "conn-2", testRoomID)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	// Once the host has opened the room, others may join.
	_, err = h.JoinRoom(testCtx(), 1, "conn-1", testRoomID)
	require.NoError(t, err)
	_, err = h.JoinRoom(testCtx(), 2, "conn-2", testRoomID)
	assert.NoError(t, err)
}

func TestJoinRoom_SecondJoinerBroadcast(t *testing.T) {
	h, db, b, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)
	_, err = h.JoinRoom(ctx, 2, "conn-2", testRoomID)
	require.NoError(t, err)

	assert.Equal(t, 2, b.CountEvent(control(), EventUserJoined))
	assert.Equal(t, []types.UserID{1, 2}, db.Participants(testRoomID))

	snap := roomSnapshot(t, h, testRoomID)
	require.Len(t, snap.Users, 2)
	require.NotNil(t, snap.HostID)
	assert.Equal(t, types.UserID(1), *snap.HostID)
}

// S1: the full host-only lifecycle, lobby through results.
func TestScenario_HostOnlyLifecycle(t *testing.T) {
	h, _, b, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)
	_, err = h.JoinRoom(ctx, 2, "conn-2", testRoomID)
	require.NoError(t, err)

	require.NoError(t, h.ChangeState(ctx, 2, types.UserStateReady))
	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateReady))
	require.NoError(t, h.StartMatch(ctx, 1))

	snap := roomSnapshot(t, h, testRoomID)
	assert.Equal(t, types.RoomStateWaitingForLoad, snap.State)
	for _, u := range snap.Users {
		assert.Equal(t, types.UserStateWaitingForLoad, u.State)
	}
	assert.Equal(t, 1, b.CountEvent(gameplay(), EventLoadRequested))

	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateLoaded))
	require.NoError(t, h.ChangeState(ctx, 2, types.UserStateLoaded))

	snap = roomSnapshot(t, h, testRoomID)
	assert.Equal(t, types.RoomStatePlaying, snap.State)
	for _, u := range snap.Users {
		assert.Equal(t, types.UserStatePlaying, u.State)
	}
	assert.Equal(t, 1, b.CountEvent(control(), EventMatchStarted))

	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateFinishedPlay))
	require.NoError(t, h.ChangeState(ctx, 2, types.UserStateFinishedPlay))

	snap = roomSnapshot(t, h, testRoomID)
	assert.Equal(t, types.RoomStateOpen, snap.State)
	for _, u := range snap.Users {
		assert.Equal(t, types.UserStateResults, u.State)
	}
	assert.Equal(t, 1, b.CountEvent(control(), EventResultsReady))

	// The played item expired and was duplicated; settings follow the copy.
	require.Len(t, snap.Playlist, 2)
	assert.True(t, snap.Playlist[0].Expired)
	assert.False(t, snap.Playlist[1].Expired)
	assert.Equal(t, snap.Playlist[1].ID, snap.Settings.PlaylistItemID)
}

// S2: everyone bails during load; the room reopens with no match.
func TestScenario_LoadAbort(t *testing.T) {
	h, _, b, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)
	_, err = h.JoinRoom(ctx, 2, "conn-2", testRoomID)
	require.NoError(t, err)

	require.NoError(t, h.ChangeState(ctx, 2, types.UserStateReady))
	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateReady))
	require.NoError(t, h.StartMatch(ctx, 1))

	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateIdle))
	require.NoError(t, h.ChangeState(ctx, 2, types.UserStateIdle))

	snap := roomSnapshot(t, h, testRoomID)
	assert.Equal(t, types.RoomStateOpen, snap.State)
	assert.Zero(t, b.CountEvent(control(), EventMatchStarted))
}

// S3: host disconnect promotes the next member by insertion order.
func TestScenario_HostLeaveWithRemainingUsers(t *testing.T) {
	h, db, b, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)
	_, err = h.JoinRoom(ctx, 2, "conn-2", testRoomID)
	require.NoError(t, err)

	require.NoError(t, h.HandleDisconnect(ctx, 1, "conn-1"))

	snap := roomSnapshot(t, h, testRoomID)
	require.NotNil(t, snap, "room should persist")
	require.Len(t, snap.Users, 1)
	require.NotNil(t, snap.HostID)
	assert.Equal(t, types.UserID(2), *snap.HostID)
	assert.Equal(t, 1, b.CountEvent(control(), EventHostChanged))
	assert.Equal(t, []types.UserID{2}, db.hostUpdates)
	assert.Equal(t, 1, b.CountEvent(control(), EventUserLeft))
	assert.False(t, db.RoomEnded(testRoomID))
}

// S4 via the hub: non-host enqueue in host-only mode.
func TestScenario_NonHostAddItemHostOnly(t *testing.T) {
	h, _, _, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)
	_, err = h.JoinRoom(ctx, 2, "conn-2", testRoomID)
	require.NoError(t, err)

	err = h.AddPlaylistItem(ctx, 2, item(2, 101, "cafe0101"))
	assert.ErrorIs(t, err, types.ErrNotHost)

	snap := roomSnapshot(t, h, testRoomID)
	assert.Len(t, snap.Playlist, 1)
}

// S5: the per-user enqueue limit in a shared queue mode.
func TestScenario_PerUserEnqueueLimit(t *testing.T) {
	h, db, _, _ := newTestHub(t, types.QueueModeAllPlayers)
	ctx := testCtx()
	db.SeedChecksum(202, "beef0202")

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)
	_, err = h.JoinRoom(ctx, 2, "conn-2", testRoomID)
	require.NoError(t, err)

	for i := 0; i < PerUserItemLimit; i++ {
		require.NoError(t, h.AddPlaylistItem(ctx, 2, item(2, 202, "beef0202")))
	}
	err = h.AddPlaylistItem(ctx, 2, item(2, 202, "beef0202"))
	assert.ErrorIs(t, err, types.ErrInvalidState)

	snap := roomSnapshot(t, h, testRoomID)
	assert.Len(t, snap.Playlist, 1+PerUserItemLimit)
}

// S6: settings referencing a modified beatmap are rejected untouched.
func TestScenario_SettingsModifiedBeatmap(t *testing.T) {
	h, _, _, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)

	before := roomSnapshot(t, h, testRoomID).Settings

	err = h.ChangeSettings(ctx, 1, types.RoomSettings{
		Name:            "renamed",
		BeatmapID:       101,
		BeatmapChecksum: "tampered",
		QueueMode:       types.QueueModeHostOnly,
	})
	assert.ErrorIs(t, err, types.ErrInvalidState)

	assert.True(t, before.Equal(roomSnapshot(t, h, testRoomID).Settings))
}

func TestLeaveRoom_LastUserDestroysRoom(t *testing.T) {
	h, db, _, cache := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)

	require.NoError(t, h.LeaveRoom(ctx, 1))

	assert.Nil(t, roomSnapshot(t, h, testRoomID))
	assert.True(t, db.RoomEnded(testRoomID))

	_, bound, err := cache.BoundRoom(ctx, 1)
	require.NoError(t, err)
	assert.False(t, bound)

	// With the session gone, further room calls have nothing to act on.
	assert.ErrorIs(t, h.LeaveRoom(ctx, 1), types.ErrNotJoinedRoom)
}

func TestLeaveRoom_WithoutSession(t *testing.T) {
	h, _, _, _ := newTestHub(t, types.QueueModeHostOnly)
	assert.ErrorIs(t, h.LeaveRoom(testCtx(), 99), types.ErrNotJoinedRoom)
}

func TestHandleDisconnect_StaleConnectionIsNoOp(t *testing.T) {
	h, _, _, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)

	require.NoError(t, h.HandleDisconnect(ctx, 1, "conn-stale"))

	snap := roomSnapshot(t, h, testRoomID)
	require.NotNil(t, snap)
	assert.Len(t, snap.Users, 1)
}

func TestTransferHost(t *testing.T) {
	h, _, b, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)
	_, err = h.JoinRoom(ctx, 2, "conn-2", testRoomID)
	require.NoError(t, err)

	// Non-host may not transfer.
	assert.ErrorIs(t, h.TransferHost(ctx, 2, 2), types.ErrNotHost)

	// Target must be a member.
	assert.ErrorIs(t, h.TransferHost(ctx, 1, 99), types.ErrInvalidState)

	require.NoError(t, h.TransferHost(ctx, 1, 2))
	snap := roomSnapshot(t, h, testRoomID)
	require.NotNil(t, snap.HostID)
	assert.Equal(t, types.UserID(2), *snap.HostID)
	assert.Equal(t, 1, b.CountEvent(control(), EventHostChanged))
}

func TestChangeSettings_RoundTrip(t *testing.T) {
	h, db, b, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()
	db.SeedChecksum(202, "beef0202")

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)
	_, err = h.JoinRoom(ctx, 2, "conn-2", testRoomID)
	require.NoError(t, err)

	require.NoError(t, h.ChangeState(ctx, 2, types.UserStateReady))
	settingsEventsBefore := b.CountEvent(control(), EventSettingsChanged)

	wanted := types.RoomSettings{
		Name:            "new name",
		BeatmapID:       202,
		BeatmapChecksum: "beef0202",
		RulesetID:       0,
		RequiredMods:    []types.Mod{"HD"},
		QueueMode:       types.QueueModeHostOnly,
	}
	require.NoError(t, h.ChangeSettings(ctx, 1, wanted))

	snap := roomSnapshot(t, h, testRoomID)
	wanted.PlaylistItemID = snap.Settings.PlaylistItemID
	assert.True(t, wanted.Equal(snap.Settings))

	// Ready users drop back to Idle with a broadcast.
	for _, u := range snap.Users {
		assert.Equal(t, types.UserStateIdle, u.State)
	}
	assert.Equal(t, settingsEventsBefore+1, b.CountEvent(control(), EventSettingsChanged))
}

func TestChangeSettings_NonHostAndMidPlay(t *testing.T) {
	h, db, _, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()
	db.SeedChecksum(202, "beef0202")

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)
	_, err = h.JoinRoom(ctx, 2, "conn-2", testRoomID)
	require.NoError(t, err)

	settings := types.RoomSettings{
		Name: "renamed", BeatmapID: 202, BeatmapChecksum: "beef0202",
		QueueMode: types.QueueModeHostOnly,
	}

	assert.ErrorIs(t, h.ChangeSettings(ctx, 2, settings), types.ErrNotHost)

	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateReady))
	require.NoError(t, h.ChangeState(ctx, 2, types.UserStateReady))
	require.NoError(t, h.StartMatch(ctx, 1))

	assert.ErrorIs(t, h.ChangeSettings(ctx, 1, settings), types.ErrInvalidState)
}

func TestChangeSettings_QueueModeChangeReshapesQueue(t *testing.T) {
	h, db, _, _ := newTestHub(t, types.QueueModeAllPlayers)
	ctx := testCtx()
	db.SeedChecksum(101, "cafe0101")

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)

	// Play the only item out, then flip to host-only: the queue refills.
	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateReady))
	require.NoError(t, h.StartMatch(ctx, 1))
	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateLoaded))
	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateFinishedPlay))

	snap := roomSnapshot(t, h, testRoomID)
	require.Len(t, snap.Playlist, 1)
	assert.True(t, snap.Playlist[0].Expired)

	require.NoError(t, h.ChangeSettings(ctx, 1, types.RoomSettings{
		Name:            "head-to-head",
		BeatmapID:       101,
		BeatmapChecksum: "cafe0101",
		QueueMode:       types.QueueModeHostOnly,
	}))

	snap = roomSnapshot(t, h, testRoomID)
	require.Len(t, snap.Playlist, 2)
	assert.False(t, snap.Playlist[1].Expired)
	assert.Equal(t, snap.Playlist[1].ID, snap.Settings.PlaylistItemID)
}

func TestChangeState_Idempotent(t *testing.T) {
	h, _, b, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)

	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateReady))
	before := b.CountEvent(control(), EventUserStateChanged)

	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateReady))
	assert.Equal(t, before, b.CountEvent(control(), EventUserStateChanged))
}

func TestChangeState_ServerOnlyTransitionsRejected(t *testing.T) {
	h, _, _, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)

	for _, target := range []types.UserState{
		types.UserStateWaitingForLoad,
		types.UserStatePlaying,
		types.UserStateResults,
	} {
		err := h.ChangeState(ctx, 1, target)
		assert.ErrorAs(t, err, &types.InvalidStateChangeError{}, "idle -> %s", target)
	}
}

func TestGameplayGroupMembershipInvariant(t *testing.T) {
	h, _, b, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.NoError(t, err)
	_, err = h.JoinRoom(ctx, 2, "conn-2", testRoomID)
	require.NoError(t, err)

	checkInvariant := func() {
		snap := roomSnapshot(t, h, testRoomID)
		for _, u := range snap.Users {
			conn := "conn-1"
			if u.UserID == 2 {
				conn = "conn-2"
			}
			assert.Equal(t, u.State.IsGameplay(), b.InGroup(gameplay(), conn),
				"user %d in state %s", u.UserID, u.State)
		}
	}

	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateReady))
	checkInvariant()
	require.NoError(t, h.ChangeState(ctx, 2, types.UserStateReady))
	checkInvariant()
	require.NoError(t, h.StartMatch(ctx, 1))
	checkInvariant()
	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateLoaded))
	require.NoError(t, h.ChangeState(ctx, 2, types.UserStateLoaded))
	checkInvariant()
	require.NoError(t, h.ChangeState(ctx, 1, types.UserStateFinishedPlay))
	checkInvariant()
	require.NoError(t, h.ChangeState(ctx, 2, types.UserStateFinishedPlay))
	checkInvariant()
}

func TestJoinRollbackOnPersistFailure(t *testing.T) {
	h, db, _, _ := newTestHub(t, types.QueueModeHostOnly)
	ctx := testCtx()

	db.failReplaceParticipants = true
	_, err := h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	require.Error(t, err)
	assert.Nil(t, roomSnapshot(t, h, testRoomID))

	// The failed join must not leave a session behind.
	db.failReplaceParticipants = false
	_, err = h.JoinRoom(ctx, 1, "conn-1", testRoomID)
	assert.NoError(t, err)
}
