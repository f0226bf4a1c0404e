package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// MockDatastore is an in-memory implementation of types.Datastore for testing.
type MockDatastore struct {
	mu sync.Mutex

	rooms        map[types.RoomID]*types.RoomRecord
	playlists    map[types.RoomID][]*types.PlaylistItem
	checksums    map[int64]string
	restricted   map[types.UserID]bool
	participants map[types.RoomID][]types.UserID
	nextItemID   types.PlaylistItemID

	roomNames   map[types.RoomID]string
	hostUpdates []types.UserID
	scoreClears []types.PlaylistItemID
	endedRooms  map[types.RoomID]bool
	activeMarks map[types.RoomID]bool

	failUpdateRoomName      bool
	failReplaceParticipants bool
	failUpdateRoomHost      bool
}

func NewMockDatastore() *MockDatastore {
	return &MockDatastore{
		rooms:        make(map[types.RoomID]*types.RoomRecord),
		playlists:    make(map[types.RoomID][]*types.PlaylistItem),
		checksums:    make(map[int64]string),
		restricted:   make(map[types.UserID]bool),
		participants: make(map[types.RoomID][]types.UserID),
		roomNames:    make(map[types.RoomID]string),
		endedRooms:   make(map[types.RoomID]bool),
		activeMarks:  make(map[types.RoomID]bool),
	}
}

// SeedRoom registers a persisted room together with its playlist and the
// checksums its items reference.
func (m *MockDatastore) SeedRoom(record *types.RoomRecord, items ...*types.PlaylistItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[record.ID] = record
	for _, item := range items {
		m.nextItemID++
		clone := item.Clone()
		if clone.ID == 0 {
			clone.ID = m.nextItemID
		}
		m.playlists[record.ID] = append(m.playlists[record.ID], clone)
		m.checksums[clone.BeatmapID] = clone.BeatmapChecksum
	}
}

func (m *MockDatastore) SeedChecksum(beatmapID int64, checksum string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checksums[beatmapID] = checksum
}

func (m *MockDatastore) SetRestricted(userID types.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restricted[userID] = true
}

func (m *MockDatastore) GetRoom(ctx context.Context, id types.RoomID) (*types.RoomRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.rooms[id]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (m *MockDatastore) GetAllPlaylistItems(ctx context.Context, roomID types.RoomID) ([]*types.PlaylistItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.PlaylistItem
	for _, item := range m.playlists[roomID] {
		out = append(out, item.Clone())
	}
	return out, nil
}

func (m *MockDatastore) AddPlaylistItem(ctx context.Context, roomID types.RoomID, item *types.PlaylistItem) (types.PlaylistItemID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextItemID++
	clone := item.Clone()
	clone.ID = m.nextItemID
	m.playlists[roomID] = append(m.playlists[roomID], clone)
	return clone.ID, nil
}

func (m *MockDatastore) UpdatePlaylistItem(ctx context.Context, roomID types.RoomID, item *types.PlaylistItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.playlists[roomID] {
		if existing.ID == item.ID {
			m.playlists[roomID][i] = item.Clone()
			return nil
		}
	}
	return fmt.Errorf("playlist item %d not found", item.ID)
}

func (m *MockDatastore) ExpirePlaylistItem(ctx context.Context, id types.PlaylistItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, items := range m.playlists {
		for _, item := range items {
			if item.ID == id {
				item.Expired = true
				return nil
			}
		}
	}
	return fmt.Errorf("playlist item %d not found", id)
}

func (m *MockDatastore) GetBeatmapChecksum(ctx context.Context, beatmapID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checksums[beatmapID], nil
}

func (m *MockDatastore) UpdateRoomName(ctx context.Context, id types.RoomID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdateRoomName {
		return fmt.Errorf("mock update room name error")
	}
	m.roomNames[id] = name
	return nil
}

func (m *MockDatastore) UpdateRoomHost(ctx context.Context, id types.RoomID, userID types.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdateRoomHost {
		return fmt.Errorf("mock update room host error")
	}
	m.hostUpdates = append(m.hostUpdates, userID)
	return nil
}

func (m *MockDatastore) ClearScores(ctx context.Context, playlistItemID types.PlaylistItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scoreClears = append(m.scoreClears, playlistItemID)
	return nil
}

func (m *MockDatastore) MarkRoomActive(ctx context.Context, id types.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeMarks[id] = true
	return nil
}

func (m *MockDatastore) MarkRoomEnded(ctx context.Context, id types.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endedRooms[id] = true
	return nil
}

func (m *MockDatastore) ReplaceParticipants(ctx context.Context, roomID types.RoomID, userIDs []types.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReplaceParticipants {
		return fmt.Errorf("mock replace participants error")
	}
	m.participants[roomID] = append([]types.UserID(nil), userIDs...)
	return nil
}

func (m *MockDatastore) IsUserRestricted(ctx context.Context, userID types.UserID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restricted[userID], nil
}

func (m *MockDatastore) Participants(roomID types.RoomID) []types.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.UserID(nil), m.participants[roomID]...)
}

func (m *MockDatastore) RoomEnded(roomID types.RoomID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endedRooms[roomID]
}

func (m *MockDatastore) ScoreClears() []types.PlaylistItemID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.PlaylistItemID(nil), m.scoreClears...)
}

// BroadcastRecord is one captured fan-out event.
type BroadcastRecord struct {
	Group   string
	Event   string
	Payload any
}

// MockBroadcaster records group membership and emitted events.
type MockBroadcaster struct {
	mu      sync.Mutex
	groups  map[string]map[string]bool
	records []BroadcastRecord

	failAddToGroup bool
}

func NewMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{groups: make(map[string]map[string]bool)}
}

func (m *MockBroadcaster) SendToGroup(ctx context.Context, group string, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, BroadcastRecord{Group: group, Event: event, Payload: payload})
	return nil
}

func (m *MockBroadcaster) AddToGroup(ctx context.Context, group string, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAddToGroup {
		return fmt.Errorf("mock add to group error")
	}
	if m.groups[group] == nil {
		m.groups[group] = make(map[string]bool)
	}
	m.groups[group][connectionID] = true
	return nil
}

func (m *MockBroadcaster) RemoveFromGroup(ctx context.Context, group string, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups[group], connectionID)
	return nil
}

func (m *MockBroadcaster) InGroup(group string, connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[group][connectionID]
}

// Events returns the captured event names for a group, in emission order.
func (m *MockBroadcaster) Events(group string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.records {
		if r.Group == group {
			out = append(out, r.Event)
		}
	}
	return out
}

// Records returns every captured record for a group.
func (m *MockBroadcaster) Records(group string) []BroadcastRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BroadcastRecord
	for _, r := range m.records {
		if r.Group == group {
			out = append(out, r)
		}
	}
	return out
}

// CountEvent counts emissions of one event to one group.
func (m *MockBroadcaster) CountEvent(group, event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Group == group && r.Event == event {
			n++
		}
	}
	return n
}

// MockStateCache records session bindings in memory.
type MockStateCache struct {
	mu       sync.Mutex
	bindings map[types.UserID]types.RoomID
	members  map[types.RoomID]map[types.UserID]bool
}

func NewMockStateCache() *MockStateCache {
	return &MockStateCache{
		bindings: make(map[types.UserID]types.RoomID),
		members:  make(map[types.RoomID]map[types.UserID]bool),
	}
}

func (m *MockStateCache) BindUser(ctx context.Context, userID types.UserID, roomID types.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[userID] = roomID
	return nil
}

func (m *MockStateCache) UnbindUser(ctx context.Context, userID types.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, userID)
	return nil
}

func (m *MockStateCache) BoundRoom(ctx context.Context, userID types.UserID) (types.RoomID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bindings[userID]
	return id, ok, nil
}

func (m *MockStateCache) AddRoomMember(ctx context.Context, roomID types.RoomID, userID types.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[roomID] == nil {
		m.members[roomID] = make(map[types.UserID]bool)
	}
	m.members[roomID][userID] = true
	return nil
}

func (m *MockStateCache) RemoveRoomMember(ctx context.Context, roomID types.RoomID, userID types.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[roomID], userID)
	return nil
}

func (m *MockStateCache) ClearRoom(ctx context.Context, roomID types.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, roomID)
	return nil
}
