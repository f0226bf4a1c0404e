package room

import (
	"context"
	"fmt"
	"sort"

	"github.com/harmonia-game/multiplayer-server/internal/v1/mods"
	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// PerUserItemLimit caps the non-expired items one user may own in the
// shared queue modes.
const PerUserItemLimit = 3

// Queue owns a room's ordered playlist and the current-item cursor. All
// operations require the enclosing room handle to be held.
type Queue struct {
	room         *ServerRoom
	items        []*types.PlaylistItem
	currentIndex int
}

// CurrentItem returns the item under the cursor, or nil for an empty queue.
func (q *Queue) CurrentItem() *types.PlaylistItem {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[q.currentIndex]
}

// Items returns the playlist in insertion order.
func (q *Queue) Items() []*types.PlaylistItem {
	return q.items
}

// Initialise loads the room's playlist from the database in database order
// and settles the current item.
func (q *Queue) Initialise(ctx context.Context) error {
	items, err := q.room.db.GetAllPlaylistItems(ctx, q.room.RoomID)
	if err != nil {
		return fmt.Errorf("loading playlist for room %d: %w", q.room.RoomID, err)
	}
	q.items = items
	return q.updateCurrentItem(ctx)
}

// AddItem enqueues (or, in host-only mode, replaces) a playlist item on
// behalf of user. Validation failures are structural and leave the queue
// untouched.
func (q *Queue) AddItem(ctx context.Context, item *types.PlaylistItem, user *types.RoomUser) error {
	mode := q.room.Settings.QueueMode
	isHost := q.room.Host != nil && q.room.Host.UserID == user.UserID

	if mode == types.QueueModeHostOnly && !isHost {
		return types.ErrNotHost
	}
	if mode != types.QueueModeHostOnly && q.countActiveOwnedBy(user.UserID) >= PerUserItemLimit {
		return fmt.Errorf("%w: can't enqueue more than %d items at once", types.ErrInvalidState, PerUserItemLimit)
	}

	checksum, err := q.room.db.GetBeatmapChecksum(ctx, item.BeatmapID)
	if err != nil {
		return fmt.Errorf("looking up beatmap %d: %w", item.BeatmapID, err)
	}
	if checksum == "" || checksum != item.BeatmapChecksum {
		return fmt.Errorf("%w: attempted to add a beatmap which has been modified", types.ErrInvalidState)
	}

	if err := mods.Validate(item.RulesetID, item.RequiredMods, item.AllowedMods); err != nil {
		return err
	}

	if mode == types.QueueModeHostOnly {
		return q.replaceCurrentItem(ctx, item)
	}

	item.OwnerID = user.UserID
	item.Expired = false
	id, err := q.room.db.AddPlaylistItem(ctx, q.room.RoomID, item)
	if err != nil {
		return fmt.Errorf("persisting playlist item: %w", err)
	}
	item.ID = id
	q.items = append(q.items, item)
	q.room.emitControl(ctx, EventPlaylistItemAdded, PlaylistItemAddedEvent{Item: *item.Clone()})

	return q.updateCurrentItem(ctx)
}

// replaceCurrentItem overwrites the current item's content in place,
// preserving its id and owner. The database write happens first, so a
// failure leaves memory unchanged.
func (q *Queue) replaceCurrentItem(ctx context.Context, item *types.PlaylistItem) error {
	current := q.CurrentItem()
	if current == nil {
		return fmt.Errorf("%w: host-only queue has no current item", types.ErrInvalidOperation)
	}

	updated := item.Clone()
	updated.ID = current.ID
	updated.OwnerID = current.OwnerID
	updated.Expired = current.Expired

	if err := q.room.db.UpdatePlaylistItem(ctx, q.room.RoomID, updated); err != nil {
		return fmt.Errorf("persisting playlist item update: %w", err)
	}
	*current = *updated
	q.room.emitControl(ctx, EventPlaylistItemChanged, PlaylistItemChangedEvent{Item: *current.Clone()})
	return nil
}

// FinishCurrentItem marks the current item expired. In host-only mode the
// queue must never run dry, so when every item has expired the just-finished
// item is duplicated with a fresh id.
func (q *Queue) FinishCurrentItem(ctx context.Context) error {
	current := q.CurrentItem()
	if current == nil {
		return nil
	}

	if err := q.room.db.ExpirePlaylistItem(ctx, current.ID); err != nil {
		return fmt.Errorf("expiring playlist item %d: %w", current.ID, err)
	}
	current.Expired = true
	q.room.emitControl(ctx, EventPlaylistItemChanged, PlaylistItemChangedEvent{Item: *current.Clone()})

	if q.room.Settings.QueueMode == types.QueueModeHostOnly && !q.anyActive() {
		if err := q.duplicateItem(ctx, current); err != nil {
			return err
		}
	}

	return q.updateCurrentItem(ctx)
}

// UpdateFromQueueModeChange re-settles the queue after the room's queue mode
// changed. Switching into host-only mode with an all-expired playlist
// duplicates the current item so play can continue.
func (q *Queue) UpdateFromQueueModeChange(ctx context.Context) error {
	if q.room.Settings.QueueMode == types.QueueModeHostOnly && !q.anyActive() {
		if current := q.CurrentItem(); current != nil {
			if err := q.duplicateItem(ctx, current); err != nil {
				return err
			}
		}
	}
	return q.updateCurrentItem(ctx)
}

// duplicateItem appends a fresh copy of source: new id, same content, not
// expired. The copy reflects the source's content as of this moment, so any
// edits made since expiry carry forward.
func (q *Queue) duplicateItem(ctx context.Context, source *types.PlaylistItem) error {
	dup := source.Clone()
	dup.ID = 0
	dup.Expired = false

	id, err := q.room.db.AddPlaylistItem(ctx, q.room.RoomID, dup)
	if err != nil {
		return fmt.Errorf("duplicating playlist item %d: %w", source.ID, err)
	}
	dup.ID = id
	q.items = append(q.items, dup)
	q.room.emitControl(ctx, EventPlaylistItemAdded, PlaylistItemAddedEvent{Item: *dup.Clone()})
	return nil
}

// updateCurrentItem recomputes the cursor per the room's queue mode and, if
// the selected item changed, pushes the new id into the room settings.
func (q *Queue) updateCurrentItem(ctx context.Context) error {
	if len(q.items) == 0 {
		return nil
	}

	var next *types.PlaylistItem
	switch q.room.Settings.QueueMode {
	case types.QueueModeAllPlayersRoundRobin:
		next = q.roundRobinPick()
	default:
		next = q.firstActive()
	}
	if next == nil {
		// All expired: the queue rests on the last item.
		next = q.items[len(q.items)-1]
	}

	for i, item := range q.items {
		if item == next {
			q.currentIndex = i
			break
		}
	}

	if next.ID != q.room.Settings.PlaylistItemID {
		q.room.Settings.PlaylistItemID = next.ID
		q.room.emitControl(ctx, EventSettingsChanged, SettingsChangedEvent{Settings: q.room.Settings})
	}
	return nil
}

// firstActive returns the first non-expired item in insertion order.
func (q *Queue) firstActive() *types.PlaylistItem {
	for _, item := range q.items {
		if !item.Expired {
			return item
		}
	}
	return nil
}

// roundRobinPick selects fairly across owners: owners who have played the
// least (fewest expired items) come first, and each owner contributes their
// first non-expired item in insertion order.
func (q *Queue) roundRobinPick() *types.PlaylistItem {
	type ownerGroup struct {
		expired     int
		firstActive *types.PlaylistItem
	}

	var order []types.UserID
	groups := make(map[types.UserID]*ownerGroup)
	for _, item := range q.items {
		g, ok := groups[item.OwnerID]
		if !ok {
			g = &ownerGroup{}
			groups[item.OwnerID] = g
			order = append(order, item.OwnerID)
		}
		if item.Expired {
			g.expired++
		} else if g.firstActive == nil {
			g.firstActive = item
		}
	}

	// Stable sort keeps first-appearance order among owners with equal
	// expired counts.
	sort.SliceStable(order, func(i, j int) bool {
		return groups[order[i]].expired < groups[order[j]].expired
	})

	for _, owner := range order {
		if g := groups[owner]; g.firstActive != nil {
			return g.firstActive
		}
	}
	return nil
}

// countActiveOwnedBy counts the user's non-expired items.
func (q *Queue) countActiveOwnedBy(userID types.UserID) int {
	n := 0
	for _, item := range q.items {
		if item.OwnerID == userID && !item.Expired {
			n++
		}
	}
	return n
}

// anyActive reports whether any non-expired item remains.
func (q *Queue) anyActive() bool {
	return q.firstActive() != nil
}
