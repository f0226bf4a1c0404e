package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// Room queries

func (db *Database) GetRoom(ctx context.Context, id types.RoomID) (*types.RoomRecord, error) {
	var record types.RoomRecord
	err := db.queryRow(ctx,
		`SELECT id, name, host_user_id, category, queue_mode, ends_at
		 FROM multiplayer_rooms WHERE id = $1`,
		id,
	).Scan(&record.ID, &record.Name, &record.HostUserID, &record.Category, &record.QueueMode, &record.EndsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (db *Database) UpdateRoomName(ctx context.Context, id types.RoomID, name string) error {
	_, err := db.exec(ctx,
		`UPDATE multiplayer_rooms SET name = $1, updated_at = NOW() WHERE id = $2`,
		name, id,
	)
	return err
}

func (db *Database) UpdateRoomHost(ctx context.Context, id types.RoomID, userID types.UserID) error {
	_, err := db.exec(ctx,
		`UPDATE multiplayer_rooms SET host_user_id = $1, updated_at = NOW() WHERE id = $2`,
		userID, id,
	)
	return err
}

// A room is active iff ends_at is null.

func (db *Database) MarkRoomActive(ctx context.Context, id types.RoomID) error {
	_, err := db.exec(ctx,
		`UPDATE multiplayer_rooms SET ends_at = NULL, updated_at = NOW() WHERE id = $1`,
		id,
	)
	return err
}

func (db *Database) MarkRoomEnded(ctx context.Context, id types.RoomID) error {
	_, err := db.exec(ctx,
		`UPDATE multiplayer_rooms SET ends_at = NOW(), updated_at = NOW() WHERE id = $1`,
		id,
	)
	return err
}

// Playlist queries

func (db *Database) GetAllPlaylistItems(ctx context.Context, roomID types.RoomID) ([]*types.PlaylistItem, error) {
	rows, err := db.query(ctx,
		`SELECT id, owner_id, beatmap_id, beatmap_checksum, ruleset_id, required_mods, allowed_mods, expired
		 FROM multiplayer_playlist_items
		 WHERE room_id = $1
		 ORDER BY id`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*types.PlaylistItem
	for rows.Next() {
		var item types.PlaylistItem
		var required, allowed []string
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.BeatmapID, &item.BeatmapChecksum, &item.RulesetID, &required, &allowed, &item.Expired); err != nil {
			return nil, err
		}
		item.RequiredMods = toMods(required)
		item.AllowedMods = toMods(allowed)
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (db *Database) AddPlaylistItem(ctx context.Context, roomID types.RoomID, item *types.PlaylistItem) (types.PlaylistItemID, error) {
	var id types.PlaylistItemID
	err := db.queryRow(ctx,
		`INSERT INTO multiplayer_playlist_items
		   (room_id, owner_id, beatmap_id, beatmap_checksum, ruleset_id, required_mods, allowed_mods, expired)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		roomID, item.OwnerID, item.BeatmapID, item.BeatmapChecksum, item.RulesetID,
		fromMods(item.RequiredMods), fromMods(item.AllowedMods), item.Expired,
	).Scan(&id)
	return id, err
}

func (db *Database) UpdatePlaylistItem(ctx context.Context, roomID types.RoomID, item *types.PlaylistItem) error {
	_, err := db.exec(ctx,
		`UPDATE multiplayer_playlist_items
		 SET beatmap_id = $1, beatmap_checksum = $2, ruleset_id = $3, required_mods = $4, allowed_mods = $5
		 WHERE id = $6 AND room_id = $7`,
		item.BeatmapID, item.BeatmapChecksum, item.RulesetID,
		fromMods(item.RequiredMods), fromMods(item.AllowedMods),
		item.ID, roomID,
	)
	return err
}

func (db *Database) ExpirePlaylistItem(ctx context.Context, id types.PlaylistItemID) error {
	_, err := db.exec(ctx,
		`UPDATE multiplayer_playlist_items SET expired = TRUE, played_at = NOW() WHERE id = $1`,
		id,
	)
	return err
}

// Beatmap queries

func (db *Database) GetBeatmapChecksum(ctx context.Context, beatmapID int64) (string, error) {
	var checksum string
	err := db.queryRow(ctx,
		`SELECT checksum FROM beatmaps WHERE id = $1`,
		beatmapID,
	).Scan(&checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return checksum, err
}

// Score queries

func (db *Database) ClearScores(ctx context.Context, playlistItemID types.PlaylistItemID) error {
	_, err := db.exec(ctx,
		`DELETE FROM multiplayer_scores WHERE playlist_item_id = $1`,
		playlistItemID,
	)
	return err
}

// Participant queries

// ReplaceParticipants rewrites the room's participant rows in one
// transaction, then refreshes the room's participant count.
func (db *Database) ReplaceParticipants(ctx context.Context, roomID types.RoomID, userIDs []types.UserID) error {
	tx, err := db.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM multiplayer_room_participants WHERE room_id = $1`,
		roomID,
	); err != nil {
		return err
	}

	for _, userID := range userIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO multiplayer_room_participants (room_id, user_id) VALUES ($1, $2)`,
			roomID, userID,
		); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE multiplayer_rooms SET participant_count = $1 WHERE id = $2`,
		len(userIDs), roomID,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// User queries

func (db *Database) IsUserRestricted(ctx context.Context, userID types.UserID) (bool, error) {
	var restricted bool
	err := db.queryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1 AND restricted)`,
		userID,
	).Scan(&restricted)
	return restricted, err
}

func toMods(acronyms []string) []types.Mod {
	if len(acronyms) == 0 {
		return nil
	}
	out := make([]types.Mod, len(acronyms))
	for i, a := range acronyms {
		out[i] = types.Mod(a)
	}
	return out
}

func fromMods(mods []types.Mod) []string {
	out := make([]string, len(mods))
	for i, m := range mods {
		out[i] = string(m)
	}
	return out
}
