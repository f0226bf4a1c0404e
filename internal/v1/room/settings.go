package room

import (
	"context"
	"fmt"

	"github.com/harmonia-game/multiplayer-server/internal/v1/mods"
	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// validateSettings checks an incoming settings record before any mutation:
// mods must be legal for the ruleset, and the referenced beatmap must be
// known to the database with a matching checksum.
func validateSettings(ctx context.Context, db types.Datastore, s types.RoomSettings) error {
	if err := mods.Validate(s.RulesetID, s.RequiredMods, s.AllowedMods); err != nil {
		return err
	}

	checksum, err := db.GetBeatmapChecksum(ctx, s.BeatmapID)
	if err != nil {
		return fmt.Errorf("looking up beatmap %d: %w", s.BeatmapID, err)
	}
	if checksum == "" || checksum != s.BeatmapChecksum {
		return fmt.Errorf("%w: attempted to select a beatmap which has been modified", types.ErrInvalidState)
	}
	return nil
}
