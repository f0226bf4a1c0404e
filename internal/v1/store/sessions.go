package store

import (
	"context"

	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// SessionTable is the registry of per-connection user sessions, keyed by
// user id. Its lifecycle rules mirror the entity store: sessions are created
// on join and destroyed on leave or connection cleanup.
type SessionTable struct {
	*Store[types.UserID, types.UserSession]
}

// NewSessionTable creates an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{Store: New[types.UserID, types.UserSession]()}
}

// GetOrCreate atomically returns an exclusive handle for the user's session
// slot. When the slot is empty the caller populates it on successful join.
func (t *SessionTable) GetOrCreate(ctx context.Context, userID types.UserID) (*Handle[types.UserID, types.UserSession], error) {
	return t.GetForUse(ctx, userID, true)
}
