package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/harmonia-game/multiplayer-server/internal/v1/metrics"
)

// GroupClient is the minimal connection surface the registry needs.
type GroupClient interface {
	ConnectionID() string
	SendEvent(event string, payload any)
}

// GroupRegistry implements types.Broadcaster over in-process WebSocket
// connections: named groups of registered connections with fan-out.
type GroupRegistry struct {
	mu     sync.RWMutex
	conns  map[string]GroupClient
	groups map[string]map[string]GroupClient
}

// NewGroupRegistry creates an empty registry.
func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{
		conns:  make(map[string]GroupClient),
		groups: make(map[string]map[string]GroupClient),
	}
}

// Register makes a connection addressable by group operations.
func (g *GroupRegistry) Register(client GroupClient) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[client.ConnectionID()] = client
}

// Unregister removes the connection from the registry and from every group
// it belongs to.
func (g *GroupRegistry) Unregister(connectionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, connectionID)
	for name, members := range g.groups {
		if _, ok := members[connectionID]; ok {
			delete(members, connectionID)
			g.updateGroupGauge(name, members)
		}
	}
}

// AddToGroup adds a registered connection to the named group, creating the
// group on first use.
func (g *GroupRegistry) AddToGroup(ctx context.Context, group string, connectionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	client, ok := g.conns[connectionID]
	if !ok {
		return fmt.Errorf("connection %s is not registered", connectionID)
	}
	members, ok := g.groups[group]
	if !ok {
		members = make(map[string]GroupClient)
		g.groups[group] = members
	}
	members[connectionID] = client
	g.updateGroupGauge(group, members)
	return nil
}

// RemoveFromGroup removes the connection from the named group. Removing an
// absent member is a no-op.
func (g *GroupRegistry) RemoveFromGroup(ctx context.Context, group string, connectionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	members, ok := g.groups[group]
	if !ok {
		return nil
	}
	delete(members, connectionID)
	g.updateGroupGauge(group, members)
	return nil
}

// SendToGroup fans an event out to every current member of the group. The
// member snapshot is taken under the lock; sends happen outside it so a slow
// client can't block the registry.
func (g *GroupRegistry) SendToGroup(ctx context.Context, group string, event string, payload any) error {
	g.mu.RLock()
	members := g.groups[group]
	targets := make([]GroupClient, 0, len(members))
	for _, client := range members {
		targets = append(targets, client)
	}
	g.mu.RUnlock()

	for _, client := range targets {
		client.SendEvent(event, payload)
	}
	return nil
}

// InGroup reports whether the connection currently belongs to the group.
func (g *GroupRegistry) InGroup(group string, connectionID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.groups[group][connectionID]
	return ok
}

// updateGroupGauge must be called with g.mu held. Empty groups are pruned.
func (g *GroupRegistry) updateGroupGauge(group string, members map[string]GroupClient) {
	if len(members) == 0 {
		delete(g.groups, group)
		metrics.GroupMembers.DeleteLabelValues(group)
		return
	}
	metrics.GroupMembers.WithLabelValues(group).Set(float64(len(members)))
}
