// Package bus implements the distributed state cache on Redis. It records
// the per-user session bindings and per-room member sets so live state can
// be reconciled across server restarts.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/harmonia-game/multiplayer-server/internal/v1/metrics"
	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// Service handles all interaction with the Redis cluster. A nil *Service is
// valid and represents single-instance mode with no cache.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it immediately.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis state cache", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func userKey(userID types.UserID) string {
	return fmt.Sprintf("multiplayer:user:%d", userID)
}

func roomKey(roomID types.RoomID) string {
	return fmt.Sprintf("multiplayer:room:%d:users", roomID)
}

// execute runs op through the circuit breaker, recording the outcome. When
// the breaker is open the operation is skipped: cache loss degrades
// gracefully and never fails the caller.
func (s *Service) execute(name string, op func() (any, error)) (any, bool, error) {
	res, err := s.cb.Execute(op)
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues(name, "dropped").Inc()
			slog.Warn("Redis circuit breaker open: skipping operation", "operation", name)
			return nil, false, nil
		}
		metrics.RedisOperationsTotal.WithLabelValues(name, "error").Inc()
		return nil, false, err
	}
	metrics.RedisOperationsTotal.WithLabelValues(name, "ok").Inc()
	return res, true, nil
}

// BindUser records which room the user's session belongs to.
func (s *Service) BindUser(ctx context.Context, userID types.UserID, roomID types.RoomID) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, _, err := s.execute("bind_user", func() (any, error) {
		return nil, s.client.Set(ctx, userKey(userID), int64(roomID), 0).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to bind user %d: %w", userID, err)
	}
	return nil
}

// UnbindUser clears the user's session binding.
func (s *Service) UnbindUser(ctx context.Context, userID types.UserID) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, _, err := s.execute("unbind_user", func() (any, error) {
		return nil, s.client.Del(ctx, userKey(userID)).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to unbind user %d: %w", userID, err)
	}
	return nil
}

// BoundRoom returns the room id the user's session is bound to, if any.
func (s *Service) BoundRoom(ctx context.Context, userID types.UserID) (types.RoomID, bool, error) {
	if s == nil || s.client == nil {
		return 0, false, nil
	}
	res, ok, err := s.execute("bound_room", func() (any, error) {
		val, err := s.client.Get(ctx, userKey(userID)).Result()
		if err == redis.Nil {
			return nil, nil
		}
		return val, err
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to read binding for user %d: %w", userID, err)
	}
	if !ok || res == nil {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(res.(string), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt binding for user %d: %w", userID, err)
	}
	return types.RoomID(id), true, nil
}

// AddRoomMember adds the user to the room's member set.
func (s *Service) AddRoomMember(ctx context.Context, roomID types.RoomID, userID types.UserID) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, _, err := s.execute("add_room_member", func() (any, error) {
		return nil, s.client.SAdd(ctx, roomKey(roomID), int64(userID)).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to add member to room %d: %w", roomID, err)
	}
	return nil
}

// RemoveRoomMember removes the user from the room's member set.
func (s *Service) RemoveRoomMember(ctx context.Context, roomID types.RoomID, userID types.UserID) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, _, err := s.execute("remove_room_member", func() (any, error) {
		return nil, s.client.SRem(ctx, roomKey(roomID), int64(userID)).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to remove member from room %d: %w", roomID, err)
	}
	return nil
}

// RoomMembers returns the user ids recorded for the room.
func (s *Service) RoomMembers(ctx context.Context, roomID types.RoomID) ([]types.UserID, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, ok, err := s.execute("room_members", func() (any, error) {
		return s.client.SMembers(ctx, roomKey(roomID)).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list members of room %d: %w", roomID, err)
	}
	if !ok {
		return nil, nil
	}
	raw := res.([]string)
	members := make([]types.UserID, 0, len(raw))
	for _, m := range raw {
		id, err := strconv.ParseInt(m, 10, 32)
		if err != nil {
			continue
		}
		members = append(members, types.UserID(id))
	}
	return members, nil
}

// ClearRoom drops the room's member set once the room is destroyed.
func (s *Service) ClearRoom(ctx context.Context, roomID types.RoomID) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, _, err := s.execute("clear_room", func() (any, error) {
		return nil, s.client.Del(ctx, roomKey(roomID)).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to clear room %d: %w", roomID, err)
	}
	return nil
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, _, err := s.execute("ping", func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
