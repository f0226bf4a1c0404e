package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harmonia-game/multiplayer-server/internal/v1/auth"
	"github.com/harmonia-game/multiplayer-server/internal/v1/metrics"
	"github.com/harmonia-game/multiplayer-server/internal/v1/room"
	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// TokenValidator defines the interface for JWT token authentication services.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// UserLimiter bounds handshakes per authenticated user.
type UserLimiter interface {
	AllowUser(ctx context.Context, userID string) bool
}

// disconnectTimeout bounds the database work done while tearing down a
// dropped connection.
const disconnectTimeout = 10 * time.Second

// Server accepts WebSocket connections, resolves them to authenticated
// users, and routes RPC frames into the room coordinator.
type Server struct {
	hub       *room.Hub
	validator TokenValidator
	registry  *GroupRegistry
	limiter   UserLimiter
}

// NewServer wires the WebSocket endpoint with its dependencies. limiter may
// be nil to disable per-user handshake limiting.
func NewServer(hub *room.Hub, validator TokenValidator, registry *GroupRegistry, limiter UserLimiter) *Server {
	return &Server{
		hub:       hub,
		validator: validator,
		registry:  registry,
		limiter:   limiter,
	}
}

// Registry exposes the group registry for health checks and tests.
func (s *Server) Registry() *GroupRegistry {
	return s.registry
}

// ServeWs authenticates the user and upgrades to a WebSocket connection.
func (s *Server) ServeWs(c *gin.Context) {
	token, err := extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	userID, err := userIDFromSubject(claims.Subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid subject"})
		return
	}

	if s.limiter != nil && !s.limiter.AllowUser(c.Request.Context(), claims.Subject) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return auth.OriginAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s, userID, uuid.NewString())
	s.registry.Register(client)
	metrics.IncConnection()

	slog.Info("Client connected", "userId", userID, "connectionId", client.connectionID)

	go client.writePump()
	go client.readPump()
}

// handleDisconnect runs the post-connection cleanup path: the user leaves
// their room (if any) and the connection vanishes from every group.
func (s *Server) handleDisconnect(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	if err := s.hub.HandleDisconnect(ctx, c.userID, c.connectionID); err != nil {
		slog.Error("Disconnect cleanup failed", "userId", c.userID, "error", err)
	}
	s.registry.Unregister(c.connectionID)
	slog.Info("Client disconnected", "userId", c.userID, "connectionId", c.connectionID)
}

// dispatch routes one RPC frame to the coordinator and answers it.
func (s *Server) dispatch(ctx context.Context, c *Client, env *RequestEnvelope) {
	start := time.Now()

	result, err := s.invoke(ctx, c, env)

	status := "ok"
	resp := ResponseEnvelope{ID: env.ID, Result: result}
	if err != nil {
		resp.Result = nil
		resp.Error = wireError(err)
		status = resp.Error.Code
	}

	metrics.RPCHandled.WithLabelValues(env.Method, status).Inc()
	metrics.RPCDuration.WithLabelValues(env.Method).Observe(time.Since(start).Seconds())

	c.sendResponse(resp)
}

func (s *Server) invoke(ctx context.Context, c *Client, env *RequestEnvelope) (any, error) {
	switch env.Method {
	case MethodJoinRoom:
		var args joinRoomArgs
		if err := unmarshalArgs(env.Args, &args); err != nil {
			return nil, err
		}
		return s.hub.JoinRoom(ctx, c.userID, c.connectionID, args.RoomID)

	case MethodLeaveRoom:
		return nil, s.hub.LeaveRoom(ctx, c.userID)

	case MethodTransferHost:
		var args transferHostArgs
		if err := unmarshalArgs(env.Args, &args); err != nil {
			return nil, err
		}
		return nil, s.hub.TransferHost(ctx, c.userID, args.UserID)

	case MethodChangeState:
		var args changeStateArgs
		if err := unmarshalArgs(env.Args, &args); err != nil {
			return nil, err
		}
		return nil, s.hub.ChangeState(ctx, c.userID, args.State)

	case MethodStartMatch:
		return nil, s.hub.StartMatch(ctx, c.userID)

	case MethodChangeSettings:
		var args changeSettingsArgs
		if err := unmarshalArgs(env.Args, &args); err != nil {
			return nil, err
		}
		return nil, s.hub.ChangeSettings(ctx, c.userID, args.Settings)

	case MethodAddPlaylistItem:
		var args addPlaylistItemArgs
		if err := unmarshalArgs(env.Args, &args); err != nil {
			return nil, err
		}
		return nil, s.hub.AddPlaylistItem(ctx, c.userID, &args.Item)

	default:
		return nil, fmt.Errorf("%w: unknown method %q", types.ErrInvalidOperation, env.Method)
	}
}

func unmarshalArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing arguments", types.ErrInvalidOperation)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: malformed arguments: %v", types.ErrInvalidOperation, err)
	}
	return nil
}

// extractToken pulls the bearer token from the Authorization header or,
// for browser WebSocket clients that can't set headers, the token query
// parameter.
func extractToken(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		if after, ok := strings.CutPrefix(header, "Bearer "); ok {
			return after, nil
		}
		return "", fmt.Errorf("malformed authorization header")
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("no token provided")
}

func userIDFromSubject(subject string) (types.UserID, error) {
	id, err := strconv.ParseInt(subject, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("subject %q is not a user id: %w", subject, err)
	}
	return types.UserID(id), nil
}
