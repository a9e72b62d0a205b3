package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"classroom-chat/internal/auth"
	"classroom-chat/internal/config"
	"classroom-chat/internal/logging"
	"classroom-chat/internal/models"
	"classroom-chat/internal/observability"
	"classroom-chat/internal/repositories"
	"classroom-chat/internal/tracing"
)

// ErrForbidden means the caller is authenticated but not a participant of the room.
var ErrForbidden = errors.New("not a participant of this chat")

// Membership answers whether a user may join a room.
type Membership interface {
	IsMember(ctx context.Context, chatID int64, userID int) (bool, error)
}

// MediaIngestor turns an encoded attachment into a stored blob reference.
type MediaIngestor interface {
	Ingest(ctx context.Context, encoded, filename string) (string, error)
	// Discard removes a blob that no stored message references.
	Discard(ctx context.Context, ref string) error
}

// RoomLocker serialises appends to a room across processes.
type RoomLocker interface {
	WithRoomLock(ctx context.Context, roomID int64, fn func()) error
}

// Deps are the collaborators of the websocket handler.
type Deps struct {
	Gate     auth.Gate
	Members  Membership
	Messages repositories.MessageRepository
	Media    MediaIngestor
	Hub      *Hub
	// Broadcaster defaults to Hub.
	Broadcaster Broadcaster
	// RoomLock is required whenever Broadcaster reaches other processes.
	RoomLock RoomLocker
	Config   config.WebSocketConfig
	// MediaURL maps a blob ref to the URL clients fetch it from.
	MediaURL func(string) string
}

// ChatWebSocketHandler admits room sessions and serves them.
type ChatWebSocketHandler struct {
	gate        auth.Gate
	members     Membership
	messages    repositories.MessageRepository
	media       MediaIngestor
	hub         *Hub
	broadcaster Broadcaster
	sequencer   *Sequencer
	roomLock    RoomLocker
	cfg         config.WebSocketConfig
	mediaURL    func(string) string
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(d Deps) *ChatWebSocketHandler {
	h := &ChatWebSocketHandler{
		gate:        d.Gate,
		members:     d.Members,
		messages:    d.Messages,
		media:       d.Media,
		hub:         d.Hub,
		broadcaster: d.Broadcaster,
		sequencer:   NewSequencer(),
		roomLock:    d.RoomLock,
		cfg:         withDefaults(d.Config),
		mediaURL:    d.MediaURL,
	}
	if h.hub == nil {
		h.hub = NewHub()
	}
	if h.broadcaster == nil {
		h.broadcaster = h.hub
	}
	return h
}

func withDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 16 << 20
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = 10 * time.Second
	}
	return cfg
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authorises the caller for the room in the path, upgrades the
// connection and serves the session until it closes. Refusals happen before
// the upgrade, so a refused client never exchanges a frame.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("classroom-chat/ws").Start(c.Request.Context(), "ws.handshake")
	log := logging.Ctx(ctx)

	roomID, err := models.ParseID(c.Param("chat_id"))
	if err != nil {
		span.End()
		h.refuse(c, http.StatusBadRequest, "invalid chat id", "bad_room_id")
		return
	}
	span.SetAttributes(attribute.Int64("chat.id", roomID))

	identity, err := h.admit(ctx, roomID, credentialFromRequest(c.Request))
	if err != nil {
		span.RecordError(err)
		span.End()
		switch {
		case errors.Is(err, auth.ErrUnauthenticated):
			h.refuse(c, http.StatusUnauthorized, "invalid token", "unauthenticated")
		case errors.Is(err, ErrForbidden):
			h.refuse(c, http.StatusForbidden, "not authorized for chat", "forbidden")
		default:
			log.Error().Err(err).Int64(logging.FieldChatID, roomID).Msg("membership check failed")
			h.refuse(c, http.StatusInternalServerError, "membership check failed", "error")
		}
		return
	}
	c.Set("userID", identity.UserID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		span.End()
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	requestID, _ := c.Get(logging.FieldRequestID)
	info := ConnInfo{
		UserID:      identity.UserID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		TraceID:     tracing.TraceID(ctx),
		ConnectedAt: time.Now(),
	}
	if id, ok := requestID.(string); ok {
		info.RequestID = id
	}
	client := NewClient(conn, identity.UserID, h.cfg.SendBuffer)
	info.ConnID = client.ID
	span.End()

	s := newSession(h, client, roomID, identity, info, log)
	s.run(context.WithoutCancel(ctx))
}

// admit resolves the caller and checks membership. A missing room is
// reported as ErrForbidden.
func (h *ChatWebSocketHandler) admit(ctx context.Context, roomID int64, credential string) (auth.Identity, error) {
	identity, err := h.gate.Resolve(ctx, credential)
	if err != nil {
		return auth.Identity{}, err
	}

	member, err := h.members.IsMember(ctx, roomID, identity.UserID)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return auth.Identity{}, ErrForbidden
	}
	return identity, nil
}

func (h *ChatWebSocketHandler) refuse(c *gin.Context, status int, msg, reason string) {
	observability.IncAdmissionRefused(reason)
	logger := logging.Ctx(c.Request.Context())
	logger.Info().
		Str("reason", reason).
		Str("chat", c.Param("chat_id")).
		Msg("websocket admission refused")
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// Count reports live connections in a room.
func (h *ChatWebSocketHandler) Count(roomID int64) int {
	return h.hub.Count(roomID)
}

// credentialFromRequest reads a bearer token from the Authorization header or,
// for browsers that cannot set headers on upgrade, the token query parameter.
func credentialFromRequest(r *http.Request) string {
	if token, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return r.URL.Query().Get("token")
}
