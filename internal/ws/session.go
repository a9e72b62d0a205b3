package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"classroom-chat/internal/auth"
	"classroom-chat/internal/logging"
	"classroom-chat/internal/models"
	"classroom-chat/internal/observability"
	"classroom-chat/internal/repositories"
)

// State is a room session's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateAuthorized
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameEncodeError is reported when a persisted message cannot be rendered.
const FrameEncodeError = "encode_error"

// Session is one admitted connection to one room.
type Session struct {
	h        *ChatWebSocketHandler
	client   *Client
	roomID   int64
	identity auth.Identity
	info     ConnInfo
	log      zerolog.Logger

	state     atomic.Int32
	closeOnce sync.Once
}

func newSession(h *ChatWebSocketHandler, client *Client, roomID int64, identity auth.Identity, info ConnInfo, log zerolog.Logger) *Session {
	s := &Session{
		h:        h,
		client:   client,
		roomID:   roomID,
		identity: identity,
		info:     info,
		log: log.With().
			Int64(logging.FieldChatID, roomID).
			Int(logging.FieldUserID, identity.UserID).
			Str(logging.FieldConnID, client.ID).
			Logger(),
	}
	s.state.Store(int32(StateAuthorized))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// run joins the room and serves the socket until it closes.
func (s *Session) run(ctx context.Context) {
	ctx = logging.WithLogger(ctx, s.log)

	s.h.hub.Join(s.roomID, s.client)
	if !s.state.CompareAndSwap(int32(StateAuthorized), int32(StateActive)) {
		s.close(ctx, "closed before join")
		return
	}
	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	s.publishLifecycle(ctx, "ws_connect", "")
	s.log.Info().Msg("session joined")

	go s.client.writePump(s.h.cfg)

	err := s.readLoop(ctx)
	reason := "client closed"
	if err != nil {
		reason = err.Error()
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			observability.IncWSEvent("ws_error")
			s.publishLifecycle(ctx, "ws_error", reason)
		}
	}
	s.close(ctx, reason)
}

func (s *Session) readLoop(ctx context.Context) error {
	conn := s.client.conn
	conn.SetReadLimit(s.h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.h.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(s.h.cfg.PongWait))
		s.handleFrame(ctx, data)
	}
}

// close moves the session to Closed and leaves the room. Only the first call has effect.
func (s *Session) close(ctx context.Context, reason string) {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		s.h.hub.Leave(s.roomID, s.client.ID)
		s.client.Close(websocket.CloseNormalClosure, "")

		if prev != StateActive {
			return
		}
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		s.publishLifecycle(ctx, "ws_disconnect", reason)
		s.log.Info().
			Str("reason", reason).
			Int64("duration_ms", time.Since(s.info.ConnectedAt).Milliseconds()).
			Msg("session closed")
	})
}

// handleFrame processes one inbound frame and reports its outcome. Failures
// are confined to the frame; the session keeps running.
func (s *Session) handleFrame(ctx context.Context, raw []byte) string {
	outcome, msg := s.processFrame(ctx, raw)
	observability.IncFrame(outcome)
	if msg != nil {
		s.publishCreated(ctx, *msg)
	}
	return outcome
}

func (s *Session) processFrame(ctx context.Context, raw []byte) (string, *models.Message) {
	var in models.InboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		s.log.Warn().Err(err).Msg("malformed frame dropped")
		return observability.FrameInvalidPayload, nil
	}
	msgType, err := models.ParseMessageType(in.Type)
	if err != nil {
		s.log.Warn().Str("type", in.Type).Msg("frame with unknown type dropped")
		return observability.FrameInvalidPayload, nil
	}

	// appends outlive the connection so a disconnect never tears a write
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.h.cfg.AppendTimeout)
	defer cancel()

	refs := s.ingest(ctx, in.Media)

	content := in.Message
	if content != nil && *content == "" {
		content = nil
	}
	if content == nil && len(refs) == 0 {
		return observability.FrameEmpty, nil
	}

	var (
		outcome string
		stored  *models.Message
	)
	msg := models.NewMessage{
		ChatID:   s.roomID,
		SenderID: s.identity.UserID,
		Content:  content,
		Type:     msgType,
		Media:    refs,
	}
	s.h.sequencer.Do(s.roomID, func() {
		if s.h.roomLock == nil {
			outcome, stored = s.appendAndBroadcast(ctx, msg)
			return
		}
		err := s.h.roomLock.WithRoomLock(ctx, s.roomID, func() {
			outcome, stored = s.appendAndBroadcast(ctx, msg)
		})
		if err != nil {
			s.log.Error().Err(err).Msg("room lock unavailable, frame dropped")
			outcome = observability.FrameStorageError
		}
	})
	if stored == nil {
		s.discard(ctx, refs)
	}
	return outcome, stored
}

// discard removes blobs ingested for a frame that was never stored.
func (s *Session) discard(ctx context.Context, refs []string) {
	if len(refs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, ref := range refs {
		if err := s.h.media.Discard(ctx, ref); err != nil {
			s.log.Warn().Err(err).Str("ref", ref).Msg("orphaned attachment not removed")
		}
	}
}

// ingest stores each attachment independently; rejected ones are skipped.
func (s *Session) ingest(ctx context.Context, media []models.InboundMedia) []string {
	refs := make([]string, 0, len(media))
	for i, m := range media {
		ref, err := s.h.media.Ingest(ctx, m.Data, m.FileName)
		observability.IncMediaIngest(err == nil)
		if err != nil {
			s.log.Warn().Err(err).Int("index", i).Str("file_name", m.FileName).Msg("attachment dropped")
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// appendAndBroadcast must run under the room's sequencer lock so that
// broadcast order matches append order.
func (s *Session) appendAndBroadcast(ctx context.Context, in models.NewMessage) (string, *models.Message) {
	ctx, span := otel.Tracer("classroom-chat/ws").Start(ctx, "message.append")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("chat.id", in.ChatID),
		attribute.Int("message.media", len(in.Media)),
	)

	start := time.Now()
	msg, err := s.h.messages.Append(ctx, in)
	observability.ObserveAppend(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, repositories.ErrChatNotFound) {
			s.log.Warn().Msg("room no longer exists, frame dropped")
			return observability.FrameNotFound, nil
		}
		s.log.Error().Err(err).Msg("append failed, frame dropped")
		return observability.FrameStorageError, nil
	}

	sender := models.Sender{ID: s.identity.UserID, Email: s.identity.Email}
	view := msg.View(&sender, s.h.mediaURL)
	payload, err := models.Event{Kind: models.EventNewMessage, Message: &view, User: sender.String()}.Encode()
	if err != nil {
		s.log.Error().Err(err).Int64(logging.FieldMessageID, msg.ID).Msg("encode broadcast failed")
		return FrameEncodeError, &msg
	}

	s.h.broadcaster.Broadcast(ctx, s.roomID, payload)
	return observability.FrameBroadcast, &msg
}

func (s *Session) publishLifecycle(ctx context.Context, event, reason string) {
	var duration int64
	if event != "ws_connect" {
		duration = time.Since(s.info.ConnectedAt).Milliseconds()
	}
	env := observability.NewWSEnvelope(event, observability.WSPayload{
		WS: observability.WSEvent{
			ChatID:     models.FormatID(s.roomID),
			ConnID:     s.client.ID,
			DurationMS: duration,
			Reason:     reason,
		},
		Identity: observability.Identity{
			UserID:   s.identity.UserID,
			DeviceID: s.info.DeviceID,
			IP:       s.info.IP,
		},
	})
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents, env,
		observability.BuildHeaders(s.info.RequestID, s.info.TraceID))
}

func (s *Session) publishCreated(ctx context.Context, msg models.Message) {
	env := observability.NewMessageEnvelope(observability.MessageCreated{
		ChatID:     models.FormatID(msg.ChatID),
		MessageID:  models.FormatID(msg.ID),
		SenderID:   s.identity.UserID,
		Type:       string(msg.Type),
		MediaCount: len(msg.Media),
		CreatedAt:  msg.CreatedAt.Unix(),
	})
	_ = observability.PublishEvent(ctx, observability.RoutingMessageEvents, env,
		observability.BuildHeaders(s.info.RequestID, s.info.TraceID))
}
