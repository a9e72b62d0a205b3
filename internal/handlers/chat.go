package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"classroom-chat/internal/logging"
	"classroom-chat/internal/models"
	"classroom-chat/internal/repositories"
	"classroom-chat/internal/telemetry"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ChatHandler serves the REST side of chat rooms.
type ChatHandler struct {
	chatRepo    repositories.ChatRepository
	messageRepo repositories.MessageRepository
	audit       *telemetry.AuditEmitter
	mediaURL    func(string) string
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chatRepo repositories.ChatRepository, messageRepo repositories.MessageRepository, audit *telemetry.AuditEmitter, mediaURL func(string) string) *ChatHandler {
	return &ChatHandler{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		audit:       audit,
		mediaURL:    mediaURL,
	}
}

// CreateChat creates a group chat, or returns the direct chat between the caller and one other user.
func (h *ChatHandler) CreateChat(c *gin.Context) {
	var req struct {
		Name           *string `json:"name"`
		IsGroup        bool    `json:"is_group"`
		ParticipantIDs []int   `json:"participant_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	chat, members, err := h.chatRepo.CreateChat(c.Request.Context(), userID, req.Name, req.IsGroup, req.ParticipantIDs)
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidParticipants) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "a direct chat needs exactly one other participant"})
			return
		}
		logger := logging.Ctx(c.Request.Context())
		logger.Error().Err(err).Msg("create chat failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
		return
	}

	h.audit.Emit(c.Request.Context(), "chat_created", chat.ID, "", requestIDFromContext(c), userIDFromContext(c))
	c.JSON(http.StatusCreated, chat.Summary(members))
}

// ListChats returns the chats the caller participates in, newest first.
func (h *ChatHandler) ListChats(c *gin.Context) {
	chats, err := h.chatRepo.ListChats(c.Request.Context(), c.GetInt("userID"))
	if err != nil {
		logger := logging.Ctx(c.Request.Context())
		logger.Error().Err(err).Msg("list chats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chats"})
		return
	}
	if chats == nil {
		chats = []models.ChatSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// ListMessages pages through a chat's history in sequence order.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	chatID, ok := h.memberChat(c)
	if !ok {
		return
	}

	var after int64
	if raw := c.Query("after"); raw != "" {
		seq, err := models.ParseID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		after = seq
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.messageRepo.ListSince(c.Request.Context(), chatID, after, limit)
	if err != nil {
		logger := logging.Ctx(c.Request.Context())
		logger.Error().Err(err).Int64(logging.FieldChatID, chatID).Msg("list messages failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, m.View(nil, h.mediaURL))
	}
	next := ""
	if len(msgs) > 0 {
		next = models.FormatID(msgs[len(msgs)-1].ID)
	}
	c.JSON(http.StatusOK, gin.H{"messages": views, "next": next})
}

// DeleteChat removes a chat with all of its messages and attachments.
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	chatID, ok := h.memberChat(c)
	if !ok {
		return
	}

	if err := h.chatRepo.DeleteChat(c.Request.Context(), chatID); err != nil {
		if errors.Is(err, repositories.ErrChatNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		logger := logging.Ctx(c.Request.Context())
		logger.Error().Err(err).Int64(logging.FieldChatID, chatID).Msg("delete chat failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete chat"})
		return
	}

	h.audit.Emit(c.Request.Context(), "chat_deleted", chatID, "", requestIDFromContext(c), userIDFromContext(c))
	c.Status(http.StatusNoContent)
}

// memberChat parses :chat_id and checks the caller belongs to it, writing the
// error response itself when it returns false.
func (h *ChatHandler) memberChat(c *gin.Context) (int64, bool) {
	chatID, err := models.ParseID(c.Param("chat_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return 0, false
	}

	member, err := h.chatRepo.IsMember(c.Request.Context(), chatID, c.GetInt("userID"))
	if err != nil {
		logger := logging.Ctx(c.Request.Context())
		logger.Error().Err(err).Int64(logging.FieldChatID, chatID).Msg("membership check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return 0, false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return 0, false
	}
	return chatID, true
}
