package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"classroom-chat/internal/models"
)

// RoomCounter reports live connections per room.
type RoomCounter interface {
	Count(roomID int64) int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, rooms RoomCounter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/chats/:chat_id/connections", func(c *gin.Context) {
		chatID, err := models.ParseID(c.Param("chat_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"chat_id": models.FormatID(chatID), "connections": rooms.Count(chatID)})
	})
}
