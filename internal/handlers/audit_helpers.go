package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"classroom-chat/internal/logging"
)

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(logging.FieldRequestID); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(logging.FieldRequestID, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *int {
	if id := c.GetInt("userID"); id != 0 {
		return &id
	}
	return nil
}
