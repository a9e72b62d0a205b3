package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fixedCounter map[int64]int

func (f fixedCounter) Count(roomID int64) int { return f[roomID] }

func TestDebugRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	off := gin.New()
	RegisterDebugRoutes(off, fixedCounter{}, false)
	rec := httptest.NewRecorder()
	off.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/chats/00001/connections", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	on := gin.New()
	RegisterDebugRoutes(on, fixedCounter{1: 3}, true)
	rec = httptest.NewRecorder()
	on.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/chats/00001/connections", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"chat_id":"00001","connections":3}`, rec.Body.String())
}
