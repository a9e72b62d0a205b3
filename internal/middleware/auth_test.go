package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"classroom-chat/internal/auth"
	"classroom-chat/internal/config"
	"classroom-chat/internal/mocks"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gate, err := auth.NewJWTGate(config.AuthConfig{JWTSecret: "mw"})
	require.NoError(t, err)

	r := gin.New()
	r.Use(AuthMiddleware(gate))
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetInt(UserIDKey)})
	})

	token, err := gate.Issue(auth.Identity{UserID: 9}, time.Minute)
	require.NoError(t, err)

	cases := map[string]struct {
		header string
		status int
	}{
		"valid":   {"Bearer " + token, http.StatusOK},
		"missing": {"", http.StatusUnauthorized},
		"scheme":  {"Token " + token, http.StatusUnauthorized},
		"invalid": {"Bearer nope", http.StatusUnauthorized},
	}
	for name, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, tc.status, rec.Code, name)
		if tc.status == http.StatusOK {
			assert.JSONEq(t, `{"user_id":9}`, rec.Body.String())
		}
	}
}

func TestAuthMiddlewareSetsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gate := new(mocks.GateMock)
	gate.On("Resolve", mock.Anything, "tok").
		Return(auth.Identity{UserID: 4, Email: "d@example.com"}, nil).Once()

	r := gin.New()
	r.Use(AuthMiddleware(gate))
	r.GET("/me", func(c *gin.Context) {
		identity := c.MustGet(IdentityKey).(auth.Identity)
		c.JSON(http.StatusOK, gin.H{"email": identity.Email, "user_id": c.GetInt(UserIDKey)})
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"email":"d@example.com","user_id":4}`, rec.Body.String())
	gate.AssertExpectations(t)
}
