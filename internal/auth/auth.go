package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"classroom-chat/internal/config"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated caller behind a credential.
type Identity struct {
	UserID int
	Email  string
}

// Gate resolves a bearer credential to an Identity.
type Gate interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// Claims carried by access tokens issued by the platform's auth service.
type Claims struct {
	jwt.RegisteredClaims
	UserID int    `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// JWTGate verifies HS256 access tokens signed with a shared secret.
type JWTGate struct {
	secret []byte
	issuer string
}

// placeholderSecrets are sample values that must never sign real tokens.
var placeholderSecrets = map[string]bool{
	"replace-me": true,
	"changeme":   true,
	"change-me":  true,
	"secret":     true,
}

func NewJWTGate(cfg config.AuthConfig) (*JWTGate, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if placeholderSecrets[strings.ToLower(cfg.JWTSecret)] {
		return nil, errors.New("jwt secret is a placeholder value")
	}
	return &JWTGate{secret: []byte(cfg.JWTSecret), issuer: cfg.JWTIssuer}, nil
}

func (g *JWTGate) Resolve(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing credential", ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		if id, err := strconv.Atoi(claims.Subject); err == nil {
			userID = id
		}
	}
	if userID <= 0 {
		return Identity{}, fmt.Errorf("%w: token has no user", ErrUnauthenticated)
	}
	return Identity{UserID: userID, Email: claims.Email}, nil
}

// Issue signs an access token for id, valid for ttl.
func (g *JWTGate) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   strconv.Itoa(id.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: id.UserID,
		Email:  id.Email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
