package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"live-quiz-service/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the token payload issued by the account service.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// guestTokenTTL bounds how long a guest can come back as the same player.
const guestTokenTTL = 12 * time.Hour

// JWTResolver turns bearer tokens into identities. With guests allowed, a
// request without a token gets a fresh guest identity, and GuestToken signs
// it so the guest can reconnect under the same id.
type JWTResolver struct {
	secret      []byte
	allowGuests bool
}

func NewJWTResolver(secret string, allowGuests bool) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), allowGuests: allowGuests}
}

func (r *JWTResolver) Resolve(_ context.Context, token string) (domain.Identity, error) {
	if token == "" {
		if !r.allowGuests {
			return domain.Identity{}, domain.ErrNotAuthorized
		}
		id := uuid.NewString()
		return domain.Identity{UserID: "guest-" + id, Username: "guest-" + id[:8], Role: domain.RoleGuest}, nil
	}
	if len(r.secret) == 0 {
		return domain.Identity{}, fmt.Errorf("jwt secret not configured: %w", domain.ErrNotAuthorized)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return domain.Identity{}, fmt.Errorf("invalid token: %w", domain.ErrNotAuthorized)
	}
	if claims.UserID == "" {
		return domain.Identity{}, fmt.Errorf("token without user: %w", domain.ErrNotAuthorized)
	}

	role := domain.Role(claims.Role)
	switch role {
	case domain.RoleTeacher, domain.RoleStudent:
	case domain.RoleGuest:
		if !r.allowGuests {
			return domain.Identity{}, fmt.Errorf("guests disabled: %w", domain.ErrNotAuthorized)
		}
	default:
		role = domain.RoleStudent
	}
	return domain.Identity{UserID: claims.UserID, Username: claims.Username, Role: role}, nil
}

// GuestToken signs a fresh guest identity handed out by Resolve.
func (r *JWTResolver) GuestToken(id domain.Identity) (string, error) {
	if id.Role != domain.RoleGuest {
		return "", fmt.Errorf("not a guest: %s", id.UserID)
	}
	if len(r.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	return r.Issue(id, guestTokenTTL)
}

// Issue signs a token for id. The service only verifies tokens; this is
// used by tests and local tooling.
func (r *JWTResolver) Issue(id domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		Role:     string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the "token" query parameter for browser websocket handshakes.
func TokenFromRequest(req *http.Request) string {
	if header := req.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return req.URL.Query().Get("token")
}
