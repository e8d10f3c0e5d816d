// Package auth issues and verifies the HS256 bearer tokens used by the API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/levelup/internal/model"
)

const issuer = "levelup"

// ErrInvalidToken is returned for tokens that fail signature, expiry or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims carries the user's external id and role.
type Claims struct {
	Sub  string         `json:"sub"`
	Role model.UserRole `json:"role"`
	jwt.RegisteredClaims
}

// Tokens signs and parses bearer tokens with a shared secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a token service. ttl defaults to 8 hours.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for the given external id and role.
func (t *Tokens) Issue(sub string, role model.UserRole) (string, error) {
	if sub == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	now := t.now()
	claims := &Claims{
		Sub:  sub,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(t.secret)
}

// Parse verifies a token and returns its claims.
func (t *Tokens) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || c.Sub == "" {
		return nil, ErrInvalidToken
	}
	return c, nil
}

// UserStore resolves token subjects to users and checks the revocation list.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, externalID string, role model.UserRole) (model.User, error)
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type claimsCtxKey struct{}

// ClaimsFromContext returns the verified claims of the current request, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsCtxKey{}).(*Claims)
	return c
}

// Middleware requires a valid bearer token. The first request from an unknown subject
// creates the user with the token's role; afterwards the stored role is authoritative.
func Middleware(t *Tokens, users UserStore, deny func(w http.ResponseWriter, r *http.Request, status int)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				deny(w, r, http.StatusUnauthorized)
				return
			}
			claims, err := t.Parse(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				slog.Debug("rejected bearer token", "error", err)
				deny(w, r, http.StatusUnauthorized)
				return
			}
			revoked, err := users.IsTokenRevoked(r.Context(), claims.ID)
			if err != nil {
				slog.Error("failed to check token revocation", "error", err)
				deny(w, r, http.StatusInternalServerError)
				return
			}
			if revoked {
				deny(w, r, http.StatusUnauthorized)
				return
			}

			role := claims.Role
			if role != model.UserRoleAdmin {
				role = model.UserRoleStudent
			}
			user, err := users.GetOrCreateUser(r.Context(), claims.Sub, role)
			if err != nil {
				slog.Error("failed to resolve user", "sub", claims.Sub, "error", err)
				deny(w, r, http.StatusInternalServerError)
				return
			}

			ctx := model.ContextWithUser(r.Context(), &user)
			ctx = context.WithValue(ctx, claimsCtxKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose user has none of the allowed roles.
func RequireRole(deny func(w http.ResponseWriter, r *http.Request, status int), allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				deny(w, r, http.StatusUnauthorized)
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			deny(w, r, http.StatusForbidden)
		})
	}
}
