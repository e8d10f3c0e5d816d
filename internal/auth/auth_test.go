package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/levelup/internal/memstore"
	"github.com/pavelanni/levelup/internal/model"
)

func deny(w http.ResponseWriter, _ *http.Request, status int) {
	w.WriteHeader(status)
}

func TestIssueAndParse(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	tok, err := tokens.Issue("student-42", model.UserRoleStudent)
	require.NoError(t, err)

	c, err := tokens.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "student-42", c.Sub)
	assert.Equal(t, model.UserRoleStudent, c.Role)
	assert.NotEmpty(t, c.ID)

	_, err = NewTokens("other", time.Hour).Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tokens.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tokens.Issue("", model.UserRoleStudent)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseExpired(t *testing.T) {
	tokens := NewTokens("secret", time.Minute)
	issued := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return issued }
	tok, err := tokens.Issue("u", model.UserRoleStudent)
	require.NoError(t, err)

	tokens.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = tokens.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	users := memstore.New()

	var seen *model.User
	h := Middleware(tokens, users, deny)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = model.UserFromContext(r.Context())
		require.NotNil(t, ClaimsFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/progress", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer garbage"))

	tok, err := tokens.Issue("ext-7", model.UserRoleStudent)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, call("Bearer "+tok))
	require.NotNil(t, seen)
	assert.Equal(t, "ext-7", seen.ExternalID)
	assert.Equal(t, model.UserRoleStudent, seen.Role)

	// Same subject resolves to the same user.
	firstID := seen.ID
	assert.Equal(t, http.StatusNoContent, call("Bearer "+tok))
	assert.Equal(t, firstID, seen.ID)

	c, err := tokens.Parse(tok)
	require.NoError(t, err)
	require.NoError(t, users.RevokeToken(context.Background(), c.ID, c.ExpiresAt.Time))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "+tok))
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(deny, model.UserRoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name string
		user *model.User
		want int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"student", &model.User{Role: model.UserRoleStudent}, http.StatusForbidden},
		{"admin", &model.User{Role: model.UserRoleAdmin}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/admin/questions", nil)
			if tt.user != nil {
				req = req.WithContext(model.ContextWithUser(req.Context(), tt.user))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
