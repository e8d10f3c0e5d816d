package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/levelup/internal/auth"
	"github.com/pavelanni/levelup/internal/model"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// handleLogin exchanges admin credentials for a bearer token. Students authenticate
// with tokens issued elsewhere.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}

	user, err := h.repo.GetUserByExternalID(r.Context(), req.Username)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		slog.Error("failed to get user", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "internal", "ErrInternal")
		return
	}
	if err != nil || user.Role != model.UserRoleAdmin || user.PasswordHash == "" {
		h.loginFailed(w, r, req.Username)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		h.loginFailed(w, r, req.Username)
		return
	}

	tok, err := h.tokens.Issue(user.ExternalID, user.Role)
	if err != nil {
		slog.Error("failed to issue token", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "internal", "ErrInternal")
		return
	}
	slog.Info("admin logged in", "username", user.ExternalID)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: tok,
		TokenType:   "Bearer",
		ExpiresIn:   int64(h.config.TokenTTL.Seconds()),
	})
}

func (h *Handler) loginFailed(w http.ResponseWriter, r *http.Request, username string) {
	slog.Warn("login failed", "username", username)
	h.writeError(w, r, http.StatusUnauthorized, "invalid_credentials", "ErrInvalidCredentials")
}

// handleLogout revokes the presented token until it expires.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil || claims.ExpiresAt == nil {
		h.deny(w, r, http.StatusUnauthorized)
		return
	}
	if err := h.repo.RevokeToken(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		slog.Error("failed to revoke token", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "internal", "ErrInternal")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
