package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pavelanni/levelup/internal/auth"
	"github.com/pavelanni/levelup/internal/catalog"
	appI18n "github.com/pavelanni/levelup/internal/i18n"
	"github.com/pavelanni/levelup/internal/model"
	"github.com/pavelanni/levelup/internal/practice"
)

// Repository is the storage the HTTP layer reads directly, beside the practice service.
// Both the SQL store and the in-memory store implement it.
type Repository interface {
	auth.UserStore
	catalog.Repository
	GetUserByExternalID(ctx context.Context, externalID string) (model.User, error)
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	ListSessions(ctx context.Context, userID string) ([]model.TestSession, error)
	ListBranches(ctx context.Context) ([]model.Branch, error)
	ListSubjects(ctx context.Context, branchID string) ([]model.Subject, error)
	ListTopics(ctx context.Context, subjectID string) ([]model.Topic, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc      *practice.Service
	repo     Repository
	tokens   *auth.Tokens
	importer *catalog.Importer
	config   model.ExamConfig
}

// New creates a new Handler.
func New(svc *practice.Service, repo Repository, tokens *auth.Tokens, cfg model.ExamConfig) *Handler {
	return &Handler{
		svc:      svc,
		repo:     repo,
		tokens:   tokens,
		importer: catalog.NewImporter(repo),
		config:   cfg,
	}
}

// Router returns the API with its middleware stack.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if h.config.RequestTimeout > 0 {
		r.Use(middleware.Timeout(h.config.RequestTimeout))
	}
	if len(h.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Accept-Language"},
			ExposedHeaders: []string{"Content-Length"},
			MaxAge:         300,
		}))
	}
	r.Use(appI18n.Middleware(h.config.Lang))
	h.Routes(r)
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", h.handleLogin)

		r.Get("/taxonomy", h.handleTaxonomy)
		r.Get("/taxonomy/branches", h.handleBranches)
		r.Get("/taxonomy/branches/{branchKey}/subjects", h.handleSubjects)
		r.Get("/taxonomy/branches/{branchKey}/subjects/{subjectKey}/topics", h.handleTopics)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.tokens, h.repo, h.deny))

			r.Post("/auth/logout", h.handleLogout)

			r.Get("/sessions", h.handleListSessions)
			r.Post("/sessions", h.handleCreateSession)
			r.Get("/sessions/{sessionID}", h.handleGetSession)
			r.Post("/sessions/{sessionID}/submit", h.handleSubmit)
			r.Get("/progress", h.handleProgress)

			r.With(auth.RequireRole(h.deny, model.UserRoleAdmin)).
				Post("/admin/questions", h.handleUploadQuestions)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	Mode      model.Mode `json:"mode"`
	BranchID  string     `json:"branchId"`
	SubjectID string     `json:"subjectId"`
	TopicID   string     `json:"topicId"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}

	sess, err := h.svc.CreateSession(r.Context(), practice.CreateRequest{
		UserID:    user.ID,
		Mode:      req.Mode,
		BranchID:  req.BranchID,
		SubjectID: req.SubjectID,
		TopicID:   req.TopicID,
	})
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	sessions, err := h.repo.ListSessions(r.Context(), user.ID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": nonNil(sessions)})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r, r.URL.Query().Get("answers") == "true")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

type submitRequest struct {
	Responses []practice.ResponseInput `json:"responses"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}
	if len(req.Responses) == 0 {
		h.serviceError(w, r, practice.ErrEmptyResponseSet)
		return
	}
	sess, ok := h.ownedSession(w, r, false)
	if !ok {
		return
	}

	res, err := h.svc.SubmitSession(r.Context(), sess.ID, req.Responses)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		practice.Result
		Message string `json:"message"`
	}{
		Result:  res,
		Message: appI18n.Td(r.Context(), "SessionScore", map[string]any{"Correct": res.Correct, "Total": res.Total}),
	})
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	branchID := r.URL.Query().Get("branchId")
	if branchID == "" {
		h.writeError(w, r, http.StatusBadRequest, "invalid_scope", "ErrInvalidScope")
		return
	}
	records, err := h.svc.ListProgress(r.Context(), user.ID, branchID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": nonNil(records)})
}

// ownedSession loads the session named in the URL and checks the caller may see it.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request, includeAnswers bool) (model.TestSession, bool) {
	user := model.UserFromContext(r.Context())
	sess, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "sessionID"), includeAnswers)
	if err != nil {
		h.serviceError(w, r, err)
		return sess, false
	}
	if sess.UserID != user.ID && user.Role != model.UserRoleAdmin {
		slog.Warn("session access denied", "session_id", sess.ID, "user_id", user.ID)
		h.deny(w, r, http.StatusForbidden)
		return sess, false
	}
	return sess, true
}

// serviceError maps engine errors to HTTP statuses.
func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, practice.ErrInvalidScopeForMode):
		h.writeError(w, r, http.StatusBadRequest, "invalid_scope", "ErrInvalidScope")
	case errors.Is(err, practice.ErrEmptyResponseSet):
		h.writeError(w, r, http.StatusBadRequest, "empty_responses", "ErrEmptyResponses")
	case errors.Is(err, practice.ErrUnknownQuestionInSession):
		h.writeError(w, r, http.StatusBadRequest, "unknown_question", "ErrUnknownQuestion")
	case errors.Is(err, practice.ErrDuplicateResponse):
		h.writeError(w, r, http.StatusBadRequest, "duplicate_response", "ErrDuplicateResponse")
	case errors.Is(err, practice.ErrSessionNotFound):
		h.writeError(w, r, http.StatusNotFound, "session_not_found", "ErrSessionNotFound")
	case errors.Is(err, practice.ErrSessionAlreadyCompleted):
		h.writeError(w, r, http.StatusConflict, "session_completed", "ErrSessionCompleted")
	case errors.Is(err, practice.ErrNoQuestionsAvailable):
		h.writeError(w, r, http.StatusUnprocessableEntity, "no_questions", "ErrNoQuestions")
	case errors.Is(err, practice.ErrProgressRecordMissing):
		h.writeError(w, r, http.StatusInternalServerError, "progress_missing", "ErrProgressMissing")
	default:
		slog.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "internal", "ErrInternal")
	}
}

// deny writes the error body for authentication and authorization failures.
func (h *Handler) deny(w http.ResponseWriter, r *http.Request, status int) {
	switch status {
	case http.StatusUnauthorized:
		h.writeError(w, r, status, "unauthorized", "ErrUnauthorized")
	case http.StatusForbidden:
		h.writeError(w, r, status, "forbidden", "ErrForbidden")
	default:
		h.writeError(w, r, status, "internal", "ErrInternal")
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, msgID string) {
	writeJSON(w, status, errorBody{Error: code, Message: appI18n.T(r.Context(), msgID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
