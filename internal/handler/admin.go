package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/levelup/internal/i18n"
	"github.com/pavelanni/levelup/internal/model"
)

const maxCatalogSize = 10 << 20

// handleUploadQuestions imports a catalogue file sent as multipart field catalog_file.
func (h *Handler) handleUploadQuestions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxCatalogSize); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}

	file, header, err := r.FormFile("catalog_file")
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxCatalogSize))
	if err != nil {
		slog.Error("failed to read upload", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "internal", "ErrInternal")
		return
	}

	sum, err := h.importer.Import(r.Context(), header.Filename, data)
	switch {
	case errors.Is(err, model.ErrDuplicateCatalog):
		h.writeError(w, r, http.StatusConflict, "duplicate_catalog", "ErrDuplicateCatalog")
		return
	case errors.Is(err, model.ErrUnknownTaxonomyID):
		slog.Warn("catalogue rejected", "filename", header.Filename, "error", err)
		h.writeError(w, r, http.StatusBadRequest, "unknown_taxonomy", "ErrUnknownTaxonomy")
		return
	case errors.Is(err, model.ErrInvalidQuestion):
		slog.Warn("catalogue rejected", "filename", header.Filename, "error", err)
		h.writeError(w, r, http.StatusBadRequest, "invalid_question", "ErrInvalidQuestion")
		return
	case err != nil:
		slog.Error("failed to import catalogue", "filename", header.Filename, "error", err)
		h.writeError(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}

	user := model.UserFromContext(r.Context())
	slog.Info("uploaded questions via admin", "filename", header.Filename, "count", sum.Questions, "admin", user.ExternalID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"summary": sum,
		"message": appI18n.Tp(r.Context(), "QuestionsImported", sum.Questions),
	})
}
