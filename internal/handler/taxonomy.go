package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/levelup/internal/model"
)

type subjectTree struct {
	model.Subject
	Topics []model.Topic `json:"topics"`
}

// handleTaxonomy returns a branch with all its subjects and topics.
func (h *Handler) handleTaxonomy(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("branch")
	if key == "" {
		h.writeError(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}
	branch, ok := h.branchByKey(w, r, key)
	if !ok {
		return
	}
	subjects, err := h.repo.ListSubjects(r.Context(), branch.ID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	tree := make([]subjectTree, 0, len(subjects))
	for _, s := range subjects {
		topics, err := h.repo.ListTopics(r.Context(), s.ID)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		tree = append(tree, subjectTree{Subject: s, Topics: nonNil(topics)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"branch": branch, "subjects": tree})
}

func (h *Handler) handleBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.repo.ListBranches(r.Context())
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": nonNil(branches)})
}

func (h *Handler) handleSubjects(w http.ResponseWriter, r *http.Request) {
	branch, ok := h.branchByKey(w, r, chi.URLParam(r, "branchKey"))
	if !ok {
		return
	}
	subjects, err := h.repo.ListSubjects(r.Context(), branch.ID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subjects": nonNil(subjects)})
}

func (h *Handler) handleTopics(w http.ResponseWriter, r *http.Request) {
	branch, ok := h.branchByKey(w, r, chi.URLParam(r, "branchKey"))
	if !ok {
		return
	}
	subject, err := h.repo.GetSubjectByKey(r.Context(), branch.ID, chi.URLParam(r, "subjectKey"))
	if errors.Is(err, model.ErrNotFound) {
		h.writeError(w, r, http.StatusNotFound, "subject_not_found", "ErrSubjectNotFound")
		return
	}
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	topics, err := h.repo.ListTopics(r.Context(), subject.ID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": nonNil(topics)})
}

func (h *Handler) branchByKey(w http.ResponseWriter, r *http.Request, key string) (model.Branch, bool) {
	b, err := h.repo.GetBranchByKey(r.Context(), key)
	if errors.Is(err, model.ErrNotFound) {
		h.writeError(w, r, http.StatusNotFound, "branch_not_found", "ErrBranchNotFound")
		return b, false
	}
	if err != nil {
		h.serviceError(w, r, err)
		return b, false
	}
	return b, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
