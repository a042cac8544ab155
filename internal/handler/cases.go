package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/osce/internal/i18n"
	"github.com/pavelanni/osce/internal/model"
)

func (h *Handler) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.svc.ListCases(r.Context())
	if err != nil {
		slog.Error("failed to list cases", "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(r.Context(), "FetchCasesFailed"))
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(cases))
}

func (h *Handler) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetCase(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var c model.Case
	if !h.decode(w, r, &c, "InvalidCaseData") {
		return
	}
	created, err := h.svc.CreateCase(r.Context(), c)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// orEmpty keeps empty collections encoding as [] rather than null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
