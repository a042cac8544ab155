// Package handler serves the simulator's JSON API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/osce/internal/i18n"
	"github.com/pavelanni/osce/internal/session"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc   *session.Service
	users UserStore
	v     *validate
}

// New creates a new Handler. users backs the account stub routes.
func New(svc *session.Service, users UserStore) *Handler {
	return &Handler{svc: svc, users: users, v: newValidate()}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/cases", h.handleListCases)
		r.Post("/cases", h.handleCreateCase)
		r.Get("/cases/{caseID}", h.handleGetCase)

		r.Post("/sessions", h.handleStartSession)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Patch("/", h.handleUpdateSession)

			r.Post("/chat", h.handleSendChat)
			r.Get("/chat", h.handleChatHistory)
			r.Post("/examine", h.handleExamine)
			r.Post("/tests", h.handleOrderTests)
			r.Get("/tests", h.handleListTests)
			r.Get("/tests/{testID}/result", h.handleTestResult)

			r.Post("/diagnosis", h.handleDiagnosis)
			r.Post("/treatment", h.handleTreatment)
			r.Post("/pause", h.handlePause)
			r.Post("/stage", h.handleStage)
		})

		r.Post("/users", h.handleCreateUser)
		r.Post("/login", h.handleLogin)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Message: msg})
}

// writeServiceError maps an orchestrator error onto a status code and a
// localized message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var ve *session.ValidationError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, appI18n.T(ctx, "SessionNotFound"))
	case errors.Is(err, session.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, appI18n.T(ctx, "CaseNotFound"))
	case errors.Is(err, session.ErrTestOrderNotFound):
		writeError(w, http.StatusNotFound, appI18n.T(ctx, "TestOrderNotFound"))
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, appI18n.Td(ctx, "ValidationFailed", map[string]any{"Detail": ve.Error()}))
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(ctx, "InternalError"))
	}
}

// decode reads a JSON body into dst and validates it. On failure it writes a
// 400 response with the msgID message and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, msgID string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Debug("decode request body", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "InvalidRequestBody"))
		return false
	}
	if err := h.v.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, appI18n.Td(r.Context(), msgID, map[string]any{"Detail": describe(err)}))
		return false
	}
	return true
}
