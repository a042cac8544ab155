package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/osce/internal/i18n"
	"github.com/pavelanni/osce/internal/model"
	"github.com/pavelanni/osce/internal/store"
)

// UserStore is the account storage used by the user routes.
type UserStore interface {
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
}

type credentials struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !h.decode(w, r, &req, "ValidationFailed") {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(r.Context(), "InternalError"))
		return
	}

	u, err := h.users.CreateUser(r.Context(), model.User{Username: req.Username, PasswordHash: string(hash)})
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusConflict, appI18n.T(r.Context(), "UsernameTaken"))
		return
	}
	if err != nil {
		slog.Error("failed to create user", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(r.Context(), "InternalError"))
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{ID: u.ID, Username: u.Username})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req, "ValidationFailed") {
		return
	}

	u, err := h.users.GetUserByUsername(r.Context(), req.Username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("failed to get user", "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(r.Context(), "InternalError"))
		return
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "InvalidCredentials"))
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: u.ID, Username: u.Username})
}
