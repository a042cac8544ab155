package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pavelanni/osce/internal/model"
)

// CreateUser inserts a new user.
func (s *SQLite) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	u.ID = uuid.NewString()
	u.CreatedAt = s.clock.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return model.User{}, fmt.Errorf("user %s: %w", u.Username, ErrConflict)
		}
		slog.Error("failed to create user", "username", u.Username, "error", err)
		return model.User{}, err
	}
	slog.Info("created user", "id", u.ID, "username", u.Username)
	return u, nil
}

// GetUserByUsername returns a user by username.
func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return u, err
}
