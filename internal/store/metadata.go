package store

import (
	"context"
	"database/sql"
	"errors"
)

// SetMetadata upserts a key-value pair in the metadata table.
func (s *SQLite) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *SQLite) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// importKey is the metadata key recording the hash of an imported case file.
func importKey(path string) string {
	return "import:" + path
}

// ImportedFileHash returns the recorded hash of an imported file, or "" if it was never imported.
func ImportedFileHash(ctx context.Context, st Store, path string) (string, error) {
	return st.GetMetadata(ctx, importKey(path))
}

// SetImportedFileHash records that path was imported with the given content hash.
func SetImportedFileHash(ctx context.Context, st Store, path, hash string) error {
	return st.SetMetadata(ctx, importKey(path), hash)
}
