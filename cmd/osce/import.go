package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/osce/internal/model"
	"github.com/pavelanni/osce/internal/store"
)

// importCases loads case files into the store. Each file holds a JSON array of
// cases and is imported once; a file whose content changed since its import is
// skipped so that existing sessions keep pointing at the cases they started on.
// Cases are checked with the same rules as POST /api/cases; a file with any
// invalid case is rejected as a whole.
func importCases(ctx context.Context, st store.Store, v *validator.Validate, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := store.ImportedFileHash(ctx, st, path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("case file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("case file changed since last import, skipping to avoid breaking existing sessions",
				"path", path)
			continue
		}

		var cases []model.Case
		if err := json.Unmarshal(data, &cases); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for i, c := range cases {
			if err := v.Struct(c); err != nil {
				return fmt.Errorf("invalid case %d (%q) in %s: %w", i, c.Title, path, err)
			}
		}
		for _, c := range cases {
			if _, err := st.CreateCase(ctx, c); err != nil {
				return fmt.Errorf("insert case %q from %s: %w", c.Title, path, err)
			}
		}

		if err := store.SetImportedFileHash(ctx, st, path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported cases", "path", path, "count", len(cases))
	}

	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
