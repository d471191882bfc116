package memory

import (
	"context"
	"strings"
)

// NewStore picks a backend from the database URL: postgres URLs use
// PostgresStore, "sqlite://" and "file:" use SQLiteStore, empty is in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "file:"):
		return NewSQLiteStore(ctx, url)
	default:
		return NewPostgresStore(ctx, url)
	}
}

// Backend names the store implementation for logs and health output.
func Backend(s Store) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *SQLiteStore:
		return "sqlite"
	case *InMemoryStore:
		return "memory"
	default:
		return "custom"
	}
}
