package storage

import "fmt"

// Backend names accepted by NewStore.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// NewStore builds the configured persistence backend. The sqlite
// backend runs pending migrations before opening the store, so callers
// always get a schema-complete database.
func NewStore(backend, sqlitePath string) (Store, error) {
	switch backend {
	case BackendSQLite:
		if err := RunMigrations(sqlitePath); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		store, err := NewSQLiteStore(sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case BackendMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
