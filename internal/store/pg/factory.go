package pg

import (
	"fmt"

	"github.com/agentrelay/relay/internal/store"
)

// NewStores opens Postgres, applies pending migrations, and returns all
// stores backed by it.
func NewStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store.NewStores(
		&threadStore{db: db},
		&scheduleStore{db: db},
		&correlationStore{db: db},
		db.Close,
	), nil
}
