package orchestrator

import (
	"context"

	"github.com/stephen-kim/cinepyle/internal/storage"
)

// StoreDirectory serves theater lookups from the local theaters table.
type StoreDirectory struct {
	store *storage.Store
}

func NewStoreDirectory(store *storage.Store) *StoreDirectory {
	return &StoreDirectory{store: store}
}

func (d *StoreDirectory) SearchTheaters(ctx context.Context, chain, query string, limit int) ([]storage.Theater, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.store.SearchTheaters(chain, query, limit)
}
