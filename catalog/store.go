package catalog

import (
	"context"
	"errors"

	"github.com/bitserve/bitserve"
)

// ErrNotFound is returned when an item does not exist.
var ErrNotFound = errors.New("catalog: not found")

// ErrAlreadyExists is returned when inserting an item whose id is
// already present.
var ErrAlreadyExists = errors.New("catalog: already exists")

// Store provides durable storage for item records.
type Store interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Insert creates a row with zero counters, residency active and
	// last_access set to now. Returns ErrAlreadyExists if id is present.
	Insert(ctx context.Context, id bitserve.InfoHash, name string) (*Item, error)

	// UpdateStats overwrites the cumulative byte counters. A missing
	// id is a no-op, not an error: a flush racing a removal is expected.
	UpdateStats(ctx context.Context, id bitserve.InfoHash, uploaded, downloaded int64) error

	// UpdateResidency sets the residency flag. Transitioning to active
	// also refreshes last_access.
	UpdateResidency(ctx context.Context, id bitserve.InfoHash, residency Residency) error

	Get(ctx context.Context, id bitserve.InfoHash) (*Item, error)

	// List returns items in stable insertion order.
	List(ctx context.Context, offset, limit int) ([]*Item, error)

	ListIDsByResidency(ctx context.Context, residency Residency) ([]bitserve.InfoHash, error)

	Delete(ctx context.Context, id bitserve.InfoHash) error

	// OldestActive returns the active item with the oldest last_access,
	// restricted to the candidate set when candidates is non-nil. Ties
	// break on insertion sequence. Returns ok=false when no active
	// candidate exists.
	OldestActive(ctx context.Context, candidates map[bitserve.InfoHash]struct{}) (bitserve.InfoHash, bool, error)
}

// New creates a new Store backed by bbolt.
func New() Store {
	return NewBoltStore()
}
