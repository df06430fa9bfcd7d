package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/bitserve/bitserve"
)

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltStoreOption configures a BoltStore instance.
type BoltStoreOption func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltStoreOption {
	return func(s *BoltStore) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltStoreOption {
	return func(s *BoltStore) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltStoreOption {
	return func(s *BoltStore) {
		s.noSync = noSync
	}
}

// NewBoltStore creates a new BoltStore instance with options.
func NewBoltStore(opts ...BoltStoreOption) *BoltStore {
	s := &BoltStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the catalog database at the given path.
func (s *BoltStore) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	s.logger.Debug("opened catalog", "path", path, "noSync", s.noSync)
	return nil
}

func (s *BoltStore) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketItems,
			bucketItemsBySeq,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the catalog database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing catalog")
	return s.db.Close()
}

// Insert creates a row for a newly added item.
func (s *BoltStore) Insert(_ context.Context, id bitserve.InfoHash, name string) (*Item, error) {
	now := s.now()
	item := &Item{
		ID:         id,
		Name:       name,
		LastAccess: now,
		Residency:  ResidencyActive,
		AddedAt:    now,
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		items := tx.Bucket(bucketItems)
		if items.Get(id[:]) != nil {
			return ErrAlreadyExists
		}

		seq, err := items.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		item.Seq = seq

		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshaling item: %w", err)
		}

		if err := items.Put(id[:], data); err != nil {
			return fmt.Errorf("putting item: %w", err)
		}

		return tx.Bucket(bucketItemsBySeq).Put(encodeSeq(seq), id[:])
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateStats overwrites the cumulative counters for an item.
// A missing id is a no-op: a flush racing a removal is expected.
func (s *BoltStore) UpdateStats(_ context.Context, id bitserve.InfoHash, uploaded, downloaded int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		items := tx.Bucket(bucketItems)
		val := items.Get(id[:])
		if val == nil {
			return nil
		}

		var item Item
		if err := json.Unmarshal(val, &item); err != nil {
			return fmt.Errorf("unmarshaling item: %w", err)
		}

		item.BytesUploaded = uploaded
		item.BytesDownloaded = downloaded

		data, err := json.Marshal(&item)
		if err != nil {
			return fmt.Errorf("marshaling item: %w", err)
		}
		return items.Put(id[:], data)
	})
}

// UpdateResidency sets the residency flag, refreshing last_access when
// the item transitions to active.
func (s *BoltStore) UpdateResidency(_ context.Context, id bitserve.InfoHash, residency Residency) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		items := tx.Bucket(bucketItems)
		val := items.Get(id[:])
		if val == nil {
			return ErrNotFound
		}

		var item Item
		if err := json.Unmarshal(val, &item); err != nil {
			return fmt.Errorf("unmarshaling item: %w", err)
		}

		item.Residency = residency
		if residency == ResidencyActive {
			item.LastAccess = s.now()
		}

		data, err := json.Marshal(&item)
		if err != nil {
			return fmt.Errorf("marshaling item: %w", err)
		}
		return items.Put(id[:], data)
	})
}

// Get retrieves an item by id.
func (s *BoltStore) Get(_ context.Context, id bitserve.InfoHash) (*Item, error) {
	var item Item
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketItems).Get(id[:])
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// List returns items in stable insertion order.
// A non-positive limit returns everything after offset.
func (s *BoltStore) List(_ context.Context, offset, limit int) ([]*Item, error) {
	var results []*Item
	err := s.db.View(func(tx *bbolt.Tx) error {
		items := tx.Bucket(bucketItems)
		cursor := tx.Bucket(bucketItemsBySeq).Cursor()

		skipped := 0
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(results) >= limit {
				break
			}

			val := items.Get(v)
			if val == nil {
				// Dangling sequence entry, skip it.
				continue
			}

			var item Item
			if err := json.Unmarshal(val, &item); err != nil {
				return fmt.Errorf("unmarshaling item: %w", err)
			}
			results = append(results, &item)
		}
		return nil
	})
	return results, err
}

// ListIDsByResidency returns the ids of all items with the given
// residency, in insertion order.
func (s *BoltStore) ListIDsByResidency(_ context.Context, residency Residency) ([]bitserve.InfoHash, error) {
	var ids []bitserve.InfoHash
	err := s.db.View(func(tx *bbolt.Tx) error {
		items := tx.Bucket(bucketItems)
		cursor := tx.Bucket(bucketItemsBySeq).Cursor()

		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			val := items.Get(v)
			if val == nil {
				continue
			}

			var item Item
			if err := json.Unmarshal(val, &item); err != nil {
				return fmt.Errorf("unmarshaling item: %w", err)
			}
			if item.Residency == residency {
				ids = append(ids, item.ID)
			}
		}
		return nil
	})
	return ids, err
}

// Delete removes an item row and its sequence index entry.
func (s *BoltStore) Delete(_ context.Context, id bitserve.InfoHash) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		items := tx.Bucket(bucketItems)
		val := items.Get(id[:])
		if val == nil {
			return ErrNotFound
		}

		var item Item
		if err := json.Unmarshal(val, &item); err != nil {
			return fmt.Errorf("unmarshaling item: %w", err)
		}

		if err := tx.Bucket(bucketItemsBySeq).Delete(encodeSeq(item.Seq)); err != nil {
			return fmt.Errorf("deleting sequence entry: %w", err)
		}
		return items.Delete(id[:])
	})
}

// OldestActive returns the active item with the oldest last_access.
// Rows are visited in insertion order, so ties on last_access resolve
// to the oldest row. The durable timestamp, not any in-memory recency
// structure, decides the victim: the ordering survives restarts.
func (s *BoltStore) OldestActive(_ context.Context, candidates map[bitserve.InfoHash]struct{}) (bitserve.InfoHash, bool, error) {
	var (
		victim bitserve.InfoHash
		found  bool
		oldest time.Time
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		items := tx.Bucket(bucketItems)
		cursor := tx.Bucket(bucketItemsBySeq).Cursor()

		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			val := items.Get(v)
			if val == nil {
				continue
			}

			var item Item
			if err := json.Unmarshal(val, &item); err != nil {
				return fmt.Errorf("unmarshaling item: %w", err)
			}
			if item.Residency != ResidencyActive {
				continue
			}
			if candidates != nil {
				if _, ok := candidates[item.ID]; !ok {
					continue
				}
			}
			if !found || item.LastAccess.Before(oldest) {
				victim = item.ID
				oldest = item.LastAccess
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return bitserve.InfoHash{}, false, err
	}
	return victim, found, nil
}

// Compile-time interface check
var _ Store = (*BoltStore)(nil)
