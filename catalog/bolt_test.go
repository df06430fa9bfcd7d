package catalog

import (
	"context"
	"crypto/sha1"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitserve/bitserve"
)

func newTestStore(t *testing.T, opts ...BoltStoreOption) *BoltStore {
	t.Helper()
	opts = append([]BoltStoreOption{WithNoSync(true)}, opts...)
	s := NewBoltStore(opts...)
	path := filepath.Join(t.TempDir(), "catalog.db")
	require.NoError(t, s.Open(path))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testID(n int) bitserve.InfoHash {
	return bitserve.InfoHash(sha1.Sum([]byte(fmt.Sprintf("item-%d", n))))
}

func TestBoltStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()

	t.Run("insert creates active row with zero counters", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		s := newTestStore(t, WithNow(func() time.Time { return now }))

		item, err := s.Insert(ctx, testID(1), "ubuntu.iso")
		require.NoError(t, err)
		assert.Equal(t, "ubuntu.iso", item.Name)
		assert.Equal(t, ResidencyActive, item.Residency)
		assert.Equal(t, now, item.LastAccess)

		got, err := s.Get(ctx, testID(1))
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.BytesUploaded)
		assert.Equal(t, int64(0), got.BytesDownloaded)
		assert.Equal(t, ResidencyActive, got.Residency)
	})

	t.Run("duplicate insert returns ErrAlreadyExists", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.Insert(ctx, testID(1), "first")
		require.NoError(t, err)

		_, err = s.Insert(ctx, testID(1), "second")
		require.ErrorIs(t, err, ErrAlreadyExists)

		// Existing row untouched.
		got, err := s.Get(ctx, testID(1))
		require.NoError(t, err)
		assert.Equal(t, "first", got.Name)
	})

	t.Run("get missing id returns ErrNotFound", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.Get(ctx, testID(99))
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBoltStore_UpdateStats(t *testing.T) {
	ctx := context.Background()

	t.Run("overwrites counters", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.Insert(ctx, testID(1), "item")
		require.NoError(t, err)

		require.NoError(t, s.UpdateStats(ctx, testID(1), 100, 2000))

		got, err := s.Get(ctx, testID(1))
		require.NoError(t, err)
		assert.Equal(t, int64(100), got.BytesUploaded)
		assert.Equal(t, int64(2000), got.BytesDownloaded)
	})

	t.Run("missing id is a silent no-op", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.UpdateStats(ctx, testID(42), 1, 2))
	})
}

func TestBoltStore_UpdateResidency(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s := newTestStore(t, WithNow(func() time.Time { return current }))

	_, err := s.Insert(ctx, testID(1), "item")
	require.NoError(t, err)

	t.Run("deactivating keeps last_access", func(t *testing.T) {
		current = base.Add(time.Hour)
		require.NoError(t, s.UpdateResidency(ctx, testID(1), ResidencyInactive))

		got, err := s.Get(ctx, testID(1))
		require.NoError(t, err)
		assert.Equal(t, ResidencyInactive, got.Residency)
		assert.Equal(t, base, got.LastAccess)
	})

	t.Run("activating refreshes last_access", func(t *testing.T) {
		current = base.Add(2 * time.Hour)
		require.NoError(t, s.UpdateResidency(ctx, testID(1), ResidencyActive))

		got, err := s.Get(ctx, testID(1))
		require.NoError(t, err)
		assert.Equal(t, ResidencyActive, got.Residency)
		assert.Equal(t, base.Add(2*time.Hour), got.LastAccess)
	})

	t.Run("missing id returns ErrNotFound", func(t *testing.T) {
		require.ErrorIs(t, s.UpdateResidency(ctx, testID(9), ResidencyActive), ErrNotFound)
	})
}

func TestBoltStore_ListOrderAndPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.Insert(ctx, testID(i), fmt.Sprintf("item-%d", i))
		require.NoError(t, err)
	}

	all, err := s.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, item := range all {
		assert.Equal(t, fmt.Sprintf("item-%d", i), item.Name, "insertion order must be stable")
	}

	page, err := s.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "item-2", page[0].Name)
	assert.Equal(t, "item-3", page[1].Name)

	// Order survives a deletion in the middle.
	require.NoError(t, s.Delete(ctx, testID(2)))
	all, err = s.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "item-3", all[2].Name)
}

func TestBoltStore_ListIDsByResidency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 4; i++ {
		_, err := s.Insert(ctx, testID(i), fmt.Sprintf("item-%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, s.UpdateResidency(ctx, testID(1), ResidencyInactive))
	require.NoError(t, s.UpdateResidency(ctx, testID(3), ResidencyInactive))

	active, err := s.ListIDsByResidency(ctx, ResidencyActive)
	require.NoError(t, err)
	assert.ElementsMatch(t, []bitserve.InfoHash{testID(0), testID(2)}, active)

	inactive, err := s.ListIDsByResidency(ctx, ResidencyInactive)
	require.NoError(t, err)
	assert.ElementsMatch(t, []bitserve.InfoHash{testID(1), testID(3)}, inactive)
}

func TestBoltStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Insert(ctx, testID(1), "item")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, testID(1)))

	_, err = s.Get(ctx, testID(1))
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.Delete(ctx, testID(1)), ErrNotFound)
}

func TestBoltStore_OldestActive(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s := newTestStore(t, WithNow(func() time.Time { return current }))

	// Insert three items at increasing times.
	for i := 0; i < 3; i++ {
		current = base.Add(time.Duration(i) * time.Minute)
		_, err := s.Insert(ctx, testID(i), fmt.Sprintf("item-%d", i))
		require.NoError(t, err)
	}

	t.Run("oldest last_access wins", func(t *testing.T) {
		victim, ok, err := s.OldestActive(ctx, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, testID(0), victim)
	})

	t.Run("re-activation moves item to the back", func(t *testing.T) {
		current = base.Add(time.Hour)
		require.NoError(t, s.UpdateResidency(ctx, testID(0), ResidencyActive))

		victim, ok, err := s.OldestActive(ctx, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, testID(1), victim)
	})

	t.Run("inactive rows are not candidates", func(t *testing.T) {
		require.NoError(t, s.UpdateResidency(ctx, testID(1), ResidencyInactive))

		victim, ok, err := s.OldestActive(ctx, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, testID(2), victim)
	})

	t.Run("candidate set restricts selection", func(t *testing.T) {
		victim, ok, err := s.OldestActive(ctx, map[bitserve.InfoHash]struct{}{
			testID(0): {},
		})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, testID(0), victim)
	})

	t.Run("ties break on insertion order", func(t *testing.T) {
		tied := newTestStore(t, WithNow(func() time.Time { return base }))
		for i := 0; i < 3; i++ {
			_, err := tied.Insert(ctx, testID(i), fmt.Sprintf("item-%d", i))
			require.NoError(t, err)
		}

		victim, ok, err := tied.OldestActive(ctx, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, testID(0), victim, "oldest row wins on equal last_access")
	})

	t.Run("no active candidates", func(t *testing.T) {
		empty := newTestStore(t)
		_, ok, err := empty.OldestActive(ctx, nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
