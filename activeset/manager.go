// Package activeset maintains the bounded working set of torrents
// loaded in the transfer engine. Admission beyond capacity evicts the
// least recently used resident item, chosen from the durable catalog
// timestamps so the ordering survives restarts.
package activeset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bitserve/bitserve"
	"github.com/bitserve/bitserve/catalog"
	"github.com/bitserve/bitserve/engine"
	"github.com/bitserve/bitserve/telemetry"
)

// ErrNoVictim is returned when the set is at capacity but no resident
// item qualifies for eviction.
var ErrNoVictim = errors.New("activeset: no eviction candidate")

// Manager tracks which items are loaded in the engine. A single mutex
// covers the whole admission path: victim selection, eviction and load
// are one critical section, so concurrent admissions cannot both pick
// the same victim or overshoot capacity.
type Manager struct {
	engine   engine.Engine
	catalog  catalog.Store
	capacity int
	logger   *slog.Logger
	onEvict  func(id bitserve.InfoHash, h engine.Handle)

	mu      sync.Mutex
	handles map[bitserve.InfoHash]engine.Handle
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithEvictHook registers a callback invoked for each eviction, before
// the engine unload, so the handle is still live. The hook runs while
// the admission lock is held: keep it cheap and never call back into
// the Manager from it.
func WithEvictHook(fn func(id bitserve.InfoHash, h engine.Handle)) Option {
	return func(m *Manager) {
		m.onEvict = fn
	}
}

// New creates a manager with the given capacity. A non-positive
// capacity means unbounded.
func New(eng engine.Engine, cat catalog.Store, capacity int, opts ...Option) *Manager {
	m := &Manager{
		engine:   eng,
		catalog:  cat,
		capacity: capacity,
		logger:   slog.Default(),
		handles:  make(map[bitserve.InfoHash]engine.Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Capacity returns the configured working-set bound.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Len returns the number of resident items.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Contains reports whether an item is resident.
func (m *Manager) Contains(id bitserve.InfoHash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[id]
	return ok
}

// Handle returns the engine handle for a resident item.
func (m *Manager) Handle(id bitserve.InfoHash) (engine.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// ResidentIDs returns the ids of all resident items.
func (m *Manager) ResidentIDs() []bitserve.InfoHash {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]bitserve.InfoHash, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}

// Admit loads a descriptor into the engine, evicting the LRU resident
// item first when the set is at capacity. Admitting an already
// resident item returns its existing handle and refreshes its
// last_access. The engine load must succeed before the catalog row is
// marked active.
func (m *Manager) Admit(ctx context.Context, id bitserve.InfoHash, data []byte) (engine.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[id]; ok {
		if err := m.catalog.UpdateResidency(ctx, id, catalog.ResidencyActive); err != nil {
			return nil, fmt.Errorf("refreshing residency for %s: %w", id.ShortString(), err)
		}
		return h, nil
	}

	for m.capacity > 0 && len(m.handles) >= m.capacity {
		if err := m.evictOneLocked(ctx); err != nil {
			return nil, err
		}
	}

	h, err := m.engine.Load(ctx, data)
	if err != nil {
		return nil, err
	}
	m.handles[id] = h

	if err := m.catalog.UpdateResidency(ctx, id, catalog.ResidencyActive); err != nil {
		// Roll the engine load back so residency and the working set
		// do not disagree with the catalog.
		_ = m.engine.Unload(ctx, h, false)
		delete(m.handles, id)
		return nil, fmt.Errorf("marking %s active: %w", id.ShortString(), err)
	}

	telemetry.UpdateActiveSet(ctx, len(m.handles), m.capacity)
	return h, nil
}

// Adopt loads a descriptor without enforcing the capacity bound. Used
// during startup reconciliation, which reloads every active catalog
// row first and applies the bound once with EnforceCapacity.
func (m *Manager) Adopt(ctx context.Context, id bitserve.InfoHash, data []byte) (engine.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[id]; ok {
		return h, nil
	}

	h, err := m.engine.Load(ctx, data)
	if err != nil {
		return nil, err
	}
	m.handles[id] = h
	telemetry.UpdateActiveSet(ctx, len(m.handles), m.capacity)
	return h, nil
}

// Evict removes a specific item from the working set, keeping its
// payload on disk, and marks its catalog row inactive.
func (m *Manager) Evict(ctx context.Context, id bitserve.InfoHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(ctx, id, "pause")
}

// Remove drops an item from the working set as part of full removal.
// The caller deletes the catalog row afterwards, so no residency write
// happens here. Not resident is not an error.
func (m *Manager) Remove(ctx context.Context, id bitserve.InfoHash, deleteFiles bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[id]
	if !ok {
		return nil
	}

	if err := m.engine.Unload(ctx, h, deleteFiles); err != nil && !errors.Is(err, engine.ErrNotLoaded) {
		return err
	}
	delete(m.handles, id)
	telemetry.UpdateActiveSet(ctx, len(m.handles), m.capacity)
	return nil
}

// EnforceCapacity evicts LRU items until the set fits the bound.
// Used after startup reconciliation, where the catalog may name more
// active items than the configured capacity.
func (m *Manager) EnforceCapacity(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.capacity > 0 && len(m.handles) > m.capacity {
		if err := m.evictOneLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// evictOneLocked selects the LRU victim from the durable catalog,
// restricted to currently resident ids, and evicts it.
func (m *Manager) evictOneLocked(ctx context.Context) error {
	candidates := make(map[bitserve.InfoHash]struct{}, len(m.handles))
	for id := range m.handles {
		candidates[id] = struct{}{}
	}

	victim, ok, err := m.catalog.OldestActive(ctx, candidates)
	if err != nil {
		return fmt.Errorf("selecting eviction victim: %w", err)
	}
	if !ok {
		return ErrNoVictim
	}
	return m.evictLocked(ctx, victim, "capacity")
}

// evictLocked unloads an item keeping its files, then flips the
// catalog row to inactive. Engine first: the residency flag must never
// claim an item is inactive while the engine still holds it.
func (m *Manager) evictLocked(ctx context.Context, id bitserve.InfoHash, reason string) error {
	h, ok := m.handles[id]
	if !ok {
		return nil
	}

	// Before the unload: an evict-time stats flush needs the handle
	// while the engine still answers for it.
	if m.onEvict != nil {
		m.onEvict(id, h)
	}

	if err := m.engine.Unload(ctx, h, false); err != nil && !errors.Is(err, engine.ErrNotLoaded) {
		return fmt.Errorf("unloading %s: %w", id.ShortString(), err)
	}
	delete(m.handles, id)

	if err := m.catalog.UpdateResidency(ctx, id, catalog.ResidencyInactive); err != nil {
		return fmt.Errorf("marking %s inactive: %w", id.ShortString(), err)
	}

	telemetry.RecordEviction(ctx, reason)
	telemetry.UpdateActiveSet(ctx, len(m.handles), m.capacity)
	m.logger.Info("evicted item", "id", id.ShortString(), "reason", reason)
	return nil
}
