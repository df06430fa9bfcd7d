// Package lifecycle implements the control plane for the torrent
// catalog: adding, removing, pausing and resuming items, stats
// flushing, startup reconciliation and shutdown. It coordinates the
// durable catalog, the descriptor archive, the transfer engine and the
// bounded active set, and owns the write ordering between them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitserve/bitserve"
	"github.com/bitserve/bitserve/activeset"
	"github.com/bitserve/bitserve/archive"
	"github.com/bitserve/bitserve/catalog"
	"github.com/bitserve/bitserve/engine"
	"github.com/bitserve/bitserve/events"
	"github.com/bitserve/bitserve/telemetry"
)

// StatePaused is reported for items without a live engine handle.
const StatePaused = "paused"

// Status merges a catalog row with the live engine snapshot. For
// inactive items the flushed counters are authoritative and rates are
// zero.
type Status struct {
	ID              bitserve.InfoHash `json:"id"`
	Name            string            `json:"name"`
	State           string            `json:"state"`
	Residency       catalog.Residency `json:"residency"`
	Progress        float64           `json:"progress"`
	DownloadRate    float64           `json:"download_rate"`
	UploadRate      float64           `json:"upload_rate"`
	Peers           int               `json:"peers"`
	SeedTimeSeconds float64           `json:"seed_time_seconds"`
	BytesUploaded   int64             `json:"bytes_uploaded"`
	BytesDownloaded int64             `json:"bytes_downloaded"`
	AddedAt         time.Time         `json:"added_at"`
	LastAccess      time.Time         `json:"last_access"`
}

// Config wires a Controller's collaborators.
type Config struct {
	Catalog  catalog.Store
	Archive  *archive.Archive
	Sessions *archive.SessionStore
	Engine   engine.Engine

	// Capacity bounds the active set. Non-positive means unbounded.
	Capacity int

	// FlushInterval enables periodic stats flushing when positive.
	// Zero flushes only on pause, eviction, removal and shutdown.
	FlushInterval time.Duration

	Dispatcher *events.Dispatcher
	Logger     *slog.Logger
}

// Controller is the lifecycle control plane.
type Controller struct {
	catalog    catalog.Store
	archive    *archive.Archive
	sessions   *archive.SessionStore
	engine     engine.Engine
	set        *activeset.Manager
	dispatcher *events.Dispatcher
	logger     *slog.Logger

	locks *keyedMutex

	warnMu   sync.Mutex
	warnings []string

	flushInterval time.Duration
	flusherOn     atomic.Bool
	stopOnce      sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New creates a Controller. Call Reconcile before serving requests and
// Start to enable periodic stats flushing.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		catalog:       cfg.Catalog,
		archive:       cfg.Archive,
		sessions:      cfg.Sessions,
		engine:        cfg.Engine,
		dispatcher:    cfg.Dispatcher,
		logger:        logger,
		locks:         newKeyedMutex(),
		flushInterval: cfg.FlushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	// The hook runs under the admission lock with the handle still
	// live, so it flushes through the handle directly instead of going
	// back through the set.
	c.set = activeset.New(cfg.Engine, cfg.Catalog, cfg.Capacity,
		activeset.WithLogger(logger),
		activeset.WithEvictHook(func(id bitserve.InfoHash, h engine.Handle) {
			c.flushHandle(context.Background(), id, h)
			c.emit(events.TypeEvicted, id, "")
		}),
	)
	return c
}

func (c *Controller) emit(eventType string, id bitserve.InfoHash, name string) {
	if c.dispatcher != nil {
		c.dispatcher.Emit(eventType, id, name)
	}
}

// Add validates a descriptor, persists it and admits it to the active
// set. The blob is archived before the catalog row exists, and the
// row is rolled back if the engine refuses the load, so the catalog
// never names an item whose descriptor is missing.
func (c *Controller) Add(ctx context.Context, data []byte) (_ *Status, retErr error) {
	defer observeOp(ctx, "add", time.Now(), &retErr)

	desc, err := c.engine.Parse(data)
	if err != nil {
		return nil, &ValidationError{Reason: "malformed descriptor", Err: err}
	}

	unlock := c.locks.lock(desc.ID)
	defer unlock()

	if _, err := c.catalog.Get(ctx, desc.ID); err == nil {
		return nil, &ConflictError{ID: desc.ID}
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("checking catalog: %w", err)
	}

	if err := c.archive.Put(ctx, desc.ID, data); err != nil {
		return nil, fmt.Errorf("archiving descriptor: %w", err)
	}

	item, err := c.catalog.Insert(ctx, desc.ID, desc.Name)
	if err != nil {
		return nil, fmt.Errorf("inserting catalog row: %w", err)
	}

	if _, err := c.set.Admit(ctx, desc.ID, data); err != nil {
		// Roll the row back so the catalog does not claim an item the
		// engine never accepted. The archived blob is content
		// addressed and harmless to keep.
		if derr := c.catalog.Delete(ctx, desc.ID); derr != nil {
			c.logger.Error("rolling back catalog row failed",
				"id", desc.ID.ShortString(), "error", derr)
		}
		return nil, c.classifyAdmit(err)
	}

	telemetry.RecordAdmission(ctx, "add")
	c.logger.Info("added item", "id", desc.ID.ShortString(), "name", desc.Name)
	c.emit(events.TypeAdded, desc.ID, desc.Name)

	return c.statusFor(ctx, item)
}

// observeOp records one lifecycle operation's outcome and duration.
// Deferred at the top of each public operation with a pointer to its
// named error return.
func observeOp(ctx context.Context, op string, start time.Time, errp *error) {
	telemetry.RecordLifecycleOp(ctx, op, opOutcome(*errp), time.Since(start))
}

func opOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.As(err, new(*ValidationError)):
		return "invalid"
	case errors.As(err, new(*ConflictError)):
		return "conflict"
	case errors.As(err, new(*NotFoundError)):
		return "not_found"
	case errors.As(err, new(*EngineError)):
		return "engine_error"
	case errors.As(err, new(*ConsistencyError)):
		return "inconsistent"
	default:
		return "error"
	}
}

func (c *Controller) classifyAdmit(err error) error {
	if errors.Is(err, activeset.ErrNoVictim) {
		return &ConsistencyError{Reason: "active set full with no eviction candidate"}
	}
	if errors.Is(err, engine.ErrParse) {
		return &ValidationError{Reason: "malformed descriptor", Err: err}
	}
	return &EngineError{Op: "load", Err: err}
}

// AddResult is the outcome of one descriptor in a batch add.
type AddResult struct {
	Status *Status
	Err    error
}

// AddMany adds descriptors independently: one failure never aborts the
// rest, and each entry gets its own result.
func (c *Controller) AddMany(ctx context.Context, blobs [][]byte) []AddResult {
	results := make([]AddResult, len(blobs))
	for i, data := range blobs {
		status, err := c.Add(ctx, data)
		results[i] = AddResult{Status: status, Err: err}
	}
	return results
}

// Remove deletes an item entirely: engine handle, catalog row and
// archived descriptor. deleteFiles also removes the payload on disk.
func (c *Controller) Remove(ctx context.Context, id bitserve.InfoHash, deleteFiles bool) (retErr error) {
	defer observeOp(ctx, "remove", time.Now(), &retErr)

	unlock := c.locks.lock(id)
	defer unlock()

	item, err := c.catalog.Get(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return &NotFoundError{ID: id}
		}
		return fmt.Errorf("reading catalog: %w", err)
	}

	if err := c.set.Remove(ctx, id, deleteFiles); err != nil {
		return &EngineError{Op: "unload", Err: err}
	}

	// Row before blob: the row is the source of truth for existence, a
	// crash here leaves an orphaned blob, never a dangling row.
	if err := c.catalog.Delete(ctx, id); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("deleting catalog row: %w", err)
	}
	if err := c.archive.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting descriptor: %w", err)
	}

	c.logger.Info("removed item", "id", id.ShortString(), "delete_files", deleteFiles)
	c.emit(events.TypeRemoved, id, item.Name)
	return nil
}

// RemoveResult is the outcome of one id in a batch remove.
type RemoveResult struct {
	ID  bitserve.InfoHash
	Err error
}

// RemoveMany removes ids independently with per-id results.
func (c *Controller) RemoveMany(ctx context.Context, ids []bitserve.InfoHash, deleteFiles bool) []RemoveResult {
	results := make([]RemoveResult, len(ids))
	for i, id := range ids {
		results[i] = RemoveResult{ID: id, Err: c.Remove(ctx, id, deleteFiles)}
	}
	return results
}

// Pause takes an item out of the active set, keeping its payload and
// catalog row. Pausing an already inactive item is a no-op.
func (c *Controller) Pause(ctx context.Context, id bitserve.InfoHash) (retErr error) {
	defer observeOp(ctx, "pause", time.Now(), &retErr)

	unlock := c.locks.lock(id)
	defer unlock()

	item, err := c.catalog.Get(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return &NotFoundError{ID: id}
		}
		return fmt.Errorf("reading catalog: %w", err)
	}

	if !c.set.Contains(id) {
		return nil
	}

	// Flush before unloading so the counters survive the handle.
	c.flushOne(ctx, id)

	if err := c.set.Evict(ctx, id); err != nil {
		return &EngineError{Op: "unload", Err: err}
	}

	c.logger.Info("paused item", "id", id.ShortString())
	c.emit(events.TypePaused, id, item.Name)
	return nil
}

// Resume admits an inactive item back into the active set, reloading
// its descriptor from the archive. Resuming an active item refreshes
// its recency and is otherwise a no-op.
func (c *Controller) Resume(ctx context.Context, id bitserve.InfoHash) (retErr error) {
	defer observeOp(ctx, "resume", time.Now(), &retErr)

	unlock := c.locks.lock(id)
	defer unlock()

	item, err := c.catalog.Get(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return &NotFoundError{ID: id}
		}
		return fmt.Errorf("reading catalog: %w", err)
	}

	if c.set.Contains(id) {
		if err := c.catalog.UpdateResidency(ctx, id, catalog.ResidencyActive); err != nil {
			return fmt.Errorf("refreshing residency: %w", err)
		}
		return nil
	}

	data, err := c.archive.Get(ctx, id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return &ConsistencyError{
				Reason: fmt.Sprintf("catalog row %s has no archived descriptor", id.ShortString()),
			}
		}
		return fmt.Errorf("reading descriptor: %w", err)
	}

	if _, err := c.set.Admit(ctx, id, data); err != nil {
		return c.classifyAdmit(err)
	}

	telemetry.RecordAdmission(ctx, "resume")
	c.logger.Info("resumed item", "id", id.ShortString())
	c.emit(events.TypeResumed, id, item.Name)
	return nil
}

// Get returns the merged status of one item.
func (c *Controller) Get(ctx context.Context, id bitserve.InfoHash) (*Status, error) {
	item, err := c.catalog.Get(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return c.statusFor(ctx, item)
}

// List returns item statuses in stable insertion order. Active items
// carry live engine snapshots; inactive items report their flushed
// counters with zero rates.
func (c *Controller) List(ctx context.Context, offset, limit int) ([]*Status, error) {
	items, err := c.catalog.List(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("listing catalog: %w", err)
	}

	statuses := make([]*Status, 0, len(items))
	for _, item := range items {
		status, err := c.statusFor(ctx, item)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (c *Controller) statusFor(ctx context.Context, item *catalog.Item) (*Status, error) {
	status := &Status{
		ID:              item.ID,
		Name:            item.Name,
		State:           StatePaused,
		Residency:       item.Residency,
		BytesUploaded:   item.BytesUploaded,
		BytesDownloaded: item.BytesDownloaded,
		AddedAt:         item.AddedAt,
		LastAccess:      item.LastAccess,
	}

	h, ok := c.set.Handle(item.ID)
	if !ok {
		return status, nil
	}

	snap, err := c.engine.Status(ctx, h)
	if err != nil {
		if errors.Is(err, engine.ErrNotLoaded) {
			// Lost the handle between lookup and query; report the
			// flushed view.
			return status, nil
		}
		return nil, &EngineError{Op: "status", Err: err}
	}

	status.State = snap.State
	status.Residency = catalog.ResidencyActive
	status.Progress = snap.Progress
	status.DownloadRate = snap.DownloadRate
	status.UploadRate = snap.UploadRate
	status.Peers = snap.Peers
	status.SeedTimeSeconds = snap.SeedTime.Seconds()
	status.BytesUploaded = snap.BytesUploaded
	status.BytesDownloaded = snap.BytesDownloaded
	if snap.Name != "" {
		status.Name = snap.Name
	}
	return status, nil
}

// FlushStats persists live engine counters for every resident item.
func (c *Controller) FlushStats(ctx context.Context) error {
	start := time.Now()
	for _, id := range c.set.ResidentIDs() {
		c.flushOne(ctx, id)
	}
	telemetry.RecordStatsFlush(ctx, time.Since(start))
	return nil
}

// flushOne copies one resident item's counters into its catalog row.
// Failures are logged, not returned: flushing is best effort and the
// next flush repairs any gap.
func (c *Controller) flushOne(ctx context.Context, id bitserve.InfoHash) {
	h, ok := c.set.Handle(id)
	if !ok {
		return
	}
	c.flushHandle(ctx, id, h)
}

// flushHandle persists counters through a handle the caller already
// holds. The evict hook uses it because it runs under the admission
// lock, where looking the handle up again would deadlock.
func (c *Controller) flushHandle(ctx context.Context, id bitserve.InfoHash, h engine.Handle) {
	snap, err := c.engine.Status(ctx, h)
	if err != nil {
		c.logger.Warn("stats flush skipped", "id", id.ShortString(), "error", err)
		return
	}
	if err := c.catalog.UpdateStats(ctx, id, snap.BytesUploaded, snap.BytesDownloaded); err != nil {
		c.logger.Warn("stats flush failed", "id", id.ShortString(), "error", err)
	}
}

// Reconcile rebuilds the active set from durable state at startup:
// restores the engine session, reloads every catalog row marked
// active, then applies the capacity bound once. Rows whose descriptor
// blob is missing or unloadable are left untouched in the catalog and
// surfaced as consistency warnings on the health endpoint; startup
// never silently rewrites durable state.
func (c *Controller) Reconcile(ctx context.Context) error {
	if blob, err := c.sessions.Load(ctx); err == nil {
		if err := c.engine.RestoreSession(ctx, blob); err != nil {
			c.logger.Warn("session restore failed, continuing without it", "error", err)
		}
	} else if !errors.Is(err, archive.ErrNotFound) {
		c.logger.Warn("session load failed, continuing without it", "error", err)
	}

	ids, err := c.catalog.ListIDsByResidency(ctx, catalog.ResidencyActive)
	if err != nil {
		return fmt.Errorf("listing active rows: %w", err)
	}

	var reloaded, inconsistent int
	for _, id := range ids {
		data, err := c.archive.Get(ctx, id)
		if err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				c.logger.Warn("active row has no archived descriptor", "id", id.ShortString())
				c.addWarning(fmt.Sprintf("catalog row %s has no archived descriptor", id.ShortString()))
			} else {
				c.logger.Warn("descriptor unreadable", "id", id.ShortString(), "error", err)
				c.addWarning(fmt.Sprintf("descriptor for %s unreadable: %v", id.ShortString(), err))
			}
			inconsistent++
			continue
		}

		if _, err := c.set.Adopt(ctx, id, data); err != nil {
			c.logger.Warn("reloading active row failed", "id", id.ShortString(), "error", err)
			c.addWarning(fmt.Sprintf("reloading %s failed: %v", id.ShortString(), err))
			inconsistent++
			continue
		}
		telemetry.RecordAdmission(ctx, "reconcile")
		reloaded++
	}

	// The bound applies once, after everything durable is accounted
	// for, so the LRU comparison sees the full candidate set.
	if err := c.set.EnforceCapacity(ctx); err != nil {
		return fmt.Errorf("enforcing capacity: %w", err)
	}

	c.logger.Info("reconciled catalog",
		"active_rows", len(ids), "reloaded", reloaded, "inconsistent", inconsistent,
		"resident", c.set.Len())
	return nil
}

// Start launches the periodic stats flusher when an interval is
// configured. No-op otherwise.
func (c *Controller) Start() {
	if c.flushInterval <= 0 {
		return
	}
	c.flusherOn.Store(true)

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = c.FlushStats(context.Background())
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Shutdown flushes stats and saves the engine session. The engine and
// stores are closed by the caller afterwards.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.flusherOn.Load() {
		<-c.doneCh
	}

	if err := c.FlushStats(ctx); err != nil {
		return err
	}

	blob, err := c.engine.SaveSession(ctx)
	if err != nil {
		return &EngineError{Op: "save session", Err: err}
	}
	if err := c.sessions.Save(ctx, blob); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	c.logger.Info("lifecycle shut down", "resident", c.set.Len())
	return nil
}

func (c *Controller) addWarning(msg string) {
	c.warnMu.Lock()
	defer c.warnMu.Unlock()
	c.warnings = append(c.warnings, msg)
}

// ConsistencyWarnings returns the inconsistencies found during
// reconciliation, for the health endpoint.
func (c *Controller) ConsistencyWarnings() []string {
	c.warnMu.Lock()
	defer c.warnMu.Unlock()
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// ResidentCount returns the current active-set size.
func (c *Controller) ResidentCount() int {
	return c.set.Len()
}

// Capacity returns the configured active-set bound.
func (c *Controller) Capacity() int {
	return c.set.Capacity()
}
