package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/bitserve/bitserve"
)

// unknownName is the placeholder for descriptors whose info dictionary
// carries no usable name.
const unknownName = "Unknown name"

// Config configures the anacrolix-backed engine.
type Config struct {
	// DownloadRoot is the directory all payload writes are confined to.
	DownloadRoot string

	// ListenPort is the BitTorrent listen port (0 picks a free port).
	ListenPort int

	// DisableDHT turns off DHT peer discovery.
	DisableDHT bool

	// Logger for engine events.
	Logger *slog.Logger
}

// Client implements Engine using anacrolix/torrent.
type Client struct {
	cl     *torrent.Client
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	torrents  map[bitserve.InfoHash]*torrentState
	baselines map[bitserve.InfoHash]sessionCounters
}

// torrentState tracks per-torrent bookkeeping the engine library does
// not provide: restart-surviving byte baselines, rate sampling and
// seed-time tracking.
type torrentState struct {
	t            *torrent.Torrent
	name         string
	baseline     sessionCounters
	prevUp       int64
	prevDown     int64
	prevAt       time.Time
	seedingSince time.Time
}

type sessionCounters struct {
	Uploaded   int64 `json:"uploaded"`
	Downloaded int64 `json:"downloaded"`
}

// sessionBlob is the adapter's opaque session snapshot. Cumulative
// byte counters are folded into baselines on restore so they stay
// monotonic across restarts.
type sessionBlob struct {
	SavedAt  time.Time                  `json:"saved_at"`
	Torrents map[string]sessionCounters `json:"torrents"`
}

type handle struct {
	id bitserve.InfoHash
}

func (h handle) InfoHash() bitserve.InfoHash { return h.id }

// NewClient creates an engine client downloading into cfg.DownloadRoot.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	root, err := filepath.Abs(cfg.DownloadRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving download root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating download root: %w", err)
	}

	tcfg := torrent.NewDefaultClientConfig()
	tcfg.DataDir = root
	tcfg.Seed = true
	tcfg.NoDHT = cfg.DisableDHT
	tcfg.ListenPort = cfg.ListenPort

	cl, err := torrent.NewClient(tcfg)
	if err != nil {
		return nil, fmt.Errorf("creating torrent client: %w", err)
	}

	return &Client{
		cl:        cl,
		root:      root,
		logger:    cfg.Logger,
		now:       time.Now,
		torrents:  make(map[bitserve.InfoHash]*torrentState),
		baselines: make(map[bitserve.InfoHash]sessionCounters),
	}, nil
}

// DownloadRoot returns the absolute payload directory.
func (c *Client) DownloadRoot() string {
	return c.root
}

// Parse validates a descriptor without registering it.
func (c *Client) Parse(data []byte) (*Descriptor, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	name := info.Name
	if name == "" {
		name = unknownName
	}

	return &Descriptor{
		ID:         bitserve.InfoHash(mi.HashInfoBytes()),
		Name:       name,
		TotalBytes: info.TotalLength(),
	}, nil
}

// Load registers a descriptor and begins transferring.
func (c *Client) Load(_ context.Context, data []byte) (Handle, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	id := bitserve.InfoHash(mi.HashInfoBytes())

	t, err := c.cl.AddTorrent(mi)
	if err != nil {
		return nil, fmt.Errorf("adding torrent %s: %w", id.ShortString(), err)
	}
	t.DownloadAll()

	name := info.Name
	if name == "" {
		name = unknownName
	}

	c.mu.Lock()
	st := &torrentState{
		t:      t,
		name:   name,
		prevAt: c.now(),
	}
	if base, ok := c.baselines[id]; ok {
		st.baseline = base
		st.prevUp = base.Uploaded
		st.prevDown = base.Downloaded
	}
	c.torrents[id] = st
	c.mu.Unlock()

	c.logger.Debug("loaded torrent", "id", id.ShortString(), "name", name)
	return handle{id: id}, nil
}

// Status reports a live snapshot, deriving transfer rates by sampling
// the engine's cumulative counters.
func (c *Client) Status(_ context.Context, h Handle) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.torrents[h.InfoHash()]
	if !ok {
		return nil, ErrNotLoaded
	}

	stats := st.t.Stats()
	uploaded := st.baseline.Uploaded + stats.BytesWrittenData.Int64()
	downloaded := st.baseline.Downloaded + stats.BytesReadData.Int64()

	now := c.now()
	elapsed := now.Sub(st.prevAt).Seconds()
	var downRate, upRate float64
	if elapsed > 0 {
		upRate = float64(uploaded-st.prevUp) / elapsed
		downRate = float64(downloaded-st.prevDown) / elapsed
	}
	st.prevUp = uploaded
	st.prevDown = downloaded
	st.prevAt = now

	length := st.t.Length()
	completed := st.t.BytesCompleted()
	var progress float64
	if length > 0 {
		progress = float64(completed) / float64(length)
	}

	state := StateDownloading
	if length > 0 && completed >= length {
		state = StateFinished
		if st.seedingSince.IsZero() {
			st.seedingSince = now
		}
		if st.t.Seeding() {
			state = StateSeeding
		}
	}

	var seedTime time.Duration
	if !st.seedingSince.IsZero() {
		seedTime = now.Sub(st.seedingSince)
	}

	name := st.t.Name()
	if name == "" {
		name = st.name
	}

	return &Snapshot{
		Name:            name,
		Progress:        progress,
		DownloadRate:    downRate,
		UploadRate:      upRate,
		State:           state,
		SeedTime:        seedTime,
		Peers:           stats.ActivePeers,
		BytesUploaded:   uploaded,
		BytesDownloaded: downloaded,
	}, nil
}

// Unload drops a torrent from the engine, optionally deleting its
// payload. Deletion paths are verified to stay under the download root
// before anything is removed.
func (c *Client) Unload(_ context.Context, h Handle, deleteFiles bool) error {
	id := h.InfoHash()

	c.mu.Lock()
	st, ok := c.torrents[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotLoaded
	}

	// Fold final counters into the baseline map so a later reload in
	// this session keeps cumulative counters monotonic.
	stats := st.t.Stats()
	c.baselines[id] = sessionCounters{
		Uploaded:   st.baseline.Uploaded + stats.BytesWrittenData.Int64(),
		Downloaded: st.baseline.Downloaded + stats.BytesReadData.Int64(),
	}
	delete(c.torrents, id)
	c.mu.Unlock()

	st.t.Drop()

	if deleteFiles {
		if err := c.deletePayload(st.name); err != nil {
			return fmt.Errorf("deleting payload for %s: %w", id.ShortString(), err)
		}
	}

	c.logger.Debug("unloaded torrent", "id", id.ShortString(), "delete_files", deleteFiles)
	return nil
}

// deletePayload removes a torrent's payload directory or file. The
// resolved path must stay strictly inside the download root; a
// descriptor cannot direct deletes (or writes) outside it.
func (c *Client) deletePayload(name string) error {
	if name == "" || name == unknownName {
		return nil
	}

	path := filepath.Join(c.root, filepath.Clean("/"+name))
	rel, err := filepath.Rel(c.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("payload path %q escapes download root", name)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing payload: %w", err)
	}
	return nil
}

// SaveSession serializes per-torrent cumulative counters as an opaque
// blob. Callers treat the bytes as a black box.
func (c *Client) SaveSession(_ context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blob := sessionBlob{
		SavedAt:  c.now(),
		Torrents: make(map[string]sessionCounters),
	}
	for id, base := range c.baselines {
		blob.Torrents[id.String()] = base
	}
	for id, st := range c.torrents {
		stats := st.t.Stats()
		blob.Torrents[id.String()] = sessionCounters{
			Uploaded:   st.baseline.Uploaded + stats.BytesWrittenData.Int64(),
			Downloaded: st.baseline.Downloaded + stats.BytesReadData.Int64(),
		}
	}

	data, err := json.Marshal(&blob)
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}
	return data, nil
}

// RestoreSession folds a previously saved session blob into counter
// baselines for torrents loaded later.
func (c *Client) RestoreSession(_ context.Context, data []byte) error {
	var blob sessionBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("unmarshaling session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for hex, counters := range blob.Torrents {
		id, err := bitserve.ParseInfoHash(hex)
		if err != nil {
			c.logger.Warn("skipping invalid session entry", "id", hex, "error", err)
			continue
		}
		c.baselines[id] = counters
	}
	return nil
}

// Close shuts down the underlying torrent client.
func (c *Client) Close() error {
	c.cl.Close()
	return nil
}

// Compile-time interface check
var _ Engine = (*Client)(nil)
