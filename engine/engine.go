// Package engine defines the transfer-engine contract consumed by the
// lifecycle layer, and an implementation backed by anacrolix/torrent.
// The engine owns the wire protocol, peer discovery and piece
// selection; callers only see handles and status snapshots.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/bitserve/bitserve"
)

var (
	// ErrParse is returned when a descriptor is structurally invalid.
	ErrParse = errors.New("engine: malformed descriptor")

	// ErrNotLoaded is returned when a handle does not refer to a
	// torrent currently registered with the engine.
	ErrNotLoaded = errors.New("engine: torrent not loaded")
)

// Transfer states reported in status snapshots.
const (
	StateDownloading = "downloading"
	StateSeeding     = "seeding"
	StateFinished    = "finished"
)

// Handle refers to a torrent registered with the engine. Handles are
// opaque and never persisted; an item is reconstructed from its
// descriptor bytes instead.
type Handle interface {
	InfoHash() bitserve.InfoHash
}

// Descriptor is the parsed identity of a torrent descriptor.
type Descriptor struct {
	ID         bitserve.InfoHash
	Name       string
	TotalBytes int64
}

// Snapshot is a point-in-time view of a loaded torrent.
type Snapshot struct {
	Name            string        `json:"name"`
	Progress        float64       `json:"progress"` // 0..1
	DownloadRate    float64       `json:"download_rate"`
	UploadRate      float64       `json:"upload_rate"`
	State           string        `json:"state"`
	SeedTime        time.Duration `json:"seed_time"`
	Peers           int           `json:"peers"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
}

// Engine is the transfer-engine contract the control plane depends on.
type Engine interface {
	// Parse validates a descriptor without registering it.
	Parse(data []byte) (*Descriptor, error)

	// Load registers a descriptor and begins transferring. All payload
	// writes are confined to the engine's configured download root.
	Load(ctx context.Context, data []byte) (Handle, error)

	// Status reports a live snapshot for a loaded torrent.
	Status(ctx context.Context, h Handle) (*Snapshot, error)

	// Unload removes a torrent from the engine, optionally deleting
	// its on-disk payload.
	Unload(ctx context.Context, h Handle, deleteFiles bool) error

	// SaveSession serializes whole-engine session state as an opaque
	// blob. Called once at shutdown, not per item.
	SaveSession(ctx context.Context) ([]byte, error)

	// RestoreSession restores a previously saved session blob.
	RestoreSession(ctx context.Context, data []byte) error

	Close() error
}
