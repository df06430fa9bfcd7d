// Package archive provides content-addressed on-disk storage for raw
// torrent descriptors, keyed by infohash. Blobs are immutable once
// stored and framed with a checksum so corruption surfaces as an error
// instead of a bad descriptor reaching the engine.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitserve/bitserve"
)

// ErrNotFound is returned when a descriptor does not exist.
var ErrNotFound = errors.New("archive: not found")

const descriptorExt = ".torrent"

// Archive is a content-addressed store of descriptor blobs.
// Writes are atomic using a temp file and rename pattern.
type Archive struct {
	root   string
	codec  *codec
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Archive instance.
type Option func(*Archive)

// WithLogger sets the logger for the archive.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(a *Archive) {
		a.now = now
	}
}

// New creates an archive rooted at the given path.
// The directory is created if it does not exist.
func New(root string, opts ...Option) (*Archive, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	c, err := newCodec()
	if err != nil {
		return nil, err
	}

	a := &Archive{
		root:   absRoot,
		codec:  c,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Close releases codec resources.
func (a *Archive) Close() {
	a.codec.close()
}

// Root returns the root directory path.
func (a *Archive) Root() string {
	return a.root
}

// Put stores a descriptor blob. Overwrite-safe and idempotent: the
// content is addressed by id, so a second write replaces the file with
// identical bytes.
func (a *Archive) Put(_ context.Context, id bitserve.InfoHash, data []byte) error {
	frame, err := a.codec.encodeFrame(id.String(), data, a.now())
	if err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}

	path := a.idToPath(id)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	// Write to temp file first
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(frame); err != nil {
		return fmt.Errorf("writing descriptor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Get retrieves a descriptor blob, verifying its checksum.
func (a *Archive) Get(_ context.Context, id bitserve.InfoHash) ([]byte, error) {
	data, err := os.ReadFile(a.idToPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}

	_, content, err := a.codec.decodeFrame(data)
	if err != nil {
		return nil, fmt.Errorf("decoding descriptor %s: %w", id.ShortString(), err)
	}
	return content, nil
}

// Has checks if a descriptor exists.
func (a *Archive) Has(_ context.Context, id bitserve.InfoHash) (bool, error) {
	_, err := os.Stat(a.idToPath(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking descriptor: %w", err)
}

// Delete removes a descriptor. Missing files are not an error: the
// catalog row is the source of truth for existence.
func (a *Archive) Delete(_ context.Context, id bitserve.InfoHash) error {
	err := os.Remove(a.idToPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing descriptor: %w", err)
	}
	return nil
}

// List returns the ids of all stored descriptors.
func (a *Archive) List(_ context.Context) ([]bitserve.InfoHash, error) {
	var ids []bitserve.InfoHash
	err := filepath.WalkDir(a.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		// Skip temp files
		if strings.HasPrefix(name, ".tmp-") {
			return nil
		}
		if !strings.HasSuffix(name, descriptorExt) {
			return nil
		}
		id, err := bitserve.ParseInfoHash(strings.TrimSuffix(name, descriptorExt))
		if err != nil {
			// Not a descriptor file, skip it.
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking archive: %w", err)
	}
	return ids, nil
}

// idToPath converts an infohash to a sharded filesystem path.
// Format: {root}/{first-byte-hex}/{full-hash-hex}.torrent
func (a *Archive) idToPath(id bitserve.InfoHash) string {
	hex := id.String()
	return filepath.Join(a.root, hex[:2], hex+descriptorExt)
}
