package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionStore persists the engine's opaque whole-session snapshot as
// a single framed file. The blob has no per-item structure and is
// treated as a black box.
type SessionStore struct {
	path  string
	codec *codec
	now   func() time.Time
}

// NewSessionStore creates a session store writing to the given path.
func NewSessionStore(path string) (*SessionStore, error) {
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	return &SessionStore{
		path:  path,
		codec: c,
		now:   time.Now,
	}, nil
}

// Close releases codec resources.
func (s *SessionStore) Close() {
	s.codec.close()
}

// Save writes the session blob atomically.
func (s *SessionStore) Save(_ context.Context, data []byte) error {
	frame, err := s.codec.encodeFrame("", data, s.now())
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

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
		return fmt.Errorf("writing session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Load reads the session blob. Returns ErrNotFound when no session has
// been saved yet.
func (s *SessionStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading session: %w", err)
	}

	_, content, err := s.codec.decodeFrame(data)
	if err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return content, nil
}
