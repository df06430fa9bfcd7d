// Package enginetest provides an in-memory Engine implementation for
// exercising the layers above without a real transfer engine. The
// descriptor format is "d|<name>": any other shape fails to parse.
package enginetest

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/bitserve/bitserve"
	"github.com/bitserve/bitserve/engine"
)

// Descriptor builds a fake descriptor blob for the given name.
func Descriptor(name string) []byte {
	return []byte("d|" + name)
}

// ID returns the infohash the fake assigns to a descriptor blob.
func ID(data []byte) bitserve.InfoHash {
	return bitserve.InfoHash(sha1.Sum(data))
}

type fakeHandle struct {
	id bitserve.InfoHash
}

func (h fakeHandle) InfoHash() bitserve.InfoHash { return h.id }

// Fake is an in-memory Engine. Zero value is ready to use behind New.
type Fake struct {
	mu        sync.Mutex
	loaded    map[bitserve.InfoHash]string
	snapshots map[bitserve.InfoHash]engine.Snapshot
	session   []byte

	// Injectable failures, consumed on the next matching call.
	LoadErr   error
	UnloadErr error
	StatusErr error

	// Call counters for assertions.
	LoadCalls   int
	UnloadCalls int

	// Unloaded records every Unload in order with its deleteFiles flag.
	Unloaded []UnloadCall
}

// UnloadCall records one Unload invocation.
type UnloadCall struct {
	ID          bitserve.InfoHash
	DeleteFiles bool
}

// New creates an empty fake engine.
func New() *Fake {
	return &Fake{
		loaded:    make(map[bitserve.InfoHash]string),
		snapshots: make(map[bitserve.InfoHash]engine.Snapshot),
	}
}

func parse(data []byte) (bitserve.InfoHash, string, error) {
	if len(data) < 2 || data[0] != 'd' || data[1] != '|' {
		return bitserve.InfoHash{}, "", fmt.Errorf("%w: bad descriptor prefix", engine.ErrParse)
	}
	name := string(data[2:])
	if name == "" {
		name = "Unknown name"
	}
	return ID(data), name, nil
}

func (f *Fake) Parse(data []byte) (*engine.Descriptor, error) {
	id, name, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &engine.Descriptor{ID: id, Name: name, TotalBytes: int64(len(data)) * 1024}, nil
}

func (f *Fake) Load(_ context.Context, data []byte) (engine.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.LoadCalls++
	if f.LoadErr != nil {
		err := f.LoadErr
		f.LoadErr = nil
		return nil, err
	}

	id, name, err := parse(data)
	if err != nil {
		return nil, err
	}
	f.loaded[id] = name
	if _, ok := f.snapshots[id]; !ok {
		f.snapshots[id] = engine.Snapshot{Name: name, State: engine.StateDownloading}
	}
	return fakeHandle{id: id}, nil
}

func (f *Fake) Status(_ context.Context, h engine.Handle) (*engine.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StatusErr != nil {
		err := f.StatusErr
		f.StatusErr = nil
		return nil, err
	}

	id := h.InfoHash()
	if _, ok := f.loaded[id]; !ok {
		return nil, engine.ErrNotLoaded
	}
	snap := f.snapshots[id]
	return &snap, nil
}

func (f *Fake) Unload(_ context.Context, h engine.Handle, deleteFiles bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.UnloadCalls++
	if f.UnloadErr != nil {
		err := f.UnloadErr
		f.UnloadErr = nil
		return err
	}

	id := h.InfoHash()
	if _, ok := f.loaded[id]; !ok {
		return engine.ErrNotLoaded
	}
	delete(f.loaded, id)
	f.Unloaded = append(f.Unloaded, UnloadCall{ID: id, DeleteFiles: deleteFiles})
	return nil
}

func (f *Fake) SaveSession(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.session), nil
}

func (f *Fake) RestoreSession(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = bytes.Clone(data)
	return nil
}

func (f *Fake) Close() error { return nil }

// SetSnapshot overrides the snapshot Status reports for an id.
func (f *Fake) SetSnapshot(id bitserve.InfoHash, snap engine.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[id] = snap
}

// SetSession seeds the blob SaveSession will return.
func (f *Fake) SetSession(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = bytes.Clone(data)
}

// Session returns the blob last passed to RestoreSession or SetSession.
func (f *Fake) Session() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.session)
}

// IsLoaded reports whether an id is currently registered.
func (f *Fake) IsLoaded(id bitserve.InfoHash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.loaded[id]
	return ok
}

// LoadedCount returns the number of currently registered torrents.
func (f *Fake) LoadedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loaded)
}

var _ engine.Engine = (*Fake)(nil)
