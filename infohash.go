// Package bitserve provides shared types for the torrent catalog
// control plane.
package bitserve

import (
	"encoding/hex"
	"fmt"
)

// InfoHashSize is the size of a torrent infohash in bytes (SHA-1).
const InfoHashSize = 20

// InfoHash is the stable content identifier of a torrent, derived
// from the SHA-1 digest of its info dictionary.
type InfoHash [InfoHashSize]byte

// String returns the hex-encoded representation of the infohash.
func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h InfoHash) ShortString() string {
	return hex.EncodeToString(h[:4])
}

// IsZero returns true if the infohash is all zeros (uninitialized).
func (h InfoHash) IsZero() bool {
	return h == InfoHash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h InfoHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *InfoHash) UnmarshalText(text []byte) error {
	if len(text) != InfoHashSize*2 {
		return fmt.Errorf("invalid infohash length: expected %d hex chars, got %d", InfoHashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseInfoHash parses a hex-encoded infohash string.
func ParseInfoHash(s string) (InfoHash, error) {
	var h InfoHash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return InfoHash{}, err
	}
	return h, nil
}
