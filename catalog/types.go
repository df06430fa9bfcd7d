// Package catalog provides the durable item catalog using bbolt.
package catalog

import (
	"time"

	"github.com/bitserve/bitserve"
)

// Residency indicates whether an item currently holds a live engine handle.
type Residency string

const (
	// ResidencyActive means the item is loaded in the transfer engine.
	ResidencyActive Residency = "active"

	// ResidencyInactive means the item is known but holds no engine handle.
	ResidencyInactive Residency = "inactive"
)

// Item is one catalog row. Counters hold the last values flushed from
// the engine and are authoritative while the item is inactive.
type Item struct {
	ID              bitserve.InfoHash `json:"id"`
	Name            string            `json:"name"`
	BytesUploaded   int64             `json:"bytes_uploaded"`
	BytesDownloaded int64             `json:"bytes_downloaded"`
	LastAccess      time.Time         `json:"last_access"`
	Residency       Residency         `json:"residency"`
	AddedAt         time.Time         `json:"added_at"`

	// Seq is the insertion sequence number, used for stable list
	// ordering and as the eviction tie-break (oldest row wins).
	Seq uint64 `json:"seq"`
}
