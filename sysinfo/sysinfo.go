// Package sysinfo reports host resource usage for the system endpoint.
package sysinfo

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// DiskUsage describes the filesystem holding the download root.
type DiskUsage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// MemoryUsage describes host memory.
type MemoryUsage struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// Snapshot is a point-in-time view of host resources.
type Snapshot struct {
	Hostname   string      `json:"hostname,omitempty"`
	GoVersion  string      `json:"go_version"`
	NumCPU     int         `json:"num_cpu"`
	CPUPercent float64     `json:"cpu_percent"`
	Memory     MemoryUsage `json:"memory"`
	Disk       DiskUsage   `json:"disk"`
	At         time.Time   `json:"at"`
}

// Collector samples host resources for a given download root.
type Collector struct {
	root string
	now  func() time.Time
}

// NewCollector creates a collector reporting disk usage for root.
func NewCollector(root string) *Collector {
	return &Collector{
		root: root,
		now:  time.Now,
	}
}

// Collect samples CPU, memory and disk usage. CPU sampling is
// instantaneous, not interval based, so the call does not block.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		GoVersion: runtime.Version(),
		NumCPU:    runtime.NumCPU(),
		At:        c.now(),
	}
	if host, err := os.Hostname(); err == nil {
		snap.Hostname = host
	}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("sampling cpu: %w", err)
	}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sampling memory: %w", err)
	}
	snap.Memory = MemoryUsage{
		TotalBytes:     vm.Total,
		AvailableBytes: vm.Available,
		UsedPercent:    vm.UsedPercent,
	}

	du, err := disk.UsageWithContext(ctx, c.root)
	if err != nil {
		return nil, fmt.Errorf("sampling disk: %w", err)
	}
	snap.Disk = DiskUsage{
		Path:        c.root,
		TotalBytes:  du.Total,
		UsedBytes:   du.Used,
		FreeBytes:   du.Free,
		UsedPercent: du.UsedPercent,
	}

	return snap, nil
}
