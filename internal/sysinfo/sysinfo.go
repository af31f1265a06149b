// Package sysinfo collects a small device snapshot for status output and
// the first report after connecting to the agent.
package sysinfo

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/orbiter-labs/otad/internal/slot"
)

// SlotUsage is disk usage of a slot's backing filesystem.
type SlotUsage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"totalBytes"`
	FreeBytes   uint64  `json:"freeBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// Snapshot is a point-in-time view of the device.
type Snapshot struct {
	Hostname      string               `json:"hostname"`
	BootTime      time.Time            `json:"bootTime"`
	UptimeSeconds uint64               `json:"uptimeSeconds"`
	Slots         map[string]SlotUsage `json:"slots"`
}

// Collect gathers the snapshot. Per-slot usage is only reported for slots
// whose mount point is available; raw unmounted backings are skipped.
func Collect(table slot.Table) Snapshot {
	snap := Snapshot{Slots: make(map[string]SlotUsage, len(table))}

	if name, err := os.Hostname(); err == nil {
		snap.Hostname = name
	}
	if bootSec, err := host.BootTime(); err == nil {
		snap.BootTime = time.Unix(int64(bootSec), 0).UTC()
	}
	if up, err := host.Uptime(); err == nil {
		snap.UptimeSeconds = up
	}

	for s, backing := range table {
		if backing.MountPoint == "" {
			continue
		}
		usage, err := disk.Usage(backing.MountPoint)
		if err != nil {
			continue
		}
		snap.Slots[s.String()] = SlotUsage{
			Path:        backing.MountPoint,
			TotalBytes:  usage.Total,
			FreeBytes:   usage.Free,
			UsedPercent: usage.UsedPercent,
		}
	}
	return snap
}
