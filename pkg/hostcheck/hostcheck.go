// Package hostcheck samples host resources before a batch run and warns when
// the configured engine processes would oversubscribe the machine.
package hostcheck

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

const gib = 1024 * 1024 * 1024

// MinFreeMemoryGB is the available memory below which a warning is raised.
const MinFreeMemoryGB = 8.0

// MinFreeDiskGB is the free space in the output filesystem below which a
// warning is raised. Case and data files for a full car run to several GB.
const MinFreeDiskGB = 20.0

// Host is a point-in-time view of the machine.
type Host struct {
	LogicalCPUs  int     `json:"logical_cpus"`
	PhysicalCPUs int     `json:"physical_cpus"`
	Load1        float64 `json:"load1"`
	MemTotalGB   float64 `json:"mem_total_gb"`
	MemAvailGB   float64 `json:"mem_available_gb"`
	DiskPath     string  `json:"disk_path,omitempty"`
	DiskFreeGB   float64 `json:"disk_free_gb"`
}

// Warning describes one resource concern.
type Warning struct {
	Resource string `json:"resource"`
	Message  string `json:"message"`
}

func (w Warning) String() string {
	return w.Resource + ": " + w.Message
}

// Sample reads host resources. Individual probes that fail leave their fields
// at zero; only a failure to count CPUs at all is an error.
func Sample(ctx context.Context, diskPath string) (Host, error) {
	var h Host

	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil || logical == 0 {
		logical = runtime.NumCPU()
	}
	h.LogicalCPUs = logical
	if physical, err := cpu.CountsWithContext(ctx, false); err == nil {
		h.PhysicalCPUs = physical
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		h.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		h.MemTotalGB = float64(vm.Total) / gib
		h.MemAvailGB = float64(vm.Available) / gib
	}
	if diskPath != "" {
		h.DiskPath = diskPath
		if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
			h.DiskFreeGB = float64(du.Free) / gib
		}
	}

	if h.LogicalCPUs == 0 {
		return h, fmt.Errorf("hostcheck: unable to determine CPU count")
	}
	return h, nil
}

// Check compares a requested per-session processor count against h. Meshing
// and solving sessions never overlap, so one session's processors is the peak.
func Check(h Host, processors int) []Warning {
	var warnings []Warning

	if processors > h.LogicalCPUs {
		warnings = append(warnings, Warning{
			Resource: "cpu",
			Message:  fmt.Sprintf("%d processors requested, host has %d logical CPUs", processors, h.LogicalCPUs),
		})
	} else if free := float64(h.LogicalCPUs) - h.Load1; float64(processors) > free && h.Load1 > 0 {
		warnings = append(warnings, Warning{
			Resource: "load",
			Message:  fmt.Sprintf("%d processors requested, load average %.1f leaves about %.0f idle", processors, h.Load1, free),
		})
	}

	if h.MemTotalGB > 0 && h.MemAvailGB < MinFreeMemoryGB {
		warnings = append(warnings, Warning{
			Resource: "memory",
			Message:  fmt.Sprintf("%.1f GB available, at least %.0f GB recommended", h.MemAvailGB, MinFreeMemoryGB),
		})
	}

	if h.DiskPath != "" && h.DiskFreeGB < MinFreeDiskGB {
		warnings = append(warnings, Warning{
			Resource: "disk",
			Message:  fmt.Sprintf("%.1f GB free under %s, at least %.0f GB recommended", h.DiskFreeGB, h.DiskPath, MinFreeDiskGB),
		})
	}

	return warnings
}
