package telemetry

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const gib = 1 << 30

// Health is one sample of host CPU, RAM and disk state. Disk figures refer to
// the filesystem holding the given path (the agent's temp dir).
type Health struct {
	CPUPercent     float64
	RAMTotalGB     float64
	RAMUsedGB      float64
	RAMAvailableGB float64
	DiskTotalGB    float64
	DiskUsedGB     float64
	DiskFreeGB     float64
	DiskReadBytes  uint64
	DiskWriteBytes uint64
}

// Snapshot samples current CPU, RAM and disk metrics. Individual probe
// failures leave the corresponding fields at zero rather than failing the
// whole sample, so callers always get something usable.
func Snapshot(path string) Health {
	var h Health

	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		h.CPUPercent = round1(pcts[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.RAMTotalGB = round2(float64(vm.Total) / gib)
		h.RAMUsedGB = round2(float64(vm.Used) / gib)
		h.RAMAvailableGB = round2(float64(vm.Available) / gib)
	}
	if du, err := disk.Usage(path); err == nil {
		h.DiskTotalGB = round2(float64(du.Total) / gib)
		h.DiskUsedGB = round2(float64(du.Used) / gib)
		h.DiskFreeGB = round2(float64(du.Free) / gib)
	}
	if counters, err := disk.IOCounters(); err == nil {
		for _, c := range counters {
			h.DiskReadBytes += c.ReadBytes
			h.DiskWriteBytes += c.WriteBytes
		}
	}
	return h
}

// FreeBytes returns free space on the filesystem holding path.
func FreeBytes(path string) (uint64, error) {
	du, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return du.Free, nil
}

// CPUCount returns the number of logical CPUs, falling back to def when the
// probe fails.
func CPUCount(def int) int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func round1(f float64) float64 { return float64(int(f*10+0.5)) / 10 }
func round2(f float64) float64 { return float64(int(f*100+0.5)) / 100 }
