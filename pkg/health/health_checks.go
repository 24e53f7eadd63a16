package health

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SimpleCheck returns an always-healthy check, useful as a liveness probe
// when the process being up is the whole question.
func SimpleCheck(name string) Check {
	return Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
	}
}

// WALDirectoryCheck probes that the write-ahead log directory still accepts
// writes. A Put cannot succeed once this fails, so it belongs in the
// readiness set.
func WALDirectoryCheck(dir string) CheckFunc {
	return func() Check {
		check := Check{Name: "wal_directory"}

		probe := filepath.Join(dir, ".health-probe")
		f, err := os.OpenFile(probe, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("wal directory not writable: %v", err)
			return check
		}
		f.Close()
		os.Remove(probe)

		check.Status = StatusHealthy
		check.Message = "writable"
		return check
	}
}

// ManifestCheck probes that the manifest file is present and readable. A
// missing or unreadable manifest means level state can no longer be made
// durable and the next open would fail.
func ManifestCheck(path string) CheckFunc {
	return func() Check {
		check := Check{Name: "manifest"}

		info, err := os.Stat(path)
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("manifest unreachable: %v", err)
			return check
		}

		check.Details = map[string]any{"size_bytes": info.Size()}
		check.Status = StatusHealthy
		check.Message = "reachable"
		return check
	}
}

// FlushBacklogCheck watches the immutable-memtable queue. A queue at its
// cap means writers are blocked on backpressure; near the cap means the
// flush path is falling behind.
func FlushBacklogCheck(getBacklog func() (queued, max int)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "flush_backlog",
			Details: make(map[string]any),
		}

		queued, max := getBacklog()
		check.Details["queued_immutables"] = queued
		check.Details["max_immutables"] = max

		switch {
		case max > 0 && queued >= max:
			check.Status = StatusUnhealthy
			check.Message = "writers blocked on flush backpressure"
		case max > 0 && queued >= max-1:
			check.Status = StatusDegraded
			check.Message = "flush queue nearly full"
		default:
			check.Status = StatusHealthy
			check.Message = "flush keeping up"
		}
		return check
	}
}

// CompactionDebtCheck watches L0. A file count far past the compaction
// trigger means reads are paying amplification the scheduler hasn't
// caught up with.
func CompactionDebtCheck(getL0 func() (files, threshold int)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "compaction_debt",
			Details: make(map[string]any),
		}

		files, threshold := getL0()
		check.Details["l0_files"] = files
		check.Details["l0_threshold"] = threshold

		switch {
		case threshold > 0 && files >= threshold*3:
			check.Status = StatusUnhealthy
			check.Message = "compaction far behind"
		case threshold > 0 && files > threshold:
			check.Status = StatusDegraded
			check.Message = "L0 above compaction trigger"
		default:
			check.Status = StatusHealthy
			check.Message = "compaction keeping up"
		}
		return check
	}
}

// DiskSpaceCheck reports usage of the volume the tree lives on.
func DiskSpaceCheck(getUsage func() (used, total uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "disk_space",
			Details: make(map[string]any),
		}

		used, total := getUsage()
		if total == 0 {
			check.Status = StatusUnhealthy
			check.Message = "volume size unknown"
			return check
		}

		usagePercent := float64(used) / float64(total) * 100
		check.Details["used_bytes"] = used
		check.Details["total_bytes"] = total
		check.Details["usage_percent"] = usagePercent

		switch {
		case usagePercent > 95:
			check.Status = StatusUnhealthy
			check.Message = "critical disk space"
		case usagePercent > 80:
			check.Status = StatusDegraded
			check.Message = "low disk space"
		default:
			check.Status = StatusHealthy
			check.Message = "sufficient disk space"
		}
		return check
	}
}

// MemoryCheck reports heap pressure relative to what the OS has granted.
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()
		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		if sys > 0 && float64(alloc)/float64(sys) > 0.9 {
			check.Status = StatusDegraded
			check.Message = "high memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "memory usage normal"
		}
		return check
	}
}
