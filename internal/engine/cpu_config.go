package engine

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// CPUConfig sizes the worker parallelism used by matrix products.
type CPUConfig struct {
	// Logical CPUs visible to the process
	NumCPU int

	// GOMAXPROCS to apply, 0 leaves the runtime default
	MaxProcs int

	// CPU quota from cgroups (0 if not limited)
	CPUQuota float64

	// Memory limit from cgroups (0 if not limited)
	MemoryLimit int64
}

// Cgroup files, v2 first.
var (
	cpuMaxV2      = "/sys/fs/cgroup/cpu.max"
	cpuQuotaV1    = "/sys/fs/cgroup/cpu/cpu.cfs_quota_us"
	cpuPeriodV1   = "/sys/fs/cgroup/cpu/cpu.cfs_period_us"
	memoryMaxV2   = "/sys/fs/cgroup/memory.max"
	memoryLimitV1 = "/sys/fs/cgroup/memory/memory.limit_in_bytes"
)

// DetectCPUConfig inspects the host and container limits.
func DetectCPUConfig() *CPUConfig {
	cfg := &CPUConfig{
		NumCPU:      runtime.NumCPU(),
		CPUQuota:    detectCPUQuota(),
		MemoryLimit: detectMemoryLimit(),
	}
	if cfg.CPUQuota > 0 {
		if q := int(cfg.CPUQuota + 0.5); q > 0 && q < cfg.NumCPU {
			cfg.MaxProcs = q
		}
	}
	return cfg
}

// Apply sets GOMAXPROCS to the container quota when one was found.
func (c *CPUConfig) Apply() {
	if c.MaxProcs > 0 {
		prev := runtime.GOMAXPROCS(c.MaxProcs)
		slog.Info("adjusted GOMAXPROCS for cgroup quota",
			slog.Int("from", prev),
			slog.Int("to", c.MaxProcs),
			slog.Float64("quota", c.CPUQuota),
		)
	}
	slog.Debug("cpu config",
		slog.Int("cpus", c.NumCPU),
		slog.Int("threads", c.OptimalThreadCount()),
		slog.Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)),
	)
}

// OptimalThreadCount leaves a core or two for the HTTP side on larger
// machines.
func (c *CPUConfig) OptimalThreadCount() int {
	threads := c.NumCPU
	if c.MaxProcs > 0 {
		threads = c.MaxProcs
	}
	switch {
	case threads > 8:
		threads -= 2
	case threads > 4:
		threads--
	}
	return max(threads, 1)
}

func detectCPUQuota() float64 {
	// cpu.max holds "<quota> <period>" or "max <period>"
	if fields := readFields(cpuMaxV2); len(fields) == 2 && fields[0] != "max" {
		if q := ratio(fields[0], fields[1]); q > 0 {
			return q
		}
	}
	quota := readFields(cpuQuotaV1)
	period := readFields(cpuPeriodV1)
	if len(quota) == 1 && len(period) == 1 {
		return ratio(quota[0], period[0]) // -1 quota means unlimited
	}
	return 0
}

func detectMemoryLimit() int64 {
	if fields := readFields(memoryMaxV2); len(fields) == 1 && fields[0] != "max" {
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			return v
		}
	}
	if fields := readFields(memoryLimitV1); len(fields) == 1 {
		// v1 reports "unlimited" as a huge page-aligned number
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil && v <= 1<<50 {
			return v
		}
	}
	return 0
}

func readFields(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return strings.Fields(string(data))
}

func ratio(num, den string) float64 {
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// MemoryStats is a heap snapshot for the metrics endpoint.
type MemoryStats struct {
	Alloc     uint64 `json:"alloc_bytes"`
	Sys       uint64 `json:"sys_bytes"`
	NumGC     uint32 `json:"num_gc"`
	HeapAlloc uint64 `json:"heap_alloc_bytes"`
	HeapInuse uint64 `json:"heap_inuse_bytes"`
}

// ReadMemoryStats samples the Go runtime.
func ReadMemoryStats() MemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryStats{
		Alloc:     m.Alloc,
		Sys:       m.Sys,
		NumGC:     m.NumGC,
		HeapAlloc: m.HeapAlloc,
		HeapInuse: m.HeapInuse,
	}
}
