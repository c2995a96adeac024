package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is the admin surface's `system` block: process-level CPU
// and memory, served in the admin /stats response and the
// /admin/ws/stats feed (SPEC_FULL.md "Admin / observability surface").
// The control `stats` command reply carries no system block. Grounded on the teacher's
// SystemMetrics, narrowed from a system-wide gopsutil/cpu sampler to a
// single gopsutil/process handle for this process, since the connector
// has no use for host-wide CPU accounting.
type ProcessStats struct {
	mu sync.RWMutex

	proc *process.Process

	cpuPercent float64
	rssBytes   uint64
	goroutines int
	lastUpdate time.Time
}

// NewProcessStats opens a gopsutil handle on the running process. err is
// non-nil only on platforms where /proc (or the platform equivalent) is
// unreachable; callers may still use a zero-value *ProcessStats, which
// reports zero CPU and RSS.
func NewProcessStats() (*ProcessStats, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &ProcessStats{}, err
	}
	ps := &ProcessStats{proc: p}
	ps.Update()
	return ps, nil
}

// Update refreshes the cached CPU/RSS/goroutine readings. The admin
// surface calls it each time it builds a stats snapshot (every /stats
// request and every /admin/ws/stats push); the control `stats` command
// does not call it.
func (ps *ProcessStats) Update() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.goroutines = runtime.NumGoroutine()
	ps.lastUpdate = time.Now()

	if ps.proc == nil {
		return
	}
	if pct, err := ps.proc.CPUPercent(); err == nil {
		ps.cpuPercent = pct
	}
	if mem, err := ps.proc.MemoryInfo(); err == nil && mem != nil {
		ps.rssBytes = mem.RSS
	}
}

// Snapshot is the JSON-ready view of the current readings.
type Snapshot struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	Goroutines int     `json:"goroutines"`
}

// Snapshot returns the most recently updated readings.
func (ps *ProcessStats) Snapshot() Snapshot {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return Snapshot{CPUPercent: ps.cpuPercent, RSSBytes: ps.rssBytes, Goroutines: ps.goroutines}
}
