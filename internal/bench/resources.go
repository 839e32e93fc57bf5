package bench

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ResourceUsage is the process footprint at the end of a run.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Goroutines int     `json:"goroutines"`
	Threads    int32   `json:"threads"`
	OpenFDs    int32   `json:"open_fds,omitempty"`
}

// ResourceMonitor measures CPU time used since it was created.
type ResourceMonitor struct {
	process      *process.Process
	startCPUTime float64
	startTime    time.Time
}

// NewResourceMonitor starts measuring the current process.
func NewResourceMonitor() (*ResourceMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return nil, err
	}
	rm := &ResourceMonitor{process: proc, startTime: time.Now()}
	if t, err := proc.Times(); err == nil {
		rm.startCPUTime = t.Total()
	}
	return rm, nil
}

// Usage samples the process. Fields the platform cannot report stay zero.
func (rm *ResourceMonitor) Usage() *ResourceUsage {
	usage := &ResourceUsage{Goroutines: runtime.NumGoroutine()}
	if t, err := rm.process.Times(); err == nil {
		if elapsed := time.Since(rm.startTime).Seconds(); elapsed > 0 {
			usage.CPUPercent = (t.Total() - rm.startCPUTime) / elapsed * 100
		}
	}
	if mi, err := rm.process.MemoryInfo(); err == nil {
		usage.RSSBytes = mi.RSS
	}
	usage.Threads, _ = rm.process.NumThreads()
	usage.OpenFDs, _ = rm.process.NumFDs()
	return usage
}
