package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is a point-in-time resource snapshot. All values are percentages.
type Sample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	IOWaitPercent float64   `json:"io_wait_percent"` // Zero where the platform cannot report it
	Timestamp     time.Time `json:"timestamp"`
}

// Sampler takes resource snapshots.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Sample, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// minCPUWindow is the shortest interval a CPU reading is measured over. Shorter windows
// hold only a few clock ticks and swing between 0 and 100.
const minCPUWindow = 250 * time.Millisecond

// SystemSampler reads host metrics through gopsutil. CPU and iowait percentages are
// deltas between cpu.Times readings held by the sampler itself.
type SystemSampler struct {
	diskPath string
	times    func(ctx context.Context) ([]cpu.TimesStat, error)
	now      func() time.Time

	mu         sync.Mutex
	lastTimes  *cpu.TimesStat
	lastAt     time.Time
	lastBusy   float64
	lastIOWait float64
}

// NewSystemSampler creates a sampler that reports disk usage for diskPath ("/" if empty).
// It reads a CPU baseline at once so the first Sample measures a real interval.
func NewSystemSampler(diskPath string) *SystemSampler {
	times := func(ctx context.Context) ([]cpu.TimesStat, error) { return cpu.TimesWithContext(ctx, false) }
	return newSystemSampler(diskPath, times, time.Now)
}

func newSystemSampler(diskPath string, times func(context.Context) ([]cpu.TimesStat, error), now func() time.Time) *SystemSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	s := &SystemSampler{diskPath: diskPath, times: times, now: now}
	s.cpuUsage(context.Background())
	return s
}

// Sample implements Sampler.
func (s *SystemSampler) Sample(ctx context.Context) (Sample, error) {
	busy, ioWait, err := s.cpuUsage(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sampling cpu: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sampling memory: %w", err)
	}

	du, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return Sample{}, fmt.Errorf("sampling disk %s: %w", s.diskPath, err)
	}

	return Sample{
		CPUPercent:    busy,
		MemoryPercent: vm.UsedPercent,
		DiskPercent:   du.UsedPercent,
		IOWaitPercent: ioWait,
		Timestamp:     time.Now(),
	}, nil
}

// cpuUsage returns busy and iowait percentages since the baseline reading, moving the
// baseline forward. Without a baseline, or within minCPUWindow of it, the previous
// figures are returned unchanged (zero at first).
func (s *SystemSampler) cpuUsage(ctx context.Context) (busy, ioWait float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.lastTimes != nil && now.Sub(s.lastAt) < minCPUWindow {
		return s.lastBusy, s.lastIOWait, nil
	}

	times, err := s.times(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(times) == 0 {
		return s.lastBusy, s.lastIOWait, nil
	}
	cur := times[0]

	prev := s.lastTimes
	s.lastTimes = &cur
	s.lastAt = now
	if prev == nil {
		return s.lastBusy, s.lastIOWait, nil
	}
	s.lastBusy, s.lastIOWait = cpuDelta(*prev, cur)
	return s.lastBusy, s.lastIOWait, nil
}

// cpuDelta computes busy and iowait percentages between two readings. Busy time excludes
// idle and iowait. A window with no elapsed CPU time reports zero for both.
func cpuDelta(prev, cur cpu.TimesStat) (busy, ioWait float64) {
	total := cpuTotal(cur) - cpuTotal(prev)
	if total <= 0 {
		return 0, 0
	}
	idle := (cur.Idle - prev.Idle) + (cur.Iowait - prev.Iowait)
	busy = clampPercent((total - idle) / total * 100)
	ioWait = clampPercent((cur.Iowait - prev.Iowait) / total * 100)
	return busy, ioWait
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}
