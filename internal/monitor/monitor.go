package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ResourceType names a monitored resource.
type ResourceType string

const (
	ResourceCPU    ResourceType = "cpu"
	ResourceMemory ResourceType = "memory"
	ResourceDisk   ResourceType = "disk"
	ResourceIOWait ResourceType = "io_wait"
)

const (
	loadWindow        = 5    // samples averaged by SystemLoad
	alertWindow       = 5    // alerts inspected by ShouldThrottle
	throttleLoad      = 0.95 // load above which admission pauses
	alertSeverityMult = 1.2  // alert value/threshold ratio that forces throttling
)

// Thresholds are percentage limits that raise alerts when exceeded.
type Thresholds struct {
	CPU    float64
	Memory float64
	Disk   float64
	IOWait float64
}

// Alert records a threshold breach.
type Alert struct {
	ResourceType ResourceType `json:"resource_type"`
	CurrentValue float64      `json:"current_value"`
	Threshold    float64      `json:"threshold"`
	Message      string       `json:"message"`
	Timestamp    time.Time    `json:"timestamp"`
}

// AlertCallback is invoked for every alert. Errors are logged, never propagated.
type AlertCallback func(Alert) error

// Config configures a Monitor.
type Config struct {
	CheckInterval    time.Duration // Sampling interval (default 5s)
	HistorySize      int           // Samples kept per resource (default 60)
	AlertHistorySize int           // Alerts kept (default 60)
	Thresholds       Thresholds
	Sampler          Sampler // Defaults to a gopsutil SystemSampler
	Logger           zerolog.Logger
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    5 * time.Second,
		HistorySize:      60,
		AlertHistorySize: 60,
		Thresholds: Thresholds{
			CPU:    80,
			Memory: 80,
			Disk:   90,
			IOWait: 30,
		},
		Logger: zerolog.Nop(),
	}
}

// Monitor samples system resources on a timer and derives throttling signals.
type Monitor struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	cpu       *ring[float64]
	memory    *ring[float64]
	disk      *ring[float64]
	ioWait    *ring[float64]
	alerts    *ring[Alert]
	latest    Sample
	callbacks []AlertCallback

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor. Zero config values fall back to defaults.
func New(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.AlertHistorySize <= 0 {
		cfg.AlertHistorySize = def.AlertHistorySize
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.Sampler == nil {
		cfg.Sampler = NewSystemSampler("/")
	}

	return &Monitor{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "resource_monitor").Logger(),
		cpu:    newRing[float64](cfg.HistorySize),
		memory: newRing[float64](cfg.HistorySize),
		disk:   newRing[float64](cfg.HistorySize),
		ioWait: newRing[float64](cfg.HistorySize),
		alerts: newRing[Alert](cfg.AlertHistorySize),
	}
}

// OnAlert registers a callback invoked for every alert.
func (m *Monitor) OnAlert(cb AlertCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start launches the sampling loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx, m.done)

	m.logger.Info().Dur("interval", m.cfg.CheckInterval).Msg("resource monitor started")
}

// Stop cancels the sampling loop and waits for it to exit. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil

	m.logger.Info().Msg("resource monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		// Errors are logged inside Collect; the loop keeps going.
		_ = m.Collect(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sample takes a point-in-time snapshot without recording it.
func (m *Monitor) Sample(ctx context.Context) (Sample, error) {
	s, err := m.cfg.Sampler.Sample(ctx)
	if err != nil {
		return Sample{}, err
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return s, nil
}

// Collect performs one sampling tick: record the sample, check thresholds and fire alerts.
func (m *Monitor) Collect(ctx context.Context) error {
	s, err := m.Sample(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("resource sampling failed")
		return err
	}

	m.mu.Lock()
	m.cpu.push(s.CPUPercent)
	m.memory.push(s.MemoryPercent)
	m.disk.push(s.DiskPercent)
	m.ioWait.push(s.IOWaitPercent)
	m.latest = s

	fired := m.checkThresholds(s)
	for _, a := range fired {
		m.alerts.push(a)
	}
	callbacks := append([]AlertCallback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, a := range fired {
		m.logger.Warn().
			Str("resource", string(a.ResourceType)).
			Float64("value", a.CurrentValue).
			Float64("threshold", a.Threshold).
			Msg(a.Message)
		for _, cb := range callbacks {
			m.invoke(cb, a)
		}
	}
	return nil
}

func (m *Monitor) checkThresholds(s Sample) []Alert {
	checks := []struct {
		resource  ResourceType
		value     float64
		threshold float64
	}{
		{ResourceCPU, s.CPUPercent, m.cfg.Thresholds.CPU},
		{ResourceMemory, s.MemoryPercent, m.cfg.Thresholds.Memory},
		{ResourceDisk, s.DiskPercent, m.cfg.Thresholds.Disk},
		{ResourceIOWait, s.IOWaitPercent, m.cfg.Thresholds.IOWait},
	}

	var fired []Alert
	for _, c := range checks {
		if c.threshold <= 0 || c.value <= c.threshold {
			continue
		}
		fired = append(fired, Alert{
			ResourceType: c.resource,
			CurrentValue: c.value,
			Threshold:    c.threshold,
			Message:      fmt.Sprintf("%s usage %.1f%% exceeds threshold %.1f%%", c.resource, c.value, c.threshold),
			Timestamp:    s.Timestamp,
		})
	}
	return fired
}

// invoke runs one callback, swallowing its error or panic.
func (m *Monitor) invoke(cb AlertCallback, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("resource", string(a.ResourceType)).Msg("alert callback panicked")
		}
	}()
	if err := cb(a); err != nil {
		m.logger.Error().Err(err).Str("resource", string(a.ResourceType)).Msg("alert callback failed")
	}
}

// SystemLoad blends recent CPU (70%) and memory (30%) utilization into [0,1].
// Returns 0 before the first sample.
func (m *Monitor) SystemLoad() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.systemLoadLocked()
}

func (m *Monitor) systemLoadLocked() float64 {
	if m.cpu.len() == 0 || m.memory.len() == 0 {
		return 0
	}
	load := 0.7*mean(m.cpu.last(loadWindow))/100 + 0.3*mean(m.memory.last(loadWindow))/100
	return math.Max(0, math.Min(1, load))
}

// RecommendedConcurrency scales maxConcurrency down as load rises. Never below 1.
func (m *Monitor) RecommendedConcurrency(maxConcurrency int) int {
	return RecommendedFor(m.SystemLoad(), maxConcurrency)
}

// RecommendedFor maps a load factor to a concurrency level.
func RecommendedFor(load float64, maxConcurrency int) int {
	var n float64
	switch {
	case load < 0.5:
		n = float64(maxConcurrency)
	case load < 0.7:
		n = math.Ceil(0.75 * float64(maxConcurrency))
	case load < 0.9:
		n = math.Ceil(0.5 * float64(maxConcurrency))
	default:
		n = math.Ceil(0.25 * float64(maxConcurrency))
	}
	if n < 1 {
		return 1
	}
	return int(n)
}

// ShouldThrottle reports whether new work should stop being started, and why.
func (m *Monitor) ShouldThrottle() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if load := m.systemLoadLocked(); load > throttleLoad {
		return true, fmt.Sprintf("system load %.2f exceeds %.2f", load, throttleLoad)
	}
	for _, a := range m.alerts.last(alertWindow) {
		if a.CurrentValue > a.Threshold*alertSeverityMult {
			return true, fmt.Sprintf("recent %s alert at %.1f%% exceeds 120%% of threshold %.1f%%", a.ResourceType, a.CurrentValue, a.Threshold)
		}
	}
	return false, ""
}

// History is a snapshot of the sample buffers, oldest first.
type History struct {
	CPU    []float64 `json:"cpu"`
	Memory []float64 `json:"memory"`
	Disk   []float64 `json:"disk"`
	IOWait []float64 `json:"io_wait"`
}

// History returns a copy of the recorded samples.
func (m *Monitor) History() History {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return History{
		CPU:    m.cpu.all(),
		Memory: m.memory.all(),
		Disk:   m.disk.all(),
		IOWait: m.ioWait.all(),
	}
}

// Alerts returns a copy of the alert history, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alerts.all()
}

// Latest returns the most recent sample and whether one exists.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.cpu.len() > 0
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
