package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
)

const bytesPerMB = 1024 * 1024

// AlertCallback is notified whenever a tracked resource crosses its
// threshold. Callbacks must not block; the monitor invokes them inline on
// its sampling goroutine.
type AlertCallback func(resourceType Type, value float64)

// Monitor samples host-wide resource usage on an interval, keeps a bounded
// history, fires threshold alerts, and predicts memory exhaustion from the
// recent trend.
type Monitor struct {
	logger         *zap.Logger
	historySize    int
	sampleInterval time.Duration

	mu      sync.RWMutex
	history []Usage

	thresholdsMu sync.RWMutex
	thresholds   map[Type]float64

	callbacksMu sync.RWMutex
	callbacks   []AlertCallback

	startTime time.Time
}

// Config configures a Monitor. Zero values fall back to a 300-sample
// history at 1Hz.
type Config struct {
	HistorySize        int
	SampleInterval     time.Duration
	MemoryThresholdPct float64
	CPUThresholdPct    float64
	DiskThresholdPct   float64
}

func NewMonitor(logger *zap.Logger, cfg Config) *Monitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.MemoryThresholdPct <= 0 {
		cfg.MemoryThresholdPct = 90.0
	}
	if cfg.CPUThresholdPct <= 0 {
		cfg.CPUThresholdPct = 95.0
	}
	if cfg.DiskThresholdPct <= 0 {
		cfg.DiskThresholdPct = 95.0
	}

	return &Monitor{
		logger:         logger,
		historySize:    cfg.HistorySize,
		sampleInterval: cfg.SampleInterval,
		history:        make([]Usage, 0, cfg.HistorySize),
		thresholds: map[Type]float64{
			Memory: cfg.MemoryThresholdPct,
			CPU:    cfg.CPUThresholdPct,
			Disk:   cfg.DiskThresholdPct,
		},
		startTime: time.Now(),
	}
}

// Capture takes a single point-in-time resource snapshot.
func Capture() (Usage, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Usage{}, err
	}
	overall, err := cpu.Percent(0, false)
	if err != nil {
		return Usage{}, err
	}
	perCore, err := cpu.Percent(0, true)
	if err != nil {
		perCore = nil
	}

	var diskRead, diskWrite uint64
	if counters, err := disk.IOCounters(); err == nil {
		for _, c := range counters {
			diskRead += c.ReadBytes
			diskWrite += c.WriteBytes
		}
	}

	var diskPercent float64
	if du, err := disk.Usage("/"); err == nil {
		diskPercent = du.UsedPercent
	}

	var sent, recv uint64
	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		sent = counters[0].BytesSent
		recv = counters[0].BytesRecv
	}

	cpuPercent := 0.0
	if len(overall) > 0 {
		cpuPercent = overall[0]
	}

	return Usage{
		Timestamp:         time.Now(),
		MemoryTotalMB:     float64(vm.Total) / bytesPerMB,
		MemoryUsedMB:      float64(vm.Used) / bytesPerMB,
		MemoryAvailableMB: float64(vm.Available) / bytesPerMB,
		MemoryPercent:     vm.UsedPercent,
		CPUPercent:        cpuPercent,
		CPUPerCore:        perCore,
		DiskPercent:       diskPercent,
		DiskReadBytes:     diskRead,
		DiskWriteBytes:    diskWrite,
		NetworkSentBytes:  sent,
		NetworkRecvBytes:  recv,
	}, nil
}

// Run samples resources on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			usage, err := Capture()
			if err != nil {
				m.logger.Warn("resource sample failed", zap.Error(err))
				continue
			}
			m.addToHistory(usage)
			m.checkThresholds(usage)
		}
	}
}

func (m *Monitor) addToHistory(usage Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, usage)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
}

func (m *Monitor) checkThresholds(usage Usage) {
	m.thresholdsMu.RLock()
	memThreshold := m.thresholds[Memory]
	cpuThreshold := m.thresholds[CPU]
	diskThreshold := m.thresholds[Disk]
	m.thresholdsMu.RUnlock()

	if usage.MemoryPercent > memThreshold {
		m.triggerAlert(Memory, usage.MemoryPercent)
	}
	if usage.CPUPercent > cpuThreshold {
		m.triggerAlert(CPU, usage.CPUPercent)
	}
	if usage.DiskPercent > diskThreshold {
		m.triggerAlert(Disk, usage.DiskPercent)
	}
}

func (m *Monitor) triggerAlert(resourceType Type, value float64) {
	m.logger.Warn("resource threshold exceeded",
		zap.String("resource", resourceType.String()),
		zap.Float64("value", value))

	m.callbacksMu.RLock()
	defer m.callbacksMu.RUnlock()
	for _, cb := range m.callbacks {
		cb(resourceType, value)
	}
}

// AddAlertCallback registers a callback invoked whenever a tracked resource
// crosses its threshold.
func (m *Monitor) AddAlertCallback(cb AlertCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// SetThreshold overrides the alert threshold for a resource type.
func (m *Monitor) SetThreshold(resourceType Type, threshold float64) {
	m.thresholdsMu.Lock()
	defer m.thresholdsMu.Unlock()
	m.thresholds[resourceType] = threshold
}

// CurrentUsage returns the most recent sample, or the zero value and false
// if no sample has been taken yet.
func (m *Monitor) CurrentUsage() (Usage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Usage{}, false
	}
	return m.history[len(m.history)-1], true
}

// PeakUsage returns the highest memory-used and CPU-percent samples seen in
// the retained history.
func (m *Monitor) PeakUsage() (peakMemoryMB, peakCPUPercent float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.history {
		if u.MemoryUsedMB > peakMemoryMB {
			peakMemoryMB = u.MemoryUsedMB
		}
		if u.CPUPercent > peakCPUPercent {
			peakCPUPercent = u.CPUPercent
		}
	}
	return
}

// AverageUsage averages every retained sample within the last `seconds` of
// wall-clock time. Returns false if no sample falls within the window.
func (m *Monitor) AverageUsage(seconds int) (Average, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.history) == 0 {
		return Average{}, false
	}

	cutoff := time.Now().Add(-time.Duration(seconds) * time.Second)
	var memMB, memPct, cpuPct float64
	var n int
	for _, u := range m.history {
		if u.Timestamp.Before(cutoff) {
			continue
		}
		memMB += u.MemoryUsedMB
		memPct += u.MemoryPercent
		cpuPct += u.CPUPercent
		n++
	}
	if n == 0 {
		return Average{}, false
	}
	return Average{
		MemoryMB:      memMB / float64(n),
		MemoryPercent: memPct / float64(n),
		CPUPercent:    cpuPct / float64(n),
	}, true
}

// PredictMemoryExhaustion fits a linear trend to the last 30 retained
// samples (requires at least 10 samples of total history) and returns the
// number of seconds until memory is predicted to be exhausted. It returns
// false when the trend is flat or decreasing, or when exhaustion is not
// predicted within the next hour.
func (m *Monitor) PredictMemoryExhaustion() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.history) < 10 {
		return 0, false
	}

	recent := m.history
	if len(recent) > 30 {
		recent = recent[len(recent)-30:]
	}
	if len(recent) < 2 {
		return 0, false
	}

	n := float64(len(recent))
	origin := recent[0].Timestamp

	var xMean, yMean float64
	xs := make([]float64, len(recent))
	ys := make([]float64, len(recent))
	for i, u := range recent {
		xs[i] = u.Timestamp.Sub(origin).Seconds()
		ys[i] = u.MemoryUsedMB
		xMean += xs[i]
		yMean += ys[i]
	}
	xMean /= n
	yMean /= n

	var numerator, denominator float64
	for i := range xs {
		dx := xs[i] - xMean
		numerator += dx * (ys[i] - yMean)
		denominator += dx * dx
	}
	if denominator == 0 {
		return 0, false
	}

	slope := numerator / denominator // MB per second
	if slope <= 0 {
		return 0, false
	}

	current := recent[len(recent)-1]
	remainingMB := current.MemoryTotalMB - current.MemoryUsedMB
	secondsToExhaustion := remainingMB / slope

	if secondsToExhaustion > 0 && secondsToExhaustion < 3600 {
		return secondsToExhaustion, true
	}
	return 0, false
}

// Summary renders a one-line human-readable status for logs and CLI
// output.
func (m *Monitor) Summary() string {
	current, ok := m.CurrentUsage()
	if !ok {
		return "no resource data available"
	}
	return fmtSummary(current)
}

func fmtSummary(u Usage) string {
	return fmt.Sprintf("memory: %.1f/%.1f MB (%.1f%%) | cpu: %.1f%%",
		u.MemoryUsedMB, u.MemoryTotalMB, u.MemoryPercent, u.CPUPercent)
}

// Snapshot returns the current usage plus derived peak/average values as
// plain data for an external UI to format. Returns nil before the first
// sample.
func (m *Monitor) Snapshot() map[string]any {
	current, ok := m.CurrentUsage()
	if !ok {
		return nil
	}
	peakMem, peakCPU := m.PeakUsage()
	out := map[string]any{
		"memory_total_mb":     current.MemoryTotalMB,
		"memory_used_mb":      current.MemoryUsedMB,
		"memory_available_mb": current.MemoryAvailableMB,
		"memory_percent":      current.MemoryPercent,
		"cpu_percent":         current.CPUPercent,
		"cpu_per_core":        current.CPUPerCore,
		"disk_percent":        current.DiskPercent,
		"peak_memory_mb":      peakMem,
		"peak_cpu_percent":    peakCPU,
		"uptime_seconds":      time.Since(m.startTime).Seconds(),
	}
	if avg, ok := m.AverageUsage(60); ok {
		out["avg_memory_mb_1m"] = avg.MemoryMB
		out["avg_cpu_percent_1m"] = avg.CPUPercent
	}
	if seconds, ok := m.PredictMemoryExhaustion(); ok {
		out["memory_exhaustion_in_seconds"] = seconds
	}
	return out
}
