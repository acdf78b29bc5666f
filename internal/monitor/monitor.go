// Package monitor samples host resources and classifies pressure.
package monitor

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/metrics"
)

const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// Pressure classifies host resource headroom.
type Pressure int

// Pressure levels, ordered by severity.
const (
	PressureNormal Pressure = iota
	PressureElevated
	PressureCritical
)

func (p Pressure) String() string {
	switch p {
	case PressureNormal:
		return "normal"
	case PressureElevated:
		return "elevated"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable point-in-time resource reading.
type Snapshot struct {
	MemoryPercent float64
	CPUTempC      float64
	Taken         time.Time
	Pressure      Pressure
}

// Config sets the thresholds and cadence.
type Config struct {
	// MaxMemoryPercent and MaxTempC mark the Critical boundary.
	MaxMemoryPercent float64
	MaxTempC         float64
	// ElevatedMargin is how far below a Critical threshold the Elevated
	// band begins, as a fraction of the threshold (0.1 = within 10%).
	ElevatedMargin float64
	// Interval is the sampling cadence.
	Interval time.Duration
}

// Monitor samples memory usage and CPU temperature on a fixed interval and
// classifies the result. Sampling functions are swappable for tests.
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	memPercent func() (float64, error)
	cpuTemp    func() float64

	mu      sync.RWMutex
	current Snapshot
}

// New builds a Monitor with platform samplers.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.MaxMemoryPercent <= 0 {
		cfg.MaxMemoryPercent = 85
	}
	if cfg.MaxTempC <= 0 {
		cfg.MaxTempC = 80
	}
	if cfg.ElevatedMargin <= 0 {
		cfg.ElevatedMargin = 0.1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		cfg:        cfg,
		logger:     logger,
		memPercent: sampleMemoryPercent,
		cpuTemp:    sampleCPUTemp,
	}
	m.current = m.sample()
	return m
}

// Run samples on the configured interval until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.sample()
			m.mu.Lock()
			prev := m.current.Pressure
			m.current = snap
			m.mu.Unlock()

			metrics.SetResourcePressure(int(snap.Pressure))
			if snap.Pressure != prev {
				m.logger.Info("pressure changed",
					zap.Stringer("from", prev),
					zap.Stringer("to", snap.Pressure),
					zap.Float64("memory_percent", snap.MemoryPercent),
					zap.Float64("cpu_temp_c", snap.CPUTempC))
			}
		}
	}
}

// Current returns the latest snapshot.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Pressure returns the latest classification.
func (m *Monitor) Pressure() Pressure {
	return m.Current().Pressure
}

func (m *Monitor) sample() Snapshot {
	memPct, err := m.memPercent()
	if err != nil {
		m.logger.Warn("memory sample failed", zap.Error(err))
		memPct = 0
	}
	snap := Snapshot{
		MemoryPercent: memPct,
		CPUTempC:      m.cpuTemp(),
		Taken:         time.Now(),
	}
	snap.Pressure = m.classify(snap)
	return snap
}

// classify applies the thresholds: Critical when either limit is exceeded,
// Elevated when either reading is within the margin below its limit.
func (m *Monitor) classify(s Snapshot) Pressure {
	if s.MemoryPercent > m.cfg.MaxMemoryPercent {
		return PressureCritical
	}
	if m.tempMonitored(s) && s.CPUTempC > m.cfg.MaxTempC {
		return PressureCritical
	}

	memBand := m.cfg.MaxMemoryPercent * (1 - m.cfg.ElevatedMargin)
	tempBand := m.cfg.MaxTempC * (1 - m.cfg.ElevatedMargin)
	if s.MemoryPercent >= memBand {
		return PressureElevated
	}
	if m.tempMonitored(s) && s.CPUTempC >= tempBand {
		return PressureElevated
	}
	return PressureNormal
}

// tempMonitored treats a zero reading as "no sensor", never as pressure.
func (m *Monitor) tempMonitored(s Snapshot) bool {
	return s.CPUTempC > 0
}

func sampleMemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// sampleCPUTemp tries the sensors API first, then the raw thermal zone.
// Returns 0 when no sensor is available.
func sampleCPUTemp() float64 {
	if temps, err := sensors.SensorsTemperatures(); err == nil {
		for _, t := range temps {
			key := strings.ToLower(t.SensorKey)
			if strings.Contains(key, "coretemp") ||
				strings.Contains(key, "cpu") ||
				strings.Contains(key, "k10temp") {
				if t.Temperature > 0 {
					return t.Temperature
				}
			}
		}
	}
	raw, err := os.ReadFile(thermalZonePath)
	if err != nil {
		return 0
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0
	}
	return milli / 1000.0
}
