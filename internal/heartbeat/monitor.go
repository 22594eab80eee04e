package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Status is the monitor's view of target connectivity.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Probe is the connectivity check the monitor runs every interval. It runs
// outside the workload's rate gate so a saturated token bucket can never
// starve health detection.
type Probe func(ctx context.Context) error

// State is a point-in-time snapshot of connectivity health
type State struct {
	Status           Status    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_failures"`
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	LastError        string    `json:"last_error,omitempty"`
}

// MonitorConfig holds configuration for the heartbeat monitor
type MonitorConfig struct {
	Probe            Probe
	Logger           *zap.Logger
	Interval         time.Duration
	FailureThreshold int
	MeterProvider    metric.MeterProvider

	// OnDegraded fires once when consecutive failures reach the threshold;
	// OnRecovered fires once when a probe succeeds after degradation.
	OnDegraded  func(consecutiveFails int, err error)
	OnRecovered func()
}

// Monitor probes the target on a fixed cadence and tracks consecutive
// failures. Crossing the failure threshold flips status to degraded with a
// single distinct signal; any success flips it back to healthy immediately.
type Monitor struct {
	probe       Probe
	logger      *zap.Logger
	interval    time.Duration
	threshold   int
	onDegraded  func(int, error)
	onRecovered func()

	probeCounter metric.Int64Counter

	mu          sync.RWMutex
	status      Status
	fails       int
	lastErr     error
	lastCheck   time.Time
	lastHealthy time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a heartbeat monitor
func NewMonitor(config *MonitorConfig) (*Monitor, error) {
	if config.Probe == nil {
		return nil, fmt.Errorf("heartbeat probe is required")
	}
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 3
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	monitor := &Monitor{
		probe:       config.Probe,
		logger:      config.Logger,
		interval:    config.Interval,
		threshold:   config.FailureThreshold,
		onDegraded:  config.OnDegraded,
		onRecovered: config.OnRecovered,
		status:      StatusUnknown,
		stopCh:      make(chan struct{}),
	}

	// Initialize metrics if meter provider is available
	if config.MeterProvider != nil {
		meter := config.MeterProvider.Meter("heartbeat")

		var err error
		monitor.probeCounter, err = meter.Int64Counter(
			"heartbeat_probes_total",
			metric.WithDescription("Total number of heartbeat probes by outcome"),
		)
		if err != nil {
			return nil, err
		}

		healthGauge, err := meter.Float64ObservableGauge(
			"connectivity_health_status",
			metric.WithDescription("Target connectivity status (1=healthy, 0=degraded or unknown)"),
		)
		if err != nil {
			return nil, err
		}
		_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			value := 0.0
			if monitor.Status() == StatusHealthy {
				value = 1.0
			}
			o.ObserveFloat64(healthGauge, value)
			return nil
		}, healthGauge)
		if err != nil {
			return nil, err
		}
	}

	return monitor, nil
}

// Start begins probing in a background goroutine. The first probe fires
// immediately so a dead target is reported without waiting a full interval.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.monitorLoop(ctx)
}

// Stop halts the probe loop and waits for an in-flight probe to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Monitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Heartbeat monitor started",
		zap.Duration("interval", m.interval),
		zap.Int("failure_threshold", m.threshold))

	m.runProbe()

	for {
		select {
		case <-ticker.C:
			m.runProbe()
		case <-m.stopCh:
			m.logger.Info("Heartbeat monitor stopped")
			return
		case <-ctx.Done():
			m.logger.Info("Heartbeat monitor stopping due to context cancellation")
			return
		}
	}
}

func (m *Monitor) runProbe() {
	// The probe gets its own deadline rather than the loop's context, so a
	// Stop during a probe lets the attempt run to completion.
	probeCtx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	err := m.probe(probeCtx)
	now := time.Now()

	if m.probeCounter != nil {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		m.probeCounter.Add(probeCtx, 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}

	if err == nil {
		m.mu.Lock()
		wasDegraded := m.status == StatusDegraded
		m.status = StatusHealthy
		m.fails = 0
		m.lastErr = nil
		m.lastCheck = now
		m.lastHealthy = now
		m.mu.Unlock()

		if wasDegraded {
			m.logger.Info("Connectivity recovered")
			if m.onRecovered != nil {
				m.onRecovered()
			}
		}
		return
	}

	m.mu.Lock()
	m.fails++
	m.lastErr = err
	m.lastCheck = now
	fails := m.fails
	wasDegraded := m.status == StatusDegraded
	if fails >= m.threshold {
		m.status = StatusDegraded
	}
	becameDegraded := !wasDegraded && m.status == StatusDegraded
	m.mu.Unlock()

	if becameDegraded {
		m.logger.Error("Connectivity degraded",
			zap.Int("consecutive_failures", fails),
			zap.Error(err))
		if m.onDegraded != nil {
			m.onDegraded(fails, err)
		}
		return
	}

	m.logger.Warn("Heartbeat probe failed",
		zap.Int("consecutive_failures", fails),
		zap.Int("failure_threshold", m.threshold),
		zap.Error(err))
}

// Status returns the current connectivity status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Healthy reports whether the last probe succeeded.
func (m *Monitor) Healthy() bool {
	return m.Status() == StatusHealthy
}

// Degraded reports whether consecutive failures crossed the threshold.
func (m *Monitor) Degraded() bool {
	return m.Status() == StatusDegraded
}

// GetState returns a snapshot of the monitor for status endpoints.
func (m *Monitor) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := State{
		Status:           m.status,
		ConsecutiveFails: m.fails,
		LastCheck:        m.lastCheck,
		LastHealthy:      m.lastHealthy,
	}
	if m.lastErr != nil {
		state.LastError = m.lastErr.Error()
	}
	return state
}
