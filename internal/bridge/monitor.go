package bridge

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/mqtt"
)

// UnitMonitor polls the active state of system units and publishes changes
// as retained messages.
type UnitMonitor struct {
	units     []string
	interval  time.Duration
	source    UnitStateSource
	publisher StatePublisher
	topics    mqtt.Topics
	qos       byte
	metrics   MetricsWriter

	// Last known state per unit
	states   map[string]string
	statesMu sync.RWMutex

	// publishMu makes a state update and its publication one step, so a
	// republish never lands after a newer poll result.
	publishMu sync.Mutex

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// UnitStateSource reports unit active states.
type UnitStateSource interface {
	ActiveStates(ctx context.Context, names []string) (map[string]string, error)
}

// StatePublisher publishes state messages.
// This is typically implemented by an MQTT client.
type StatePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// UnitMonitorConfig holds configuration for the unit monitor.
type UnitMonitorConfig struct {
	// Units are the system units to poll.
	Units []string

	// Interval is how often to poll.
	// Default: 5 seconds.
	Interval time.Duration

	Source    UnitStateSource
	Publisher StatePublisher
	Topics    mqtt.Topics
	QoS       byte

	// Metrics is optional.
	Metrics MetricsWriter
}

// NewUnitMonitor creates a new unit monitor. Call Start to begin polling.
func NewUnitMonitor(cfg UnitMonitorConfig) *UnitMonitor {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultMonitorInterval
	}

	return &UnitMonitor{
		units:     append([]string(nil), cfg.Units...),
		interval:  interval,
		source:    cfg.Source,
		publisher: cfg.Publisher,
		topics:    cfg.Topics,
		qos:       cfg.QoS,
		metrics:   cfg.Metrics,
		states:    make(map[string]string),
		done:      make(chan struct{}),
	}
}

// Start polls once immediately and then every interval until Stop is called
// or ctx is cancelled.
func (m *UnitMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.pollLoop(ctx)
}

// Stop stops polling. Safe to call multiple times.
func (m *UnitMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

// SetLogger sets the logger for this monitor.
func (m *UnitMonitor) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

func (m *UnitMonitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	m.Poll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll reads the current states and publishes those that changed.
func (m *UnitMonitor) Poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	current, err := m.source.ActiveStates(ctx, m.units)
	if err != nil {
		m.logWarn("failed to read unit states", "error", err)
		return
	}

	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	for _, unit := range m.units {
		state, ok := current[unit]
		if !ok {
			continue
		}

		m.statesMu.Lock()
		previous, known := m.states[unit]
		m.states[unit] = state
		m.statesMu.Unlock()

		if known && previous == state {
			continue
		}
		m.logDebug("unit state changed", "unit", unit, "from", previous, "to", state)
		m.publish(unit, state)
		if m.metrics != nil {
			m.metrics.WriteUnitState(unit, state)
		}
	}
}

// Republish publishes every known state again. Called after a reconnect.
func (m *UnitMonitor) Republish() {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	for unit, state := range m.States() {
		m.publish(unit, state)
	}
}

// States returns a copy of the last known unit states.
func (m *UnitMonitor) States() map[string]string {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	return maps.Clone(m.states)
}

func (m *UnitMonitor) publish(unit, state string) {
	if !m.publisher.IsConnected() {
		return
	}
	topic := m.topics.UnitActiveState(unit)
	if err := m.publisher.Publish(topic, []byte(state), m.qos, true); err != nil {
		m.logWarn("failed to publish unit state", "unit", unit, "error", err)
	}
}

func (m *UnitMonitor) logWarn(msg string, keysAndValues ...any) {
	m.loggerMu.RLock()
	logger := m.logger
	m.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (m *UnitMonitor) logDebug(msg string, keysAndValues ...any) {
	m.loggerMu.RLock()
	logger := m.logger
	m.loggerMu.RUnlock()
	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
