package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/systemctl-mqtt/internal/systemd"
)

// Defaults applied by New when the corresponding option is zero.
const (
	defaultActionTimeout   = 30 * time.Second
	defaultMonitorInterval = 5 * time.Second

	// startupTimeout bounds the D-Bus calls made while (re)connecting.
	startupTimeout = 10 * time.Second
)

// Bridge connects MQTT command topics to logind and systemd, and reports
// system state back to MQTT. It handles:
//   - Dispatching poweroff, reboot, suspend, lock and unit commands
//   - Holding a shutdown delay lock and publishing preparing-for-shutdown
//   - Polling monitored units and publishing their active state
//   - Publishing the Home Assistant discovery document
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	opts    Options
	mqtt    MQTTClient
	login   LoginManager
	units   UnitController
	history ActionRecorder
	metrics MetricsWriter
	monitor *UnitMonitor

	actions        map[string]*Action // by topic
	actionsByName  map[string]*Action
	orderedActions []*Action

	shutdownMu   sync.Mutex
	shutdownLock Lock
	preparing    bool

	// preparingMu orders preparing-for-shutdown publications.
	// Never acquired while holding shutdownMu.
	preparingMu sync.Mutex

	counters actionCounters
	started  time.Time

	// Shutdown coordination. stopMu guards stopped and every wg.Add
	// after Start, so Stop's wg.Wait never races an Add.
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopMu    sync.Mutex
	stopped   bool
	ctx       context.Context    // cancelled on Stop()
	ctxCancel context.CancelFunc // cancels ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// Message is an MQTT message delivered to the bridge.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// MQTTClient is the interface for MQTT operations.
// This is satisfied by the infrastructure MQTT client via an adapter in main.go.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic.
	Subscribe(topic string, qos byte, handler func(msg Message)) error

	// Unsubscribe removes the subscription for a topic.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Lock is a held inhibitor lock.
type Lock interface {
	Release() error
}

// LoginManager is the subset of org.freedesktop.login1.Manager the bridge uses.
type LoginManager interface {
	ScheduleShutdown(ctx context.Context, action string, at time.Time) error
	Suspend(ctx context.Context) error
	LockSessions(ctx context.Context) error
	Inhibit(ctx context.Context, what, who, why, mode string) (Lock, error)
	ListInhibitors(ctx context.Context) ([]systemd.Inhibitor, error)
	PreparingForShutdown(ctx context.Context) (bool, error)
	WatchPrepareForShutdown(ctx context.Context) (<-chan bool, error)
}

// UnitController starts, stops and inspects system units.
// This interface is satisfied by *systemd.UnitManager.
type UnitController interface {
	StartUnit(ctx context.Context, name string) error
	StopUnit(ctx context.Context, name string) error
	RestartUnit(ctx context.Context, name string) error
	ActiveStates(ctx context.Context, names []string) (map[string]string, error)
}

// ActionRecorder persists executed actions.
// It is optional - if nil, actions are not recorded.
type ActionRecorder interface {
	RecordAction(ctx context.Context, rec ActionRecord) error
}

// MetricsWriter writes time-series points.
// This interface is satisfied by *influxdb.Client. It is optional.
type MetricsWriter interface {
	WriteActionMetric(action, source string, success bool, duration time.Duration)
	WriteUnitState(unit, state string)
	WriteShutdownState(preparing bool)
}

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options holds configuration and dependencies for creating a bridge.
type Options struct {
	// MQTT is the broker client. Required.
	MQTT MQTTClient

	// Login is the logind manager. Required.
	Login LoginManager

	// Units is required when MonitorUnits or ControlUnits is non-empty.
	Units UnitController

	// History is optional.
	History ActionRecorder

	// Metrics is optional.
	Metrics MetricsWriter

	// Logger is optional.
	Logger Logger

	// Topics is rooted at the configured topic prefix.
	Topics mqtt.Topics

	// QoS is used for subscriptions and state publications.
	QoS byte

	// PoweroffDelay is added to the current time when scheduling poweroff or reboot.
	PoweroffDelay time.Duration

	// ActionTimeout bounds each action. Default: 30s.
	ActionTimeout time.Duration

	// ShutdownLock enables the logind shutdown delay lock.
	ShutdownLock bool

	// MonitorUnits are polled and published as active-state topics.
	MonitorUnits []string

	// ControlUnits get start, stop and restart command topics.
	ControlUnits []string

	// MonitorInterval is the unit polling interval. Default: 5s.
	MonitorInterval time.Duration

	// Discovery configures the Home Assistant discovery document.
	Discovery DiscoveryOptions

	// Version is reported in the discovery origin.
	Version string

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// New creates a new bridge instance.
// Call Start() to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("%w: MQTT client is required", ErrInvalidOptions)
	}
	if opts.Login == nil {
		return nil, fmt.Errorf("%w: login manager is required", ErrInvalidOptions)
	}
	if opts.Units == nil && (len(opts.MonitorUnits) > 0 || len(opts.ControlUnits) > 0) {
		return nil, fmt.Errorf("%w: unit controller is required for monitored or controlled units", ErrInvalidOptions)
	}
	if opts.Topics.Prefix() == "" {
		return nil, fmt.Errorf("%w: topic prefix is required", ErrInvalidOptions)
	}
	for _, unit := range append(append([]string(nil), opts.MonitorUnits...), opts.ControlUnits...) {
		if !systemd.ValidUnitName(unit) {
			return nil, fmt.Errorf("%w: %w: %q", ErrInvalidOptions, systemd.ErrInvalidUnitName, unit)
		}
	}
	if opts.ActionTimeout == 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	if opts.MonitorInterval == 0 {
		opts.MonitorInterval = defaultMonitorInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		opts:      opts,
		mqtt:      opts.MQTT,
		login:     opts.Login,
		units:     opts.Units,
		history:   opts.History, // May be nil (optional)
		metrics:   opts.Metrics, // May be nil (optional)
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}
	b.registerActions()

	if len(opts.MonitorUnits) > 0 {
		b.monitor = NewUnitMonitor(UnitMonitorConfig{
			Units:     opts.MonitorUnits,
			Interval:  opts.MonitorInterval,
			Source:    opts.Units,
			Publisher: opts.MQTT,
			Topics:    opts.Topics,
			QoS:       opts.QoS,
			Metrics:   opts.Metrics,
		})
		if opts.Logger != nil {
			b.monitor.SetLogger(opts.Logger)
		}
	}

	return b, nil
}

// Start begins bridge operation.
// It subscribes to the PrepareForShutdown signal and every command topic,
// starts the unit monitor, and performs the first connect-time publication.
//
// Subsequent reconnects must call OnConnect.
func (b *Bridge) Start(ctx context.Context) error {
	b.started = b.opts.Now()

	events, err := b.login.WatchPrepareForShutdown(b.ctx)
	if err != nil {
		return fmt.Errorf("watching PrepareForShutdown: %w", err)
	}
	if !b.beginAction() {
		return ErrStopped
	}
	go b.watchShutdown(events)

	if err := b.subscribeActions(); err != nil {
		return err
	}

	if b.monitor != nil {
		b.monitor.Start(b.ctx)
	}

	b.onConnect(ctx)

	b.logInfo("bridge started",
		"topic_prefix", b.opts.Topics.Prefix(),
		"actions", len(b.orderedActions),
		"monitored_units", len(b.opts.MonitorUnits))

	return nil
}

// OnConnect subscribes to the command topics again and republishes state
// after the MQTT connection is re-established.
// It is intended as the MQTT client's on-connect callback.
func (b *Bridge) OnConnect() {
	select {
	case <-b.done:
		return
	default:
	}
	if err := b.subscribeActions(); err != nil {
		b.logError("failed to subscribe after reconnect", err)
	}
	b.onConnect(b.ctx)
}

// subscribeActions subscribes to every command topic.
func (b *Bridge) subscribeActions() error {
	for _, action := range b.orderedActions {
		b.logInfo("subscribing to "+action.Topic, "topic", action.Topic)
		if err := b.mqtt.Subscribe(action.Topic, b.opts.QoS, b.handleMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", action.Topic, err)
		}
		b.logDebug("registered MQTT callback", "topic", action.Topic, "action", action.Name)
	}
	return nil
}

// unsubscribeActions removes the command topic subscriptions.
func (b *Bridge) unsubscribeActions() {
	if !b.mqtt.IsConnected() {
		return
	}
	for _, action := range b.orderedActions {
		if err := b.mqtt.Unsubscribe(action.Topic); err != nil {
			b.logWarn("failed to unsubscribe", "topic", action.Topic, "error", err)
		}
	}
}

// beginAction registers a goroutine or in-flight action with wg.
// It reports false once Stop has begun.
func (b *Bridge) beginAction() bool {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *Bridge) onConnect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	// The lock is not taken while a shutdown is already in progress.
	b.publishCurrentShutdownState(ctx)
	if b.opts.ShutdownLock {
		b.acquireShutdownLock(ctx)
	}

	if b.opts.Discovery.Enabled() {
		if err := b.publishDiscovery(); err != nil {
			b.logError("failed to publish Home Assistant discovery", err)
		}
	}

	if b.monitor != nil {
		b.monitor.Republish()
	}
}

// Stop gracefully shuts down the bridge. Command topics are unsubscribed,
// in-flight actions are cancelled, and the shutdown delay lock is released.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		b.stopped = true
		b.stopMu.Unlock()

		close(b.done)

		b.unsubscribeActions()

		// Cancel bridge context to abort in-flight actions
		b.ctxCancel()

		if b.monitor != nil {
			b.monitor.Stop()
		}

		b.wg.Wait()

		b.releaseShutdownLock()

		b.logInfo("bridge stopped")
	})
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.monitor != nil {
		b.monitor.SetLogger(logger)
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// actionCounters tracks executed actions for the metrics endpoint.
type actionCounters struct {
	executed atomic.Uint64
	failed   atomic.Uint64
	ignored  atomic.Uint64
}

// Metrics contains bridge counters for the API metrics endpoint.
type Metrics struct {
	Connected        bool      `json:"connected"`
	ActionsExecuted  uint64    `json:"actions_executed"`
	ActionsFailed    uint64    `json:"actions_failed"`
	RetainedIgnored  uint64    `json:"retained_ignored"`
	ShutdownLockHeld bool      `json:"shutdown_lock_held"`
	MonitoredUnits   int       `json:"monitored_units"`
	StartedAt        time.Time `json:"started_at"`
}

// GetMetrics returns current bridge counters.
func (b *Bridge) GetMetrics() Metrics {
	b.shutdownMu.Lock()
	lockHeld := b.shutdownLock != nil
	b.shutdownMu.Unlock()

	return Metrics{
		Connected:        b.mqtt.IsConnected(),
		ActionsExecuted:  b.counters.executed.Load(),
		ActionsFailed:    b.counters.failed.Load(),
		RetainedIgnored:  b.counters.ignored.Load(),
		ShutdownLockHeld: lockHeld,
		MonitoredUnits:   len(b.opts.MonitorUnits),
		StartedAt:        b.started,
	}
}

// Snapshot is the state reported by the status API.
type Snapshot struct {
	Connected            bool              `json:"connected"`
	TopicPrefix          string            `json:"topic_prefix"`
	PreparingForShutdown bool              `json:"preparing_for_shutdown"`
	ShutdownLockHeld     bool              `json:"shutdown_lock_held"`
	UnitStates           map[string]string `json:"unit_states"`
	Metrics              Metrics           `json:"metrics"`
}

// Snapshot returns the current bridge state.
func (b *Bridge) Snapshot() Snapshot {
	b.shutdownMu.Lock()
	preparing := b.preparing
	lockHeld := b.shutdownLock != nil
	b.shutdownMu.Unlock()

	states := map[string]string{}
	if b.monitor != nil {
		states = b.monitor.States()
	}

	return Snapshot{
		Connected:            b.mqtt.IsConnected(),
		TopicPrefix:          b.opts.Topics.Prefix(),
		PreparingForShutdown: preparing,
		ShutdownLockHeld:     lockHeld,
		UnitStates:           states,
		Metrics:              b.GetMetrics(),
	}
}
