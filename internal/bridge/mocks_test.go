package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/systemctl-mqtt/internal/systemd"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	unsubscribed  []string
	connected     bool
	handlers      map[string]func(msg Message)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(msg Message)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return mqtt.ErrNotConnected
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(msg Message)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topic)
	return nil
}

func (m *MockMQTTClient) Unsubscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubscribed...)
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

// PublishedTo returns every payload published to topic.
func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte, retained bool) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		handler(Message{Topic: topic, Payload: payload, Retained: retained})
	}
}

// mockLock implements Lock.
type mockLock struct {
	mu       sync.Mutex
	released int
}

func (l *mockLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func (l *mockLock) Released() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

type scheduledShutdown struct {
	Action string
	At     time.Time
}

// MockLoginManager implements LoginManager for testing.
type MockLoginManager struct {
	mu          sync.Mutex
	scheduled   []scheduledShutdown
	suspended   int
	locked      int
	locks       []*mockLock
	inhibitors  []systemd.Inhibitor
	preparing   bool
	scheduleErr error
	inhibitErr  error
	events      chan bool

	// readHook runs once, after PreparingForShutdown has read its value.
	readHook func()
}

func NewMockLoginManager() *MockLoginManager {
	return &MockLoginManager{events: make(chan bool, 4)}
}

func (m *MockLoginManager) ScheduleShutdown(_ context.Context, action string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduleErr != nil {
		return m.scheduleErr
	}
	m.scheduled = append(m.scheduled, scheduledShutdown{Action: action, At: at})
	return nil
}

func (m *MockLoginManager) Suspend(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended++
	return nil
}

func (m *MockLoginManager) LockSessions(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked++
	return nil
}

func (m *MockLoginManager) Inhibit(_ context.Context, what, who, why, mode string) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inhibitErr != nil {
		return nil, m.inhibitErr
	}
	if what != "shutdown" || who != "systemctl-mqtt" || why != "Report shutdown via MQTT" || mode != "delay" {
		return nil, fmt.Errorf("unexpected Inhibit(%q, %q, %q, %q)", what, who, why, mode)
	}
	lock := &mockLock{}
	m.locks = append(m.locks, lock)
	return lock, nil
}

func (m *MockLoginManager) ListInhibitors(context.Context) ([]systemd.Inhibitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inhibitors, nil
}

func (m *MockLoginManager) PreparingForShutdown(context.Context) (bool, error) {
	m.mu.Lock()
	preparing := m.preparing
	hook := m.readHook
	m.readHook = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return preparing, nil
}

func (m *MockLoginManager) setReadHook(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readHook = hook
}

func (m *MockLoginManager) WatchPrepareForShutdown(context.Context) (<-chan bool, error) {
	return m.events, nil
}

func (m *MockLoginManager) Scheduled() []scheduledShutdown {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]scheduledShutdown(nil), m.scheduled...)
}

func (m *MockLoginManager) Locks() []*mockLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mockLock(nil), m.locks...)
}

func (m *MockLoginManager) counts() (suspended, locked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended, m.locked
}

// MockUnitController implements UnitController for testing.
type MockUnitController struct {
	mu       sync.Mutex
	commands []string
	states   map[string]string
	err      error
}

func NewMockUnitController() *MockUnitController {
	return &MockUnitController{states: make(map[string]string)}
}

func (m *MockUnitController) record(command, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, command+" "+name)
	return m.err
}

func (m *MockUnitController) StartUnit(_ context.Context, name string) error {
	return m.record("start", name)
}

func (m *MockUnitController) StopUnit(_ context.Context, name string) error {
	return m.record("stop", name)
}

func (m *MockUnitController) RestartUnit(_ context.Context, name string) error {
	return m.record("restart", name)
}

func (m *MockUnitController) ActiveStates(_ context.Context, names []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(names))
	for _, n := range names {
		if s, ok := m.states[n]; ok {
			out[n] = s
		}
	}
	return out, nil
}

func (m *MockUnitController) SetState(unit, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[unit] = state
}

func (m *MockUnitController) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// mockRecorder implements ActionRecorder.
type mockRecorder struct {
	mu      sync.Mutex
	records []ActionRecord
}

func (r *mockRecorder) RecordAction(_ context.Context, rec ActionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *mockRecorder) Records() []ActionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActionRecord(nil), r.records...)
}

// mockMetrics implements MetricsWriter.
type mockMetrics struct {
	mu       sync.Mutex
	actions  []string
	units    []string
	shutdown []bool
}

func (m *mockMetrics) WriteActionMetric(action, source string, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, fmt.Sprintf("%s/%s/%v", action, source, success))
}

func (m *mockMetrics) WriteUnitState(unit, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = append(m.units, unit+"="+state)
}

func (m *mockMetrics) WriteShutdownState(preparing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = append(m.shutdown, preparing)
}

type logEntry struct {
	Level string
	Msg   string
	Args  []any
}

// recordingLogger implements Logger and keeps every entry.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{Level: level, Msg: msg, Args: args})
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *recordingLogger) Entries() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), l.entries...)
}

func (l *recordingLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// has reports whether an entry with level and msg was logged.
func (l *recordingLogger) has(level, msg string) bool {
	for _, e := range l.Entries() {
		if e.Level == level && e.Msg == msg {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// testEnv bundles a bridge and its mocks.
type testEnv struct {
	bridge  *Bridge
	mqtt    *MockMQTTClient
	login   *MockLoginManager
	units   *MockUnitController
	history *mockRecorder
	metrics *mockMetrics
	logger  *recordingLogger
}

var fixedNow = time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{
		mqtt:    NewMockMQTTClient(),
		login:   NewMockLoginManager(),
		units:   NewMockUnitController(),
		history: &mockRecorder{},
		metrics: &mockMetrics{},
		logger:  &recordingLogger{},
	}

	opts := Options{
		MQTT:          env.mqtt,
		Login:         env.login,
		Units:         env.units,
		History:       env.history,
		Metrics:       env.metrics,
		Logger:        env.logger,
		Topics:        mqtt.NewTopics("systemctl/host"),
		QoS:           1,
		PoweroffDelay: 4 * time.Second,
		ActionTimeout: time.Second,
		ShutdownLock:  true,
		Discovery:     DiscoveryOptions{Prefix: "homeassistant", ObjectID: "host"},
		Version:       "v1.0.0-test",
		Now:           func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&opts)
	}

	b, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.bridge = b
	t.Cleanup(b.Stop)
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	if err := e.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
