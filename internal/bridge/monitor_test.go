package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/mqtt"
)

type failingStateSource struct{}

func (failingStateSource) ActiveStates(context.Context, []string) (map[string]string, error) {
	return nil, errors.New("dbus unavailable")
}

// gatedPublisher blocks the first publication after arm until release is closed.
type gatedPublisher struct {
	*MockMQTTClient
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{
		MockMQTTClient: NewMockMQTTClient(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (g *gatedPublisher) arm() { g.armed.Store(true) }

func (g *gatedPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.MockMQTTClient.Publish(topic, payload, qos, retained)
}

// signallingSource reports each completed ActiveStates call on reads.
type signallingSource struct {
	*MockUnitController
	reads chan struct{}
}

func (s *signallingSource) ActiveStates(ctx context.Context, names []string) (map[string]string, error) {
	states, err := s.MockUnitController.ActiveStates(ctx, names)
	s.reads <- struct{}{}
	return states, err
}

func newTestMonitor(source UnitStateSource, publisher StatePublisher, metrics MetricsWriter) *UnitMonitor {
	return NewUnitMonitor(UnitMonitorConfig{
		Units:     []string{"ssh.service", "ansible-pull.service"},
		Interval:  time.Hour,
		Source:    source,
		Publisher: publisher,
		Topics:    mqtt.NewTopics("systemctl/host"),
		QoS:       1,
		Metrics:   metrics,
	})
}

func TestUnitMonitor_PublishesChanges(t *testing.T) {
	units := NewMockUnitController()
	client := NewMockMQTTClient()
	metrics := &mockMetrics{}
	m := newTestMonitor(units, client, metrics)

	units.SetState("ssh.service", "active")
	units.SetState("ansible-pull.service", "inactive")
	m.Poll(context.Background())

	published := client.GetPublished()
	if len(published) != 2 {
		t.Fatalf("published = %d, want 2", len(published))
	}
	for _, p := range published {
		if !p.Retained || p.QoS != 1 {
			t.Errorf("publication %s retained=%v qos=%d", p.Topic, p.Retained, p.QoS)
		}
	}
	ssh := client.PublishedTo("systemctl/host/unit/system/ssh.service/active-state")
	if len(ssh) != 1 || string(ssh[0].Payload) != "active" {
		t.Errorf("ssh publications = %+v", ssh)
	}

	// Unchanged states are not republished.
	client.ClearPublished()
	m.Poll(context.Background())
	if n := len(client.GetPublished()); n != 0 {
		t.Errorf("published %d unchanged states, want 0", n)
	}

	units.SetState("ansible-pull.service", "activating")
	m.Poll(context.Background())
	got := client.PublishedTo("systemctl/host/unit/system/ansible-pull.service/active-state")
	if len(got) != 1 || string(got[0].Payload) != "activating" {
		t.Errorf("ansible-pull publications = %+v", got)
	}

	want := []string{"ssh.service=active", "ansible-pull.service=inactive", "ansible-pull.service=activating"}
	if len(metrics.units) != len(want) {
		t.Fatalf("unit metrics = %v, want %v", metrics.units, want)
	}
	for i := range want {
		if metrics.units[i] != want[i] {
			t.Errorf("unit metric[%d] = %q, want %q", i, metrics.units[i], want[i])
		}
	}
}

func TestUnitMonitor_MissingUnitSkipped(t *testing.T) {
	units := NewMockUnitController()
	client := NewMockMQTTClient()
	m := newTestMonitor(units, client, nil)

	units.SetState("ssh.service", "active")
	m.Poll(context.Background())

	states := m.States()
	if len(states) != 1 || states["ssh.service"] != "active" {
		t.Errorf("States() = %v", states)
	}
}

func TestUnitMonitor_SourceError(t *testing.T) {
	client := NewMockMQTTClient()
	logger := &recordingLogger{}
	m := newTestMonitor(failingStateSource{}, client, nil)
	m.SetLogger(logger)

	m.Poll(context.Background())

	if n := len(client.GetPublished()); n != 0 {
		t.Errorf("published = %d, want 0", n)
	}
	if !logger.has("warn", "failed to read unit states") {
		t.Error("expected read failure to be logged")
	}
}

func TestUnitMonitor_Republish(t *testing.T) {
	units := NewMockUnitController()
	client := NewMockMQTTClient()
	m := newTestMonitor(units, client, nil)

	units.SetState("ssh.service", "active")
	m.Poll(context.Background())
	client.ClearPublished()

	m.Republish()

	got := client.PublishedTo("systemctl/host/unit/system/ssh.service/active-state")
	if len(got) != 1 || string(got[0].Payload) != "active" {
		t.Errorf("republished = %+v", got)
	}
}

func TestUnitMonitor_RepublishDoesNotOverwriteNewerState(t *testing.T) {
	units := NewMockUnitController()
	source := &signallingSource{MockUnitController: units, reads: make(chan struct{}, 4)}
	client := newGatedPublisher()
	m := newTestMonitor(source, client, nil)
	topic := "systemctl/host/unit/system/ssh.service/active-state"

	units.SetState("ssh.service", "active")
	m.Poll(context.Background())
	<-source.reads

	// Republish stalls while publishing the old state.
	client.arm()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Republish()
	}()
	<-client.entered

	// A poll observes the newer state meanwhile.
	units.SetState("ssh.service", "failed")
	go func() {
		defer wg.Done()
		m.Poll(context.Background())
	}()
	<-source.reads
	time.Sleep(20 * time.Millisecond)

	close(client.release)
	wg.Wait()

	got := client.PublishedTo(topic)
	if len(got) == 0 {
		t.Fatal("no publications")
	}
	if last := string(got[len(got)-1].Payload); last != "failed" {
		t.Errorf("last retained state = %q, want %q (publications %+v)", last, "failed", got)
	}
}

func TestUnitMonitor_DisconnectedSkipsPublish(t *testing.T) {
	units := NewMockUnitController()
	client := NewMockMQTTClient()
	client.SetConnected(false)
	m := newTestMonitor(units, client, nil)

	units.SetState("ssh.service", "failed")
	m.Poll(context.Background())

	if n := len(client.GetPublished()); n != 0 {
		t.Errorf("published = %d while disconnected, want 0", n)
	}
	if m.States()["ssh.service"] != "failed" {
		t.Error("state should still be tracked while disconnected")
	}
}

func TestUnitMonitor_StartStop(t *testing.T) {
	units := NewMockUnitController()
	client := NewMockMQTTClient()
	m := newTestMonitor(units, client, nil)
	units.SetState("ssh.service", "active")

	m.Start(context.Background())
	waitFor(t, "initial poll", func() bool { return len(client.GetPublished()) == 1 })

	m.Stop()
	m.Stop() // idempotent
}

func TestNewUnitMonitor_DefaultInterval(t *testing.T) {
	m := NewUnitMonitor(UnitMonitorConfig{})
	if m.interval != defaultMonitorInterval {
		t.Errorf("interval = %v, want %v", m.interval, defaultMonitorInterval)
	}
}
