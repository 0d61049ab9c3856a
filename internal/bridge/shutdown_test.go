package bridge

import (
	"errors"
	"testing"
	"time"
)

func TestPrepareForShutdown_LockLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	locks := env.login.Locks()
	if len(locks) != 1 {
		t.Fatalf("locks after start = %d, want 1", len(locks))
	}

	// Shutdown begins: publish "true", then release the lock.
	env.login.events <- true
	waitFor(t, "lock release", func() bool { return locks[0].Released() == 1 })

	got := env.mqtt.PublishedTo("systemctl/host/preparing-for-shutdown")
	if last := got[len(got)-1]; string(last.Payload) != "true" || !last.Retained {
		t.Errorf("last publication = %q retained=%v, want \"true\" retained", last.Payload, last.Retained)
	}
	if env.bridge.Snapshot().ShutdownLockHeld {
		t.Error("lock still held after PrepareForShutdown(true)")
	}

	// Shutdown cancelled: publish "false" and take a new lock.
	env.login.events <- false
	waitFor(t, "lock re-acquired", func() bool { return len(env.login.Locks()) == 2 })

	got = env.mqtt.PublishedTo("systemctl/host/preparing-for-shutdown")
	if last := got[len(got)-1]; string(last.Payload) != "false" {
		t.Errorf("last publication = %q, want \"false\"", last.Payload)
	}
	if !env.bridge.Snapshot().ShutdownLockHeld {
		t.Error("lock not held after PrepareForShutdown(false)")
	}

	env.metrics.mu.Lock()
	shutdown := append([]bool(nil), env.metrics.shutdown...)
	env.metrics.mu.Unlock()
	if len(shutdown) != 2 || !shutdown[0] || shutdown[1] {
		t.Errorf("shutdown metrics = %v, want [true false]", shutdown)
	}
}

func TestPrepareForShutdown_LockDisabled(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.ShutdownLock = false })
	env.start(t)

	env.login.events <- true
	waitFor(t, "publication", func() bool {
		got := env.mqtt.PublishedTo("systemctl/host/preparing-for-shutdown")
		return len(got) == 2
	})

	if n := len(env.login.Locks()); n != 0 {
		t.Errorf("locks = %d, want 0", n)
	}
}

func TestOnConnect_StaleReadDoesNotOverwriteSignal(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.ShutdownLock = false })
	env.start(t)
	topic := "systemctl/host/preparing-for-shutdown"

	entered := make(chan struct{})
	release := make(chan struct{})
	env.login.setReadHook(func() {
		close(entered)
		<-release
	})

	// The reconnect reads "false" and stalls before publishing it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.bridge.OnConnect()
	}()
	<-entered

	// The shutdown signal arrives meanwhile.
	env.login.events <- true
	time.Sleep(20 * time.Millisecond)

	close(release)
	<-done
	waitFor(t, "signal publication", func() bool {
		got := env.mqtt.PublishedTo(topic)
		for _, p := range got {
			if string(p.Payload) == "true" {
				return true
			}
		}
		return false
	})

	got := env.mqtt.PublishedTo(topic)
	if last := string(got[len(got)-1].Payload); last != "true" {
		t.Errorf("last retained value = %q, want \"true\" (publications %+v)", last, got)
	}
}

func TestOnConnect_NoLockWhilePreparing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.login.preparing = true
	env.start(t)

	if n := len(env.login.Locks()); n != 0 {
		t.Errorf("locks = %d, want 0 while preparing for shutdown", n)
	}
	got := env.mqtt.PublishedTo("systemctl/host/preparing-for-shutdown")
	if len(got) != 1 || string(got[0].Payload) != "true" {
		t.Errorf("publications = %+v, want single \"true\"", got)
	}
}

func TestAcquireShutdownLock_Error(t *testing.T) {
	env := newTestEnv(t, nil)
	env.login.inhibitErr = errors.New("inhibit failed")
	env.start(t)

	if env.bridge.Snapshot().ShutdownLockHeld {
		t.Error("lock reported held after Inhibit failure")
	}
	if !env.logger.has("error", "failed to acquire shutdown lock") {
		t.Error("expected Inhibit failure to be logged")
	}
}

func TestPublishPreparingForShutdown_Disconnected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mqtt.SetConnected(false)

	env.bridge.publishPreparingForShutdown(true)

	if !env.logger.has("warn", "failed to publish preparing-for-shutdown") {
		t.Error("expected publish failure to be logged")
	}
}

func TestWatchShutdown_ClosedChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	close(env.login.events)

	// Stop must not block on the watcher.
	env.bridge.Stop()
}
