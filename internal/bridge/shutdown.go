package bridge

import (
	"context"
	"strconv"
)

// Inhibitor lock parameters.
const (
	inhibitWhat = "shutdown"
	inhibitWho  = "systemctl-mqtt"
	inhibitWhy  = "Report shutdown via MQTT"
	inhibitMode = "delay"
)

// acquireShutdownLock takes the shutdown delay lock unless it is already held
// or a shutdown is in progress.
func (b *Bridge) acquireShutdownLock(ctx context.Context) {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()

	if b.shutdownLock != nil || b.preparing {
		return
	}

	lock, err := b.login.Inhibit(ctx, inhibitWhat, inhibitWho, inhibitWhy, inhibitMode)
	if err != nil {
		b.logError("failed to acquire shutdown lock", err)
		return
	}
	b.shutdownLock = lock
	b.logDebug("acquired shutdown lock")
}

// releaseShutdownLock releases the delay lock if held.
func (b *Bridge) releaseShutdownLock() {
	b.shutdownMu.Lock()
	lock := b.shutdownLock
	b.shutdownLock = nil
	b.shutdownMu.Unlock()

	if lock == nil {
		return
	}
	if err := lock.Release(); err != nil {
		b.logError("failed to release shutdown lock", err)
		return
	}
	b.logDebug("released shutdown lock")
}

// publishCurrentShutdownState reads PreparingForShutdown from logind and publishes it.
// preparingMu is held across the read and the publication so a signal
// handled meanwhile is published after it.
func (b *Bridge) publishCurrentShutdownState(ctx context.Context) {
	b.preparingMu.Lock()
	defer b.preparingMu.Unlock()

	preparing, err := b.login.PreparingForShutdown(ctx)
	if err != nil {
		b.logWarn("failed to read PreparingForShutdown", "error", err)
		return
	}

	b.shutdownMu.Lock()
	b.preparing = preparing
	b.shutdownMu.Unlock()

	b.publishPreparingForShutdown(preparing)
}

func (b *Bridge) publishPreparingForShutdown(preparing bool) {
	topic := b.opts.Topics.PreparingForShutdown()
	payload := []byte(strconv.FormatBool(preparing))
	if err := b.mqtt.Publish(topic, payload, b.opts.QoS, true); err != nil {
		b.logWarn("failed to publish preparing-for-shutdown", "topic", topic, "error", err)
		return
	}
	b.logDebug("published preparing-for-shutdown", "topic", topic, "value", preparing)
}

// handlePrepareForShutdown reacts to logind's PrepareForShutdown signal.
// The state is published before the delay lock is released.
func (b *Bridge) handlePrepareForShutdown(active bool) {
	b.preparingMu.Lock()
	b.shutdownMu.Lock()
	b.preparing = active
	b.shutdownMu.Unlock()

	if active {
		b.logInfo("system is preparing for shutdown")
	} else {
		b.logInfo("scheduled shutdown was cancelled")
	}

	b.publishPreparingForShutdown(active)
	b.preparingMu.Unlock()

	if b.metrics != nil {
		b.metrics.WriteShutdownState(active)
	}

	if !b.opts.ShutdownLock {
		return
	}
	if active {
		b.releaseShutdownLock()
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, startupTimeout)
	defer cancel()
	b.acquireShutdownLock(ctx)
}

// watchShutdown consumes PrepareForShutdown events until the bridge stops.
func (b *Bridge) watchShutdown(events <-chan bool) {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case active, ok := <-events:
			if !ok {
				return
			}
			b.handlePrepareForShutdown(active)
		}
	}
}
