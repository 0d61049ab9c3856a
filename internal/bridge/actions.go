package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/systemctl-mqtt/internal/systemd"
)

// Action sources recorded in history and metrics.
const (
	SourceMQTT = "mqtt"
	SourceAPI  = "api"
)

// Action statuses recorded in history.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Unit commands accepted for controlled units.
var unitCommands = []string{"start", "stop", "restart"}

// Action is a command reachable through an MQTT topic.
type Action struct {
	// Name is the topic suffix, e.g. "poweroff" or "unit/system/ssh.service/restart".
	Name string `json:"name"`

	// Topic is the full command topic.
	Topic string `json:"topic"`

	// Description is a short human-readable summary.
	Description string `json:"description"`

	run func(ctx context.Context) error
}

// ActionRecord describes one finished action.
type ActionRecord struct {
	Action   string
	Topic    string
	Source   string
	Status   string
	Error    string
	Duration time.Duration
}

// registerActions builds the action table from the options.
func (b *Bridge) registerActions() {
	b.actions = make(map[string]*Action)
	b.actionsByName = make(map[string]*Action)

	add := func(name, description string, run func(ctx context.Context) error) {
		a := &Action{
			Name:        name,
			Topic:       b.opts.Topics.Join(name),
			Description: description,
			run:         run,
		}
		b.actions[a.Topic] = a
		b.actionsByName[a.Name] = a
		b.orderedActions = append(b.orderedActions, a)
	}

	add(mqtt.SuffixPoweroff, "Schedule a poweroff", b.scheduleShutdown(systemd.ShutdownPoweroff))
	add(mqtt.SuffixReboot, "Schedule a reboot", b.scheduleShutdown(systemd.ShutdownReboot))
	add(mqtt.SuffixSuspend, "Suspend the system", b.login.Suspend)
	add(mqtt.SuffixLockAllSessions, "Lock all sessions", b.login.LockSessions)

	for _, unit := range b.opts.ControlUnits {
		for _, command := range unitCommands {
			add(mqtt.UnitSuffix(unit, command),
				fmt.Sprintf("%s %s", strings.ToUpper(command[:1])+command[1:], unit),
				b.unitCommand(unit, command))
		}
	}
}

// Actions returns the registered actions in registration order.
func (b *Bridge) Actions() []Action {
	out := make([]Action, 0, len(b.orderedActions))
	for _, a := range b.orderedActions {
		out = append(out, *a)
	}
	return out
}

// scheduleShutdown returns an action that schedules a poweroff or reboot
// PoweroffDelay from now and then logs any shutdown inhibitors.
func (b *Bridge) scheduleShutdown(action string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		at := b.opts.Now().Add(b.opts.PoweroffDelay)
		b.logInfo("scheduling shutdown", "action", action, "at", at.Format(time.RFC3339))

		err := b.login.ScheduleShutdown(ctx, action, at)
		if errors.Is(err, systemd.ErrUnauthorized) {
			b.logError(fmt.Sprintf("failed to schedule %s: unauthorized; missing polkit authorization rules?", action), err)
		}

		b.logShutdownInhibitors(ctx)
		return err
	}
}

// logShutdownInhibitors logs every inhibitor lock that covers shutdown.
func (b *Bridge) logShutdownInhibitors(ctx context.Context) {
	inhibitors, err := b.login.ListInhibitors(ctx)
	if err != nil {
		b.logWarn("failed to list inhibitor locks", "error", err)
		return
	}

	found := false
	for _, in := range inhibitors {
		if !slices.Contains(strings.Split(in.What, ":"), "shutdown") {
			continue
		}
		found = true
		b.logDebug("detected shutdown inhibitor",
			"who", in.Who, "why", in.Why, "mode", in.Mode, "uid", in.UID, "pid", in.PID)
	}
	if !found {
		b.logDebug("no shutdown inhibitor locks found")
	}
}

// unitCommand returns an action running command on unit.
func (b *Bridge) unitCommand(unit, command string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		switch command {
		case "start":
			return b.units.StartUnit(ctx, unit)
		case "stop":
			return b.units.StopUnit(ctx, unit)
		default:
			return b.units.RestartUnit(ctx, unit)
		}
	}
}

// handleMessage processes a message on a command topic.
// Retained messages never trigger an action.
func (b *Bridge) handleMessage(msg Message) {
	b.logDebug("received message", "topic", msg.Topic, "payload", string(msg.Payload))

	action, ok := b.actions[msg.Topic]
	if !ok {
		b.logWarn("no action registered for topic", "topic", msg.Topic)
		return
	}

	if msg.Retained {
		b.counters.ignored.Add(1)
		b.logInfo("ignoring retained message", "topic", msg.Topic)
		return
	}

	if !b.beginAction() {
		b.logWarn("bridge stopped, dropping action", "action", action.Name)
		return
	}
	go func() {
		defer b.wg.Done()
		_ = b.execute(b.ctx, action, SourceMQTT) //nolint:errcheck // logged in execute
	}()
}

// ExecuteAction runs the named action synchronously.
//
// Parameters:
//   - ctx: Caller context; the action is also cancelled when the bridge stops
//   - name: Action name as returned by Actions
//
// Returns:
//   - error: ErrUnknownAction, ErrStopped, or the action's error
func (b *Bridge) ExecuteAction(ctx context.Context, name string) error {
	action, ok := b.actionsByName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}

	if !b.beginAction() {
		return ErrStopped
	}
	defer b.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	return b.execute(ctx, action, SourceAPI)
}

// execute runs an action with the action timeout and records the outcome.
func (b *Bridge) execute(ctx context.Context, action *Action, source string) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.ActionTimeout)
	defer cancel()

	b.logDebug("executing action "+action.Name, "action", action.Name, "source", source)
	start := time.Now()
	err := action.run(ctx)
	duration := time.Since(start)

	rec := ActionRecord{
		Action:   action.Name,
		Topic:    action.Topic,
		Source:   source,
		Status:   StatusCompleted,
		Duration: duration,
	}
	b.counters.executed.Add(1)
	if err != nil {
		b.counters.failed.Add(1)
		rec.Status = StatusFailed
		rec.Error = err.Error()
		b.logError("action failed", err, "action", action.Name, "source", source)
	} else {
		b.logDebug("completed action "+action.Name, "action", action.Name, "duration_ms", duration.Milliseconds())
	}

	if b.metrics != nil {
		b.metrics.WriteActionMetric(action.Name, source, err == nil, duration)
	}
	if b.history != nil {
		// Recorded even when ctx has expired.
		recordCtx, recordCancel := context.WithTimeout(context.WithoutCancel(ctx), startupTimeout)
		if recErr := b.history.RecordAction(recordCtx, rec); recErr != nil {
			b.logWarn("failed to record action", "action", action.Name, "error", recErr)
		}
		recordCancel()
	}

	return err
}
