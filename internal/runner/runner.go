// Package runner implements the per-instance state machine that owns a
// driver and a bus connection: Booting, Running, Panicking. Modeled on
// the compute backends' instance-state-machine style (see
// pkg/compute/vm.Instance's state transitions) but specialized to the
// three-state, non-reversible lifecycle a power-supply instance follows.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/orbitlab/psuctl/internal/driver"
	"github.com/orbitlab/psuctl/internal/payload"
	"github.com/orbitlab/psuctl/internal/topics"
	"github.com/orbitlab/psuctl/pkg/concurrency"
	"github.com/orbitlab/psuctl/pkg/logger"
	"github.com/orbitlab/psuctl/pkg/messaging"
)

// panicBackoff is the idle sleep between status checks while Panicking,
// preventing a hot loop once the state machine has given up on the device.
const panicBackoff = time.Second

// Runner drives one instance: it owns the driver exclusively, subscribes
// to that instance's command topics, and publishes retained authoritative
// state. A Runner is created once per configured device and lives for the
// server's lifetime; it is never re-created.
type Runner struct {
	namespace string
	algebra   *topics.Algebra
	drv       driver.Driver
	broker    messaging.Broker

	driverMu sync.Mutex // serializes every driver.Driver call (I5)

	statusMu sync.RWMutex
	status   payload.StatusCode

	log *slog.Logger
}

// New constructs a Runner for one instance. It does not start the boot
// sequence; call Run for that.
func New(namespace, instance string, drv driver.Driver, broker messaging.Broker) *Runner {
	return &Runner{
		namespace: namespace,
		algebra:   topics.New(namespace, instance),
		drv:       drv,
		broker:    broker,
		status:    payload.Booting,
		log:       logger.L().With("instance", instance, "namespace", namespace),
	}
}

// Instance returns the instance name this Runner was created for.
func (r *Runner) Instance() string {
	return r.algebra.Instance()
}

// Status returns the Runner's current lifecycle state.
func (r *Runner) Status() payload.StatusCode {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// Run executes the boot sequence and then the Running event loop. It
// returns at once if the command topics cannot be subscribed, and
// otherwise blocks until ctx is cancelled or its command consumers stop;
// a transition to Panicking does not make Run return, since the Runner
// must remain alive to keep publishing its retained status and error
// topics (spec invariant: Panicking is absorbing but not terminal).
func (r *Runner) Run(ctx context.Context) error {
	stateCmd, voltageCmd, currentCmd, err := r.subscribeCommandTopics()
	if err != nil {
		return fmt.Errorf("subscribe command topics: %w", err)
	}
	defer stateCmd.Close()
	defer voltageCmd.Close()
	defer currentCmd.Close()

	if err := r.boot(ctx); err != nil {
		r.log.Error("boot failed, entering panicking", "error", err)
		r.panicking(ctx, err)
		return r.drainWhilePanicking(ctx, stateCmd, voltageCmd, currentCmd)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	concurrency.SafeGo(ctx, func() {
		defer wg.Done()
		r.dispatchLoop(ctx, stateCmd, r.handleStateCmd)
	})
	concurrency.SafeGo(ctx, func() {
		defer wg.Done()
		r.dispatchLoop(ctx, voltageCmd, r.handleVoltageCmd)
	})
	concurrency.SafeGo(ctx, func() {
		defer wg.Done()
		r.dispatchLoop(ctx, currentCmd, r.handleCurrentCmd)
	})
	wg.Wait()
	return ctx.Err()
}

// subscribeCommandTopics subscribes to all three command topics before
// initialize() runs, so the broker begins buffering commands that arrive
// during Booting; dispatchLoop only starts draining those buffers once
// Run reaches the Running event loop.
func (r *Runner) subscribeCommandTopics() (stateCmd, voltageCmd, currentCmd messaging.Consumer, err error) {
	stateCmd, err = r.broker.Consumer(r.algebra.Topic(topics.StateCmd), "")
	if err != nil {
		return nil, nil, nil, err
	}
	voltageCmd, err = r.broker.Consumer(r.algebra.Topic(topics.VoltageCmd), "")
	if err != nil {
		stateCmd.Close()
		return nil, nil, nil, err
	}
	currentCmd, err = r.broker.Consumer(r.algebra.Topic(topics.CurrentCmd), "")
	if err != nil {
		stateCmd.Close()
		voltageCmd.Close()
		return nil, nil, nil, err
	}
	return stateCmd, voltageCmd, currentCmd, nil
}

// boot runs the §4.5 boot sequence: publish Booting, initialize the
// driver, clamp and republish voltage/current/state, publish Running.
func (r *Runner) boot(ctx context.Context) error {
	r.publishStatus(ctx, payload.Booting, "")

	r.driverMu.Lock()
	initErr := r.drv.Initialize(ctx)
	r.driverMu.Unlock()
	if initErr != nil {
		return fmt.Errorf("%w: %v", driver.ErrDriverInit, initErr)
	}

	if err := r.republishOutputState(ctx); err != nil {
		return err
	}
	if err := r.clampAndRepublish(ctx, clampVoltage); err != nil {
		return err
	}
	if err := r.clampAndRepublish(ctx, clampCurrent); err != nil {
		return err
	}

	r.setStatus(payload.Running)
	r.publishStatus(ctx, payload.Running, "")
	return nil
}

func (r *Runner) republishOutputState(ctx context.Context) error {
	r.driverMu.Lock()
	enabled, err := r.drv.OutputEnabled(ctx)
	r.driverMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", driver.ErrDriverInit, err)
	}
	state := payload.OFF
	if enabled {
		state = payload.ON
	}
	return r.publish(ctx, topics.State, payload.AsPowerStateResponse(state, ""), true)
}

// channel selects which half of the driver (voltage or current) a clamp
// pass operates on, letting boot share one clampAndRepublish routine for
// both.
type channel struct {
	get    func(context.Context, driver.Driver) (string, error)
	set    func(context.Context, driver.Driver, string) error
	bounds func(driver.Bounds) driver.Bound
	topic  topics.ID
	format func(float64) string
}

var clampVoltage = channel{
	get:    func(ctx context.Context, d driver.Driver) (string, error) { return d.GetVoltage(ctx) },
	set:    func(ctx context.Context, d driver.Driver, s string) error { return d.SetVoltage(ctx, s) },
	bounds: func(b driver.Bounds) driver.Bound { return b.Voltage },
	topic:  topics.Voltage,
	format: func(f float64) string { return fmt.Sprintf("%.2f", f) },
}

var clampCurrent = channel{
	get:    func(ctx context.Context, d driver.Driver) (string, error) { return d.GetCurrent(ctx) },
	set:    func(ctx context.Context, d driver.Driver, s string) error { return d.SetCurrent(ctx, s) },
	bounds: func(b driver.Bounds) driver.Bound { return b.Current },
	topic:  topics.Current,
	format: func(f float64) string { return fmt.Sprintf("%.3f", f) },
}

func (r *Runner) clampAndRepublish(ctx context.Context, ch channel) error {
	r.driverMu.Lock()
	raw, err := ch.get(ctx, r.drv)
	if err != nil {
		r.driverMu.Unlock()
		return fmt.Errorf("%w: %v", driver.ErrDriverInit, err)
	}

	value, parseErr := parseFloat(raw)
	if parseErr == nil {
		bound := ch.bounds(r.drv.Bounds())
		if clamped, changed := bound.Clamp(value); changed {
			clampedStr := ch.format(clamped)
			if err := ch.set(ctx, r.drv, clampedStr); err != nil {
				r.driverMu.Unlock()
				return fmt.Errorf("%w: %v", driver.ErrDriverInit, err)
			}
			raw = clampedStr
		}
	}
	r.driverMu.Unlock()

	switch ch.topic {
	case topics.Voltage:
		return r.publish(ctx, topics.Voltage, payload.AsVoltageResponse(raw, ""), true)
	default:
		return r.publish(ctx, topics.Current, payload.AsCurrentResponse(raw, ""), true)
	}
}

// dispatchLoop drains one command consumer for the lifetime of the
// Runner, applying handle to every message that arrives. A malformed or
// semantically invalid command is logged and dropped per §4.5's edge
// case policy; it never stops the loop. A driver error transitions the
// Runner to Panicking and the loop keeps running (it simply stops
// producing effects, since handle checks Status() first).
func (r *Runner) dispatchLoop(ctx context.Context, c messaging.Consumer, handle func(context.Context, *messaging.Message)) {
	err := c.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
		handle(ctx, msg)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		r.log.Warn("command dispatch loop exited", "error", err)
	}
}

func (r *Runner) handleStateCmd(ctx context.Context, msg *messaging.Message) {
	if r.Status() == payload.Panicking {
		r.idlePanicking(ctx)
		return
	}

	cmd, err := payload.DecodePowerState(msg.Payload)
	if err != nil {
		r.log.Info("malformed state command ignored", "error", err)
		return
	}
	if !cmd.State.Valid() {
		r.log.Info("state command with invalid state ignored", "state", cmd.State)
		return
	}

	r.driverMu.Lock()
	var opErr error
	if cmd.State == payload.ON {
		opErr = r.drv.EnableOutput(ctx)
	} else {
		opErr = r.drv.DisableOutput(ctx)
	}
	var enabled bool
	if opErr == nil {
		enabled, opErr = r.drv.OutputEnabled(ctx)
	}
	r.driverMu.Unlock()

	if opErr != nil {
		r.failDriverOp(ctx, opErr)
		return
	}

	state := payload.OFF
	if enabled {
		state = payload.ON
	}
	r.publish(ctx, topics.State, payload.AsPowerStateResponse(state, cmd.PzaID), true)
}

func (r *Runner) handleVoltageCmd(ctx context.Context, msg *messaging.Message) {
	if r.Status() == payload.Panicking {
		r.idlePanicking(ctx)
		return
	}

	cmd, err := payload.DecodeVoltage(msg.Payload)
	if err != nil {
		r.log.Info("malformed voltage command ignored", "error", err)
		return
	}

	r.driverMu.Lock()
	setErr := r.drv.SetVoltage(ctx, cmd.Voltage)
	var readback string
	var readErr error
	if setErr == nil {
		readback, readErr = r.drv.GetVoltage(ctx)
	}
	r.driverMu.Unlock()

	if setErr != nil && isOutOfBounds(setErr) {
		r.publishError(ctx, setErr.Error(), cmd.PzaID)
		return
	}
	if setErr != nil {
		r.failDriverOp(ctx, setErr)
		return
	}
	if readErr != nil {
		r.failDriverOp(ctx, readErr)
		return
	}

	r.publish(ctx, topics.Voltage, payload.AsVoltageResponse(readback, cmd.PzaID), true)
}

func (r *Runner) handleCurrentCmd(ctx context.Context, msg *messaging.Message) {
	if r.Status() == payload.Panicking {
		r.idlePanicking(ctx)
		return
	}

	cmd, err := payload.DecodeCurrent(msg.Payload)
	if err != nil {
		r.log.Info("malformed current command ignored", "error", err)
		return
	}

	r.driverMu.Lock()
	setErr := r.drv.SetCurrent(ctx, cmd.Current)
	var readback string
	var readErr error
	if setErr == nil {
		readback, readErr = r.drv.GetCurrent(ctx)
	}
	r.driverMu.Unlock()

	if setErr != nil && isOutOfBounds(setErr) {
		r.publishError(ctx, setErr.Error(), cmd.PzaID)
		return
	}
	if setErr != nil {
		r.failDriverOp(ctx, setErr)
		return
	}
	if readErr != nil {
		r.failDriverOp(ctx, readErr)
		return
	}

	r.publish(ctx, topics.Current, payload.AsCurrentResponse(readback, cmd.PzaID), true)
}

// failDriverOp transitions to Panicking on a mid-run I/O failure. The
// offending command is not retried and no state topic is republished;
// the bus keeps whatever it last retained.
func (r *Runner) failDriverOp(ctx context.Context, err error) {
	r.setStatus(payload.Panicking)
	r.publishStatus(ctx, payload.Panicking, err.Error())
	r.log.Error("driver operation failed, entering panicking", "error", err)
}

func (r *Runner) panicking(ctx context.Context, err error) {
	r.setStatus(payload.Panicking)
	r.publishStatus(ctx, payload.Panicking, err.Error())
}

// idlePanicking discards the in-flight command and applies the backoff
// sleep that keeps a Panicking Runner from busy-looping while still
// draining its subscriptions (so it doesn't accumulate unbounded
// buffered commands behind it).
func (r *Runner) idlePanicking(ctx context.Context) {
	select {
	case <-time.After(panicBackoff):
	case <-ctx.Done():
	}
}

// drainWhilePanicking keeps consuming (and discarding) command topics
// after a boot failure so the Runner doesn't leave its subscriptions
// unread, without ever touching the driver again.
func (r *Runner) drainWhilePanicking(ctx context.Context, consumers ...messaging.Consumer) error {
	var wg sync.WaitGroup
	for _, c := range consumers {
		c := c
		wg.Add(1)
		concurrency.SafeGo(ctx, func() {
			defer wg.Done()
			c.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
				r.idlePanicking(ctx)
				return nil
			})
		})
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) setStatus(s payload.StatusCode) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.status = s
}

func (r *Runner) publishStatus(ctx context.Context, code payload.StatusCode, message string) {
	r.publish(ctx, topics.Status, payload.AsStatusResponse(code, message), true)
}

func (r *Runner) publishError(ctx context.Context, message, pzaID string) {
	r.publish(ctx, topics.Error, payload.AsErrorResponse(message, pzaID), false)
}

func (r *Runner) publish(ctx context.Context, id topics.ID, body any, retain bool) error {
	raw, err := payload.Encode(body)
	if err != nil {
		r.log.Error("failed to encode payload", "topic_id", id.String(), "error", err)
		return err
	}

	producer, err := r.broker.Producer(r.algebra.Topic(id))
	if err != nil {
		r.log.Warn("failed to create producer", "topic_id", id.String(), "error", err)
		return err
	}
	defer producer.Close()

	if err := producer.Publish(ctx, &messaging.Message{
		Topic:   r.algebra.Topic(id),
		Payload: raw,
		Retain:  retain,
	}); err != nil {
		r.log.Warn("publish failed", "topic_id", id.String(), "error", err)
		return err
	}
	return nil
}

func isOutOfBounds(err error) bool {
	return errors.Is(err, driver.ErrOutOfBounds)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
