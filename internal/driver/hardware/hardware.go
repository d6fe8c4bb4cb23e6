// Package hardware implements driver.Driver over a serial line using a
// simple command-response text protocol, with the short post-command
// settling delay real power supplies need before a read-back is
// trustworthy.
//
// No serial transport library appears anywhere in the retrieved example
// corpus; go.bug.st/serial is the de-facto standard choice for portable
// serial I/O in Go and is adopted from the wider ecosystem for that
// reason (see DESIGN.md).
package hardware

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/orbitlab/psuctl/internal/driver"
)

// settleDelay is the pause after a write before a read-back is issued,
// matching the "typically 100 ms" guidance in the capability spec.
const settleDelay = 100 * time.Millisecond

// Config describes how to reach one physical device.
type Config struct {
	Port   string
	Baud   int
	Bounds driver.Bounds
}

// Driver speaks a line-oriented "CMD arg\n" -> "OK value\n" / "ERR msg\n"
// protocol over a serial port. All exported methods assume the caller
// (the Runner) already holds the exclusive driver lock described in the
// capability spec's concurrency model; Driver does not re-acquire any
// lock of its own beyond what's needed to protect the port handle itself
// during Close.
type Driver struct {
	mu     sync.Mutex
	port   serial.Port
	reader *bufio.Reader
	bounds driver.Bounds
}

// Open opens the serial port described by cfg. The returned Driver still
// needs Initialize to bring the device to a known state.
func Open(cfg Config) (*Driver, error) {
	mode := &serial.Mode{BaudRate: cfg.Baud}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, driver.ErrDriverInit)
	}
	return &Driver{
		port:   port,
		reader: bufio.NewReader(port),
		bounds: cfg.Bounds,
	}, nil
}

// Manifest describes this model for the Factory's catalogue. model and
// description are supplied by the factory's config entry. The manifest
// carries no bounds; an instance's bounds are set through Config only.
func Manifest(model, description string) driver.Manifest {
	return driver.Manifest{Model: model, Description: description}
}

func (d *Driver) Initialize(ctx context.Context) error {
	if _, err := d.command(ctx, "INIT"); err != nil {
		return fmt.Errorf("initialize device: %w", driver.ErrDriverInit)
	}
	if _, err := d.command(ctx, "OVP ON"); err != nil {
		return fmt.Errorf("enable over-voltage protection: %w", driver.ErrDriverInit)
	}
	if _, err := d.command(ctx, "OCP ON"); err != nil {
		return fmt.Errorf("enable over-current protection: %w", driver.ErrDriverInit)
	}
	return nil
}

func (d *Driver) OutputEnabled(ctx context.Context) (bool, error) {
	resp, err := d.command(ctx, "OUT?")
	if err != nil {
		return false, fmt.Errorf("read output state: %w", driver.ErrDriverOp)
	}
	return resp == "1" || strings.EqualFold(resp, "ON"), nil
}

func (d *Driver) EnableOutput(ctx context.Context) error {
	if _, err := d.command(ctx, "OUT 1"); err != nil {
		return fmt.Errorf("enable output: %w", driver.ErrDriverOp)
	}
	if _, err := d.command(ctx, "SAV"); err != nil {
		return fmt.Errorf("persist output state: %w", driver.ErrDriverOp)
	}
	return nil
}

func (d *Driver) DisableOutput(ctx context.Context) error {
	if _, err := d.command(ctx, "OUT 0"); err != nil {
		return fmt.Errorf("disable output: %w", driver.ErrDriverOp)
	}
	if _, err := d.command(ctx, "SAV"); err != nil {
		return fmt.Errorf("persist output state: %w", driver.ErrDriverOp)
	}
	return nil
}

func (d *Driver) GetVoltage(ctx context.Context) (string, error) {
	resp, err := d.command(ctx, "VOLT?")
	if err != nil {
		return "", fmt.Errorf("read voltage: %w", driver.ErrDriverOp)
	}
	return normalizeDecimal(resp, 2), nil
}

func (d *Driver) SetVoltage(ctx context.Context, s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse voltage %q: %w", s, err)
	}
	if msg := d.bounds.Voltage.Violation(v); msg != "" {
		return fmt.Errorf("voltage %s %s: %w", s, msg, driver.ErrOutOfBounds)
	}
	if _, err := d.command(ctx, fmt.Sprintf("VOLT %.2f", v)); err != nil {
		return fmt.Errorf("set voltage: %w", driver.ErrDriverOp)
	}
	if _, err := d.command(ctx, "SAV"); err != nil {
		return fmt.Errorf("persist voltage: %w", driver.ErrDriverOp)
	}
	return nil
}

func (d *Driver) GetCurrent(ctx context.Context) (string, error) {
	resp, err := d.command(ctx, "CURR?")
	if err != nil {
		return "", fmt.Errorf("read current: %w", driver.ErrDriverOp)
	}
	return normalizeDecimal(resp, 3), nil
}

func (d *Driver) SetCurrent(ctx context.Context, s string) error {
	c, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse current %q: %w", s, err)
	}
	if msg := d.bounds.Current.Violation(c); msg != "" {
		return fmt.Errorf("current %s %s: %w", s, msg, driver.ErrOutOfBounds)
	}
	if _, err := d.command(ctx, fmt.Sprintf("CURR %.3f", c)); err != nil {
		return fmt.Errorf("set current: %w", driver.ErrDriverOp)
	}
	if _, err := d.command(ctx, "SAV"); err != nil {
		return fmt.Errorf("persist current: %w", driver.ErrDriverOp)
	}
	return nil
}

func (d *Driver) Bounds() driver.Bounds {
	return d.bounds
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port.Close()
}

// command writes one line to the device, waits the settling delay, and
// reads back a single response line. The whole exchange is covered by
// d.mu so Close cannot race a command in flight.
func (d *Driver) command(ctx context.Context, line string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.port.Write([]byte(line + "\n")); err != nil {
		return "", fmt.Errorf("write %q: %w", line, err)
	}

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	resp, err := d.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read response to %q: %w", line, err)
	}
	resp = strings.TrimSpace(resp)
	if strings.HasPrefix(resp, "ERR") {
		return "", fmt.Errorf("device rejected %q: %s", line, resp)
	}
	return strings.TrimSpace(strings.TrimPrefix(resp, "OK")), nil
}

// normalizeDecimal reformats the device's raw numeric reply to the
// precision the wire protocol expects, falling back to the raw string if
// it isn't parseable. No error is reported in that case; the caller gets
// the device's reply unchanged.
func normalizeDecimal(raw string, precision int) string {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}
