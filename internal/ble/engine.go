package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/gatewaynode/internal/ble/protocol"
	"github.com/chaz8081/gatewaynode/internal/crypto"
	"github.com/chaz8081/gatewaynode/internal/metrics"
	"github.com/chaz8081/gatewaynode/internal/model"
	"github.com/chaz8081/gatewaynode/internal/queue"
)

// Options configures the link engine.
type Options struct {
	ScanDuration time.Duration // scan window per cycle (default 1s)
	ReadAttempts int           // sensor read attempts per connection (default 5)
	SettleDelay  time.Duration // wait between a write and its read-back (default 100ms)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ScanDuration: time.Second,
		ReadAttempts: 5,
		SettleDelay:  100 * time.Millisecond,
	}
}

// Engine owns the BLE adapter. It is the only writer to field nodes and the
// only producer of readings.
type Engine struct {
	adapter     Adapter
	peripherals []model.Peripheral
	commands    *queue.Queue[model.Command]
	readings    *queue.Queue[model.Reading]
	metrics     *metrics.Metrics
	opts        Options

	now   func() time.Time
	sleep func(time.Duration)

	// pending is only touched by the engine goroutine.
	pending []model.Command
}

// NewEngine creates a link engine for the configured peripherals. Commands are
// consumed from commands; readings are pushed to readings. m may be nil.
func NewEngine(adapter Adapter, peripherals []model.Peripheral, commands *queue.Queue[model.Command], readings *queue.Queue[model.Reading], m *metrics.Metrics, opts Options) *Engine {
	def := DefaultOptions()
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = def.ScanDuration
	}
	if opts.ReadAttempts <= 0 {
		opts.ReadAttempts = def.ReadAttempts
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = def.SettleDelay
	}
	return &Engine{
		adapter:     adapter,
		peripherals: peripherals,
		commands:    commands,
		readings:    readings,
		metrics:     m,
		opts:        opts,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Run enables the adapter and services nodes until ctx is cancelled.
// Cancellation is checked between cycles; a cycle in progress runs to the end.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	slog.Info("[BLE] link engine started", "peripherals", len(e.peripherals))

	for ctx.Err() == nil {
		start := time.Now()
		e.cycle(ctx)
		e.metrics.ObserveCycle(time.Since(start).Seconds())
	}

	slog.Info("[BLE] link engine stopped", "pending", len(e.pending))
	return nil
}

// Pending returns a copy of the commands not yet delivered.
func (e *Engine) Pending() []model.Command {
	return append([]model.Command(nil), e.pending...)
}

// cycle runs one scan and visits every discovered peripheral once.
func (e *Engine) cycle(ctx context.Context) {
	e.pending = append(e.pending, e.commands.Drain()...)
	e.metrics.SetPending(len(e.pending))

	seen, err := scanAddresses(ctx, e.adapter, e.opts.ScanDuration)
	if err != nil {
		slog.Warn("[BLE] scan failed", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(e.opts.ScanDuration):
		}
		return
	}
	slog.Debug("[BLE] scan complete", "devices", len(seen))

	for _, p := range e.peripherals {
		if !seen[normalizeAddress(p.Address)] {
			continue
		}

		var err error
		switch p.Kind {
		case model.KindSensor:
			err = e.serviceSensor(ctx, p)
		case model.KindActuator:
			err = e.serviceActuator(ctx, p)
		}
		if err != nil {
			slog.Warn("[BLE] node skipped", "node", p.ID, "error", err)
		}
	}
	e.metrics.SetPending(len(e.pending))
}

func (e *Engine) serviceSensor(ctx context.Context, p model.Peripheral) error {
	conn, err := e.connect(ctx, p)
	if err != nil {
		return err
	}
	defer e.disconnect(conn, p)

	temp, err := discover(conn, p, TemperatureUUID)
	if err != nil {
		return err
	}
	light, err := discover(conn, p, LightUUID)
	if err != nil {
		return err
	}
	sleepTimer, err := discover(conn, p, SleepTimerUUID)
	if err != nil {
		return err
	}

	e.readSensor(p, temp, light)
	e.handleCommands(p, sleepTimer)
	return nil
}

func (e *Engine) serviceActuator(ctx context.Context, p model.Peripheral) error {
	if !e.hasPending(p.ID) {
		return nil
	}

	conn, err := e.connect(ctx, p)
	if err != nil {
		return err
	}
	defer e.disconnect(conn, p)

	led, err := discover(conn, p, LEDUUID)
	if err != nil {
		return err
	}

	e.handleCommands(p, led)
	return nil
}

// readSensor emits at most one OutputReading: the temperature fields followed
// by the light fields from the first attempt where both decrypt. Every attempt
// reads both characteristics.
func (e *Engine) readSensor(p model.Peripheral, temp, light Characteristic) {
	for attempt := 1; attempt <= e.opts.ReadAttempts; attempt++ {
		e.metrics.ReadAttempt()

		tempFields, tempErr := e.readFields(p, temp)
		if tempErr != nil {
			slog.Debug("[BLE] temperature read failed", "node", p.ID, "attempt", attempt, "error", tempErr)
		}
		lightFields, lightErr := e.readFields(p, light)
		if lightErr != nil {
			slog.Debug("[BLE] light read failed", "node", p.ID, "attempt", attempt, "error", lightErr)
		}
		if tempErr != nil || lightErr != nil {
			continue
		}

		values := append(tempFields, lightFields...)
		e.readings.Push(model.NewOutputReading(p.ID, e.now(), values))
		e.metrics.Reading(model.ReadingOutput.String())
		slog.Info("[BLE] sensor reading", "node", p.ID, "values", values, "attempt", attempt)
		return
	}
	slog.Debug("[BLE] no valid sensor reading", "node", p.ID, "attempts", e.opts.ReadAttempts)
}

// handleCommands delivers every pending command for p through ch. A command is
// removed from pending on its first successful write.
func (e *Engine) handleCommands(p model.Peripheral, ch Characteristic) {
	kept := e.pending[:0]
	for _, cmd := range e.pending {
		if cmd.NodeID != p.ID {
			kept = append(kept, cmd)
			continue
		}
		if cmd.Index != 0 {
			slog.Warn("[BLE] command rejected: invalid input index", "node", p.ID, "index", cmd.Index)
			e.metrics.CommandRejected()
			continue
		}
		if !e.deliver(p, ch, cmd) {
			kept = append(kept, cmd)
		}
	}
	// Clear the tail so dropped commands are not retained by the backing array.
	clear(e.pending[len(kept):])
	e.pending = kept
}

// deliver writes cmd and reads the value back. It reports whether the write
// succeeded; a failed read-back still counts as delivered.
func (e *Engine) deliver(p model.Peripheral, ch Characteristic, cmd model.Command) bool {
	sealed, err := crypto.Seal(p.Key, protocol.EncodeField(cmd.Value))
	if err != nil {
		slog.Error("[BLE] seal command", "node", p.ID, "error", err)
		e.metrics.CommandWriteFailed()
		return false
	}
	if err := ch.Write(sealed); err != nil {
		slog.Warn("[BLE] command write failed, will retry", "node", p.ID, "command", cmd.String(), "error", err)
		e.metrics.CommandWriteFailed()
		return false
	}
	e.metrics.CommandDelivered()
	slog.Info("[BLE] command written", "node", p.ID, "command", cmd.String())

	if e.opts.SettleDelay > 0 {
		e.sleep(e.opts.SettleDelay)
	}

	raw, err := ch.Read()
	if err != nil {
		slog.Warn("[BLE] command read-back failed", "node", p.ID, "error", err)
		return true
	}
	pt, err := e.open(p, raw)
	if err != nil {
		slog.Warn("[BLE] command read-back failed", "node", p.ID, "error", err)
		return true
	}

	e.readings.Push(model.NewInputAck(p.ID, e.now(), cmd.Index, protocol.FirstField(pt)))
	e.metrics.Reading(model.ReadingInputAck.String())
	return true
}

func (e *Engine) readFields(p model.Peripheral, ch Characteristic) ([]string, error) {
	raw, err := ch.Read()
	if err != nil {
		return nil, fmt.Errorf("ble: read: %w", err)
	}
	pt, err := e.open(p, raw)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeFields(pt), nil
}

func (e *Engine) open(p model.Peripheral, raw []byte) ([]byte, error) {
	pt, err := crypto.Open(p.Key, raw)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			e.metrics.DecryptFailure(metrics.SourceBLE)
		}
		return nil, err
	}
	return pt, nil
}

func (e *Engine) hasPending(id string) bool {
	for _, cmd := range e.pending {
		if cmd.NodeID == id {
			return true
		}
	}
	return false
}

// connect ignores cancellation of ctx so a shutdown never interrupts a node
// visit half way.
func (e *Engine) connect(ctx context.Context, p model.Peripheral) (Connection, error) {
	conn, err := e.adapter.Connect(context.WithoutCancel(ctx), p.Address)
	if err != nil {
		return nil, &LinkError{Op: "connect", NodeID: p.ID, Err: err}
	}
	slog.Debug("[BLE] connected", "node", p.ID, "mac", p.Address)
	return conn, nil
}

func (e *Engine) disconnect(conn Connection, p model.Peripheral) {
	if err := conn.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect", "node", p.ID, "error", err)
	}
}

func discover(conn Connection, p model.Peripheral, charUUID string) (Characteristic, error) {
	ch, err := conn.DiscoverCharacteristic(ServiceUUID, charUUID)
	if err != nil {
		return nil, &LinkError{Op: "discover", NodeID: p.ID, Err: err}
	}
	return ch, nil
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
