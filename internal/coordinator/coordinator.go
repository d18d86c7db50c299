// Package coordinator is the gateway's main loop. It applies node readings
// and user messages to the state store, runs the automatic light control rule,
// and fans updates out to the user session.
package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/chaz8081/gatewaynode/internal/console"
	"github.com/chaz8081/gatewaynode/internal/metrics"
	"github.com/chaz8081/gatewaynode/internal/model"
	"github.com/chaz8081/gatewaynode/internal/queue"
	"github.com/chaz8081/gatewaynode/internal/relay"
	"github.com/chaz8081/gatewaynode/internal/session"
	"github.com/chaz8081/gatewaynode/internal/state"
	"github.com/chaz8081/gatewaynode/internal/wire"
)

// Options configures the coordinator.
type Options struct {
	LightSensor  string        // node whose light level drives the LED
	Actuator     string        // node that receives the LED command
	PollInterval time.Duration // upper bound between source checks (default 100ms)
}

// Queues groups the channels between the coordinator and the other workers.
type Queues struct {
	Readings *queue.Queue[model.Reading] // from the link engine
	Inbound  *queue.Queue[relay.Inbound] // from the relay reader
	Events   *queue.Queue[console.Event] // from the operator console
	Commands *queue.Queue[model.Command] // to the link engine
	Updates  *queue.Queue[[]byte]        // to the relay
}

// Coordinator owns every write to the state store.
type Coordinator struct {
	store   *state.Store
	slot    *session.Slot
	q       Queues
	metrics *metrics.Metrics
	opts    Options
}

// New creates a coordinator. m may be nil.
func New(store *state.Store, slot *session.Slot, q Queues, m *metrics.Metrics, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Coordinator{store: store, slot: slot, q: q, metrics: m, opts: opts}
}

// LEDLevel maps a light reading (0-4095) to an LED value: 254 - floor(light *
// 0.0622), clamped to 0..254.
func LEDLevel(light float64) int {
	led := 254 - int(math.Floor(light*0.0622))
	return max(0, min(254, led))
}

// Run processes the three sources until a quit event arrives or ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		if c.step() {
			slog.Info("[MAIN] quit requested")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.q.Readings.Notify():
		case <-c.q.Inbound.Notify():
		case <-c.q.Events.Notify():
		}
	}
}

// step drains every source once. It reports whether the operator asked to quit.
func (c *Coordinator) step() bool {
	for _, ev := range c.q.Events.Drain() {
		if c.handleEvent(ev) {
			return true
		}
	}
	for _, r := range c.q.Readings.Drain() {
		c.handleReading(r)
	}
	for _, in := range c.q.Inbound.Drain() {
		c.handleInbound(in)
	}
	return false
}

func (c *Coordinator) handleReading(r model.Reading) {
	var (
		values   []string
		autoCtrl bool
	)
	err := c.store.WithLock(func(st *state.GatewayState) error {
		ns, ok := st.Nodes[r.NodeID]
		if !ok {
			return fmt.Errorf("unknown node %q", r.NodeID)
		}
		switch r.Kind {
		case model.ReadingOutput:
			copy(ns.OutputValues, r.Values)
			values = append([]string(nil), ns.OutputValues...)
		case model.ReadingInputAck:
			if r.Index < 0 || r.Index >= len(ns.InputValues) || len(r.Values) == 0 {
				return fmt.Errorf("input index %d out of range", r.Index)
			}
			ns.InputValues[r.Index] = r.Values[0]
			values = append([]string(nil), ns.InputValues...)
		}
		autoCtrl = st.Options[state.OptionAutomaticLightControl]
		return nil
	})
	if err != nil {
		slog.Warn("[MAIN] reading dropped", "node", r.NodeID, "field", r.Field(), "error", err)
		return
	}
	slog.Info("[MAIN] node update", "node", r.NodeID, "time", r.Time.Unix(), "field", r.Field(), "values", r.Values)

	if autoCtrl && r.Kind == model.ReadingOutput && r.NodeID == c.opts.LightSensor {
		c.autoLight(r)
	}

	if c.slot.Active() {
		c.pushUpdate(wire.EncodeNodeUpdate(r.NodeID, r.Field(), values))
	}
}

func (c *Coordinator) autoLight(r model.Reading) {
	if len(r.Values) <= model.LightIndex {
		slog.Warn("[MAIN] automatic light control: no light value", "node", r.NodeID)
		return
	}
	light, err := strconv.ParseFloat(r.Values[model.LightIndex], 64)
	if err != nil {
		slog.Warn("[MAIN] automatic light control: bad light value", "value", r.Values[model.LightIndex])
		return
	}

	led := LEDLevel(light)
	slog.Info("[MAIN] automatic light control", "light", light, "led", led)
	c.q.Commands.Push(model.Command{NodeID: c.opts.Actuator, Index: 0, Value: strconv.Itoa(led)})
}

func (c *Coordinator) handleInbound(in relay.Inbound) {
	msg, err := wire.ParseUserMessage(in.Payload)
	if err != nil {
		c.metrics.UserMessage("unknown", "invalid")
		slog.Warn("[USER] message dropped", "error", err)
		return
	}

	switch msg.Verb {
	case wire.VerbSetValue:
		sv := msg.SetValue
		if _, err := c.store.NodeField(sv.NodeID, model.FieldInputValues); err != nil {
			c.metrics.UserMessage(msg.Verb, "invalid")
			slog.Warn("[USER] set-value dropped", "node", sv.NodeID, "error", err)
			return
		}
		cmd := model.Command{NodeID: sv.NodeID, Index: sv.Index, Value: sv.Value}
		c.q.Commands.Push(cmd)
		c.metrics.UserMessage(msg.Verb, "ok")
		slog.Info("[USER] command queued", "received", in.Received.Unix(), "command", cmd.String())

	case wire.VerbSetOption:
		so := msg.SetOption
		var options []byte
		err := c.store.WithLock(func(st *state.GatewayState) error {
			st.Options[so.Name] = so.Value
			return nil
		})
		if err == nil {
			options, err = c.store.OptionsJSON()
		}
		if err != nil {
			slog.Error("[USER] set-option", "error", err)
			return
		}
		c.metrics.UserMessage(msg.Verb, "ok")
		slog.Info("[USER] option set", "name", so.Name, "value", so.Value)
		if c.slot.Active() {
			c.pushUpdate(wire.EncodeOptionsUpdate(options))
		}
	}
}

func (c *Coordinator) handleEvent(ev console.Event) (quit bool) {
	switch ev.Kind {
	case console.EventQuit:
		return true
	case console.EventCommand:
		c.q.Commands.Push(ev.Command)
		slog.Info("[MAIN] command queued", "command", ev.Command.String())
	case console.EventShowKey:
		key := c.slot.Key()
		if key == nil {
			slog.Info("[MAIN] no session key issued")
		} else {
			slog.Info("[MAIN] session key", "key", hex.EncodeToString(key), "active", c.slot.Active(), "session", c.slot.ID())
		}
	case console.EventShowState:
		snapshot, err := c.store.SnapshotJSON()
		if err != nil {
			slog.Error("[MAIN] snapshot", "error", err)
			return false
		}
		slog.Info("[MAIN] gateway state", "state", string(snapshot))
	}
	return false
}

func (c *Coordinator) pushUpdate(update []byte, err error) {
	if err != nil {
		slog.Error("[MAIN] encode update", "error", err)
		return
	}
	c.q.Updates.Push(update)
}
