// Package gateway wires the workers together and runs them until shutdown.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/gatewaynode/internal/ble"
	"github.com/chaz8081/gatewaynode/internal/config"
	"github.com/chaz8081/gatewaynode/internal/console"
	"github.com/chaz8081/gatewaynode/internal/coordinator"
	"github.com/chaz8081/gatewaynode/internal/keyservice"
	"github.com/chaz8081/gatewaynode/internal/metrics"
	"github.com/chaz8081/gatewaynode/internal/model"
	"github.com/chaz8081/gatewaynode/internal/queue"
	"github.com/chaz8081/gatewaynode/internal/relay"
	"github.com/chaz8081/gatewaynode/internal/session"
	"github.com/chaz8081/gatewaynode/internal/state"
)

// Gateway holds the shared state and every worker.
type Gateway struct {
	store  *state.Store
	slot   *session.Slot
	events *queue.Queue[console.Event]

	engine *ble.Engine
	keys   *keyservice.Service
	relay  *relay.Service
	coord  *coordinator.Coordinator
}

// New builds a gateway from a validated config. m may be nil.
func New(cfg *config.Config, adapter ble.Adapter, m *metrics.Metrics) (*Gateway, error) {
	peripherals := cfg.PeripheralModels()
	store, err := state.NewStore(peripherals, cfg.Control.Options)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	q := coordinator.Queues{
		Readings: queue.New[model.Reading](),
		Inbound:  queue.New[relay.Inbound](),
		Events:   queue.New[console.Event](),
		Commands: queue.New[model.Command](),
		Updates:  queue.New[[]byte](),
	}
	slot := session.NewSlot()

	return &Gateway{
		store:  store,
		slot:   slot,
		events: q.Events,
		engine: ble.NewEngine(adapter, peripherals, q.Commands, q.Readings, m, ble.Options{
			ScanDuration: cfg.BLE.ScanDuration,
			ReadAttempts: cfg.BLE.ReadAttempts,
			SettleDelay:  cfg.BLE.SettleDelay,
		}),
		keys: keyservice.New(keyservice.Options{
			Listen:           cfg.KeyService.Listen,
			HandshakeTimeout: cfg.KeyService.HandshakeTimeout,
		}, cfg.ServerKey, slot, m),
		relay: relay.New(cfg.Relay.Listen, slot, store, q.Updates, q.Inbound, m),
		coord: coordinator.New(store, slot, q, m, coordinator.Options{
			LightSensor:  cfg.Control.LightSensor,
			Actuator:     cfg.Control.Actuator,
			PollInterval: cfg.Control.PollInterval,
		}),
	}, nil
}

// Events is the queue console input is pushed to.
func (g *Gateway) Events() *queue.Queue[console.Event] {
	return g.events
}

// Store returns the shared gateway state.
func (g *Gateway) Store() *state.Store {
	return g.store
}

// Run starts the link engine, key service and relay, then runs the
// coordinator. It returns after a quit event or ctx cancellation, once every
// worker has stopped. A worker that fails is logged; the others keep running.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				slog.Error("[MAIN] worker stopped", "worker", name, "error", err)
			}
		}()
	}

	start("link engine", g.engine.Run)
	start("session key service", g.keys.Run)
	start("relay service", g.relay.Run)

	slog.Info("[MAIN] gateway running")
	err := g.coord.Run(ctx)

	slog.Info("[MAIN] shutting down")
	cancel()
	wg.Wait()
	slog.Info("[MAIN] all workers stopped")
	return err
}
