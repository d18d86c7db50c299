package coordinator

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/chaz8081/gatewaynode/internal/console"
	"github.com/chaz8081/gatewaynode/internal/crypto"
	"github.com/chaz8081/gatewaynode/internal/model"
	"github.com/chaz8081/gatewaynode/internal/queue"
	"github.com/chaz8081/gatewaynode/internal/relay"
	"github.com/chaz8081/gatewaynode/internal/session"
	"github.com/chaz8081/gatewaynode/internal/state"
)

type fixture struct {
	store *state.Store
	slot  *session.Slot
	q     Queues
	coord *Coordinator
}

func newFixture(t *testing.T, alc bool) *fixture {
	t.Helper()
	store, err := state.NewStore([]model.Peripheral{
		{Address: "78:21:84:87:c5:e6", ID: "1", Kind: model.KindSensor},
		{Address: "78:21:84:88:1a:0e", ID: "2", Kind: model.KindActuator},
		{Address: "78:21:84:88:1a:0f", ID: "3", Kind: model.KindSensor},
	}, map[string]bool{state.OptionAutomaticLightControl: alc})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	f := &fixture{
		store: store,
		slot:  session.NewSlot(),
		q: Queues{
			Readings: queue.New[model.Reading](),
			Inbound:  queue.New[relay.Inbound](),
			Events:   queue.New[console.Event](),
			Commands: queue.New[model.Command](),
			Updates:  queue.New[[]byte](),
		},
	}
	f.coord = New(f.store, f.slot, f.q, nil, Options{LightSensor: "1", Actuator: "2", PollInterval: 10 * time.Millisecond})
	return f
}

func (f *fixture) startSession(t *testing.T) {
	t.Helper()
	if _, err := f.slot.Issue(crypto.NewSessionKey); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, _, err := f.slot.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
}

func (f *fixture) updates() []string {
	var out []string
	for _, u := range f.q.Updates.Drain() {
		out = append(out, string(u))
	}
	return out
}

func sensorReading(id string, light string) model.Reading {
	return model.NewOutputReading(id, time.Unix(1700000000, 0), []string{"23.50", "40.10", "24.00", light})
}

func TestLEDLevel(t *testing.T) {
	tests := []struct {
		light float64
		want  int
	}{
		{0, 254},
		{100, 248},
		{500, 223},
		{4092, 0},
		{4095, 0},
		{-100, 254},
	}
	for _, tt := range tests {
		if got := LEDLevel(tt.light); got != tt.want {
			t.Errorf("LEDLevel(%v) = %d, want %d", tt.light, got, tt.want)
		}
	}
}

func TestAutomaticLightEndToEnd(t *testing.T) {
	f := newFixture(t, true)
	f.startSession(t)

	f.q.Readings.Push(sensorReading("1", "500"))
	if f.coord.step() {
		t.Fatal("step() reported quit")
	}

	cmds := f.q.Commands.Drain()
	want := []model.Command{{NodeID: "2", Index: 0, Value: "223"}}
	if !reflect.DeepEqual(cmds, want) {
		t.Errorf("commands = %v, want %v", cmds, want)
	}

	updates := f.updates()
	wantUpdate := `["1","output-values",["23.50","40.10","24.00","500"]]`
	if len(updates) != 1 || updates[0] != wantUpdate {
		t.Errorf("updates = %v, want [%s]", updates, wantUpdate)
	}

	got, err := f.store.NodeField("1", model.FieldOutputValues)
	if err != nil {
		t.Fatalf("NodeField() error = %v", err)
	}
	if got[model.LightIndex] != "500" {
		t.Errorf("stored light = %q, want 500", got[model.LightIndex])
	}
}

func TestNoUpdateWithoutSession(t *testing.T) {
	f := newFixture(t, true)

	f.q.Readings.Push(sensorReading("1", "0"))
	f.coord.step()

	if n := f.q.Updates.Len(); n != 0 {
		t.Errorf("updates = %d, want 0 with no session", n)
	}
	cmds := f.q.Commands.Drain()
	if len(cmds) != 1 || cmds[0].Value != "254" {
		t.Errorf("commands = %v, want LED 254", cmds)
	}
}

func TestAutomaticLightDisabled(t *testing.T) {
	f := newFixture(t, false)

	f.q.Readings.Push(sensorReading("1", "500"))
	f.coord.step()

	if n := f.q.Commands.Len(); n != 0 {
		t.Errorf("commands = %d, want 0 with the option off", n)
	}
}

func TestAutomaticLightIgnoresOtherSensors(t *testing.T) {
	f := newFixture(t, true)

	f.q.Readings.Push(sensorReading("3", "500"))
	f.coord.step()

	if n := f.q.Commands.Len(); n != 0 {
		t.Errorf("commands = %d, want 0 for a non-designated sensor", n)
	}
}

func TestAutomaticLightBadValue(t *testing.T) {
	f := newFixture(t, true)

	f.q.Readings.Push(sensorReading("1", "dark"))
	f.q.Readings.Push(model.NewOutputReading("1", time.Now(), []string{"23.50"}))
	f.coord.step()

	if n := f.q.Commands.Len(); n != 0 {
		t.Errorf("commands = %d, want 0", n)
	}
}

func TestInputAck(t *testing.T) {
	f := newFixture(t, true)
	f.startSession(t)

	f.q.Readings.Push(model.NewInputAck("2", time.Now(), 0, "223"))
	f.coord.step()

	got, _ := f.store.NodeField("2", model.FieldInputValues)
	if !reflect.DeepEqual(got, []string{"223"}) {
		t.Errorf("input-values = %v, want [223]", got)
	}
	if updates := f.updates(); len(updates) != 1 || updates[0] != `["2","input-values",["223"]]` {
		t.Errorf("updates = %v", updates)
	}
}

func TestInvalidReadingsDropped(t *testing.T) {
	f := newFixture(t, true)
	f.startSession(t)

	f.q.Readings.Push(model.NewInputAck("2", time.Now(), 3, "1"))
	f.q.Readings.Push(sensorReading("9", "500"))
	f.coord.step()

	if n := f.q.Updates.Len(); n != 0 {
		t.Errorf("updates = %d, want 0", n)
	}
	if n := f.q.Commands.Len(); n != 0 {
		t.Errorf("commands = %d, want 0", n)
	}
}

func TestSetValue(t *testing.T) {
	f := newFixture(t, true)

	f.q.Inbound.Push(relay.Inbound{Received: time.Now(), Payload: []byte(`["set-value","2",0,"128"]`)})
	f.q.Inbound.Push(relay.Inbound{Received: time.Now(), Payload: []byte(`["set-value","1",0,30]`)})
	f.coord.step()

	want := []model.Command{
		{NodeID: "2", Index: 0, Value: "128"},
		{NodeID: "1", Index: 0, Value: "30"},
	}
	if got := f.q.Commands.Drain(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestSetValueUnknownNode(t *testing.T) {
	f := newFixture(t, true)

	f.q.Inbound.Push(relay.Inbound{Received: time.Now(), Payload: []byte(`["set-value","7",0,"1"]`)})
	f.coord.step()

	if n := f.q.Commands.Len(); n != 0 {
		t.Errorf("commands = %d, want 0", n)
	}
}

func TestSetOption(t *testing.T) {
	f := newFixture(t, true)
	f.startSession(t)

	f.q.Inbound.Push(relay.Inbound{Received: time.Now(), Payload: []byte(`["set-option","Automatic Light Control",false]`)})
	f.coord.step()

	if f.store.Option(state.OptionAutomaticLightControl) {
		t.Error("option should be disabled")
	}
	want := `["options",{"Automatic Light Control":false}]`
	if updates := f.updates(); len(updates) != 1 || updates[0] != want {
		t.Errorf("updates = %v, want [%s]", updates, want)
	}

	// The rule follows the new option value.
	f.q.Readings.Push(sensorReading("1", "500"))
	f.coord.step()
	if n := f.q.Commands.Len(); n != 0 {
		t.Errorf("commands = %d, want 0 after disabling the option", n)
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	f := newFixture(t, true)
	f.startSession(t)

	for _, payload := range []string{`not json`, `["reboot"]`, `["set-value","2"]`, `["set-option","x","yes"]`} {
		f.q.Inbound.Push(relay.Inbound{Received: time.Now(), Payload: []byte(payload)})
	}
	f.coord.step()

	if n := f.q.Commands.Len(); n != 0 {
		t.Errorf("commands = %d, want 0", n)
	}
	if n := f.q.Updates.Len(); n != 0 {
		t.Errorf("updates = %d, want 0", n)
	}
}

func TestConsoleEvents(t *testing.T) {
	f := newFixture(t, true)

	f.q.Events.Push(console.Event{Kind: console.EventShowKey})
	f.q.Events.Push(console.Event{Kind: console.EventShowState})
	f.q.Events.Push(console.Event{Kind: console.EventCommand, Command: model.Command{NodeID: "2", Index: 0, Value: "9"}})
	if f.coord.step() {
		t.Fatal("step() reported quit without a quit event")
	}
	if got := f.q.Commands.Drain(); len(got) != 1 || got[0].Value != "9" {
		t.Errorf("commands = %v", got)
	}

	f.startSession(t)
	f.q.Events.Push(console.Event{Kind: console.EventShowKey})
	f.q.Events.Push(console.Event{Kind: console.EventQuit})
	if !f.coord.step() {
		t.Error("step() should report quit")
	}
}

func TestRunReturnsOnQuit(t *testing.T) {
	f := newFixture(t, true)

	done := make(chan error, 1)
	go func() { done <- f.coord.Run(context.Background()) }()

	f.q.Readings.Push(sensorReading("1", "500"))
	f.q.Events.Push(console.Event{Kind: console.EventQuit})

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after quit")
	}
}

func TestRunProcessesUntilCancel(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	f.q.Readings.Push(sensorReading("1", "4092"))
	deadline := time.Now().Add(2 * time.Second)
	for f.q.Commands.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if got := f.q.Commands.Drain(); len(got) != 1 || got[0].Value != "0" {
		t.Errorf("commands = %v, want LED 0", got)
	}
}
