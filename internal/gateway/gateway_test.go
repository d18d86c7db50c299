package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/gatewaynode/internal/ble"
	"github.com/chaz8081/gatewaynode/internal/config"
	"github.com/chaz8081/gatewaynode/internal/console"
	"github.com/chaz8081/gatewaynode/internal/crypto"
	"github.com/chaz8081/gatewaynode/internal/model"
	"github.com/chaz8081/gatewaynode/internal/userclient"
)

const (
	sensorMAC   = "78:21:84:87:c5:e6"
	actuatorMAC = "78:21:84:88:1a:0e"
)

var (
	serverKey   = []byte("1234567890123456")
	sensorKey   = []byte("abcdefghijklmnop")
	actuatorKey = []byte("ponmlkjihgfedcba")
)

// fakeChar serves value on Read; writes replace it when echo is set.
type fakeChar struct {
	mu    sync.Mutex
	value []byte
	echo  bool
}

func (c *fakeChar) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...), nil
}

func (c *fakeChar) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.echo {
		c.value = append([]byte(nil), data...)
	}
	return nil
}

type fakeConn struct {
	chars map[string]*fakeChar
}

func (c *fakeConn) DiscoverCharacteristic(_, charUUID string) (ble.Characteristic, error) {
	ch, ok := c.chars[charUUID]
	if !ok {
		return nil, fmt.Errorf("fake: no characteristic %s", charUUID)
	}
	return ch, nil
}

func (c *fakeConn) Disconnect() error { return nil }

// fakeAdapter advertises a sensor and an actuator. Scan blocks for the whole
// window like a real controller.
type fakeAdapter struct {
	nodes map[string]*fakeConn
}

func newFakeAdapter(t *testing.T) *fakeAdapter {
	seal := func(key []byte, pt string) []byte {
		out, err := crypto.Seal(key, []byte(pt))
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		return out
	}
	return &fakeAdapter{nodes: map[string]*fakeConn{
		sensorMAC: {chars: map[string]*fakeChar{
			ble.TemperatureUUID: {value: seal(sensorKey, "23.50;40.10;24.00;")},
			ble.LightUUID:       {value: seal(sensorKey, "500\x00")},
			ble.SleepTimerUUID:  {echo: true},
		}},
		actuatorMAC: {chars: map[string]*fakeChar{
			ble.LEDUUID: {echo: true},
		}},
	}}
}

func (a *fakeAdapter) Enable() error { return nil }

func (a *fakeAdapter) Scan(ctx context.Context, _ string) ([]ble.Device, error) {
	<-ctx.Done()
	return []ble.Device{{MAC: sensorMAC}, {MAC: actuatorMAC}}, nil
}

func (a *fakeAdapter) Connect(_ context.Context, mac string) (ble.Connection, error) {
	conn, ok := a.nodes[mac]
	if !ok {
		return nil, fmt.Errorf("fake: no device %s", mac)
	}
	return conn, nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.ServerKey = serverKey
	cfg.Peripherals = []config.PeripheralConfig{
		{Address: sensorMAC, ID: "1", Kind: model.KindSensor, Key: sensorKey},
		{Address: actuatorMAC, ID: "2", Kind: model.KindActuator, Key: actuatorKey},
	}
	cfg.KeyService.Listen = freeAddr(t)
	cfg.Relay.Listen = freeAddr(t)
	cfg.BLE.ScanDuration = 20 * time.Millisecond
	cfg.BLE.SettleDelay = time.Millisecond
	cfg.Control.PollInterval = 10 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func startGateway(t *testing.T, cfg *config.Config) (context.CancelFunc, <-chan error, *Gateway) {
	t.Helper()
	g, err := New(cfg, newFakeAdapter(t), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	})
	return cancel, done, g
}

// retry calls fn until it succeeds; listeners come up asynchronously.
func retry(t *testing.T, what string, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := fn()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: %v", what, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	startGateway(t, cfg)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var key []byte
	retry(t, "request session key", func() error {
		var err error
		key, err = userclient.RequestSessionKey(ctx, cfg.KeyService.Listen, serverKey, priv)
		return err
	})

	var conn *userclient.Conn
	retry(t, "dial relay", func() error {
		var err error
		conn, err = userclient.Dial(ctx, cfg.Relay.Listen, key)
		return err
	})
	defer conn.Close()

	if !bytes.Contains(conn.Snapshot(), []byte(`"type":"gateway"`)) {
		t.Errorf("snapshot = %s", conn.Snapshot())
	}

	var sawSensor, sawLED bool
	for !sawSensor || !sawLED {
		msg, err := conn.Recv()
		if err != nil {
			t.Fatalf("Recv() error = %v (sensor=%v led=%v)", err, sawSensor, sawLED)
		}
		switch string(msg) {
		case `["1","output-values",["23.50","40.10","24.00","500"]]`:
			sawSensor = true
		case `["2","input-values",["223"]]`:
			sawLED = true
		}
	}

	if err := conn.SetOption("Automatic Light Control", false); err != nil {
		t.Fatalf("SetOption() error = %v", err)
	}
	for {
		msg, err := conn.Recv()
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		if strings.HasPrefix(string(msg), `["options"`) {
			if want := `["options",{"Automatic Light Control":false}]`; string(msg) != want {
				t.Errorf("options update = %s, want %s", msg, want)
			}
			break
		}
	}
}

func TestQuitEventStopsGateway(t *testing.T) {
	_, done, g := startGateway(t, testConfig(t))

	g.Events().Push(console.Event{Kind: console.EventQuit})

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after quit")
	}
}

func TestBindFailureIsolated(t *testing.T) {
	cfg := testConfig(t)
	busy, err := net.Listen("tcp", cfg.Relay.Listen)
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer busy.Close()

	_, _, g := startGateway(t, cfg)

	// The relay cannot bind, but the link engine and coordinator keep working.
	deadline := time.Now().Add(5 * time.Second)
	for {
		vals, err := g.Store().NodeField("2", model.FieldInputValues)
		if err != nil {
			t.Fatalf("NodeField() error = %v", err)
		}
		if vals[0] == "223" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("LED value = %q, want 223", vals[0])
		}
		time.Sleep(10 * time.Millisecond)
	}
}
