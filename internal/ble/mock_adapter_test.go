package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// mockCharacteristic serves a fixed value and records writes.
type mockCharacteristic struct {
	mu       sync.Mutex
	value    []byte
	readErr  error
	writeErr error
	echo     bool // a successful Write replaces value
	reads    int
	writes   [][]byte
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]byte(nil), c.value...), nil
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	if c.echo {
		c.value = cp
	}
	return nil
}

func (c *mockCharacteristic) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *mockCharacteristic) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// mockConnection simulates a connected node.
type mockConnection struct {
	mu           sync.Mutex
	chars        map[string]*mockCharacteristic
	discoverErr  error
	disconnected bool
}

func newMockConnection(chars map[string]*mockCharacteristic) *mockConnection {
	return &mockConnection{chars: chars}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	if serviceUUID != ServiceUUID {
		return nil, fmt.Errorf("mock: unknown service UUID %q", serviceUUID)
	}
	ch, ok := c.chars[charUUID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
	return ch, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// mockAdapter simulates the BLE adapter. nodes maps an advertised address to
// the connection handed out for it.
type mockAdapter struct {
	mu         sync.Mutex
	enableErr  error
	scanErr    error
	advertised []Device
	nodes      map[string]*mockConnection
	connectErr map[string]error
	scans      int
	connects   []string
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		nodes:      make(map[string]*mockConnection),
		connectErr: make(map[string]error),
	}
}

// addNode advertises mac and serves chars on connect.
func (a *mockAdapter) addNode(mac string, chars map[string]*mockCharacteristic) *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn := newMockConnection(chars)
	a.nodes[normalizeAddress(mac)] = conn
	a.advertised = append(a.advertised, Device{Name: "node", MAC: mac, RSSI: -60})
	return conn
}

func (a *mockAdapter) Enable() error { return a.enableErr }

func (a *mockAdapter) Scan(_ context.Context, _ string) ([]Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scans++
	if a.scanErr != nil {
		return nil, a.scanErr
	}
	return append([]Device(nil), a.advertised...), nil
}

func (a *mockAdapter) Connect(_ context.Context, mac string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects = append(a.connects, mac)
	if err := a.connectErr[normalizeAddress(mac)]; err != nil {
		return nil, err
	}
	conn, ok := a.nodes[normalizeAddress(mac)]
	if !ok {
		return nil, fmt.Errorf("mock: no device %s", mac)
	}
	return conn, nil
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.connects)
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
