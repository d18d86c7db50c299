package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// maxValueSize bounds a single characteristic read. Node values are a 12-byte
// nonce, a 16-byte field and a 16-byte tag.
const maxValueSize = 512

// stopRetryInterval paces StopScan retries while a cancelled scan has not
// registered with the host stack yet.
const stopRetryInterval = 10 * time.Millisecond

// hostAdapter is the subset of *bluetooth.Adapter the gateway uses.
type hostAdapter interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
}

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS). On macOS device addresses are CoreBluetooth UUIDs rather than MAC
// addresses; the configured address must use the same form. Characteristic
// I/O differs per platform, see tinygo_linux.go and friends.
type TinyGoAdapter struct {
	adapter hostAdapter

	// scanMu serializes scans; the underlying adapter supports one at a time.
	scanMu sync.Mutex
}

// NewTinyGoAdapter creates an adapter on the system default controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{adapter: bluetooth.DefaultAdapter}
}

func (a *TinyGoAdapter) Enable() error {
	return a.adapter.Enable()
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	var (
		filter    bluetooth.UUID
		hasFilter bool
	)
	if serviceUUID != "" {
		uuid, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter, hasFilter = uuid, true
	}

	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	if ctx.Err() != nil {
		return nil, nil
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go a.stopOnCancel(ctx, done)

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if hasFilter && !result.HasServiceUUID(filter) {
			return
		}
		mac := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{
			Name: result.LocalName(),
			MAC:  mac,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

// stopOnCancel stops the running scan once ctx is done. StopScan fails while
// the host stack has not started scanning, so it is retried until Scan returns.
func (a *TinyGoAdapter) stopOnCancel(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}

	ticker := time.NewTicker(stopRetryInterval)
	defer ticker.Stop()
	for {
		err := a.adapter.StopScan()
		if err == nil {
			return
		}
		slog.Debug("[BLE] stop scan, retrying", "error", err)
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (a *TinyGoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// Connect blocks with its own timeout; the wrapper also respects ctx.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		return &tinyGoConnection{device: &result.device}, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device *bluetooth.Device

	// services caches discovery so each node service is resolved once per
	// connection.
	services map[string]bluetooth.DeviceService
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svc, ok := c.services[serviceUUID]
	if !ok {
		svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil {
			return nil, fmt.Errorf("ble: discover services: %w", err)
		}
		if len(svcs) == 0 {
			return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
		}
		svc = svcs[0]
		if c.services == nil {
			c.services = make(map[string]bluetooth.DeviceService)
		}
		c.services[serviceUUID] = svc
	}

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: &chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

var _ Characteristic = (*tinyGoCharacteristic)(nil)
