// Package ble runs the field-node link: it scans for configured peripherals,
// reads encrypted sensor values, and delivers encrypted commands to sensors and
// actuators over Bluetooth Low Energy.
package ble

import (
	"context"
	"fmt"
)

// Field node GATT UUIDs. Both node kinds expose the same service.
const (
	ServiceUUID     = "86df3990-4bdf-442e-8eb7-04bbd173e4a7"
	TemperatureUUID = "1c70ab2e-c645-4853-b46a-fd4cd0b7f538"
	LightUUID       = "2a47596d-8402-4359-952a-a956c84b0f41"
	SleepTimerUUID  = "cac889a0-4436-489b-ba6c-0e4f9b2d47ca"
	LEDUUID         = "8a7a1f1d-3cc0-4fe7-ab8a-d75fbcfb1a7b"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Write sends data to the characteristic.
	Write(data []byte) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals until ctx is done. An empty serviceUUID
	// reports every advertiser.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}

// LinkError reports a connect or discovery failure for one node. The node is
// skipped for the rest of the cycle.
type LinkError struct {
	Op     string // "connect" or "discover"
	NodeID string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("ble: %s node %s: %v", e.Op, e.NodeID, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }
