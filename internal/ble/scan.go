package ble

import (
	"context"
	"fmt"
	"time"
)

// ScanForDevices enables the adapter and scans for timeout. An empty
// serviceUUID lists every advertiser in range.
func ScanForDevices(adapter Adapter, serviceUUID string, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

// scanAddresses runs one scan window and returns the set of seen addresses.
func scanAddresses(ctx context.Context, adapter Adapter, window time.Duration) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	devices, err := adapter.Scan(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[normalizeAddress(d.MAC)] = true
	}
	return seen, nil
}
