// Command test-scan is a manual test for BLE discovery. It scans for field
// nodes and prints every device found, so addresses can be copied into the
// gateway config.
//
// Usage:
//
//	go run ./cmd/test-scan [--duration 5s] [--all]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chaz8081/gatewaynode/internal/ble"
)

func main() {
	duration := flag.Duration("duration", 5*time.Second, "scan duration")
	all := flag.Bool("all", false, "list every advertiser, not only field nodes")
	flag.Parse()

	service := ble.ServiceUUID
	if *all {
		service = ""
	}

	fmt.Printf("Scanning for %s...\n", *duration)
	devices, err := ble.ScanForDevices(ble.NewTinyGoAdapter(), service, *duration)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return
	}
	for _, d := range devices {
		fmt.Printf("  %-20s %-24q RSSI %d\n", d.MAC, d.Name, d.RSSI)
	}
	fmt.Printf("\n%d device(s) found\n", len(devices))
}
