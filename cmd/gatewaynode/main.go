// Command gatewaynode runs the BLE field gateway: it polls sensor and actuator
// nodes over Bluetooth Low Energy and relays their state to one user
// application over an encrypted TCP session.
package main

func main() {
	Execute()
}
