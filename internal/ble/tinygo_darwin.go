package ble

import "errors"

// ErrReadUnsupported is returned by characteristic reads on macOS, where the
// bluetooth package has no read call.
var ErrReadUnsupported = errors.New("ble: characteristic read not supported on this platform")

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	return nil, ErrReadUnsupported
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
