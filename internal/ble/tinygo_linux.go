package ble

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxValueSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Write sends a write command. BlueZ only exposes write-without-response here;
// the engine's read-back after the settle delay confirms the value.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}
