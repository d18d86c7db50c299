package ble

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxValueSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
