package modbus

import "testing"

func TestCRC16(t *testing.T) {
	// Read Holding Registers request: slave 1, FC 3, addr 0, qty 1.
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	got := crc16(frame)
	want := uint16(0x0A84)
	if got != want {
		t.Fatalf("crc16 = %#04x, want %#04x", got, want)
	}
}

func TestCRCChaining(t *testing.T) {
	var c crc
	c.reset().pushByte(0x02).pushByte(0x07)
	if c.value() != 0x1241 {
		t.Fatalf("crc = %#04x, want %#04x", c.value(), 0x1241)
	}
}
