package modbus

import "testing"

func TestLRC(t *testing.T) {
	// address 0x01, FC 0x03, addr 0x0000, qty 0x0001 -> LRC 0xFB.
	var l lrc
	l.reset().pushBytes([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	if got := l.value(); got != 0xFB {
		t.Fatalf("lrc = %#02x, want %#02x", got, 0xFB)
	}
}
