package modbus

import (
	"bytes"
	"testing"
)

func TestRTUPackagerEncodeDecode(t *testing.T) {
	rtu := &rtuPackager{SlaveId: 1}
	pdu := &ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: dataBlock(0, 1)}

	adu, err := rtu.Encode(pdu)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if adu[0] != 1 || adu[1] != FuncCodeReadHoldingRegisters {
		t.Fatalf("unexpected header: % x", adu[:2])
	}

	decoded, err := rtu.Decode(adu)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.FunctionCode != pdu.FunctionCode || !bytes.Equal(decoded.Data, pdu.Data) {
		t.Fatalf("Decode mismatch: got %+v, want %+v", decoded, pdu)
	}
}

func TestRTUPackagerCRCMismatch(t *testing.T) {
	rtu := &rtuPackager{SlaveId: 1}
	pdu := &ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: dataBlock(0, 1)}
	adu, _ := rtu.Encode(pdu)
	adu[len(adu)-1] ^= 0xFF

	if _, err := rtu.Decode(adu); err == nil {
		t.Fatal("expected crc mismatch to be detected")
	}
}

func TestExpectedResponseLength(t *testing.T) {
	req := []byte{1, FuncCodeReadHoldingRegisters, 0, 0, 0, 3}
	if got, want := expectedResponseLength(req), rtuMinSize+1+6; got != want {
		t.Fatalf("expectedResponseLength(read 3 regs) = %d, want %d", got, want)
	}

	req = []byte{1, FuncCodeWriteSingleRegister, 0, 0, 0, 1}
	if got, want := expectedResponseLength(req), rtuMinSize+4; got != want {
		t.Fatalf("expectedResponseLength(write single) = %d, want %d", got, want)
	}
}

func TestRTURequestLength(t *testing.T) {
	if got, _ := rtuRequestLength(FuncCodeReadHoldingRegisters, nil); got != 8 {
		t.Fatalf("rtuRequestLength(read) = %d, want 8", got)
	}
	header := []byte{1, FuncCodeWriteMultipleRegisters, 0, 0, 0, 1, 2}
	if got, _ := rtuRequestLength(FuncCodeWriteMultipleRegisters, header); got != 11 {
		t.Fatalf("rtuRequestLength(write multiple) = %d, want 11", got)
	}
}
