package modbus

import "encoding/binary"

// Function codes defined by the Modbus application protocol.
const (
	FuncCodeReadCoils                  byte = 0x01
	FuncCodeReadDiscreteInputs         byte = 0x02
	FuncCodeReadHoldingRegisters       byte = 0x03
	FuncCodeReadInputRegisters         byte = 0x04
	FuncCodeWriteSingleCoil            byte = 0x05
	FuncCodeWriteSingleRegister        byte = 0x06
	FuncCodeReadExceptionStatus        byte = 0x07
	FuncCodeDiagnostic                 byte = 0x08
	FuncCodeWriteMultipleCoils         byte = 0x0F
	FuncCodeWriteMultipleRegisters     byte = 0x10
	FuncCodeMaskWriteRegister          byte = 0x16
	FuncCodeReadWriteMultipleRegisters byte = 0x17

	exceptionBit byte = 0x80
)

// Per-function quantity limits, see the modbus application protocol spec.
const (
	maxCoilsPerRead        = 2000
	maxRegistersPerRead    = 125
	maxCoilsPerWrite       = 1968
	maxRegistersPerWrite   = 123
	maxReadWriteReadQty    = 125
	maxReadWriteWriteQty   = 121
	maxPDUDataSize         = 252
)

// ProtocolDataUnit is the function-code-plus-body payload shared by every
// Modbus transport. Transports only add/strip an address/header around it.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// IsException reports whether the PDU carries an exception response, i.e.
// the high bit of the function code is set.
func (pdu *ProtocolDataUnit) IsException() bool {
	return pdu.FunctionCode&exceptionBit != 0
}

// ExceptionCode returns the exception code carried in Data[0]. Only
// meaningful when IsException reports true.
func (pdu *ProtocolDataUnit) ExceptionCode() byte {
	if len(pdu.Data) == 0 {
		return 0
	}
	return pdu.Data[0]
}

// dataBlock packs a sequence of uint16 arguments into a big-endian byte
// slice, the wire shape of most request bodies (address, quantity, ...).
func dataBlock(values ...uint16) []byte {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix packs leading uint16 arguments followed by a raw byte
// count and payload, the wire shape of the write* request bodies.
func dataBlockSuffix(suffix []byte, values ...uint16) []byte {
	head := dataBlock(values...)
	data := make([]byte, len(head)+1+len(suffix))
	copy(data, head)
	data[len(head)] = byte(len(suffix))
	copy(data[len(head)+1:], suffix)
	return data
}

// byteCount returns the number of bytes needed to pack bitCount bits.
func byteCount(bitCount uint16) int {
	return int((bitCount + 7) / 8)
}

// packBits packs a slice of booleans LSB-first into the coil/discrete-input
// wire representation; the final byte, if partial, is zero-padded in its
// unused high bits.
func packBits(status []bool) []byte {
	out := make([]byte, byteCount(uint16(len(status))))
	for i, on := range status {
		if on {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// unpackBits is the inverse of packBits, truncated to quantity bits.
func unpackBits(data []byte, quantity uint16) []bool {
	out := make([]bool, quantity)
	for i := range out {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

// registersToBytes packs register values big-endian, two bytes each.
func registersToBytes(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// bytesToRegisters is the inverse of registersToBytes.
func bytesToRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out
}
