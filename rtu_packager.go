package modbus

import "fmt"

const (
	rtuMinSize = 4 // address(1) + function(1) + crc(2)
	rtuMaxSize = 256
)

// rtuPackager implements address + CRC-16 framing for Modbus RTU, for both
// the master and the server.
type rtuPackager struct {
	SlaveId byte
}

func (rtu *rtuPackager) GetID() byte   { return rtu.SlaveId }
func (rtu *rtuPackager) SetID(id byte) { rtu.SlaveId = id }

// Encode builds a request frame: address(1) | pdu | crc(2, little-endian).
func (rtu *rtuPackager) Encode(pdu *ProtocolDataUnit) (adu []byte, err error) {
	return encodeRTUFrame(rtu.SlaveId, pdu)
}

// encodeRTUFrame is shared by master requests and server responses: both
// prefix an address byte and append a little-endian CRC.
func encodeRTUFrame(address byte, pdu *ProtocolDataUnit) (adu []byte, err error) {
	length := len(pdu.Data) + 4
	if length > rtuMaxSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds %d", ErrDataSizeExceeded, length, rtuMaxSize)
	}
	adu = make([]byte, length)
	adu[0] = address
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)

	checksum := crc16(adu[:length-2])
	adu[length-2] = byte(checksum)
	adu[length-1] = byte(checksum >> 8)
	return adu, nil
}

// Verify checks minimum length and echoed address of a response against the
// request that triggered it.
func (rtu *rtuPackager) Verify(aduRequest, aduResponse []byte) error {
	if len(aduResponse) < rtuMinSize {
		return fmt.Errorf("%w: response length %d below minimum %d", ErrInvalidResponse, len(aduResponse), rtuMinSize)
	}
	if aduResponse[0] != aduRequest[0] {
		return fmt.Errorf("%w: address %d does not match request %d", ErrInvalidResponse, aduResponse[0], aduRequest[0])
	}
	return nil
}

// Decode validates CRC and extracts the PDU, stripping address and CRC.
func (rtu *rtuPackager) Decode(adu []byte) (pdu *ProtocolDataUnit, err error) {
	address, pdu, err := decodeRTUFrame(adu)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if address != rtu.SlaveId {
		return nil, fmt.Errorf("%w: address %d does not match expected %d", ErrInvalidResponse, address, rtu.SlaveId)
	}
	return pdu, nil
}

// decodeRTUFrame validates length and CRC, returning the address byte and
// the enclosed PDU. Used by the master (response decode) and the server
// (request decode).
func decodeRTUFrame(adu []byte) (address byte, pdu *ProtocolDataUnit, err error) {
	length := len(adu)
	if length < rtuMinSize {
		return 0, nil, fmt.Errorf("%w: frame length %d below minimum %d", ErrInvalidRequest, length, rtuMinSize)
	}
	checksum := uint16(adu[length-1])<<8 | uint16(adu[length-2])
	if checksum != crc16(adu[:length-2]) {
		return 0, nil, fmt.Errorf("%w: crc mismatch", ErrInvalidRequest)
	}
	pdu = &ProtocolDataUnit{
		FunctionCode: adu[1],
		Data:         adu[2 : length-2],
	}
	return adu[0], pdu, nil
}

// expectedResponseLength derives the number of bytes a master should wait
// for in response to aduRequest, used to know when a partial RTU read is
// actually complete without waiting out the full inter-character timeout.
func expectedResponseLength(aduRequest []byte) int {
	length := rtuMinSize
	if len(aduRequest) < 2 {
		return length
	}
	switch aduRequest[1] {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		if len(aduRequest) < 6 {
			return length
		}
		count := int(aduRequest[4])<<8 | int(aduRequest[5])
		length += 1 + byteCount(uint16(count))
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters, FuncCodeReadWriteMultipleRegisters:
		if len(aduRequest) < 6 {
			return length
		}
		count := int(aduRequest[4])<<8 | int(aduRequest[5])
		length += 1 + count*2
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister, FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		length += 4
	case FuncCodeMaskWriteRegister:
		length += 6
	case FuncCodeReadExceptionStatus:
		length++
	case FuncCodeDiagnostic:
		// the slave echoes the whole request
		return len(aduRequest)
	}
	return length
}
