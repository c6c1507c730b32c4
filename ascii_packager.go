package modbus

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Modbus ASCII framing constants. ASCII is carried on the master only (see
// DESIGN.md); no ASCII server loop is implemented.
const (
	asciiStart    = ":"
	asciiEnd      = "\r\n"
	asciiMinSize  = 3
	asciiMaxSize  = 513
	asciiHexTable = "0123456789ABCDEF"
)

// asciiPackager implements the ':'-delimited, hex-encoded Modbus ASCII
// frame: start | address | function | data | lrc | end, all hex-coded
// except the start/end markers.
type asciiPackager struct {
	SlaveId byte
}

func (a *asciiPackager) GetID() byte   { return a.SlaveId }
func (a *asciiPackager) SetID(id byte) { a.SlaveId = id }

func (a *asciiPackager) Encode(pdu *ProtocolDataUnit) (adu []byte, err error) {
	var buf bytes.Buffer
	buf.WriteString(asciiStart)
	if err = writeHex(&buf, []byte{a.SlaveId, pdu.FunctionCode}); err != nil {
		return nil, err
	}
	if err = writeHex(&buf, pdu.Data); err != nil {
		return nil, err
	}
	var sum lrc
	sum.reset().pushByte(a.SlaveId).pushByte(pdu.FunctionCode).pushBytes(pdu.Data)
	if err = writeHex(&buf, []byte{sum.value()}); err != nil {
		return nil, err
	}
	buf.WriteString(asciiEnd)
	return buf.Bytes(), nil
}

func (a *asciiPackager) Verify(aduRequest, aduResponse []byte) error {
	length := len(aduResponse)
	if length < asciiMinSize+6 {
		return fmt.Errorf("%w: response length %d below minimum", ErrInvalidResponse, length)
	}
	if length%2 != 1 {
		return fmt.Errorf("%w: response length %d is not odd", ErrInvalidResponse, length)
	}
	if string(aduResponse[0:len(asciiStart)]) != asciiStart {
		return fmt.Errorf("%w: missing start delimiter", ErrInvalidResponse)
	}
	if string(aduResponse[length-len(asciiEnd):]) != asciiEnd {
		return fmt.Errorf("%w: missing end delimiter", ErrInvalidResponse)
	}
	respId, err := readHex(aduResponse[1:])
	if err != nil {
		return err
	}
	reqId, err := readHex(aduRequest[1:])
	if err != nil {
		return err
	}
	if respId != reqId {
		return fmt.Errorf("%w: address %d does not match request %d", ErrInvalidResponse, respId, reqId)
	}
	return nil
}

func (a *asciiPackager) Decode(adu []byte) (pdu *ProtocolDataUnit, err error) {
	address, err := readHex(adu[1:])
	if err != nil {
		return nil, err
	}
	pdu = &ProtocolDataUnit{}
	if pdu.FunctionCode, err = readHex(adu[3:]); err != nil {
		return nil, err
	}
	dataEnd := len(adu) - 4
	raw := adu[5:dataEnd]
	pdu.Data = make([]byte, hex.DecodedLen(len(raw)))
	if _, err = hex.Decode(pdu.Data, raw); err != nil {
		return nil, err
	}
	lrcVal, err := readHex(adu[dataEnd:])
	if err != nil {
		return nil, err
	}
	var sum lrc
	sum.reset().pushByte(address).pushByte(pdu.FunctionCode).pushBytes(pdu.Data)
	if lrcVal != sum.value() {
		return nil, fmt.Errorf("%w: lrc mismatch", ErrInvalidResponse)
	}
	return pdu, nil
}

// writeHex encodes bytes as uppercase hex, the wire case Modbus ASCII uses.
func writeHex(buf *bytes.Buffer, data []byte) error {
	var pair [2]byte
	for _, v := range data {
		pair[0] = asciiHexTable[v>>4]
		pair[1] = asciiHexTable[v&0x0F]
		if _, err := buf.Write(pair[:]); err != nil {
			return err
		}
	}
	return nil
}

// readHex decodes a single hex-coded byte, e.g. "8C" -> 0x8C.
func readHex(data []byte) (byte, error) {
	var dst [1]byte
	if _, err := hex.Decode(dst[:], data[0:2]); err != nil {
		return 0, err
	}
	return dst[0], nil
}
