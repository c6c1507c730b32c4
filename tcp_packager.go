package modbus

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000
	tcpHeaderSize                = 7 // transaction id(2) + protocol id(2) + length(2) + unit id(1)
	tcpMaxADUSize                = tcpHeaderSize + 1 + maxPDUDataSize
)

// tcpPackager implements the MBAP framing used by Modbus/TCP, for both the
// master (request encode / response decode+verify) and the server (request
// decode, response encode echoing the request's transaction id).
type tcpPackager struct {
	SlaveId       byte
	transactionId uint32
}

func (mb *tcpPackager) GetID() byte  { return mb.SlaveId }
func (mb *tcpPackager) SetID(id byte) { mb.SlaveId = id }

// Encode adds the MBAP header in front of the PDU:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier   : 2 bytes
//	Length                : 2 bytes
//	Unit identifier       : 1 byte
func (mb *tcpPackager) Encode(pdu *ProtocolDataUnit) (adu []byte, err error) {
	if len(pdu.Data) > maxPDUDataSize-1 {
		return nil, ErrDataSizeExceeded
	}
	adu = make([]byte, tcpHeaderSize+1+len(pdu.Data))

	transactionId := atomic.AddUint32(&mb.transactionId, 1)
	binary.BigEndian.PutUint16(adu, uint16(transactionId))
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	length := uint16(1 + 1 + len(pdu.Data))
	binary.BigEndian.PutUint16(adu[4:], length)
	adu[6] = mb.SlaveId

	adu[tcpHeaderSize] = pdu.FunctionCode
	copy(adu[tcpHeaderSize+1:], pdu.Data)
	return adu, nil
}

// Verify confirms transaction, protocol and unit id of a response against
// the request that triggered it. Per spec a zero unit id on the request
// (broadcast) is exempt from the unit id check.
func (mb *tcpPackager) Verify(aduRequest, aduResponse []byte) error {
	if len(aduRequest) < tcpHeaderSize || len(aduResponse) < tcpHeaderSize {
		return fmt.Errorf("%w: short MBAP header", ErrInvalidMbap)
	}
	if binary.BigEndian.Uint16(aduResponse) != binary.BigEndian.Uint16(aduRequest) {
		return fmt.Errorf("%w: transaction id mismatch", ErrInvalidMbap)
	}
	if binary.BigEndian.Uint16(aduResponse[2:]) != binary.BigEndian.Uint16(aduRequest[2:]) {
		return fmt.Errorf("%w: protocol id mismatch", ErrInvalidMbap)
	}
	if aduRequest[6] != 0 && aduResponse[6] != aduRequest[6] {
		return fmt.Errorf("%w: unit id mismatch", ErrInvalidMbap)
	}
	return nil
}

// Decode extracts the PDU from a response ADU, validating that the length
// field matches the number of bytes actually received.
func (mb *tcpPackager) Decode(adu []byte) (pdu *ProtocolDataUnit, err error) {
	if len(adu) < tcpHeaderSize+1 {
		return nil, fmt.Errorf("%w: short frame", ErrInvalidMbap)
	}
	length := binary.BigEndian.Uint16(adu[4:])
	pduLength := len(adu) - tcpHeaderSize
	if pduLength <= 0 || pduLength != int(length-1) {
		return nil, fmt.Errorf("%w: length %d does not match pdu size %d", ErrInvalidMbap, length-1, pduLength)
	}
	pdu = &ProtocolDataUnit{
		FunctionCode: adu[tcpHeaderSize],
		Data:         adu[tcpHeaderSize+1:],
	}
	return pdu, nil
}

// DecodeRequest extracts unit id and PDU from an incoming server-side
// request frame, returning the request's transaction id so the server can
// echo it back unchanged in its reply (§4.3).
func (mb *tcpPackager) DecodeRequest(adu []byte) (transactionId uint16, unitId byte, pdu *ProtocolDataUnit, err error) {
	if len(adu) < tcpHeaderSize+1 {
		return 0, 0, nil, fmt.Errorf("%w: short frame", ErrInvalidMbap)
	}
	length := binary.BigEndian.Uint16(adu[4:])
	pduLength := len(adu) - tcpHeaderSize
	if pduLength <= 0 || pduLength != int(length-1) {
		return 0, 0, nil, fmt.Errorf("%w: length %d does not match pdu size %d", ErrInvalidMbap, length-1, pduLength)
	}
	transactionId = binary.BigEndian.Uint16(adu)
	unitId = adu[6]
	pdu = &ProtocolDataUnit{
		FunctionCode: adu[tcpHeaderSize],
		Data:         adu[tcpHeaderSize+1:],
	}
	return transactionId, unitId, pdu, nil
}

// EncodeResponse builds a server reply, copying the transaction id from the
// originating request per §4.3.
func (mb *tcpPackager) EncodeResponse(transactionId uint16, unitId byte, pdu *ProtocolDataUnit) (adu []byte, err error) {
	if len(pdu.Data) > maxPDUDataSize-1 {
		return nil, ErrDataSizeExceeded
	}
	adu = make([]byte, tcpHeaderSize+1+len(pdu.Data))
	binary.BigEndian.PutUint16(adu, transactionId)
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	binary.BigEndian.PutUint16(adu[4:], uint16(1+1+len(pdu.Data)))
	adu[6] = unitId
	adu[tcpHeaderSize] = pdu.FunctionCode
	copy(adu[tcpHeaderSize+1:], pdu.Data)
	return adu, nil
}

// readMBAPLength reads only the length field (bytes 4 and 5, counting from
// 0) of an MBAP header. The value counts the unit id, which is already in
// the header, plus the PDU, so length-1 more bytes make up the rest of the
// frame.
func readMBAPLength(header []byte) int {
	return int(binary.BigEndian.Uint16(header[4:]))
}
