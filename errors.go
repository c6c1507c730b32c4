package modbus

import "errors"

// Framing and host-API misuse errors. Wire-level errors (InvalidRequest,
// InvalidResponse, InvalidMbap) are raised while parsing traffic;
// ModbusError (exceptions.go) is raised when the slave answers but reports
// a protocol exception. Databank misuse errors never reach the wire.
var (
	// ErrFunctionNotSupported is returned when a master is asked to build a
	// request for a function code this package does not encode.
	ErrFunctionNotSupported = errors.New("modbus: function code not supported")
	// ErrInvalidArgument is returned for a host-API parameter out of range.
	ErrInvalidArgument = errors.New("modbus: invalid argument")
	// ErrInvalidModbusBlock is returned by add_block for a malformed block
	// (non-positive size or unknown address space).
	ErrInvalidModbusBlock = errors.New("modbus: invalid block")
	// ErrDuplicatedKey is returned by add_block for an existing block name.
	ErrDuplicatedKey = errors.New("modbus: duplicated key")
	// ErrMissingKey is returned when a named block or slave does not exist.
	ErrMissingKey = errors.New("modbus: missing key")
	// ErrOverlapModbusBlock is returned by add_block when the new range
	// overlaps an existing block in the same address space.
	ErrOverlapModbusBlock = errors.New("modbus: overlapping block")
	// ErrOutOfModbusBlock is returned by get_values/set_values when the
	// requested range extends outside the named block.
	ErrOutOfModbusBlock = errors.New("modbus: address range out of block")
	// ErrInvalidRequest is returned for a structurally invalid request, such
	// as a broadcast read.
	ErrInvalidRequest = errors.New("modbus: invalid request")
	// ErrInvalidResponse is returned when a response frame fails length,
	// address, or CRC validation.
	ErrInvalidResponse = errors.New("modbus: invalid response")
	// ErrInvalidMbap is returned when an MBAP header fails to match its
	// request (transaction id, protocol id, unit id, or length).
	ErrInvalidMbap = errors.New("modbus: invalid MBAP header")
	// ErrDataSizeExceeded is returned when a PDU body would exceed the
	// maximum allowed payload size.
	ErrDataSizeExceeded = errors.New("modbus: data size exceeds limit")
	// ErrClosed is returned by a Client request to a slave id that its
	// blacklist has blocked (see UseBlacklist).
	ErrClosed = errors.New("modbus: connection closed")
)
