package modbus

import "fmt"

// Exception codes returned in the second byte of an exception response.
const (
	ExceptionIllegalFunction    byte = 0x01
	ExceptionIllegalDataAddress byte = 0x02
	ExceptionIllegalDataValue   byte = 0x03
	ExceptionSlaveDeviceFailure byte = 0x04
	ExceptionAcknowledge        byte = 0x05
	ExceptionSlaveDeviceBusy    byte = 0x06
	ExceptionMemoryParityError  byte = 0x08
)

// ModbusError is returned by a master when the slave answered with an
// exception response.
type ModbusError struct {
	Code byte
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %d (%s)", e.Code, exceptionName(e.Code))
}

func exceptionName(code byte) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionSlaveDeviceFailure:
		return "slave device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionSlaveDeviceBusy:
		return "slave device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	default:
		return "undefined"
	}
}
