package modbus

import (
	"context"
	"fmt"
	"io"

	"github.com/goburrow/serial"
)

// RTUServer answers Modbus RTU requests on a single serial port. Modbus RTU
// is half-duplex and only one peer may hold the line, so unlike TCPServer
// there is one goroutine, not one per client.
type RTUServer struct {
	Server

	Config serial.Config
	port   io.ReadWriteCloser
}

// NewRTUServer creates an RTU server answering against db on the given
// serial line. A nil db gets a fresh, empty Databank.
func NewRTUServer(db *Databank, address string, baud, dataBits int, parity string, stopBits int) *RTUServer {
	s := &RTUServer{Server: newServer(db, nil)}
	s.Config = serial.Config{Address: address, BaudRate: baud, DataBits: dataBits, Parity: parity, StopBits: stopBits}
	return s
}

// ListenAndServe opens the serial port and serves until ctx is done or Close is called.
func (s *RTUServer) ListenAndServe(ctx context.Context) error {
	port, err := serial.Open(&s.Config)
	if err != nil {
		return err
	}
	s.port = port
	defer port.Close()

	go func() {
		<-ctx.Done()
		port.Close()
	}()

	s.Logger.Info("modbus: rtu server listening", "address", s.Config.Address)
	return s.scanLoop(ctx, port)
}

// scanLoop reads one frame at a time off the wire: a byte to unblock, then
// enough of the header to learn the declared frame length, then the rest.
func (s *RTUServer) scanLoop(ctx context.Context, port io.ReadWriteCloser) error {
	var buf [rtuMaxSize]byte
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := port.Read(buf[:2])
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		current := n
		for current < 2 {
			more, err := port.Read(buf[current:2])
			if err != nil {
				break
			}
			current += more
		}
		if current < 2 {
			continue
		}

		headerSize := rtuHeaderSize(buf[1])
		for current < headerSize {
			more, err := port.Read(buf[current:headerSize])
			if err != nil {
				break
			}
			current += more
		}
		if current < headerSize {
			continue
		}

		expected, err := rtuRequestLength(buf[1], buf[:current])
		if err != nil {
			continue
		}
		for current < expected {
			more, err := port.Read(buf[current:expected])
			if err != nil {
				break
			}
			current += more
		}
		if current != expected {
			continue
		}

		address, reqPDU, err := decodeRTUFrame(buf[:expected])
		if err != nil {
			s.Logger.Debug("modbus: dropping malformed frame", "error", err)
			continue
		}

		respPDU := s.handle(ctx, address, reqPDU)
		if respPDU == nil {
			continue
		}
		adu, err := encodeRTUFrame(address, respPDU)
		if err != nil {
			s.Logger.Warn("modbus: failed to encode response", "error", err)
			continue
		}
		if _, err := port.Write(adu); err != nil {
			return err
		}
	}
}

// rtuHeaderSize returns how many leading bytes of a request (address and
// function code included) rtuRequestLength needs to compute the full frame
// length: just the two already read for fixed-size functions, or enough to
// reach the byte-count field for the variable-length write functions.
func rtuHeaderSize(functionCode byte) int {
	switch functionCode {
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return 7
	case FuncCodeReadWriteMultipleRegisters:
		return 11
	default:
		return 2
	}
}

// rtuRequestLength returns the total ADU length (address+pdu+crc) of a
// request whose first rtuHeaderSize(functionCode) bytes are in header.
func rtuRequestLength(functionCode byte, header []byte) (int, error) {
	switch functionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters, FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		return 8, nil
	case FuncCodeMaskWriteRegister:
		return 10, nil
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return 7 + int(header[6]) + 2, nil
	case FuncCodeReadWriteMultipleRegisters:
		return 11 + int(header[10]) + 2, nil
	case FuncCodeReadExceptionStatus:
		return 4, nil
	case FuncCodeDiagnostic:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: unsupported function code 0x%02x", ErrInvalidRequest, functionCode)
	}
}
