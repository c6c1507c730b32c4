package modbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ApiClient is implemented by each wire framer (tcpPackager, rtuPackager,
// asciiPackager) so Client can build, verify and decode ADUs without
// knowing which wire format is in use.
type ApiClient interface {
	SetID(id byte)
	GetID() byte
	Encode(pdu *ProtocolDataUnit) (adu []byte, err error)
	Verify(aduRequest []byte, aduResponse []byte) (err error)
	Decode(adu []byte) (pdu *ProtocolDataUnit, err error)
}

// Client is a Modbus master bound to one slave id. It builds a request PDU,
// frames it for the wire in use (tcp/rtu/ascii), sends it over a Transport,
// and verifies and decodes the reply. A Client serializes its own requests
// and is safe for concurrent use by multiple goroutines.
type Client struct {
	mode string
	ApiClient
	transport Transport
	hooks     *hookRegistry

	mu        sync.Mutex
	blacklist *blacklist
}

// NewClient builds a master for the given wire mode ("tcp", "rtu", "ascii")
// bound to slave id. The transport must already be configured for that
// mode; Connect is called lazily by the transport on first Send.
func NewClient(transport Transport, id byte, mode string) *Client {
	c := &Client{transport: transport, hooks: defaultHooks}
	c.Set(id, mode)
	return c
}

func (c *Client) GetMode() string { return c.mode }

// Set rebinds the client to a new slave id and/or wire mode.
func (c *Client) Set(id byte, mode string) {
	c.mode = mode
	switch strings.ToLower(mode) {
	case "tcp":
		c.ApiClient = &tcpPackager{}
	case "ascii":
		c.ApiClient = &asciiPackager{}
	default:
		c.ApiClient = &rtuPackager{}
	}
	c.ApiClient.SetID(id)
}

func (c *Client) VerifyID(id byte) error {
	if id != c.ApiClient.GetID() {
		return fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", id, c.ApiClient.GetID())
	}
	return nil
}

// UseBlacklist enables consecutive-failure tracking per slave id: after
// limitFailedSends failed sends in a row, further requests to that id fail
// fast with ErrClosed, without being sent, until the blacklist's periodic
// cleanup (every timeoutCleanMinutes, 60 when zero) resets the counts.
func (c *Client) UseBlacklist(limitFailedSends, timeoutCleanMinutes uint) {
	c.blacklist = NewBlacklist(limitFailedSends, timeoutCleanMinutes)
}

func (c *Client) Close() error {
	if c.blacklist != nil {
		c.blacklist.Close()
	}
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

// Execute sends a raw function code and body to the slave and returns the
// undecoded response PDU data, the lowest-level entry point named in
// SPEC_FULL.md §4.5. Typed wrappers below decode into idiomatic results.
func (c *Client) Execute(ctx context.Context, functionCode byte, data []byte) ([]byte, error) {
	switch functionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters, FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeReadExceptionStatus, FuncCodeDiagnostic, FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters, FuncCodeMaskWriteRegister, FuncCodeReadWriteMultipleRegisters:
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrFunctionNotSupported, functionCode)
	}
	return c.execute(ctx, &ProtocolDataUnit{FunctionCode: functionCode, Data: data})
}

func (c *Client) execute(ctx context.Context, pdu *ProtocolDataUnit) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return nil, fmt.Errorf("modbus: no transport configured")
	}

	id := c.ApiClient.GetID()
	if c.blacklist != nil {
		if blocked, _ := c.blacklist.Get(id); blocked {
			return nil, fmt.Errorf("%w: slave %d blacklisted after repeated failures", ErrClosed, id)
		}
	}

	aduRequest, err := c.ApiClient.Encode(pdu)
	if err != nil {
		return nil, err
	}
	if retval := c.hooks.Call(HookMasterBeforeSend, c, aduRequest); retval != nil {
		if replaced, ok := retval.([]byte); ok {
			aduRequest = replaced
		}
	}

	aduResponse, err := c.transport.Send(ctx, aduRequest)
	if err != nil {
		if c.blacklist != nil {
			c.blacklist.Plus(id)
		}
		return nil, err
	}
	if c.blacklist != nil {
		c.blacklist.Nullify(id)
	}
	if retval := c.hooks.Call(HookMasterAfterSend, c, aduResponse); retval != nil {
		if replaced, ok := retval.([]byte); ok {
			aduResponse = replaced
		}
	}

	if err = c.ApiClient.Verify(aduRequest, aduResponse); err != nil {
		return nil, err
	}
	respPDU, err := c.ApiClient.Decode(aduResponse)
	if err != nil {
		return nil, err
	}
	if retval := c.hooks.Call(HookMasterAfterRecv, c, respPDU); retval != nil {
		if replaced, ok := retval.(*ProtocolDataUnit); ok {
			respPDU = replaced
		}
	}
	if respPDU.IsException() {
		return nil, &ModbusError{Code: respPDU.ExceptionCode()}
	}
	return respPDU.Data, nil
}

// ReadCoils reads quantity coils starting at address, FC 0x01.
func (c *Client) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	if quantity < 1 || quantity > maxCoilsPerRead {
		return nil, fmt.Errorf("%w: quantity %d must be between 1 and %d", ErrInvalidArgument, quantity, maxCoilsPerRead)
	}
	data, err := c.execute(ctx, &ProtocolDataUnit{FunctionCode: FuncCodeReadCoils, Data: dataBlock(address, quantity)})
	if err != nil {
		return nil, err
	}
	return decodeBitResponse(data, quantity)
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address, FC 0x02.
func (c *Client) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]bool, error) {
	if quantity < 1 || quantity > maxCoilsPerRead {
		return nil, fmt.Errorf("%w: quantity %d must be between 1 and %d", ErrInvalidArgument, quantity, maxCoilsPerRead)
	}
	data, err := c.execute(ctx, &ProtocolDataUnit{FunctionCode: FuncCodeReadDiscreteInputs, Data: dataBlock(address, quantity)})
	if err != nil {
		return nil, err
	}
	return decodeBitResponse(data, quantity)
}

func decodeBitResponse(data []byte, quantity uint16) ([]bool, error) {
	if len(data) < 1 || len(data) != 1+byteCount(quantity) {
		return nil, fmt.Errorf("%w: byte count mismatch in response", ErrInvalidResponse)
	}
	return unpackBits(data[1:], quantity), nil
}

// ReadHoldingRegisters reads quantity holding registers starting at address, FC 0x03.
func (c *Client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	if quantity < 1 || quantity > maxRegistersPerRead {
		return nil, fmt.Errorf("%w: quantity %d must be between 1 and %d", ErrInvalidArgument, quantity, maxRegistersPerRead)
	}
	data, err := c.execute(ctx, &ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: dataBlock(address, quantity)})
	if err != nil {
		return nil, err
	}
	return decodeRegisterResponse(data, quantity)
}

// ReadInputRegisters reads quantity input registers starting at address, FC 0x04.
func (c *Client) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	if quantity < 1 || quantity > maxRegistersPerRead {
		return nil, fmt.Errorf("%w: quantity %d must be between 1 and %d", ErrInvalidArgument, quantity, maxRegistersPerRead)
	}
	data, err := c.execute(ctx, &ProtocolDataUnit{FunctionCode: FuncCodeReadInputRegisters, Data: dataBlock(address, quantity)})
	if err != nil {
		return nil, err
	}
	return decodeRegisterResponse(data, quantity)
}

func decodeRegisterResponse(data []byte, quantity uint16) ([]uint16, error) {
	if len(data) < 1 || len(data) != 1+int(quantity)*2 {
		return nil, fmt.Errorf("%w: byte count mismatch in response", ErrInvalidResponse)
	}
	return bytesToRegisters(data[1:]), nil
}

// WriteSingleCoil writes a single coil, FC 0x05. value must be 0xFF00 (ON)
// or 0x0000 (OFF); the slave's echoed address/value are returned.
func (c *Client) WriteSingleCoil(ctx context.Context, address, value uint16) (uint16, uint16, error) {
	if value != 0xFF00 && value != 0x0000 {
		return 0, 0, fmt.Errorf("%w: state %#x must be 0xFF00 (ON) or 0x0000 (OFF)", ErrInvalidArgument, value)
	}
	return c.writeSingle(ctx, FuncCodeWriteSingleCoil, address, value)
}

// WriteSingleCoilBool is a convenience wrapper over WriteSingleCoil.
func (c *Client) WriteSingleCoilBool(ctx context.Context, address uint16, value bool) (uint16, uint16, error) {
	var v uint16
	if value {
		v = 0xFF00
	}
	return c.writeSingle(ctx, FuncCodeWriteSingleCoil, address, v)
}

// WriteSingleRegister writes a single holding register, FC 0x06.
func (c *Client) WriteSingleRegister(ctx context.Context, address, value uint16) (uint16, uint16, error) {
	return c.writeSingle(ctx, FuncCodeWriteSingleRegister, address, value)
}

func (c *Client) writeSingle(ctx context.Context, functionCode byte, address, value uint16) (uint16, uint16, error) {
	data, err := c.execute(ctx, &ProtocolDataUnit{FunctionCode: functionCode, Data: dataBlock(address, value)})
	if err != nil {
		return 0, 0, err
	}
	if len(data) != 4 {
		return 0, 0, fmt.Errorf("%w: echoed response length %d, want 4", ErrInvalidResponse, len(data))
	}
	echoed := bytesToRegisters(data)
	return echoed[0], echoed[1], nil
}

// WriteMultipleCoils writes quantity coils starting at address, FC 0x0F.
func (c *Client) WriteMultipleCoils(ctx context.Context, address, quantity uint16, value []byte) (uint16, uint16, error) {
	if quantity < 1 || quantity > maxCoilsPerWrite {
		return 0, 0, fmt.Errorf("%w: quantity %d must be between 1 and %d", ErrInvalidArgument, quantity, maxCoilsPerWrite)
	}
	return c.writeMultiple(ctx, FuncCodeWriteMultipleCoils, address, quantity, value)
}

// WriteMultipleRegisters writes quantity registers starting at address, FC 0x10.
func (c *Client) WriteMultipleRegisters(ctx context.Context, address, quantity uint16, value []byte) (uint16, uint16, error) {
	if quantity < 1 || quantity > maxRegistersPerWrite {
		return 0, 0, fmt.Errorf("%w: quantity %d must be between 1 and %d", ErrInvalidArgument, quantity, maxRegistersPerWrite)
	}
	return c.writeMultiple(ctx, FuncCodeWriteMultipleRegisters, address, quantity, value)
}

func (c *Client) writeMultiple(ctx context.Context, functionCode byte, address, quantity uint16, value []byte) (uint16, uint16, error) {
	data, err := c.execute(ctx, &ProtocolDataUnit{FunctionCode: functionCode, Data: dataBlockSuffix(value, address, quantity)})
	if err != nil {
		return 0, 0, err
	}
	if len(data) != 4 {
		return 0, 0, fmt.Errorf("%w: echoed response length %d, want 4", ErrInvalidResponse, len(data))
	}
	echoed := bytesToRegisters(data)
	return echoed[0], echoed[1], nil
}

// MaskWriteRegister applies (current AND andMask) OR (orMask AND NOT andMask)
// to a holding register, FC 0x16.
func (c *Client) MaskWriteRegister(ctx context.Context, address, andMask, orMask uint16) error {
	_, err := c.execute(ctx, &ProtocolDataUnit{
		FunctionCode: FuncCodeMaskWriteRegister,
		Data:         dataBlock(address, andMask, orMask),
	})
	return err
}

// ReadWriteMultipleRegisters writes value to writeAddress then reads
// readQuantity registers from readAddress in one transaction, FC 0x17.
func (c *Client) ReadWriteMultipleRegisters(ctx context.Context, readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]uint16, error) {
	if readQuantity < 1 || readQuantity > maxReadWriteReadQty {
		return nil, fmt.Errorf("%w: read quantity %d must be between 1 and %d", ErrInvalidArgument, readQuantity, maxReadWriteReadQty)
	}
	if writeQuantity < 1 || writeQuantity > maxReadWriteWriteQty {
		return nil, fmt.Errorf("%w: write quantity %d must be between 1 and %d", ErrInvalidArgument, writeQuantity, maxReadWriteWriteQty)
	}
	data, err := c.execute(ctx, &ProtocolDataUnit{
		FunctionCode: FuncCodeReadWriteMultipleRegisters,
		Data:         dataBlockSuffix(value, readAddress, readQuantity, writeAddress, writeQuantity),
	})
	if err != nil {
		return nil, err
	}
	return decodeRegisterResponse(data, readQuantity)
}
