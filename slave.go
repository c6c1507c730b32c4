package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

type blockRef struct {
	space           AddressSpace
	startingAddress uint16
}

// Slave owns the blocks for one unit id and dispatches incoming PDUs to the
// handler for their function code. One lock covers the full duration of a
// single PDU's handling, and the host-facing SetValues/GetValues take the
// same lock, per §5.
type Slave struct {
	id                byte
	UnsignedRegisters bool

	mu     sync.Mutex
	blocks map[string]blockRef
	memory map[AddressSpace][]*Block
	hooks  *hookRegistry

	exceptionStatus byte
	handlers        map[byte]func([]byte) ([]byte, error)
}

// NewSlave creates a slave bound to id. The id is not validated here;
// Databank.AddSlave only accepts 1-247. unsignedRegisters controls how
// host-facing register accessors interpret raw register bits; wire encoding
// is unaffected.
func NewSlave(id byte, unsignedRegisters bool) *Slave {
	s := &Slave{
		id:                id,
		UnsignedRegisters: unsignedRegisters,
		blocks:            make(map[string]blockRef),
		memory:            make(map[AddressSpace][]*Block),
		hooks:             defaultHooks,
	}
	s.handlers = map[byte]func([]byte) ([]byte, error){
		FuncCodeReadCoils:                  func(d []byte) ([]byte, error) { return s.readDigital(Coils, d) },
		FuncCodeReadDiscreteInputs:         func(d []byte) ([]byte, error) { return s.readDigital(DiscreteInputs, d) },
		FuncCodeReadHoldingRegisters:       func(d []byte) ([]byte, error) { return s.readRegisters(HoldingRegisters, d) },
		FuncCodeReadInputRegisters:         func(d []byte) ([]byte, error) { return s.readRegisters(InputRegisters, d) },
		FuncCodeWriteSingleCoil:            s.writeSingleCoil,
		FuncCodeWriteSingleRegister:        s.writeSingleRegister,
		FuncCodeWriteMultipleCoils:         s.writeMultipleCoils,
		FuncCodeWriteMultipleRegisters:     s.writeMultipleRegisters,
		FuncCodeMaskWriteRegister:          s.maskWriteRegister,
		FuncCodeReadWriteMultipleRegisters: s.readWriteMultipleRegisters,
		FuncCodeReadExceptionStatus:        s.readExceptionStatus,
		FuncCodeDiagnostic:                 s.diagnostic,
	}
	return s
}

func (s *Slave) ID() byte { return s.id }

// AddBlock registers a new named block in the given address space. Blocks
// in the same address space must not overlap.
func (s *Slave) AddBlock(name string, space AddressSpace, startingAddress uint16, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size <= 0 {
		return fmt.Errorf("%w: size must be positive", ErrInvalidModbusBlock)
	}
	if _, exists := s.blocks[name]; exists {
		return fmt.Errorf("%w: block %q already exists", ErrDuplicatedKey, name)
	}
	switch space {
	case Coils, DiscreteInputs, HoldingRegisters, InputRegisters:
	default:
		return fmt.Errorf("%w: unknown address space %d", ErrInvalidModbusBlock, space)
	}

	blocks := s.memory[space]
	index := len(blocks)
	for i, b := range blocks {
		if b.overlaps(startingAddress, size) {
			return fmt.Errorf("%w: overlaps block %q at %d size %d", ErrOverlapModbusBlock, b.name, b.startingAddress, b.size())
		}
		if b.startingAddress > startingAddress && index == len(blocks) {
			index = i
		}
	}

	block := newBlock(name, startingAddress, size, s.hooks)
	grown := make([]*Block, len(blocks)+1)
	copy(grown, blocks[:index])
	grown[index] = block
	copy(grown[index+1:], blocks[index:])
	s.memory[space] = grown
	s.blocks[name] = blockRef{space, startingAddress}
	return nil
}

// RemoveBlock deletes the named block.
func (s *Slave) RemoveBlock(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, exists := s.blocks[name]
	if !exists {
		return fmt.Errorf("%w: block %q not found", ErrMissingKey, name)
	}
	blocks := s.memory[ref.space]
	for i, b := range blocks {
		if b.name == name {
			s.memory[ref.space] = append(blocks[:i], blocks[i+1:]...)
			break
		}
	}
	delete(s.blocks, name)
	return nil
}

// RemoveAllBlocks deletes every block on the slave.
func (s *Slave) RemoveAllBlocks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = make(map[string]blockRef)
	s.memory = make(map[AddressSpace][]*Block)
}

func (s *Slave) findBlock(name string) (*Block, error) {
	ref, exists := s.blocks[name]
	if !exists {
		return nil, fmt.Errorf("%w: block %q not found", ErrMissingKey, name)
	}
	for _, b := range s.memory[ref.space] {
		if b.startingAddress == ref.startingAddress {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: block %q missing from memory table", ErrMissingKey, name)
}

// SetValues writes values at address within the named block.
func (s *Slave) SetValues(name string, address uint16, values []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.findBlock(name)
	if err != nil {
		return err
	}
	offset := int(address) - int(block.startingAddress)
	if offset < 0 || offset+len(values) > block.size() {
		return fmt.Errorf("%w: address %d size %d out of block %q", ErrOutOfModbusBlock, address, len(values), name)
	}
	block.set(offset, values)
	return nil
}

// GetValues reads size values at address within the named block.
func (s *Slave) GetValues(name string, address uint16, size int) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.findBlock(name)
	if err != nil {
		return nil, err
	}
	offset := int(address) - int(block.startingAddress)
	if offset < 0 || offset+size > block.size() {
		return nil, fmt.Errorf("%w: address %d size %d out of block %q", ErrOutOfModbusBlock, address, size, name)
	}
	return block.get(offset, size), nil
}

// SetSignedValues is the host-facing write path for a slave configured
// with UnsignedRegisters false: it takes int16 values and stores their bit
// pattern unchanged. Slaves with UnsignedRegisters true take the full
// uint16 range and must use SetValues instead, per §3.
func (s *Slave) SetSignedValues(name string, address uint16, values []int16) error {
	if s.UnsignedRegisters {
		return fmt.Errorf("%w: slave uses unsigned registers, call SetValues instead", ErrInvalidArgument)
	}
	converted := make([]uint16, len(values))
	for i, v := range values {
		converted[i] = uint16(v)
	}
	return s.SetValues(name, address, converted)
}

// GetSignedValues is the complement of SetSignedValues, reading size values
// and interpreting their bit pattern as int16.
func (s *Slave) GetSignedValues(name string, address uint16, size int) ([]int16, error) {
	if s.UnsignedRegisters {
		return nil, fmt.Errorf("%w: slave uses unsigned registers, call GetValues instead", ErrInvalidArgument)
	}
	values, err := s.GetValues(name, address, size)
	if err != nil {
		return nil, err
	}
	signed := make([]int16, len(values))
	for i, v := range values {
		signed[i] = int16(v)
	}
	return signed, nil
}

// SetExceptionStatus sets the byte returned by Read Exception Status (FC 7).
func (s *Slave) SetExceptionStatus(status byte) {
	s.mu.Lock()
	s.exceptionStatus = status
	s.mu.Unlock()
}

func (s *Slave) getBlockAndOffset(space AddressSpace, address uint16, length int) (*Block, int, error) {
	for _, block := range s.memory[space] {
		if address >= block.startingAddress {
			offset := int(address - block.startingAddress)
			if block.size() >= offset+length {
				return block, offset, nil
			}
		}
	}
	return nil, 0, &ModbusError{Code: ExceptionIllegalDataAddress}
}

// HandleRequest parses a request PDU, dispatches to the handler for its
// function code, and returns the response PDU. broadcast requests that
// reach a read function return ErrInvalidRequest, matching modbus_tk's
// "read queries cannot be broadcast" rule. A returned (nil, nil) means the
// request was a broadcast handled with no reply expected.
func (s *Slave) HandleRequest(pdu *ProtocolDataUnit, broadcast bool) (*ProtocolDataUnit, error) {
	if retval := s.hooks.Call(HookSlaveHandleRequest, s, pdu); retval != nil {
		if respPDU, ok := retval.(*ProtocolDataUnit); ok {
			return respPDU, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if broadcast {
		switch pdu.FunctionCode {
		case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
			return nil, fmt.Errorf("%w: function %d cannot be broadcast", ErrInvalidRequest, pdu.FunctionCode)
		}
	}

	handler, ok := s.handlers[pdu.FunctionCode]
	if !ok {
		s.hooks.Call(HookSlaveOnException, s, pdu.FunctionCode, &ModbusError{Code: ExceptionIllegalFunction})
		return &ProtocolDataUnit{FunctionCode: pdu.FunctionCode | exceptionBit, Data: []byte{ExceptionIllegalFunction}}, nil
	}

	respData, err := handler(pdu.Data)
	if err != nil {
		var mbErr *ModbusError
		if errors.As(err, &mbErr) {
			s.hooks.Call(HookSlaveOnException, s, pdu.FunctionCode, mbErr)
			return &ProtocolDataUnit{FunctionCode: pdu.FunctionCode | exceptionBit, Data: []byte{mbErr.Code}}, nil
		}
		return nil, err
	}

	if broadcast {
		s.hooks.Call(HookSlaveOnBroadcast, s, respData)
		return nil, nil
	}
	return &ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: respData}, nil
}

func (s *Slave) readDigital(space AddressSpace, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	if quantity < 1 || quantity > maxCoilsPerRead {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	block, offset, err := s.getBlockAndOffset(space, address, int(quantity))
	if err != nil {
		return nil, err
	}
	values := block.get(offset, int(quantity))
	bits := make([]bool, quantity)
	for i, v := range values {
		bits[i] = v != 0
	}
	packed := packBits(bits)
	resp := make([]byte, 1+len(packed))
	resp[0] = byte(len(packed))
	copy(resp[1:], packed)
	return resp, nil
}

func (s *Slave) readRegisters(space AddressSpace, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	if quantity < 1 || quantity > maxRegistersPerRead {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	block, offset, err := s.getBlockAndOffset(space, address, int(quantity))
	if err != nil {
		return nil, err
	}
	packed := registersToBytes(block.get(offset, int(quantity)))
	resp := make([]byte, 1+len(packed))
	resp[0] = byte(len(packed))
	copy(resp[1:], packed)
	return resp, nil
}

func (s *Slave) writeSingleCoil(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	address := binary.BigEndian.Uint16(data)
	value := binary.BigEndian.Uint16(data[2:])
	block, offset, err := s.getBlockAndOffset(Coils, address, 1)
	if err != nil {
		return nil, err
	}
	switch value {
	case 0x0000:
		block.set(offset, []uint16{0})
	case 0xFF00:
		block.set(offset, []uint16{1})
	default:
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	return append([]byte(nil), data[:4]...), nil
}

func (s *Slave) writeSingleRegister(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	address := binary.BigEndian.Uint16(data)
	value := binary.BigEndian.Uint16(data[2:])
	block, offset, err := s.getBlockAndOffset(HoldingRegisters, address, 1)
	if err != nil {
		return nil, err
	}
	block.set(offset, []uint16{value})
	return append([]byte(nil), data[:4]...), nil
}

func (s *Slave) writeMultipleCoils(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	declaredBytes := int(data[4])
	expected := byteCount(quantity)
	if quantity < 1 || quantity > maxCoilsPerWrite || declaredBytes != expected || len(data) < 5+expected {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	block, offset, err := s.getBlockAndOffset(Coils, address, int(quantity))
	if err != nil {
		return nil, err
	}
	bits := unpackBits(data[5:5+expected], quantity)
	values := make([]uint16, quantity)
	for i, on := range bits {
		if on {
			values[i] = 1
		}
	}
	block.set(offset, values)
	return dataBlock(address, quantity), nil
}

func (s *Slave) writeMultipleRegisters(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	declaredBytes := int(data[4])
	if quantity < 1 || quantity > maxRegistersPerWrite || declaredBytes != int(quantity)*2 || len(data) < 5+declaredBytes {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	block, offset, err := s.getBlockAndOffset(HoldingRegisters, address, int(quantity))
	if err != nil {
		return nil, err
	}
	block.set(offset, bytesToRegisters(data[5:5+declaredBytes]))
	return dataBlock(address, quantity), nil
}

func (s *Slave) maskWriteRegister(data []byte) ([]byte, error) {
	if len(data) < 6 {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	address := binary.BigEndian.Uint16(data)
	andMask := binary.BigEndian.Uint16(data[2:])
	orMask := binary.BigEndian.Uint16(data[4:])
	block, offset, err := s.getBlockAndOffset(HoldingRegisters, address, 1)
	if err != nil {
		return nil, err
	}
	current := block.get(offset, 1)[0]
	result := (current & andMask) | (orMask &^ andMask)
	block.set(offset, []uint16{result})
	return append([]byte(nil), data[:6]...), nil
}

func (s *Slave) readWriteMultipleRegisters(data []byte) ([]byte, error) {
	if len(data) < 9 {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	readAddress := binary.BigEndian.Uint16(data)
	readQuantity := binary.BigEndian.Uint16(data[2:])
	writeAddress := binary.BigEndian.Uint16(data[4:])
	writeQuantity := binary.BigEndian.Uint16(data[6:])
	declaredBytes := int(data[8])
	if readQuantity < 1 || readQuantity > maxReadWriteReadQty ||
		writeQuantity < 1 || writeQuantity > maxReadWriteWriteQty ||
		declaredBytes != int(writeQuantity)*2 || len(data) < 9+declaredBytes {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}

	wBlock, wOffset, err := s.getBlockAndOffset(HoldingRegisters, writeAddress, int(writeQuantity))
	if err != nil {
		return nil, err
	}
	wBlock.set(wOffset, bytesToRegisters(data[9:9+declaredBytes]))

	rBlock, rOffset, err := s.getBlockAndOffset(HoldingRegisters, readAddress, int(readQuantity))
	if err != nil {
		return nil, err
	}
	packed := registersToBytes(rBlock.get(rOffset, int(readQuantity)))
	resp := make([]byte, 1+len(packed))
	resp[0] = byte(len(packed))
	copy(resp[1:], packed)
	return resp, nil
}

func (s *Slave) readExceptionStatus(data []byte) ([]byte, error) {
	return []byte{s.exceptionStatus}, nil
}

// diagnostic implements sub-function 0x00 (return query data): the request
// body, sub-function included, is echoed back unchanged.
func (s *Slave) diagnostic(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, &ModbusError{Code: ExceptionIllegalDataValue}
	}
	return append([]byte(nil), data...), nil
}
