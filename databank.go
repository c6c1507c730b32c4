package modbus

import (
	"errors"
	"fmt"
	"sync"
)

// Databank owns the set of slaves a server answers for and routes each
// incoming request to the slave named by its unit id.
type Databank struct {
	mu     sync.RWMutex
	slaves map[byte]*Slave

	// ErrorOnMissingSlave controls the response to a request for a unit id
	// with no registered slave: true raises an error the server can log and
	// answer with a timeout (no reply), false silently drops the request.
	ErrorOnMissingSlave bool

	hooks *hookRegistry
}

// NewDatabank creates an empty databank.
func NewDatabank() *Databank {
	return &Databank{slaves: make(map[byte]*Slave), hooks: defaultHooks, ErrorOnMissingSlave: true}
}

// AddSlave registers a new slave at id (1-247) and returns it.
func (d *Databank) AddSlave(id byte, unsignedRegisters bool) (*Slave, error) {
	if id < 1 || id > 247 {
		return nil, fmt.Errorf("%w: slave id %d out of range 1-247", ErrInvalidArgument, id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.slaves[id]; exists {
		return nil, fmt.Errorf("%w: slave %d already exists", ErrDuplicatedKey, id)
	}
	slave := NewSlave(id, unsignedRegisters)
	slave.hooks = d.hooks
	d.slaves[id] = slave
	return slave, nil
}

// GetSlave returns the slave registered at id.
func (d *Databank) GetSlave(id byte) (*Slave, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	slave, exists := d.slaves[id]
	if !exists {
		return nil, fmt.Errorf("%w: slave %d not found", ErrMissingKey, id)
	}
	return slave, nil
}

// RemoveSlave unregisters the slave at id.
func (d *Databank) RemoveSlave(id byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.slaves[id]; !exists {
		return fmt.Errorf("%w: slave %d not found", ErrMissingKey, id)
	}
	delete(d.slaves, id)
	return nil
}

// RemoveAllSlaves unregisters every slave.
func (d *Databank) RemoveAllSlaves() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slaves = make(map[byte]*Slave)
}

// HandleRequest routes pdu to the slave named by unitID. unitID 0 is the
// broadcast address: the request is delivered to every slave and no
// response is ever returned, matching the wire semantics of a Modbus
// broadcast write. A (nil, nil) result otherwise means the request must
// not be answered (unknown slave with ErrorOnMissingSlave unset).
func (d *Databank) HandleRequest(unitID byte, pdu *ProtocolDataUnit) (*ProtocolDataUnit, error) {
	if unitID == 0 {
		d.mu.RLock()
		slaves := make([]*Slave, 0, len(d.slaves))
		for _, s := range d.slaves {
			slaves = append(slaves, s)
		}
		d.mu.RUnlock()
		for _, s := range slaves {
			if _, err := s.HandleRequest(pdu, true); err != nil {
				d.hooks.Call(HookDatabankOnError, unitID, pdu, err)
			}
		}
		return nil, nil
	}

	slave, err := d.GetSlave(unitID)
	if err != nil {
		if d.ErrorOnMissingSlave {
			return nil, err
		}
		return nil, nil
	}

	respPDU, err := slave.HandleRequest(pdu, false)
	if err != nil {
		d.hooks.Call(HookDatabankOnError, unitID, pdu, err)
		var mbErr *ModbusError
		if errors.As(err, &mbErr) {
			return &ProtocolDataUnit{FunctionCode: pdu.FunctionCode | exceptionBit, Data: []byte{mbErr.Code}}, nil
		}
		return &ProtocolDataUnit{FunctionCode: pdu.FunctionCode | exceptionBit, Data: []byte{ExceptionSlaveDeviceFailure}}, nil
	}
	return respPDU, nil
}
