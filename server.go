package modbus

import (
	"context"
	"log/slog"
)

// Server answers Modbus requests against a Databank over one transport
// kind (TCP or RTU). TCPServer and RTUServer embed it for the parts of
// lifecycle management and request dispatch that don't depend on framing.
type Server struct {
	Databank *Databank
	Logger   *slog.Logger

	hooks *hookRegistry
}

func newServer(db *Databank, logger *slog.Logger) Server {
	if db == nil {
		db = NewDatabank()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Server{Databank: db, Logger: logger, hooks: defaultHooks}
}

// AddSlave registers a new slave on the server's databank.
func (s *Server) AddSlave(id byte, unsignedRegisters bool) (*Slave, error) {
	return s.Databank.AddSlave(id, unsignedRegisters)
}

// GetSlave returns the slave registered at id.
func (s *Server) GetSlave(id byte) (*Slave, error) { return s.Databank.GetSlave(id) }

// RemoveSlave unregisters the slave at id.
func (s *Server) RemoveSlave(id byte) error { return s.Databank.RemoveSlave(id) }

// RemoveAllSlaves unregisters every slave.
func (s *Server) RemoveAllSlaves() { s.Databank.RemoveAllSlaves() }

// handle runs one request through the before/after hook points around the
// databank, the single entry point both server loops funnel requests
// through.
func (s *Server) handle(ctx context.Context, unitID byte, pdu *ProtocolDataUnit) *ProtocolDataUnit {
	if retval := s.hooks.Call(HookServerBeforeHandle, unitID, pdu); retval != nil {
		if respPDU, ok := retval.(*ProtocolDataUnit); ok {
			return respPDU
		}
	}
	respPDU, err := s.Databank.HandleRequest(unitID, pdu)
	if err != nil {
		s.Logger.Warn("modbus: request error", "unit", unitID, "function", pdu.FunctionCode, "error", err)
		return nil
	}
	s.hooks.Call(HookServerAfterHandle, unitID, pdu, respPDU)
	return respPDU
}
