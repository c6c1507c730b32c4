package modbus

import (
	"context"
	"errors"
	"testing"
)

// fakeTransport answers requests in-process using a Slave, mimicking a wire
// round trip without any socket or serial port.
type fakeTransport struct {
	packager *rtuPackager
	slave    *Slave
	sendErr  error
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Close() error                      { return nil }

func (f *fakeTransport) Send(ctx context.Context, aduRequest []byte) ([]byte, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	reqPDU, err := f.packager.Decode(aduRequest)
	if err != nil {
		return nil, err
	}
	respPDU, err := f.slave.HandleRequest(reqPDU, false)
	if err != nil {
		return nil, err
	}
	return f.packager.Encode(respPDU)
}

func newFakeClient(t *testing.T) (*Client, *Slave) {
	t.Helper()
	slave := NewSlave(1, false)
	if err := slave.AddBlock("holding", HoldingRegisters, 0, 10); err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}
	if err := slave.AddBlock("coils", Coils, 0, 10); err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}
	transport := &fakeTransport{packager: &rtuPackager{SlaveId: 1}, slave: slave}
	client := NewClient(transport, 1, "rtu")
	return client, slave
}

func TestClientReadHoldingRegisters(t *testing.T) {
	client, slave := newFakeClient(t)
	_ = slave.SetValues("holding", 0, []uint16{10, 20, 30})

	values, err := client.ReadHoldingRegisters(context.Background(), 0, 3)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if values[0] != 10 || values[1] != 20 || values[2] != 30 {
		t.Fatalf("ReadHoldingRegisters = %v, want [10 20 30]", values)
	}
}

func TestClientWriteSingleRegister(t *testing.T) {
	client, slave := newFakeClient(t)
	address, value, err := client.WriteSingleRegister(context.Background(), 2, 99)
	if err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	if address != 2 || value != 99 {
		t.Fatalf("WriteSingleRegister echoed (%d, %d), want (2, 99)", address, value)
	}
	got, err := slave.GetValues("holding", 2, 1)
	if err != nil || got[0] != 99 {
		t.Fatalf("register not written: %v, %v", got, err)
	}
}

func TestClientReadCoils(t *testing.T) {
	client, slave := newFakeClient(t)
	_ = slave.SetValues("coils", 0, []uint16{1, 0, 1})

	bits, err := client.ReadCoils(context.Background(), 0, 3)
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	if !bits[0] || bits[1] || !bits[2] {
		t.Fatalf("ReadCoils = %v, want [true false true]", bits)
	}
}

func TestClientExceptionResponseBecomesModbusError(t *testing.T) {
	client, _ := newFakeClient(t)
	_, err := client.ReadHoldingRegisters(context.Background(), 50, 1)
	var mbErr *ModbusError
	if !errors.As(err, &mbErr) {
		t.Fatalf("expected *ModbusError, got %v", err)
	}
	if mbErr.Code != ExceptionIllegalDataAddress {
		t.Fatalf("ModbusError.Code = %#x, want %#x", mbErr.Code, ExceptionIllegalDataAddress)
	}
}

func TestClientRejectsOutOfRangeQuantity(t *testing.T) {
	client, _ := newFakeClient(t)
	if _, err := client.ReadHoldingRegisters(context.Background(), 0, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for quantity 0, got %v", err)
	}
	if _, err := client.ReadHoldingRegisters(context.Background(), 0, maxRegistersPerRead+1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for quantity over max, got %v", err)
	}
}

func TestClientBlacklistBlocksAfterRepeatedFailures(t *testing.T) {
	slave := NewSlave(1, false)
	_ = slave.AddBlock("holding", HoldingRegisters, 0, 10)
	transport := &fakeTransport{packager: &rtuPackager{SlaveId: 1}, slave: slave, sendErr: errors.New("connection refused")}
	client := NewClient(transport, 1, "rtu")
	client.UseBlacklist(2, 5)

	for i := 0; i < 2; i++ {
		if _, err := client.ReadHoldingRegisters(context.Background(), 0, 1); err == nil {
			t.Fatalf("expected transport error on attempt %d", i)
		}
	}
	_, err := client.ReadHoldingRegisters(context.Background(), 0, 1)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed once blacklisted, got %v", err)
	}
}
