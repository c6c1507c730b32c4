package modbus

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestTCPServerRoundTrip(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	databank := NewDatabank()
	slave, err := databank.AddSlave(1, false)
	if err != nil {
		t.Fatalf("AddSlave failed: %v", err)
	}
	if err := slave.AddBlock("holding", HoldingRegisters, 0, 10); err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}
	if err := slave.SetValues("holding", 0, []uint16{100, 200, 300}); err != nil {
		t.Fatalf("SetValues failed: %v", err)
	}

	server := NewTCPServer(databank)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx, listener) }()
	defer server.Close()

	transport := NewTCPTransport(listener.Addr().String(), time.Second, 0)
	client := NewClient(transport, 1, "tcp")
	defer client.Close()

	values, err := client.ReadHoldingRegisters(context.Background(), 0, 3)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if values[0] != 100 || values[1] != 200 || values[2] != 300 {
		t.Fatalf("ReadHoldingRegisters = %v, want [100 200 300]", values)
	}

	if _, _, err := client.WriteSingleRegister(context.Background(), 1, 999); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	got, err := slave.GetValues("holding", 1, 1)
	if err != nil || got[0] != 999 {
		t.Fatalf("write did not land on server: values=%v err=%v", got, err)
	}

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestTCPServerIllegalAddressException(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	databank := NewDatabank()
	slave, _ := databank.AddSlave(1, false)
	_ = slave.AddBlock("holding", HoldingRegisters, 0, 4)

	server := NewTCPServer(databank)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, listener)
	defer server.Close()

	transport := NewTCPTransport(listener.Addr().String(), time.Second, 0)
	client := NewClient(transport, 1, "tcp")
	defer client.Close()

	_, err = client.ReadHoldingRegisters(context.Background(), 50, 1)
	var mbErr *ModbusError
	if !errors.As(err, &mbErr) {
		t.Fatalf("expected *ModbusError, got %v", err)
	}
	if mbErr.Code != ExceptionIllegalDataAddress {
		t.Fatalf("expected illegal data address exception, got %#x", mbErr.Code)
	}
}
