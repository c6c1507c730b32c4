package modbus

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestRTUServerScanLoopRoundTrip(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	databank := NewDatabank()
	slave, _ := databank.AddSlave(1, false)
	_ = slave.AddBlock("holding", HoldingRegisters, 0, 4)
	_ = slave.SetValues("holding", 0, []uint16{7, 8})

	server := &RTUServer{Server: newServer(databank, nil)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- server.scanLoop(ctx, serverSide) }()

	rtu := &rtuPackager{SlaveId: 1}
	reqADU, err := rtu.Encode(&ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: dataBlock(0, 2)})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	writeDone := make(chan error, 1)
	go func() {
		_, err := clientSide.Write(reqADU)
		writeDone <- err
	}()
	if err := <-writeDone; err != nil {
		t.Fatalf("write request failed: %v", err)
	}

	respBuf := make([]byte, rtuMinSize+1+4)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := readFull(clientSide, respBuf)
	if err != nil {
		t.Fatalf("read response failed: %v", err)
	}

	respPDU, err := rtu.Decode(respBuf[:n])
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	values, err := decodeRegisterResponse(respPDU.Data, 2)
	if err != nil {
		t.Fatalf("decodeRegisterResponse failed: %v", err)
	}
	if values[0] != 7 || values[1] != 8 {
		t.Fatalf("values = %v, want [7 8]", values)
	}

	cancel()
	clientSide.Close()
	<-done
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestRTUHeaderSizeByFunctionCode(t *testing.T) {
	cases := map[byte]int{
		FuncCodeReadHoldingRegisters:       2,
		FuncCodeWriteMultipleRegisters:     7,
		FuncCodeReadWriteMultipleRegisters: 11,
	}
	for fc, want := range cases {
		if got := rtuHeaderSize(fc); got != want {
			t.Errorf("rtuHeaderSize(%#x) = %d, want %d", fc, got, want)
		}
	}
}
