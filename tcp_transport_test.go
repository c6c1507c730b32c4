package modbus

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTCPTransportRedialsAfterSendFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	transport := NewTCPTransport(listener.Addr().String(), time.Second, 0)
	defer transport.Close()

	// first connection: accept then close immediately without replying,
	// forcing Send to fail on the response read.
	go func() {
		conn := <-accepted
		conn.Close()
	}()

	pdu := &ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: dataBlock(0, 1)}
	packager := &tcpPackager{SlaveId: 1}
	reqADU, err := packager.Encode(pdu)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if _, err := transport.Send(context.Background(), reqADU); err == nil {
		t.Fatal("expected Send to fail against a connection closed by the peer")
	}

	transport.mu.Lock()
	stale := transport.conn
	transport.mu.Unlock()
	if stale != nil {
		t.Fatal("expected TCPTransport to drop its broken connection after a failed Send")
	}

	// second connection: accept, answer the request, and confirm the
	// transport redialed instead of reusing the dead connection.
	serverDone := make(chan error, 1)
	go func() {
		conn := <-accepted
		defer conn.Close()
		header := make([]byte, tcpHeaderSize)
		if _, err := readFullConn(conn, header); err != nil {
			serverDone <- err
			return
		}
		length := readMBAPLength(header)
		body := make([]byte, length-1)
		if _, err := readFullConn(conn, body); err != nil {
			serverDone <- err
			return
		}
		_, unitID, reqPDU, err := packager.DecodeRequest(append(header, body...))
		if err != nil {
			serverDone <- err
			return
		}
		respPDU := &ProtocolDataUnit{FunctionCode: reqPDU.FunctionCode, Data: []byte{2, 0, 7}}
		txID := uint16(header[0])<<8 | uint16(header[1])
		adu, err := packager.EncodeResponse(txID, unitID, respPDU)
		if err != nil {
			serverDone <- err
			return
		}
		_, err = conn.Write(adu)
		serverDone <- err
	}()

	resp, err := transport.Send(context.Background(), reqADU)
	if err != nil {
		t.Fatalf("Send after redial failed: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server side failed: %v", err)
	}
	respPDU, err := packager.Decode(resp)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(respPDU.Data) != 3 || respPDU.Data[2] != 7 {
		t.Fatalf("unexpected response data % x", respPDU.Data)
	}
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
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
