package modbus

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// rtuExceptionSize is the frame length of an RTU exception response:
// address(1) + function|0x80(1) + exception code(1) + crc(2).
const rtuExceptionSize = 5

// Transport sends a framed request ADU over the wire and returns the framed
// response ADU. Connect is implicit: Send dials/opens on first use and
// keeps the link warm until IdleTimeout elapses or Close is called.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error)
}

// TCPTransport carries Modbus/TCP (MBAP-framed) ADUs over a persistent
// net.Conn, reconnecting lazily after an idle close or a prior failure.
type TCPTransport struct {
	Address     string
	Timeout     time.Duration
	IdleTimeout time.Duration
	Logger      *log.Logger

	mu           sync.Mutex
	conn         net.Conn
	closeTimer   *time.Timer
	lastActivity time.Time
}

func NewTCPTransport(address string, timeout, idleTimeout time.Duration) *TCPTransport {
	return &TCPTransport{Address: address, Timeout: timeout, IdleTimeout: idleTimeout}
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connect(ctx)
}

// connect dials if not already connected. Caller must hold mu.
func (t *TCPTransport) connect(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

// Send writes aduRequest and reads back one MBAP-framed response.
func (t *TCPTransport) Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err = t.connect(ctx); err != nil {
		return nil, err
	}
	t.lastActivity = time.Now()
	t.startCloseTimer()

	deadline, ok := ctx.Deadline()
	if !ok && t.Timeout > 0 {
		deadline = t.lastActivity.Add(t.Timeout)
	}
	if err = t.conn.SetDeadline(deadline); err != nil {
		t.close()
		return nil, err
	}

	t.logf("modbus: sending % x", aduRequest)
	if _, err = t.conn.Write(aduRequest); err != nil {
		t.close()
		return nil, err
	}

	header := make([]byte, tcpHeaderSize)
	if _, err = io.ReadFull(t.conn, header); err != nil {
		t.close()
		return nil, err
	}
	length := readMBAPLength(header)
	if length <= 0 || length > tcpMaxADUSize-tcpHeaderSize+1 {
		t.flush()
		return nil, fmt.Errorf("%w: mbap length %d out of range", ErrInvalidMbap, length)
	}
	body := make([]byte, length-1)
	if _, err = io.ReadFull(t.conn, body); err != nil {
		t.close()
		return nil, err
	}
	aduResponse = append(header, body...)
	t.logf("modbus: received % x", aduResponse)
	return aduResponse, nil
}

func (t *TCPTransport) startCloseTimer() {
	if t.IdleTimeout <= 0 {
		return
	}
	if t.closeTimer == nil {
		t.closeTimer = time.AfterFunc(t.IdleTimeout, t.closeIdle)
	} else {
		t.closeTimer.Reset(t.IdleTimeout)
	}
}

func (t *TCPTransport) closeIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.IdleTimeout <= 0 {
		return
	}
	if idle := time.Since(t.lastActivity); idle >= t.IdleTimeout {
		t.logf("modbus: closing connection due to idle timeout: %v", idle)
		t.close()
	}
}

// flush discards any pending bytes left on the connection after a framing
// error, so the next request doesn't read a stale response. It reads until
// the line has been quiet for 50ms.
func (t *TCPTransport) flush() {
	var discard [256]byte
	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
			return
		}
		if _, err := t.conn.Read(discard[:]); err != nil {
			return
		}
	}
}

func (t *TCPTransport) logf(format string, v ...interface{}) {
	if t.Logger != nil {
		t.Logger.Printf(format, v...)
	}
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.close()
}

func (t *TCPTransport) close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// serialPort owns the goburrow/serial connection shared by RTU and ASCII
// transports: dial-on-demand, an idle-close timer, and a wire-tracing
// logger hook.
type serialPort struct {
	serial.Config

	Logger      *log.Logger
	IdleTimeout time.Duration

	mu           sync.Mutex
	port         io.ReadWriteCloser
	lastActivity time.Time
	closeTimer   *time.Timer
}

func (s *serialPort) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connect()
}

// connect opens the serial port if not already open. Caller must hold mu.
func (s *serialPort) connect() error {
	if s.port != nil {
		return nil
	}
	port, err := serial.Open(&s.Config)
	if err != nil {
		return err
	}
	s.port = port
	return nil
}

func (s *serialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close()
}

func (s *serialPort) close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *serialPort) logf(format string, v ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

func (s *serialPort) startCloseTimer() {
	if s.IdleTimeout <= 0 {
		return
	}
	if s.closeTimer == nil {
		s.closeTimer = time.AfterFunc(s.IdleTimeout, s.closeIdle)
	} else {
		s.closeTimer.Reset(s.IdleTimeout)
	}
}

func (s *serialPort) closeIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IdleTimeout <= 0 {
		return
	}
	if idle := time.Since(s.lastActivity); idle >= s.IdleTimeout {
		s.logf("modbus: closing connection due to idle timeout: %v", idle)
		s.close()
	}
}

// RTUTransport carries Modbus RTU ADUs over a serial port, pacing writes
// and reads by the wire's t0 character time (timing.go) instead of fixed
// delays.
type RTUTransport struct {
	serialPort

	// HandleLocalEcho reads back and discards len(aduRequest) bytes right
	// after writing, for RS-485 adapters that loop the transmitted bytes
	// back onto the receive line ahead of the slave's real response.
	HandleLocalEcho bool
}

func NewRTUTransport(address string, baud, dataBits int, parity string, stopBits int, timeout, idleTimeout time.Duration) *RTUTransport {
	rt := &RTUTransport{}
	rt.Address = address
	rt.BaudRate = baud
	rt.DataBits = dataBits
	rt.Parity = parity
	rt.StopBits = stopBits
	rt.Timeout = timeout
	rt.IdleTimeout = idleTimeout
	return rt
}

// Send writes aduRequest, waits out the inter-frame delay, then reads the
// minimum RTU frame followed by whatever remains of the expected response
// (a full reply or a 5-byte exception), rather than blocking for a fixed
// per-baud-rate guess.
func (rt *RTUTransport) Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err = rt.connect(); err != nil {
		return nil, err
	}
	rt.lastActivity = time.Now()
	rt.startCloseTimer()

	rt.logf("modbus: sending % x", aduRequest)
	if _, err = rt.port.Write(aduRequest); err != nil {
		rt.close()
		return nil, err
	}
	if rt.HandleLocalEcho {
		echo := make([]byte, len(aduRequest))
		if _, err = io.ReadFull(rt.port, echo); err != nil {
			rt.close()
			return nil, err
		}
	}

	function := aduRequest[1]
	wantLength := expectedResponseLength(aduRequest)
	time.Sleep(interFrameDelay(rt.BaudRate))

	var data [rtuMaxSize]byte
	n, err := io.ReadAtLeast(rt.port, data[:], rtuMinSize)
	if err != nil {
		rt.close()
		return nil, err
	}
	switch {
	case data[1] == function:
		if n < wantLength && wantLength <= rtuMaxSize {
			more, err2 := io.ReadFull(rt.port, data[n:wantLength])
			if err2 != nil {
				rt.close()
				return nil, err2
			}
			n += more
		}
	case data[1] == function|exceptionBit:
		if n < rtuExceptionSize {
			more, err2 := io.ReadFull(rt.port, data[n:rtuExceptionSize])
			if err2 != nil {
				rt.close()
				return nil, err2
			}
			n += more
		}
	}
	aduResponse = append([]byte(nil), data[:n]...)
	rt.logf("modbus: received % x", aduResponse)
	return aduResponse, nil
}

// ASCIITransport carries Modbus ASCII ADUs over a serial port, reading
// until the "\r\n" frame terminator is seen.
type ASCIITransport struct {
	serialPort
}

func NewASCIITransport(address string, baud, dataBits int, parity string, stopBits int, timeout, idleTimeout time.Duration) *ASCIITransport {
	at := &ASCIITransport{}
	at.Address = address
	at.BaudRate = baud
	at.DataBits = dataBits
	at.Parity = parity
	at.StopBits = stopBits
	at.Timeout = timeout
	at.IdleTimeout = idleTimeout
	return at
}

func (at *ASCIITransport) Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error) {
	at.mu.Lock()
	defer at.mu.Unlock()

	if err = at.connect(); err != nil {
		return nil, err
	}
	at.lastActivity = time.Now()
	at.startCloseTimer()

	at.logf("modbus: sending %q", aduRequest)
	if _, err = at.port.Write(aduRequest); err != nil {
		at.close()
		return nil, err
	}

	var data [asciiMaxSize]byte
	length := 0
	for {
		n, err2 := at.port.Read(data[length:])
		if err2 != nil {
			at.close()
			return nil, err2
		}
		length += n
		if length >= asciiMaxSize || n == 0 {
			break
		}
		if length > asciiMinSize && string(data[length-len(asciiEnd):length]) == asciiEnd {
			break
		}
	}
	aduResponse = append([]byte(nil), data[:length]...)
	at.logf("modbus: received %q", aduResponse)
	return aduResponse, nil
}
