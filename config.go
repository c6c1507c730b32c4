package modbus

import "time"

// DefaultTCPPort is the standard Modbus/TCP port.
const DefaultTCPPort = 502

// Config collects the parameters needed to build a Transport, generalizing
// the teacher's separate SetTCP/SetRTU/SetASCII constructor arguments into
// one value an Option can adjust piecemeal.
type Config struct {
	Mode string // "tcp", "rtu", or "ascii"

	// TCP
	Address string

	// RTU / ASCII
	BaudRate int
	DataBits int
	Parity   string
	StopBits int

	Timeout     time.Duration
	IdleTimeout time.Duration

	// HandleLocalEcho, RTU only: discard the adapter's own transmitted
	// bytes looped back onto the receive line before reading the slave's
	// response.
	HandleLocalEcho bool
}

// DefaultConfig returns the baud/timing defaults the teacher's transport
// constructors assumed implicitly (9600 8N1, no idle close).
func DefaultConfig() Config {
	return Config{
		Mode:     "tcp",
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		Timeout:  time.Second,
	}
}

// Option mutates a Config. Apply a sequence of Options to DefaultConfig to
// build the value NewTransport needs.
type Option func(*Config)

func WithMode(mode string) Option { return func(c *Config) { c.Mode = mode } }

func WithAddress(address string) Option { return func(c *Config) { c.Address = address } }

func WithSerial(baud, dataBits int, parity string, stopBits int) Option {
	return func(c *Config) {
		c.BaudRate = baud
		c.DataBits = dataBits
		c.Parity = parity
		c.StopBits = stopBits
	}
}

func WithTimeout(timeout time.Duration) Option { return func(c *Config) { c.Timeout = timeout } }

func WithIdleTimeout(idleTimeout time.Duration) Option {
	return func(c *Config) { c.IdleTimeout = idleTimeout }
}

func WithLocalEcho(handleLocalEcho bool) Option {
	return func(c *Config) { c.HandleLocalEcho = handleLocalEcho }
}

// NewTransport builds the Transport named by the resulting Config's Mode.
func NewTransport(opts ...Option) (Transport, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.Mode {
	case "tcp":
		return NewTCPTransport(cfg.Address, cfg.Timeout, cfg.IdleTimeout), nil
	case "ascii":
		return NewASCIITransport(cfg.Address, cfg.BaudRate, cfg.DataBits, cfg.Parity, cfg.StopBits, cfg.Timeout, cfg.IdleTimeout), nil
	case "rtu", "":
		rt := NewRTUTransport(cfg.Address, cfg.BaudRate, cfg.DataBits, cfg.Parity, cfg.StopBits, cfg.Timeout, cfg.IdleTimeout)
		rt.HandleLocalEcho = cfg.HandleLocalEcho
		return rt, nil
	default:
		return nil, ErrInvalidArgument
	}
}
