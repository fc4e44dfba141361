package at

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to a
// modem: a serial port, a multiplexer DLCI or an in-memory fake.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a modem
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DefaultReadTimeout lets readers notice cancellation and unbinding
const DefaultReadTimeout = 100 * time.Millisecond

// SerialDialer opens a modem over a serial port
type SerialDialer struct {
	Port        string
	Mode        serial.Mode
	ReadTimeout time.Duration
}

// Dial opens the port. Reads time out after ReadTimeout and then return
// (0, nil).
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode.BaudRate == 0 {
		mode.BaudRate = 115200
	}
	port, err := serial.Open(d.Port, &mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", d.Port)
	}

	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, errors.Wrapf(err, "set read timeout on %s", d.Port)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, errors.Wrapf(err, "flush %s", d.Port)
	}
	return port, nil
}
