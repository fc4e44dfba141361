package modem

import (
	"context"

	"github.com/pkg/errors"

	"cellular-service/internal/at"
	"cellular-service/internal/cellular"
)

// DefaultReadyURC is sent by most modules once the AT interpreter is up.
// Cinterion ELS61 sends "+PBREADY" instead.
const DefaultReadyURC = "RDY"

// Switch drives the modem power key. *gpio.Switch satisfies it.
type Switch interface {
	On() error
	Off() error
}

// Power implements cellular.Power
type Power struct {
	cmd      Commander
	sw       Switch
	readyURC string
	logger   func(string, ...interface{})
}

// NewPower creates the power adapter. sw may be nil when the modem is
// powered by the board.
func NewPower(cmd Commander, sw Switch, readyURC string, logger func(string, ...interface{})) *Power {
	if readyURC == "" {
		readyURC = DefaultReadyURC
	}
	if logger == nil {
		logger = nopLogger
	}
	return &Power{cmd: cmd, sw: sw, readyURC: readyURC, logger: logger}
}

// On pulses the power key
func (p *Power) On() error {
	if p.sw == nil {
		return cellular.Errorf(cellular.KindUnsupported, "no power switch")
	}
	if err := p.sw.On(); err != nil {
		return cellular.NewError(cellular.KindTransport, errors.Wrap(err, "power on"))
	}
	return nil
}

// Off pulses the power key for shutdown
func (p *Power) Off() error {
	if p.sw == nil {
		return cellular.Errorf(cellular.KindUnsupported, "no power switch")
	}
	if err := p.sw.Off(); err != nil {
		return cellular.NewError(cellular.KindTransport, errors.Wrap(err, "power off"))
	}
	return nil
}

// SetATMode checks the interpreter responds, disables echo and selects
// numeric +CME errors
func (p *Power) SetATMode() error {
	ctx := context.Background()
	for _, cmd := range []string{at.CmdAt, at.CmdEchoOff, at.CmdNumericErrors} {
		if _, err := p.cmd.Command(ctx, cmd); err != nil {
			return tag(err, false)
		}
	}
	return nil
}

// SetDeviceReadyURC calls cb whenever the ready URC arrives
func (p *Power) SetDeviceReadyURC(cb func()) error {
	p.log("Waiting for %s", p.readyURC)
	p.cmd.AddURCHandler(p.readyURC, func(string) { cb() })
	return nil
}

// RemoveDeviceReadyURC drops the ready URC handler
func (p *Power) RemoveDeviceReadyURC() error {
	p.cmd.RemoveURCHandler(p.readyURC)
	return nil
}

func (p *Power) log(format string, args ...interface{}) {
	p.logger("[MODEM] "+format, args...)
}
