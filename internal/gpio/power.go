package gpio

import (
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

// Pulse timing for a PWRKEY style power input. The defaults suit SIMCom and
// Quectel modules; Off includes the settle time before the modem may be
// switched on again.
const (
	DefaultOnPulse  = 500 * time.Millisecond
	DefaultOffPulse = 3500 * time.Millisecond
	DefaultOffWait  = 12 * time.Second

	consumer = "cellular-power"
)

// Timing overrides the pulse lengths
type Timing struct {
	OnPulse  time.Duration
	OffPulse time.Duration
	OffWait  time.Duration
}

// Switch pulses the modem power key on one GPIO line
type Switch struct {
	chip   string
	offset int
	timing Timing
	line   *gpiocdev.Line
	sleep  func(time.Duration)
	logger func(string, ...interface{})
}

// NewSwitch creates a switch for line offset on chip, e.g. "gpiochip3", 14.
// Zero timing fields take the defaults.
func NewSwitch(chip string, offset int, timing Timing, logger func(string, ...interface{})) *Switch {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	if timing.OnPulse <= 0 {
		timing.OnPulse = DefaultOnPulse
	}
	if timing.OffPulse <= 0 {
		timing.OffPulse = DefaultOffPulse
	}
	if timing.OffWait < 0 {
		timing.OffWait = 0
	} else if timing.OffWait == 0 {
		timing.OffWait = DefaultOffWait
	}

	return &Switch{
		chip:   chip,
		offset: offset,
		timing: timing,
		sleep:  time.Sleep,
		logger: logger,
	}
}

// Init requests the line as output, initially low
func (s *Switch) Init() error {
	line, err := gpiocdev.RequestLine(s.chip, s.offset,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer(consumer),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to request GPIO %s:%d", s.chip, s.offset)
	}

	s.line = line
	s.log("Power switch initialized (chip=%s, line=%d)", s.chip, s.offset)
	return nil
}

// Close releases the line
func (s *Switch) Close() error {
	if s.line == nil {
		return nil
	}

	err := s.line.Close()
	s.line = nil
	s.log("Power switch closed")
	return err
}

// On sends the power-on pulse
func (s *Switch) On() error {
	s.log("Sending power ON pulse (%s)", s.timing.OnPulse)
	if err := s.pulse(s.timing.OnPulse); err != nil {
		return err
	}
	s.log("Power ON pulse complete")
	return nil
}

// Off sends the power-off pulse and waits for the modem to shut down
func (s *Switch) Off() error {
	s.log("Sending power OFF pulse (%s)", s.timing.OffPulse)
	if err := s.pulse(s.timing.OffPulse); err != nil {
		return err
	}

	s.log("Power OFF pulse complete, waiting %s", s.timing.OffWait)
	s.sleep(s.timing.OffWait)
	return nil
}

// Cycle switches the modem off and on again
func (s *Switch) Cycle() error {
	s.log("Power cycling modem")

	if err := s.Off(); err != nil {
		return errors.Wrap(err, "power cycle failed during power off")
	}
	if err := s.On(); err != nil {
		return errors.Wrap(err, "power cycle failed during power on")
	}

	s.log("Power cycle complete")
	return nil
}

func (s *Switch) pulse(d time.Duration) error {
	if s.line == nil {
		return errors.New("GPIO not initialized")
	}

	if err := s.line.SetValue(1); err != nil {
		return errors.Wrap(err, "failed to set GPIO high")
	}
	s.sleep(d)
	if err := s.line.SetValue(0); err != nil {
		return errors.Wrap(err, "failed to set GPIO low")
	}
	return nil
}

func (s *Switch) log(format string, args ...interface{}) {
	s.logger("[GPIO] "+format, args...)
}
