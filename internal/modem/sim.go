package modem

import (
	"context"
	"fmt"
	"strings"

	"cellular-service/internal/at"
	"cellular-service/internal/cellular"
)

// Sim implements cellular.Sim with +CPIN
type Sim struct {
	cmd Commander
}

// NewSim creates the SIM adapter
func NewSim(cmd Commander) *Sim {
	return &Sim{cmd: cmd}
}

// State reads the lock state
func (s *Sim) State() (cellular.SimState, error) {
	const cmd = "AT+CPIN?"

	lines, err := s.cmd.Command(context.Background(), cmd)
	if err != nil {
		return cellular.SimUnknown, tag(err, false)
	}
	v, ok := at.Value(lines, "+CPIN:")
	if !ok {
		return cellular.SimUnknown, badResponse(cmd, lines)
	}

	switch v {
	case "READY":
		return cellular.SimReady, nil
	case "SIM PIN":
		return cellular.SimPinNeeded, nil
	case "SIM PUK":
		return cellular.SimPukNeeded, nil
	}
	return cellular.SimUnknown, nil
}

// SetPin enters the PIN, or "puk,new_pin" while PUK-locked
func (s *Sim) SetPin(secret string) error {
	var cmd, logged string
	if puk, pin, ok := strings.Cut(secret, ","); ok {
		cmd = fmt.Sprintf(`AT+CPIN="%s","%s"`, puk, pin)
		logged = `AT+CPIN="****","****"`
	} else {
		cmd = fmt.Sprintf(`AT+CPIN="%s"`, secret)
		logged = `AT+CPIN="****"`
	}

	_, err := s.cmd.CommandSecret(context.Background(), cmd, logged)
	return tag(err, true)
}
