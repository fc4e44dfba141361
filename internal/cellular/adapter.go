package cellular

import (
	"context"
	"time"
)

// Power controls the modem supply and AT readiness
type Power interface {
	// On powers the modem. Return an ErrUnsupported-tagged error when
	// power is not software controlled.
	On() error
	Off() error
	// SetATMode brings the command interpreter into a known state
	SetATMode() error
	SetDeviceReadyURC(cb func()) error
	RemoveDeviceReadyURC() error
}

// Sim reads and unlocks the SIM
type Sim interface {
	State() (SimState, error)
	// SetPin enters a PIN, or "puk,new_pin" while PUK-locked
	SetPin(secret string) error
}

// Network drives registration, attach and the packet data session
type Network interface {
	Init() error
	// Attach registers the callback used for URC-driven events. The
	// callback may be invoked from any goroutine.
	Attach(cb func(ev Event, value int))
	SetRegistrationURC(t RegistrationType, on bool) error
	// SetRegistration selects automatic registration for an empty plmn,
	// manual registration on plmn otherwise
	SetRegistration(plmn string) error
	RegistrationStatus(t RegistrationType) (RegistrationStatus, error)
	RegisteringMode() (RegisteringMode, error)
	AttachStatus() (AttachStatus, error)
	SetAttach() error
	SetCredentials(apn, username, password string) error
	ActivateContext() error
	Connect() error
	Disconnect() error
	IPAddress() (string, error)
	OperatorParams() (OperatorFormat, Operator, error)
	OperatorNames() ([]OperatorName, error)
}

// Information reads the modem identity
type Information interface {
	Manufacturer() (string, error)
	Model() (string, error)
	Revision() (string, error)
	SerialNumber() (string, error)
}

// Multiplexer opens the 07.10 session and moves the adapters onto their
// own channels
type Multiplexer interface {
	Open(ctx context.Context) error
}

// TimeoutSetter adjusts the deadline for subsequent AT round-trips
type TimeoutSetter interface {
	SetTimeout(d time.Duration)
}

// AT round-trip deadlines per stage
const (
	TimeoutPowerOn      = 1 * time.Second
	TimeoutSimPin       = 1 * time.Second
	TimeoutNetwork      = 10 * time.Second
	TimeoutConnect      = 60 * time.Second
	TimeoutRegistration = 180 * time.Second
)
