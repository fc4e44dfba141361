package cellular

import "fmt"

// State is a phase of the connection sequence. The order of the constants
// is the dependency order.
type State int

const (
	StateInit State = iota
	StatePowerOn
	StateDeviceReady
	StateMux
	StateSimPin
	StateRegisteringNetwork
	StateManualRegisteringNetwork
	StateAttachingNetwork
	StateActivatingPdpContext
	StateConnectingNetwork
	StateConnected
)

var stateNames = [...]string{
	"Init",
	"Power on",
	"Device ready",
	"Mux",
	"SIM pin",
	"Registering network",
	"Manual registering network",
	"Attaching network",
	"Activating PDP context",
	"Connecting network",
	"Connected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// RegistrationStatus follows the 27.007 <stat> values
type RegistrationStatus int

const (
	NotRegistered RegistrationStatus = iota
	RegisteredHome
	Searching
	RegistrationDenied
	RegistrationUnknown
	RegisteredRoaming
	SmsOnlyHome
	SmsOnlyRoaming
	EmergencyOnly
	CsfbNotPreferredHome
	CsfbNotPreferredRoaming
)

var registrationNames = [...]string{
	"not-registered",
	"home",
	"searching",
	"denied",
	"unknown",
	"roaming",
	"sms-only-home",
	"sms-only-roaming",
	"emergency-only",
	"csfb-not-preferred-home",
	"csfb-not-preferred-roaming",
}

// IsRegistered reports whether packet data can be expected on this
// registration
func (s RegistrationStatus) IsRegistered() bool {
	return s == RegisteredHome || s == RegisteredRoaming
}

// IsRoaming reports whether the registration is on a visited network
func (s RegistrationStatus) IsRoaming() bool {
	return s == RegisteredRoaming || s == SmsOnlyRoaming || s == CsfbNotPreferredRoaming
}

func (s RegistrationStatus) String() string {
	if s < 0 || int(s) >= len(registrationNames) {
		return "unknown"
	}
	return registrationNames[s]
}

// RegistrationType selects the registration domain to query
type RegistrationType int

const (
	EREG RegistrationType = iota // EPS
	GREG                         // GPRS
	REG                          // circuit switched
)

// RegistrationTypes lists every type in query order
var RegistrationTypes = []RegistrationType{EREG, GREG, REG}

func (t RegistrationType) String() string {
	switch t {
	case EREG:
		return "CEREG"
	case GREG:
		return "CGREG"
	case REG:
		return "CREG"
	}
	return fmt.Sprintf("RegistrationType(%d)", int(t))
}

// SimState is the lock state of the SIM
type SimState int

const (
	SimUnknown SimState = iota
	SimReady
	SimPinNeeded
	SimPukNeeded
)

func (s SimState) String() string {
	switch s {
	case SimReady:
		return "ready"
	case SimPinNeeded:
		return "pin-needed"
	case SimPukNeeded:
		return "puk-needed"
	}
	return "unknown"
}

// RegisteringMode is the +COPS <mode>
type RegisteringMode int

const (
	ModeAutomatic RegisteringMode = iota
	ModeManual
	ModeDeregister
	ModeSetOnly
	ModeManualAutomatic
)

// AttachStatus is the PS attach state
type AttachStatus int

const (
	Detached AttachStatus = iota
	Attached
)

// OperatorFormat is the +COPS <format>
type OperatorFormat int

const (
	OperatorAlphaLong OperatorFormat = iota
	OperatorAlphaShort
	OperatorNumeric
)

// Operator is the currently selected operator as reported by the modem.
// Only the field matching the reported format is filled.
type Operator struct {
	Long    string
	Short   string
	Numeric string
}

// OperatorName maps a numeric PLMN to its alphanumeric name
type OperatorName struct {
	Numeric string
	Alpha   string
}

// Event identifies a status notification delivered to the event callback
type Event int

const (
	EventDeviceReady Event = iota + 1
	EventSimStatusChanged
	EventRegistrationStatusChanged
	EventRegistrationTypeChanged
	EventCellIDChanged
	EventRadioAccessTechnologyChanged
	EventConnectionStatusChanged
)

func (e Event) String() string {
	switch e {
	case EventDeviceReady:
		return "device-ready"
	case EventSimStatusChanged:
		return "sim-status-changed"
	case EventRegistrationStatusChanged:
		return "registration-status-changed"
	case EventRegistrationTypeChanged:
		return "registration-type-changed"
	case EventCellIDChanged:
		return "cell-id-changed"
	case EventRadioAccessTechnologyChanged:
		return "radio-access-technology-changed"
	case EventConnectionStatusChanged:
		return "connection-status-changed"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// ConnectionStatus is the payload of EventConnectionStatusChanged
type ConnectionStatus int

const (
	ConnectionDown ConnectionStatus = iota
	ConnectionUp
)

func (s ConnectionStatus) String() string {
	if s == ConnectionUp {
		return "connected"
	}
	return "disconnected"
}
