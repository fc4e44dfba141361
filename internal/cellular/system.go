package cellular

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"cellular-service/internal/eventqueue"
)

// DeviceInfo is the modem identity
type DeviceInfo struct {
	Manufacturer string
	Model        string
	Revision     string
	IMEI         string
}

// System owns the state machine and its adapters and is the entry point
// for callers that just want a connection.
type System struct {
	queue   *eventqueue.Queue
	sm      *StateMachine
	network Network
	info    Information

	mu        sync.Mutex
	pin       string
	puk       string
	eventCb   EventFunc
	connected bool
}

// NewSystem wires a state machine over the given adapters. info may be
// nil. Extra options are passed on to the state machine.
func NewSystem(queue *eventqueue.Queue, power Power, sim Sim, network Network, info Information, opts ...Option) *System {
	s := &System{
		queue:   queue,
		network: network,
		info:    info,
	}

	all := append([]Option{WithSim(sim), WithNetwork(network)}, opts...)
	s.sm = NewStateMachine(queue, power, all...)
	s.sm.SetSimPinCallback(s.simCode)
	s.sm.SetEventCallback(s.onEvent)
	return s
}

// StateMachine exposes the underlying machine
func (s *System) StateMachine() *StateMachine {
	return s.sm
}

// SetSimPin stores the PIN used when the SIM asks for one
func (s *System) SetSimPin(pin string) {
	s.mu.Lock()
	s.pin = pin
	s.mu.Unlock()
}

// SetSimPuk stores the PUK used when the SIM is PUK-locked. The stored PIN
// becomes the new PIN.
func (s *System) SetSimPuk(puk string) {
	s.mu.Lock()
	s.puk = puk
	s.mu.Unlock()
}

func (s *System) simCode(state SimState) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch state {
	case SimPinNeeded:
		return s.pin, s.pin != ""
	case SimPukNeeded:
		if s.puk != "" && s.pin != "" {
			return s.puk + "," + s.pin, true
		}
	}
	return "", false
}

// SetCredentials configures the PDP context
func (s *System) SetCredentials(apn, username, password string) error {
	return s.network.SetCredentials(apn, username, password)
}

// SetPLMN selects manual registration on plmn; empty means automatic
func (s *System) SetPLMN(plmn string) {
	s.sm.SetPLMN(plmn)
}

// SetStatusCallback registers a transition observer
func (s *System) SetStatusCallback(cb TransitionFunc) {
	s.sm.SetTransitionCallback(cb)
}

// Attach registers the event callback
func (s *System) Attach(cb EventFunc) {
	s.mu.Lock()
	s.eventCb = cb
	s.mu.Unlock()
}

func (s *System) onEvent(ev Event, value int) {
	s.mu.Lock()
	if ev == EventConnectionStatusChanged {
		s.connected = ConnectionStatus(value) == ConnectionUp
	}
	cb := s.eventCb
	s.mu.Unlock()

	if cb != nil {
		cb(ev, value)
	}
}

// Connect blocks until the modem is connected or ctx is done
func (s *System) Connect(ctx context.Context) error {
	if err := s.ensureDispatch(); err != nil {
		return err
	}
	return s.sm.Connect(ctx, StateConnected)
}

// ConnectAsync starts connecting and returns. Progress is reported through
// the status callback.
func (s *System) ConnectAsync() error {
	if err := s.ensureDispatch(); err != nil {
		return err
	}
	return s.sm.Start(StateConnected)
}

func (s *System) ensureDispatch() error {
	err := s.sm.StartDispatch()
	if err == nil || errors.Is(err, ErrDispatchRunning) {
		return nil
	}
	return errors.Wrap(err, "start dispatch")
}

// Disconnect tears down the data session and stops the state machine
func (s *System) Disconnect() error {
	err := s.network.Disconnect()
	s.sm.Stop()
	s.onEvent(EventConnectionStatusChanged, int(ConnectionDown))
	if err != nil {
		return errors.Wrap(err, "disconnect")
	}
	return nil
}

// IsConnected reports whether the data session is up
func (s *System) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.sm.State() == StateConnected
}

// IPAddress returns the address of the active PDP context
func (s *System) IPAddress() (string, error) {
	if !s.IsConnected() {
		return "", Errorf(KindNoConnection, "not connected")
	}
	return s.network.IPAddress()
}

// Info reads the modem identity
func (s *System) Info(ctx context.Context) (DeviceInfo, error) {
	var info DeviceInfo
	if s.info == nil {
		return info, Errorf(KindUnsupported, "no information adapter")
	}

	fields := []struct {
		name string
		dst  *string
		get  func() (string, error)
	}{
		{"manufacturer", &info.Manufacturer, s.info.Manufacturer},
		{"model", &info.Model, s.info.Model},
		{"revision", &info.Revision, s.info.Revision},
		{"serial number", &info.IMEI, s.info.SerialNumber},
	}
	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return info, NewError(KindTimeout, err)
		}
		v, err := f.get()
		if err != nil {
			return info, errors.Wrapf(err, "read %s", f.name)
		}
		*f.dst = v
	}
	return info, nil
}
