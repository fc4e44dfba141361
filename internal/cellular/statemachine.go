package cellular

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"cellular-service/internal/eventqueue"
	"cellular-service/internal/retry"
)

const noTimeout time.Duration = -1

// ErrDispatchRunning is returned by StartDispatch when the worker is
// already up
var ErrDispatchRunning = errors.New("dispatch already running")

// TransitionFunc is called on every state change, on retry exhaustion
// (from == to, err tagged KindNoConnection) and on fatal errors. Returning
// false halts progression.
type TransitionFunc func(from, to State, err error) bool

// EventFunc receives forwarded URC and status events
type EventFunc func(ev Event, value int)

// SimPinFunc supplies the PIN for SimPinNeeded, or "puk,new_pin" for
// SimPukNeeded. Returning false means no code is available.
type SimPinFunc func(state SimState) (string, bool)

// StateMachine sequences the modem from power-on to a connected packet
// data session. All of its state lives on the event queue; the public
// methods hand work over to the queue and return.
type StateMachine struct {
	queue    *eventqueue.Queue
	power    Power
	sim      Sim
	network  Network
	mux      Multiplexer
	timeouts TimeoutSetter
	idleAT   time.Duration
	policy   retry.Policy
	logger   func(string, ...interface{})
	rnd      func(n int64) int64

	startDelayMax time.Duration

	// owned by the queue
	state           State
	nextState       State
	target          State
	retryCount      int
	eventTimeout    time.Duration
	eventID         eventqueue.ID
	halted          bool
	urcsSet         bool
	plmn            string
	plmnFound       bool
	registrationSet bool
	readyURCSet     bool
	networkAttached bool
	networkInit     bool

	mu           sync.Mutex
	snapshot     State
	transitionCb TransitionFunc
	eventCb      EventFunc
	simPinCb     SimPinFunc
	waiter       *waiter

	inCallback atomic.Int32

	workerMu   sync.Mutex
	workerDone chan struct{}
}

type waiter struct {
	target State
	done   chan error
}

// Option configures a StateMachine
type Option func(*StateMachine)

// WithSim sets the SIM adapter
func WithSim(sim Sim) Option {
	return func(sm *StateMachine) { sm.sim = sim }
}

// WithNetwork sets the network adapter
func WithNetwork(nw Network) Option {
	return func(sm *StateMachine) { sm.network = nw }
}

// WithMultiplexer enables the Mux state
func WithMultiplexer(m Multiplexer) Option {
	return func(sm *StateMachine) { sm.mux = m }
}

// WithPolicy overrides the default backoff policy
func WithPolicy(p retry.Policy) Option {
	return func(sm *StateMachine) { sm.policy = p }
}

// WithStartDelayMax spreads power-on of a fleet over [0, d)
func WithStartDelayMax(d time.Duration) Option {
	return func(sm *StateMachine) { sm.startDelayMax = d }
}

// WithTimeoutSetter lets the machine adjust AT deadlines per state
func WithTimeoutSetter(ts TimeoutSetter) Option {
	return func(sm *StateMachine) { sm.timeouts = ts }
}

// WithIdleTimeout sets the AT deadline used while no state operation is
// running: in Init, once Connected, after exhaustion and after Stop
func WithIdleTimeout(d time.Duration) Option {
	return func(sm *StateMachine) { sm.idleAT = d }
}

// WithLogger sets the log function
func WithLogger(logger func(string, ...interface{})) Option {
	return func(sm *StateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithRand replaces the start delay jitter source
func WithRand(rnd func(n int64) int64) Option {
	return func(sm *StateMachine) { sm.rnd = rnd }
}

// NewStateMachine creates a machine in StateInit
func NewStateMachine(queue *eventqueue.Queue, power Power, opts ...Option) *StateMachine {
	sm := &StateMachine{
		queue:        queue,
		power:        power,
		policy:       retry.Default(),
		logger:       func(string, ...interface{}) {},
		rnd:          rand.Int63n,
		state:        StateInit,
		nextState:    StateInit,
		target:       StateConnected,
		eventTimeout: noTimeout,
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// SetSimAndNetwork replaces the SIM and network adapters
func (sm *StateMachine) SetSimAndNetwork(sim Sim, nw Network) {
	sm.queue.Post(func() {
		if sm.networkAttached && sm.network != nil {
			sm.network.Attach(nil)
		}
		sm.sim = sim
		sm.network = nw
		sm.networkAttached = false
		sm.networkInit = false
	})
}

// SetPLMN selects manual registration on plmn; empty means automatic
func (sm *StateMachine) SetPLMN(plmn string) {
	sm.queue.Post(func() {
		sm.plmn = plmn
		sm.plmnFound = false
	})
}

// SetTransitionCallback registers the status callback
func (sm *StateMachine) SetTransitionCallback(cb TransitionFunc) {
	sm.mu.Lock()
	sm.transitionCb = cb
	sm.mu.Unlock()
}

// SetEventCallback registers the event callback
func (sm *StateMachine) SetEventCallback(cb EventFunc) {
	sm.mu.Lock()
	sm.eventCb = cb
	sm.mu.Unlock()
}

// SetSimPinCallback registers the PIN provider
func (sm *StateMachine) SetSimPinCallback(cb SimPinFunc) {
	sm.mu.Lock()
	sm.simPinCb = cb
	sm.mu.Unlock()
}

// State returns the last state entered
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snapshot
}

// Start begins, or resumes, progression toward target
func (sm *StateMachine) Start(target State) error {
	if !sm.queue.Post(func() { sm.start(target) }) {
		return NewError(KindNoMemory, errors.New("event queue closed"))
	}
	return nil
}

// ContinueFrom moves the machine to state and runs it immediately
func (sm *StateMachine) ContinueFrom(state State) error {
	if !sm.queue.Post(func() { sm.continueFrom(state) }) {
		return NewError(KindNoMemory, errors.New("event queue closed"))
	}
	return nil
}

// Connect drives the machine to target and blocks until it gets there,
// the policy is exhausted, a fatal error occurs or ctx is done.
func (sm *StateMachine) Connect(ctx context.Context, target State) error {
	w := &waiter{target: target, done: make(chan error, 1)}

	sm.mu.Lock()
	sm.waiter = w
	sm.mu.Unlock()

	if err := sm.Start(target); err != nil {
		sm.dropWaiter(w)
		return err
	}

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		sm.dropWaiter(w)
		sm.queue.Post(func() {
			sm.queue.Cancel(sm.eventID)
			sm.eventID = 0
		})
		return NewError(KindTimeout, errors.Wrapf(ctx.Err(), "connect to %s", target))
	}
}

func (sm *StateMachine) dropWaiter(w *waiter) {
	sm.mu.Lock()
	if sm.waiter == w {
		sm.waiter = nil
	}
	sm.mu.Unlock()
}

// StartDispatch runs the event queue on a dedicated goroutine
func (sm *StateMachine) StartDispatch() error {
	sm.workerMu.Lock()
	defer sm.workerMu.Unlock()

	if sm.workerDone != nil {
		return ErrDispatchRunning
	}

	done := make(chan struct{})
	sm.workerDone = done
	go func() {
		defer close(done)
		sm.queue.DispatchForever()

		sm.workerMu.Lock()
		if sm.workerDone == done {
			sm.workerDone = nil
		}
		sm.workerMu.Unlock()
	}()
	return nil
}

// Stop cancels pending work, resets the machine to StateInit and joins
// the dispatch goroutine. It may be called from a callback, in which case
// the worker winds down once the callback returns.
func (sm *StateMachine) Stop() {
	sm.log("Stopping")

	sm.workerMu.Lock()
	done := sm.workerDone
	sm.workerMu.Unlock()

	if done == nil {
		sm.reset()
		return
	}

	if sm.inCallback.Load() > 0 {
		sm.queue.Post(func() {
			sm.reset()
			sm.queue.BreakDispatch()
		})
		return
	}

	stopped := make(chan struct{})
	if sm.queue.Post(func() {
		sm.reset()
		close(stopped)
	}) {
		select {
		case <-stopped:
		case <-done:
		}
	}
	sm.queue.BreakDispatch()
	<-done

	select {
	case <-stopped:
	default:
		// worker exited before it got to the reset
		sm.reset()
	}
}

func (sm *StateMachine) reset() {
	sm.queue.Cancel(sm.eventID)
	sm.eventID = 0

	if sm.readyURCSet && sm.power != nil {
		if err := sm.power.RemoveDeviceReadyURC(); err != nil {
			sm.log("Failed to remove device ready URC: %v", err)
		}
		sm.readyURCSet = false
	}
	if sm.networkAttached && sm.network != nil {
		sm.network.Attach(nil)
		sm.networkAttached = false
	}

	sm.setState(StateInit)
	sm.nextState = StateInit
	sm.idleTimeout()
	sm.retryCount = 0
	sm.eventTimeout = noTimeout
	sm.halted = true
	sm.urcsSet = false
	sm.plmnFound = false
	sm.registrationSet = false
}

func (sm *StateMachine) start(target State) {
	sm.target = target
	sm.retryCount = 0
	sm.attachNetwork()

	if sm.state == target && sm.state != StateInit {
		// nothing changed, so only a blocked Connect hears about it
		sm.log("Already in %s", target)
		sm.wake(target, nil)
		return
	}

	sm.queue.Cancel(sm.eventID)
	sm.nextState = sm.state
	sm.arm(0)
}

func (sm *StateMachine) attachNetwork() {
	if sm.networkAttached || sm.network == nil {
		return
	}
	if !sm.networkInit {
		if err := sm.network.Init(); err != nil {
			sm.log("Network init failed, registration URCs unavailable: %v", err)
		}
		sm.networkInit = true
	}
	sm.network.Attach(sm.networkCallback)
	sm.networkAttached = true
}

func (sm *StateMachine) continueFrom(state State) {
	sm.log("Continue state from %s to %s", sm.state, state)

	sm.queue.Cancel(sm.eventID)
	sm.eventID = 0

	from := sm.state
	sm.setState(state)
	sm.nextState = state
	sm.retryCount = 0
	sm.registrationSet = false

	if from != state && !sm.notify(from, state, nil) {
		return
	}
	if state == sm.target {
		sm.idleTimeout()
		return
	}
	sm.arm(0)
}

func (sm *StateMachine) enterState(state State) {
	sm.nextState = state
	sm.retryCount = 0
	sm.registrationSet = false
}

func (sm *StateMachine) setState(state State) {
	sm.state = state
	sm.mu.Lock()
	sm.snapshot = state
	sm.mu.Unlock()
}

func (sm *StateMachine) arm(d time.Duration) {
	sm.eventID = sm.queue.CallIn(d, sm.event)
	if sm.eventID == 0 {
		sm.fail(NewError(KindNoMemory, errors.New("cannot schedule state event")))
	}
}

// retryOrFail arms the next attempt of the current state. The count stays
// at the policy length once it is exhausted.
func (sm *StateMachine) retryOrFail() {
	if d, ok := sm.policy.NextDelay(sm.retryCount + 1); ok {
		sm.retryCount++
		sm.log("Retry state %s, retry %d/%d in %s", sm.state, sm.retryCount, sm.policy.Len(), d)
		sm.eventTimeout = d
		return
	}

	sm.log("Cellular network failed in %s: retries exhausted", sm.state)
	sm.halted = true
	sm.notify(sm.state, sm.state, NewError(KindNoConnection, errors.Errorf("%s: retries exhausted", sm.state)))
}

// fail reports a fatal error once and resets the machine
func (sm *StateMachine) fail(err error) {
	sm.log("Cellular fatal error in %s: %v", sm.state, err)
	sm.halted = true
	sm.notify(sm.state, sm.state, err)
	sm.reset()
}

func (sm *StateMachine) notify(from, to State, err error) bool {
	sm.mu.Lock()
	cb := sm.transitionCb
	sm.mu.Unlock()

	proceed := true
	if cb != nil {
		sm.inCallback.Add(1)
		proceed = cb(from, to, err)
		sm.inCallback.Add(-1)
	}

	if sm.wake(to, err) {
		proceed = false
	}
	return proceed
}

// wake releases a blocked Connect once its target is reached or on any
// error. It reports whether a waiter was released.
func (sm *StateMachine) wake(to State, err error) bool {
	sm.mu.Lock()
	w := sm.waiter
	sm.mu.Unlock()

	if w == nil || (err == nil && to != w.target) {
		return false
	}
	sm.dropWaiter(w)
	w.done <- err
	return true
}

func (sm *StateMachine) emit(ev Event, value int) {
	sm.mu.Lock()
	cb := sm.eventCb
	sm.mu.Unlock()

	if cb != nil {
		sm.inCallback.Add(1)
		cb(ev, value)
		sm.inCallback.Add(-1)
	}
}

func (sm *StateMachine) event() {
	sm.eventID = 0
	sm.eventTimeout = noTimeout
	sm.halted = false

	switch sm.state {
	case StateInit:
		sm.stateInit()
	case StatePowerOn:
		sm.statePowerOn()
	case StateDeviceReady:
		sm.stateDeviceReady()
	case StateMux:
		sm.stateMux()
	case StateSimPin:
		sm.stateSimPin()
	case StateRegisteringNetwork:
		sm.stateRegistering()
	case StateManualRegisteringNetwork:
		sm.stateManualRegistering()
	case StateAttachingNetwork:
		sm.stateAttaching()
	case StateActivatingPdpContext:
		sm.stateActivatingPdpContext()
	case StateConnectingNetwork:
		sm.stateConnecting()
	case StateConnected:
		sm.stateConnected()
	default:
		sm.fail(Errorf(KindUnknown, "invalid state %d", int(sm.state)))
	}

	if sm.halted {
		sm.idleTimeout()
		return
	}

	if sm.nextState != sm.state {
		from := sm.state
		sm.log("Cellular state from %s to %s", from, sm.nextState)
		sm.setState(sm.nextState)
		if !sm.notify(from, sm.state, nil) {
			sm.idleTimeout()
			return
		}
		if sm.state == sm.target {
			sm.idleTimeout()
			return
		}
	} else if sm.eventTimeout >= 0 {
		sm.log("Cellular event in %s", sm.eventTimeout)
	}

	timeout := sm.eventTimeout
	if timeout < 0 {
		timeout = 0
	}
	sm.arm(timeout)
}

func (sm *StateMachine) setTimeout(d time.Duration) {
	if sm.timeouts != nil {
		sm.timeouts.SetTimeout(d)
	}
}

// idleTimeout hands the AT deadline back to the configured default
func (sm *StateMachine) idleTimeout() {
	if sm.idleAT > 0 {
		sm.setTimeout(sm.idleAT)
	}
}

func (sm *StateMachine) startDelay() time.Duration {
	if sm.startDelayMax <= 0 {
		return 0
	}
	return time.Duration(sm.rnd(int64(sm.startDelayMax)))
}

func (sm *StateMachine) stateInit() {
	sm.idleTimeout()
	sm.eventTimeout = sm.startDelay()
	sm.log("Init state, waiting %s before power on", sm.eventTimeout)
	sm.enterState(StatePowerOn)
}

func (sm *StateMachine) statePowerOn() {
	sm.setTimeout(TimeoutPowerOn)
	sm.log("Cellular power on (timeout %s)", TimeoutPowerOn)
	if sm.powerOn() {
		sm.enterState(StateDeviceReady)
	} else {
		sm.retryOrFail()
	}
}

func (sm *StateMachine) powerOn() bool {
	err := sm.power.On()
	if err == nil || IsUnsupported(err) {
		return true
	}

	sm.log("Cellular start failed (%v), power off/on", err)
	if err := sm.power.Off(); err != nil && !IsUnsupported(err) {
		sm.log("Cellular power down failed: %v", err)
	}
	return false
}

func (sm *StateMachine) stateDeviceReady() {
	sm.setTimeout(TimeoutPowerOn)
	err := sm.power.SetATMode()
	if err == nil {
		sm.log("Device ready, AT mode set")
		sm.deviceReady()
		sm.enterState(StateMux)
		return
	}

	sm.log("Set AT mode failed: %v", err)
	if sm.retryCount == 0 {
		if err := sm.power.SetDeviceReadyURC(sm.readyURC); err != nil {
			sm.log("Device ready URC not available: %v", err)
		} else {
			sm.readyURCSet = true
		}
	}
	sm.retryOrFail()
}

func (sm *StateMachine) deviceReady() {
	sm.emit(EventDeviceReady, 0)
	if sm.readyURCSet {
		if err := sm.power.RemoveDeviceReadyURC(); err != nil {
			sm.log("Failed to remove device ready URC: %v", err)
		}
		sm.readyURCSet = false
	}
}

// readyURC may run on the AT reader goroutine
func (sm *StateMachine) readyURC() {
	sm.queue.Post(sm.handleDeviceReady)
}

func (sm *StateMachine) handleDeviceReady() {
	sm.log("Device ready URC received")
	if sm.state != StateDeviceReady {
		return
	}
	if err := sm.power.SetATMode(); err != nil {
		sm.log("Device ready URC but AT mode failed: %v", err)
		return
	}

	sm.queue.Cancel(sm.eventID)
	sm.deviceReady()
	if sm.mux != nil {
		sm.continueFrom(StateMux)
	} else {
		sm.continueFrom(StateSimPin)
	}
}

// stateMux passes straight through without a multiplexer
func (sm *StateMachine) stateMux() {
	if sm.mux == nil {
		sm.enterState(StateSimPin)
		return
	}

	sm.setTimeout(TimeoutNetwork)
	ctx, cancel := context.WithTimeout(context.Background(), TimeoutConnect)
	defer cancel()

	if err := sm.mux.Open(ctx); err != nil {
		sm.log("Multiplexer open failed: %v", err)
		sm.retryOrFail()
		return
	}
	sm.enterState(StateSimPin)
}

func (sm *StateMachine) stateSimPin() {
	sm.setTimeout(TimeoutSimPin)
	sm.log("SIM state (timeout %s)", TimeoutSimPin)

	ready, err := sm.openSim()
	if err != nil {
		sm.fail(err)
		return
	}
	if !ready {
		sm.retryOrFail()
		return
	}

	if sm.plmn != "" {
		sm.enterState(StateManualRegisteringNetwork)
	} else {
		sm.enterState(StateRegisteringNetwork)
	}
}

// openSim reports whether the SIM is ready. A non-nil error is fatal.
func (sm *StateMachine) openSim() (bool, error) {
	state, err := sm.sim.State()
	if err != nil {
		sm.log("Waiting for SIM (error while reading: %v)", err)
		return false, nil
	}

	switch state {
	case SimReady:
		sm.log("SIM ready")
	case SimPinNeeded, SimPukNeeded:
		sm.mu.Lock()
		cb := sm.simPinCb
		sm.mu.Unlock()

		var secret string
		var ok bool
		if cb != nil {
			sm.inCallback.Add(1)
			secret, ok = cb(state)
			sm.inCallback.Add(-1)
		}
		if !ok || secret == "" {
			sm.log("SIM %s but no code provided", state)
			break
		}

		sm.log("SIM %s, entering code", state)
		if err := sm.sim.SetPin(secret); err != nil {
			if KindOf(err) == KindAuth {
				sm.emit(EventSimStatusChanged, int(state))
				return false, err
			}
			sm.log("Entering SIM code failed: %v", err)
			break
		}
		if now, err := sm.sim.State(); err == nil {
			state = now
		}
	default:
		sm.log("SIM in unknown state")
	}

	sm.emit(EventSimStatusChanged, int(state))
	return state == SimReady, nil
}

func (sm *StateMachine) registeringURCs() bool {
	if sm.urcsSet {
		return true
	}

	ok := false
	for _, t := range RegistrationTypes {
		if err := sm.network.SetRegistrationURC(t, true); err == nil {
			ok = true
		}
	}
	if !ok {
		sm.log("Failed to set any URCs for registration")
		return false
	}

	sm.urcsSet = true
	sm.log("Registration URCs set")
	return true
}

func (sm *StateMachine) isRegistered() bool {
	for _, t := range RegistrationTypes {
		status, err := sm.network.RegistrationStatus(t)
		if err != nil {
			if !IsUnsupported(err) {
				sm.log("Get network registration failed (%s): %v", t, err)
			}
			continue
		}

		switch status {
		case SmsOnlyHome, SmsOnlyRoaming:
			sm.log("SMS only network registration (%s)", t)
		case CsfbNotPreferredHome, CsfbNotPreferredRoaming:
			sm.log("Not preferred network registration (%s)", t)
		case EmergencyOnly:
			sm.log("Emergency only network registration (%s)", t)
		}
		if status.IsRoaming() {
			sm.log("Roaming cellular network (%s)", t)
		}
		if status.IsRegistered() {
			return true
		}
	}
	return false
}

func (sm *StateMachine) isRegisteredToPLMN() bool {
	format, op, err := sm.network.OperatorParams()
	if err != nil {
		sm.log("Get operator params failed: %v", err)
		return false
	}

	switch format {
	case OperatorNumeric:
		return plmnMatches(sm.plmn, op.Numeric)
	case OperatorAlphaLong, OperatorAlphaShort:
		name := op.Long
		if format == OperatorAlphaShort {
			name = op.Short
		}

		names, err := sm.network.OperatorNames()
		if err != nil {
			sm.log("Get operator names failed: %v", err)
			return false
		}
		for _, n := range names {
			if n.Alpha == name && plmnMatches(sm.plmn, n.Numeric) {
				return true
			}
		}
	}
	return false
}

// plmnMatches compares a numeric PLMN. Leading zeros are only forgiven
// when the modem reported the value unpadded.
func plmnMatches(configured, reported string) bool {
	if reported == configured {
		return true
	}
	if reported == "" || len(reported) >= len(configured) {
		return false
	}
	return strings.TrimLeft(configured, "0") == strings.TrimLeft(reported, "0")
}

func (sm *StateMachine) stateRegistering() {
	sm.setTimeout(TimeoutNetwork)

	if !sm.registeringURCs() {
		sm.retryOrFail()
		return
	}

	if sm.isRegistered() {
		sm.enterState(StateAttachingNetwork)
		return
	}

	mode, err := sm.network.RegisteringMode()
	if err == nil && mode != ModeAutomatic {
		sm.log("Automatic registration is off (mode %d), requesting it", mode)
		sm.setTimeout(TimeoutRegistration)
		if err := sm.network.SetRegistration(""); err != nil {
			sm.log("Failed to set network registration: %v", err)
		}
	}
	sm.retryOrFail()
}

func (sm *StateMachine) stateManualRegistering() {
	sm.setTimeout(TimeoutNetwork)

	if !sm.registeringURCs() {
		sm.retryOrFail()
		return
	}

	if sm.plmnFound {
		sm.enterState(StateAttachingNetwork)
		return
	}
	if sm.isRegistered() && sm.isRegisteredToPLMN() {
		sm.log("Registered to PLMN %s", sm.plmn)
		sm.plmnFound = true
		sm.enterState(StateAttachingNetwork)
		return
	}

	if !sm.registrationSet {
		sm.setTimeout(TimeoutRegistration)
		if err := sm.network.SetRegistration(sm.plmn); err != nil {
			sm.log("Failed to set manual registration to %s: %v", sm.plmn, err)
		} else {
			sm.registrationSet = true
		}
	}
	sm.retryOrFail()
}

func (sm *StateMachine) stateAttaching() {
	sm.setTimeout(TimeoutConnect)

	status, err := sm.network.AttachStatus()
	if err != nil {
		sm.log("Get attach status failed: %v", err)
		sm.retryOrFail()
		return
	}
	if status == Attached {
		sm.enterState(StateActivatingPdpContext)
		return
	}

	if err := sm.network.SetAttach(); err != nil {
		sm.log("Attach failed: %v", err)
	}
	sm.retryOrFail()
}

func (sm *StateMachine) stateActivatingPdpContext() {
	sm.setTimeout(TimeoutConnect)

	if err := sm.network.ActivateContext(); err != nil {
		sm.log("Activate PDP context failed: %v", err)
		sm.retryOrFail()
		return
	}
	sm.enterState(StateConnectingNetwork)
}

func (sm *StateMachine) stateConnecting() {
	sm.setTimeout(TimeoutConnect)
	sm.log("Connect to cellular network (timeout %s)", TimeoutConnect)

	if err := sm.network.Connect(); err != nil {
		sm.log("Connect failed: %v", err)
		sm.retryOrFail()
		return
	}
	sm.emit(EventConnectionStatusChanged, int(ConnectionUp))
	sm.enterState(StateConnected)
}

func (sm *StateMachine) stateConnected() {
	sm.setTimeout(TimeoutNetwork)
	sm.log("Cellular ready")
	sm.halted = true
	sm.notify(sm.state, sm.state, nil)
}

// networkCallback may run on the AT reader goroutine
func (sm *StateMachine) networkCallback(ev Event, value int) {
	sm.queue.Post(func() { sm.handleNetworkEvent(ev, value) })
}

func (sm *StateMachine) handleNetworkEvent(ev Event, value int) {
	sm.log("Network event %s: %d", ev, value)

	if ev == EventRegistrationStatusChanged &&
		(sm.state == StateRegisteringNetwork || sm.state == StateManualRegisteringNetwork) &&
		RegistrationStatus(value).IsRegistered() {
		if sm.plmn == "" {
			sm.continueFrom(StateAttachingNetwork)
		} else if !sm.plmnFound && sm.isRegisteredToPLMN() {
			sm.plmnFound = true
			sm.continueFrom(StateAttachingNetwork)
		}
	}

	sm.emit(ev, value)
}

func (sm *StateMachine) log(format string, args ...interface{}) {
	sm.logger("[CSM] "+format, args...)
}
