package mux

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cellular-service/internal/eventqueue"
)

const (
	// DefaultDLCICount is the number of data services a session can hold
	DefaultDLCICount = 3
	// MaxDLCICount is bounded by the 4 bit TX callback mask
	MaxDLCICount = 4

	// DefaultT1 is the acknowledgement timer for SABM and DISC
	DefaultT1 = 300 * time.Millisecond
	// DefaultRetransmits is how often a SABM or DISC is repeated before
	// the request times out
	DefaultRetransmits = 3
)

// ReturnStatus tells whether a session request was carried out at all
type ReturnStatus int

const (
	StatusSuccess ReturnStatus = iota
	StatusInProgress
	StatusInvalidRange
	StatusMuxNotOpen
	StatusNoResource
)

func (s ReturnStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInProgress:
		return "in progress"
	case StatusInvalidRange:
		return "invalid range"
	case StatusMuxNotOpen:
		return "mux not open"
	case StatusNoResource:
		return "no resource"
	}
	return "unknown"
}

// EstablishStatus is the peer's answer to a SABM or DISC. It is only
// meaningful when the ReturnStatus is StatusSuccess.
type EstablishStatus int

const (
	EstablishSuccess EstablishStatus = iota
	EstablishReject
	EstablishTimeout
)

func (s EstablishStatus) String() string {
	switch s {
	case EstablishSuccess:
		return "success"
	case EstablishReject:
		return "reject"
	case EstablishTimeout:
		return "timeout"
	}
	return "unknown"
}

// ErrNotRunning is returned by Run when the queue refuses work
var ErrNotRunning = errors.New("mux: event queue closed")

// request is a SABM or DISC waiting for UA or DM. Only one exists at a
// time; it is pending until TX goes idle and running after that.
type request struct {
	dlci    int
	typ     FrameType
	running bool
	done    chan EstablishStatus
}

// Mux runs a 07.10 basic option session over a serial link. RX, timers and
// TX completion run on the session's event queue; the public methods may
// be called from any goroutine except the callbacks the session invokes.
type Mux struct {
	serial      io.ReadWriter
	queue       *eventqueue.Queue
	logger      func(string, ...interface{})
	debug       bool
	t1          time.Duration
	retransmits int
	dlciCount   int

	mu         sync.Mutex
	open       bool
	req        *request
	slots      []*DataService
	onPeerOpen func(*DataService)

	tx txContext
	rx rxContext

	txCallbackContext bool
	txCallbacksQueued bool
	userTxPending     bool
	userFrame         []byte
}

// Option configures a Mux
type Option func(*Mux)

// WithDLCICount sets how many DLCIs can be established, 1 to MaxDLCICount
func WithDLCICount(n int) Option {
	return func(m *Mux) {
		m.dlciCount = n
	}
}

// WithLogger sets the log function
func WithLogger(logger func(string, ...interface{})) Option {
	return func(m *Mux) {
		m.logger = logger
	}
}

// WithDebug enables frame traces
func WithDebug(debug bool) Option {
	return func(m *Mux) {
		m.debug = debug
	}
}

// WithT1 sets the acknowledgement timer
func WithT1(d time.Duration) Option {
	return func(m *Mux) {
		m.t1 = d
	}
}

// WithRetransmits sets the SABM/DISC retransmission count
func WithRetransmits(n int) Option {
	return func(m *Mux) {
		m.retransmits = n
	}
}

// New creates a session on serial. The queue must be dispatched by a
// goroutine of its own.
func New(serial io.ReadWriter, queue *eventqueue.Queue, opts ...Option) *Mux {
	m := &Mux{
		serial:      serial,
		queue:       queue,
		logger:      func(string, ...interface{}) {},
		t1:          DefaultT1,
		retransmits: DefaultRetransmits,
		dlciCount:   DefaultDLCICount,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = func(string, ...interface{}) {}
	}
	if m.dlciCount < 1 || m.dlciCount > MaxDLCICount {
		m.log("DLCI count %d out of range, using %d", m.dlciCount, DefaultDLCICount)
		m.dlciCount = DefaultDLCICount
	}
	if m.retransmits < 0 {
		m.retransmits = 0
	}

	m.slots = make([]*DataService, m.dlciCount)
	m.rx.state = RxFrameStart
	m.tx.state = TxIdle
	return m
}

// Run reads the serial link and hands the bytes to the RX machine until
// ctx is done or the link fails. Reads returning no data are retried so a
// port with a read timeout keeps checking ctx.
func (m *Mux) Run(ctx context.Context) error {
	buf := make([]byte, BufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := m.serial.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !m.queue.Post(func() { m.receive(data) }) {
				return ErrNotRunning
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "mux serial read")
		}
	}
}

// OnPeerOpen sets the handler for DLCIs the peer establishes. It runs on
// the session queue.
func (m *Mux) OnPeerOpen(fn func(*DataService)) {
	m.mu.Lock()
	m.onPeerOpen = fn
	m.mu.Unlock()
}

// IsOpen reports whether the control channel is up
func (m *Mux) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Start opens the control channel with a SABM on DLCI 0 and blocks until
// the peer answers, T1 runs out of retransmits or ctx is done.
func (m *Mux) Start(ctx context.Context) (ReturnStatus, EstablishStatus) {
	m.mu.Lock()
	if m.open {
		m.mu.Unlock()
		return StatusNoResource, EstablishReject
	}
	if m.req != nil {
		m.mu.Unlock()
		return StatusInProgress, EstablishReject
	}
	req := m.submit(0, FrameSABM)
	m.mu.Unlock()

	status := m.wait(ctx, req)
	m.log("Multiplexer start: %s", status)
	return StatusSuccess, status
}

// Establish opens dlci and returns its data service on success.
// Establishment is serial, a second call while one is outstanding gets
// StatusInProgress.
func (m *Mux) Establish(ctx context.Context, dlci int) (ReturnStatus, EstablishStatus, *DataService) {
	if dlci < 1 || dlci > MaxDLCI {
		return StatusInvalidRange, EstablishReject, nil
	}

	m.mu.Lock()
	switch {
	case !m.open:
		m.mu.Unlock()
		return StatusMuxNotOpen, EstablishReject, nil
	case m.freeSlot() < 0, m.service(dlci) != nil:
		m.mu.Unlock()
		return StatusNoResource, EstablishReject, nil
	case m.req != nil:
		m.mu.Unlock()
		return StatusInProgress, EstablishReject, nil
	}
	req := m.submit(dlci, FrameSABM)
	m.mu.Unlock()

	status := m.wait(ctx, req)
	m.log("DLCI %d establish: %s", dlci, status)
	if status != EstablishSuccess {
		return StatusSuccess, status, nil
	}

	m.mu.Lock()
	ds := m.service(dlci)
	m.mu.Unlock()
	return StatusSuccess, status, ds
}

// Release closes dlci with a DISC. The DLCI is freed locally whatever the
// peer answers.
func (m *Mux) Release(ctx context.Context, dlci int) (ReturnStatus, EstablishStatus) {
	if dlci < 1 || dlci > MaxDLCI {
		return StatusInvalidRange, EstablishReject
	}

	m.mu.Lock()
	switch {
	case !m.open:
		m.mu.Unlock()
		return StatusMuxNotOpen, EstablishReject
	case m.service(dlci) == nil:
		m.mu.Unlock()
		return StatusNoResource, EstablishReject
	case m.req != nil:
		m.mu.Unlock()
		return StatusInProgress, EstablishReject
	}
	req := m.submit(dlci, FrameDISC)
	m.mu.Unlock()

	status := m.wait(ctx, req)
	m.log("DLCI %d release: %s", dlci, status)
	return StatusSuccess, status
}

// Close shuts the session down with a DISC on DLCI 0. Every data service
// is released.
func (m *Mux) Close(ctx context.Context) (ReturnStatus, EstablishStatus) {
	m.mu.Lock()
	switch {
	case !m.open:
		m.mu.Unlock()
		return StatusMuxNotOpen, EstablishReject
	case m.req != nil:
		m.mu.Unlock()
		return StatusInProgress, EstablishReject
	}
	req := m.submit(0, FrameDISC)
	m.mu.Unlock()

	status := m.wait(ctx, req)
	m.log("Multiplexer close: %s", status)
	return StatusSuccess, status
}

// submit starts req now if TX is idle, otherwise leaves it for the idle
// entry. Called with mu held.
func (m *Mux) submit(dlci int, typ FrameType) *request {
	req := &request{dlci: dlci, typ: typ, done: make(chan EstablishStatus, 1)}
	m.req = req
	if m.tx.state == TxIdle {
		m.beginRequest()
	}
	return req
}

// wait blocks for req's answer. A ctx that ends first aborts the request.
func (m *Mux) wait(ctx context.Context, req *request) EstablishStatus {
	select {
	case status := <-req.done:
		return status
	case <-ctx.Done():
	}

	m.mu.Lock()
	if m.req != req {
		// answered while ctx ended
		m.mu.Unlock()
		return <-req.done
	}
	m.abort()
	m.mu.Unlock()
	return EstablishTimeout
}

// finish completes the running request. Called with mu held.
func (m *Mux) finish(status EstablishStatus) {
	req := m.req
	if req == nil {
		return
	}
	m.queue.Cancel(m.tx.timer)
	m.tx.timer = 0
	m.req = nil

	switch req.typ {
	case FrameSABM:
		if status == EstablishSuccess {
			if req.dlci == 0 {
				m.open = true
			} else {
				m.register(req.dlci)
			}
		}
	case FrameDISC:
		if req.dlci == 0 {
			m.closeAll()
		} else {
			m.unregister(req.dlci)
		}
	}

	req.done <- status
	m.txIdle()
}

// abort drops the current request without an answer. Called with mu held.
func (m *Mux) abort() {
	req := m.req
	m.req = nil
	if req == nil || !req.running {
		return
	}
	m.queue.Cancel(m.tx.timer)
	m.tx.timer = 0
	if m.tx.state == TxRetransmitDone {
		m.txIdle()
	}
}

// freeSlot returns the index of an unused slot or -1
func (m *Mux) freeSlot() int {
	for i, ds := range m.slots {
		if ds == nil {
			return i
		}
	}
	return -1
}

// service returns the established data service for dlci
func (m *Mux) service(dlci int) *DataService {
	for _, ds := range m.slots {
		if ds != nil && ds.dlci == dlci {
			return ds
		}
	}
	return nil
}

func (m *Mux) register(dlci int) *DataService {
	slot := m.freeSlot()
	if slot < 0 {
		return nil
	}
	ds := &DataService{mux: m, dlci: dlci, slot: slot}
	m.slots[slot] = ds
	return ds
}

func (m *Mux) unregister(dlci int) {
	ds := m.service(dlci)
	if ds == nil {
		return
	}
	m.slots[ds.slot] = nil
	m.tx.clearPending(ds.slot)
	if m.rx.ready && m.rx.dlci == dlci {
		m.rx.ready = false
		m.rxResume()
	}
	m.sigio(ds)
}

func (m *Mux) closeAll() {
	m.open = false
	for _, ds := range m.slots {
		if ds != nil {
			m.unregister(ds.dlci)
		}
	}
}

// sigio posts ds's readiness callback onto the queue
func (m *Mux) sigio(ds *DataService) {
	fn := ds.sigioFn
	if fn == nil {
		return
	}
	m.queue.Post(fn)
}

func (m *Mux) log(format string, args ...interface{}) {
	m.logger("[MUX] "+format, args...)
}

func (m *Mux) trace(format string, args ...interface{}) {
	if m.debug {
		m.log(format, args...)
	}
}
