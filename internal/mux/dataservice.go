package mux

import "github.com/pkg/errors"

var (
	// ErrWouldBlock means no frame for this DLCI is waiting to be read
	ErrWouldBlock = errors.New("mux: would block")

	// ErrReleased means the DLCI is no longer established
	ErrReleased = errors.New("mux: DLCI released")
)

// PollEvents is a readiness mask
type PollEvents int

const (
	PollIn PollEvents = 1 << iota
	PollOut
)

// DataService is the user channel of one established DLCI. Read and Write
// never block; Sigio tells when trying again makes sense.
type DataService struct {
	mux  *Mux
	dlci int
	slot int

	// guarded by mux.mu
	sigioFn func()
}

// DLCI returns the channel address
func (ds *DataService) DLCI() int {
	return ds.dlci
}

// established must be called with mux.mu held
func (ds *DataService) established() bool {
	return ds.mux.slots[ds.slot] == ds
}

// Write sends up to MaxPayload bytes of p in one UIH frame. It returns 0
// while TX is busy; the DLCI is then marked and its sigio fires once TX
// is free again.
func (ds *DataService) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > MaxPayload {
		p = p[:MaxPayload]
	}

	m := ds.mux
	m.mu.Lock()
	defer m.mu.Unlock()

	if !ds.established() {
		return 0, ErrReleased
	}

	if m.tx.state != TxIdle || (m.txCallbackContext && m.userTxPending) {
		m.tx.setPending(ds.slot)
		return 0, nil
	}

	frame, err := Frame{DLCI: ds.dlci, Type: FrameUIH, CR: true, Info: p}.Encode()
	if err != nil {
		return 0, err
	}

	if m.txCallbackContext {
		// sent by the callback loop once the callback returns
		m.userTxPending = true
		m.userFrame = frame
		return len(p), nil
	}
	m.send(TxNoRetransmit, frame)
	return len(p), nil
}

// Read copies the waiting payload into p. The last byte read resumes RX
// for every DLCI.
func (ds *DataService) Read(p []byte) (int, error) {
	m := ds.mux
	m.mu.Lock()
	defer m.mu.Unlock()

	if !ds.established() {
		return 0, ErrReleased
	}
	if !m.rx.ready || m.rx.dlci != ds.dlci {
		return 0, ErrWouldBlock
	}

	n := copy(p, m.rx.data[m.rx.offset:])
	m.rx.offset += n
	if m.rx.offset == len(m.rx.data) {
		m.rx.ready = false
		m.rxResume()
	}
	return n, nil
}

// Poll returns PollIn when a frame for this DLCI is waiting and PollOut
// when TX is idle
func (ds *DataService) Poll() PollEvents {
	m := ds.mux
	m.mu.Lock()
	defer m.mu.Unlock()

	var ev PollEvents
	if m.rx.state == RxSuspend && m.rx.ready && m.rx.dlci == ds.dlci {
		ev |= PollIn
	}
	if m.tx.state == TxIdle {
		ev |= PollOut
	}
	return ev
}

// Sigio registers the readiness callback. It always runs on the session
// queue and may call Read and Write, but not the blocking session methods.
func (ds *DataService) Sigio(fn func()) {
	m := ds.mux
	m.mu.Lock()
	ds.sigioFn = fn
	m.mu.Unlock()
}
