package mux

import "github.com/pkg/errors"

// RxState is the state of the receive machine
type RxState int

const (
	RxFrameStart RxState = iota
	RxHeaderRead
	RxTrailerRead
	RxSuspend
)

func (s RxState) String() string {
	switch s {
	case RxFrameStart:
		return "frame-start"
	case RxHeaderRead:
		return "header-read"
	case RxTrailerRead:
		return "trailer-read"
	case RxSuspend:
		return "suspend"
	}
	return "unknown"
}

type rxContext struct {
	state   RxState
	backlog []byte

	// frame accumulates the current frame from its opening flag on
	frame []byte
	// need counts the info, FCS and closing flag octets still expected
	need    int
	discard bool

	// suspended UIH payload waiting for its reader
	ready  bool
	dlci   int
	data   []byte
	offset int
}

// receive feeds bytes from the serial link. Runs on the queue.
func (m *Mux) receive(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rx.backlog = append(m.rx.backlog, p...)
	m.rxDrain()
}

// rxDrain runs the machine over the backlog until it is empty or a frame
// is waiting for its reader. Called with mu held.
func (m *Mux) rxDrain() {
	for len(m.rx.backlog) > 0 && m.rx.state != RxSuspend {
		b := m.rx.backlog[0]
		m.rx.backlog = m.rx.backlog[1:]
		m.rxByte(b)
	}
	if len(m.rx.backlog) == 0 {
		m.rx.backlog = nil
	}
}

func (m *Mux) rxByte(b byte) {
	switch m.rx.state {
	case RxFrameStart:
		if b == Flag {
			m.rxHeaderEntry()
		}

	case RxHeaderRead:
		if len(m.rx.frame) == 1 && b == Flag {
			// closing flag of the previous frame or a repeated opening flag
			return
		}
		m.rx.frame = append(m.rx.frame, b)
		switch {
		case len(m.rx.frame) == 4 && b&eaBit != 0:
			m.rxTrailerEntry(int(b >> 1))
		case len(m.rx.frame) == 5:
			m.rxTrailerEntry(int(m.rx.frame[3]>>1) | int(b)<<7)
		}

	case RxTrailerRead:
		m.rx.need--
		if !m.rx.discard {
			m.rx.frame = append(m.rx.frame, b)
		}
		if m.rx.need == 0 {
			m.rxFrame()
		}
	}
}

func (m *Mux) rxHeaderEntry() {
	m.rx.frame = append(m.rx.frame[:0], Flag)
	m.rx.need = 0
	m.rx.discard = false
	m.rx.state = RxHeaderRead
}

func (m *Mux) rxTrailerEntry(n int) {
	m.rx.need = n + 2
	m.rx.discard = len(m.rx.frame)+m.rx.need > BufferSize
	if m.rx.discard {
		m.trace("RX frame of %d bytes exceeds buffer, discarding", n)
	}
	m.rx.state = RxTrailerRead
}

// rxFrame decodes a complete frame and dispatches it
func (m *Mux) rxFrame() {
	if m.rx.discard {
		m.rxHeaderEntry()
		return
	}

	f, err := Decode(m.rx.frame)
	if err != nil {
		m.trace("RX dropped: %v", err)
		if errors.Is(err, ErrBadFlag) {
			// lost alignment, hunt for the next flag
			m.rx.frame = m.rx.frame[:0]
			m.rx.state = RxFrameStart
			return
		}
		m.rxHeaderEntry()
		return
	}
	m.trace("RX %s", f)

	switch f.Type {
	case FrameSABM:
		m.onRxSABM(f)
	case FrameUA:
		m.onRxResponse(f, EstablishSuccess)
	case FrameDM:
		m.onRxResponse(f, EstablishReject)
	case FrameDISC:
		m.onRxDISC(f)
	case FrameUIH:
		if m.onRxUIH(f) {
			return
		}
	}
	m.rxHeaderEntry()
}

// onRxResponse matches UA and DM against the outstanding SABM or DISC
func (m *Mux) onRxResponse(f Frame, status EstablishStatus) {
	if m.tx.state != TxRetransmitDone || m.req == nil {
		return
	}
	if !f.CR || !f.PF || f.DLCI != m.req.dlci {
		return
	}
	m.finish(status)
}

// onRxSABM handles a peer initiated open. Only answered while TX is idle,
// the peer retransmits otherwise.
func (m *Mux) onRxSABM(f Frame) {
	if m.tx.state != TxIdle || !f.PF {
		return
	}

	switch {
	case f.DLCI == 0 && !m.open:
		m.open = true
		m.log("Peer opened the multiplexer")
		m.respond(f, FrameUA)
	case f.DLCI != 0 && m.open && m.service(f.DLCI) == nil && m.freeSlot() >= 0:
		ds := m.register(f.DLCI)
		m.log("Peer opened DLCI %d", f.DLCI)
		m.respond(f, FrameUA)
		if fn := m.onPeerOpen; fn != nil {
			m.queue.Post(func() { fn(ds) })
		}
	case f.DLCI != 0 && m.service(f.DLCI) != nil:
		// already established, acknowledge again
		m.respond(f, FrameUA)
	default:
		m.respond(f, FrameDM)
	}
}

// onRxDISC answers DM for everything not established and UA otherwise
func (m *Mux) onRxDISC(f Frame) {
	if m.tx.state != TxIdle {
		return
	}

	if !m.open {
		m.respond(f, FrameDM)
		return
	}
	if f.CR || !f.PF {
		return
	}

	switch {
	case f.DLCI == 0:
		m.log("Peer closed the multiplexer")
		m.closeAll()
		m.respond(f, FrameUA)
	case m.service(f.DLCI) != nil:
		m.log("Peer closed DLCI %d", f.DLCI)
		m.unregister(f.DLCI)
		m.respond(f, FrameUA)
	default:
		m.respond(f, FrameDM)
	}
}

// onRxUIH suspends RX on a user data frame until its reader drains it
func (m *Mux) onRxUIH(f Frame) bool {
	if len(f.Info) == 0 || f.CR || f.PF {
		return false
	}
	ds := m.service(f.DLCI)
	if ds == nil {
		return false
	}

	m.rx.ready = true
	m.rx.dlci = f.DLCI
	m.rx.data = f.Info
	m.rx.offset = 0
	m.rx.state = RxSuspend
	m.sigio(ds)
	return true
}

// rxResume leaves Suspend once the payload was read and continues with
// the backlog on the queue
func (m *Mux) rxResume() {
	m.rx.data = nil
	m.rx.offset = 0
	m.rxHeaderEntry()
	m.queue.Post(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.rxDrain()
	})
}

// respond queues a response to f on its address. Called with TX idle.
func (m *Mux) respond(f Frame, typ FrameType) {
	frame, err := Frame{DLCI: f.DLCI, Type: typ, CR: f.CR, PF: true}.Encode()
	if err != nil {
		m.log("Cannot encode %s: %v", typ, err)
		return
	}
	m.trace("TX %s dlci=%d", typ, f.DLCI)
	m.send(TxInternalResp, frame)
}
