package mux

import "cellular-service/internal/eventqueue"

// TxState is the state of the transmit machine
type TxState int

const (
	TxIdle TxState = iota
	TxRetransmitEnqueue
	TxRetransmitDone
	TxInternalResp
	TxNoRetransmit
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxRetransmitEnqueue:
		return "retransmit-enqueue"
	case TxRetransmitDone:
		return "retransmit-done"
	case TxInternalResp:
		return "internal-resp"
	case TxNoRetransmit:
		return "no-retransmit"
	}
	return "unknown"
}

type txContext struct {
	state TxState
	frame []byte
	left  int
	timer eventqueue.ID

	// callbacks holds the pending TX callback mask in the low nibble and
	// the round robin position in the high nibble
	callbacks uint8
}

func (t *txContext) pendingMask() uint8 {
	return t.callbacks & 0x0F
}

func (t *txContext) setPending(slot int) {
	t.callbacks |= 1 << slot
}

func (t *txContext) clearPending(slot int) {
	t.callbacks &^= 1 << slot
}

// advance moves the round robin bit one slot on, wrapping to slot 0
func (t *txContext) advance() uint8 {
	index := t.callbacks >> 4
	index <<= 1
	if index&0x0F == 0 {
		index = 1
	}
	t.callbacks = t.callbacks&0x0F | index<<4
	return index
}

// slotOf maps a single mask bit to its slot index
func slotOf(bit uint8) int {
	slot := 0
	for bit > 1 {
		bit >>= 1
		slot++
	}
	return slot
}

// send moves TX into state with frame and schedules the write on the
// queue. Called with mu held.
func (m *Mux) send(state TxState, frame []byte) {
	m.tx.state = state
	m.tx.frame = frame
	if !m.queue.Post(m.writeDo) {
		m.log("Queue closed, dropping %d byte frame", len(frame))
		m.tx.state = TxIdle
	}
}

// beginRequest sends the SABM or DISC of the current request. Called with
// mu held and TX idle.
func (m *Mux) beginRequest() {
	req := m.req
	frame, err := Frame{DLCI: req.dlci, Type: req.typ, CR: true, PF: true}.Encode()
	if err != nil {
		m.log("Cannot encode %s: %v", req.typ, err)
		return
	}
	req.running = true
	m.tx.left = m.retransmits
	m.trace("TX %s dlci=%d", req.typ, req.dlci)
	m.send(TxRetransmitEnqueue, frame)
}

// writeDo writes the current frame and runs the post-write transition.
// It runs on the queue; mu is released while the serial write blocks.
func (m *Mux) writeDo() {
	m.mu.Lock()
	state, frame := m.tx.state, m.tx.frame
	m.mu.Unlock()

	switch state {
	case TxRetransmitEnqueue, TxNoRetransmit, TxInternalResp:
	default:
		return
	}

	_, err := m.serial.Write(frame)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.log("Serial write failed: %v", err)
	}

	switch m.tx.state {
	case TxRetransmitEnqueue:
		if m.req == nil || !m.req.running {
			// aborted while the write was in flight
			m.txIdle()
			return
		}
		m.tx.state = TxRetransmitDone
		m.tx.timer = m.queue.CallIn(m.t1, m.onTimeout)
	case TxNoRetransmit, TxInternalResp:
		m.txIdle()
	}
}

// onTimeout is T1 expiry
func (m *Mux) onTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tx.state != TxRetransmitDone || m.req == nil {
		return
	}
	m.tx.timer = 0
	if m.tx.left > 0 {
		m.tx.left--
		m.trace("T1 expired, retransmitting %s dlci=%d", m.req.typ, m.req.dlci)
		m.send(TxRetransmitEnqueue, m.tx.frame)
		return
	}
	m.finish(EstablishTimeout)
}

// txIdle enters Idle: a pending request goes first, then a user frame
// built in callback context, then the TX callbacks. Called with mu held.
func (m *Mux) txIdle() {
	m.tx.state = TxIdle
	m.tx.frame = nil

	switch {
	case m.req != nil && !m.req.running:
		m.beginRequest()
	case m.userTxPending:
		m.userTxPending = false
		m.send(TxNoRetransmit, m.userFrame)
		m.userFrame = nil
	case m.tx.pendingMask() != 0 && !m.txCallbackContext && !m.txCallbacksQueued:
		m.txCallbacksQueued = true
		if !m.queue.Post(m.runTxCallbacks) {
			m.txCallbacksQueued = false
		}
	}
}

// runTxCallbacks dispatches the sigio of every DLCI whose write was
// refused, round robin. A callback may Write once; that frame is the next
// thing sent and the scan continues when TX is idle again.
func (m *Mux) runTxCallbacks() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txCallbacksQueued = false
	if m.tx.state != TxIdle || m.txCallbackContext {
		return
	}

	m.txCallbackContext = true
	for m.tx.pendingMask() != 0 {
		mask := m.tx.pendingMask()
		var bit uint8
		for {
			bit = m.tx.advance()
			if bit&mask != 0 {
				break
			}
		}
		m.tx.callbacks &^= bit

		ds := m.slots[slotOf(bit)]
		if ds == nil || ds.sigioFn == nil {
			continue
		}

		fn := ds.sigioFn
		m.mu.Unlock()
		fn()
		m.mu.Lock()

		if m.tx.state != TxIdle {
			break
		}
		if m.userTxPending {
			m.userTxPending = false
			m.send(TxNoRetransmit, m.userFrame)
			m.userFrame = nil
			break
		}
	}
	m.txCallbackContext = false
}
