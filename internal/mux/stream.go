package mux

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultPollInterval matches the serial read timeout the AT reader
// expects
const DefaultPollInterval = 100 * time.Millisecond

// Stream adapts a DataService to io.ReadWriteCloser. Read returns 0, nil
// when nothing arrived within the poll interval, the same contract as a
// serial port opened with a read timeout.
type Stream struct {
	ds       *DataService
	interval time.Duration

	mu     sync.Mutex
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
}

var _ io.ReadWriteCloser = (*Stream)(nil)

// StreamOption configures a Stream
type StreamOption func(*Stream)

// WithPollInterval sets how long Read waits for data
func WithPollInterval(d time.Duration) StreamOption {
	return func(s *Stream) {
		s.interval = d
	}
}

// NewStream takes over ds's sigio
func NewStream(ds *DataService, opts ...StreamOption) *Stream {
	s := &Stream{
		ds:       ds,
		interval: DefaultPollInterval,
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	ds.Sigio(s.notify)
	return s
}

// DLCI returns the channel address
func (s *Stream) DLCI() int {
	return s.ds.DLCI()
}

// notify wakes every waiter
func (s *Stream) notify() {
	s.mu.Lock()
	close(s.ready)
	s.ready = make(chan struct{})
	s.mu.Unlock()
}

// signal returns the channel the next notify closes. Taken before trying
// the data service so a notify in between is not lost.
func (s *Stream) signal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.isClosed() {
		return 0, io.EOF
	}

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		ready := s.signal()
		n, err := s.ds.Read(p)
		if !errors.Is(err, ErrWouldBlock) {
			return n, err
		}

		select {
		case <-ready:
		case <-timer.C:
			return 0, nil
		case <-s.closed:
			return 0, io.EOF
		}
	}
}

// Write blocks until all of p was accepted
func (s *Stream) Write(p []byte) (int, error) {
	if s.isClosed() {
		return 0, io.ErrClosedPipe
	}

	written := 0
	for written < len(p) {
		ready := s.signal()
		n, err := s.ds.Write(p[written:])
		if err != nil {
			return written, err
		}
		written += n
		if n > 0 {
			continue
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ready:
		case <-timer.C:
		case <-s.closed:
			timer.Stop()
			return written, io.ErrClosedPipe
		}
		timer.Stop()
	}
	return written, nil
}

// Close unblocks pending calls. The DLCI stays established; release it
// through the Mux.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.ds.Sigio(nil)
	})
	return nil
}
