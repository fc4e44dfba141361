package service

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cellular-service/internal/at"
	"cellular-service/internal/cellular"
	"cellular-service/internal/eventqueue"
	"cellular-service/internal/mux"
)

// CmdMux enters basic-option 07.10 mode with default parameters
const CmdMux = "AT+CMUX=0"

// muxCloseTimeout bounds the DISC exchange on shutdown
const muxCloseTimeout = 2 * time.Second

// muxBinder moves the AT channels off the UART onto DLCIs 1..n, in the
// order they were given. The first channel is the one bound to the UART
// while the modem is still in plain AT mode.
type muxBinder struct {
	transport io.ReadWriter
	channels  []*at.Channel
	logger    func(string, ...interface{})
	debug     bool
	t1        time.Duration

	mu      sync.Mutex
	mux     *mux.Mux
	queue   *eventqueue.Queue
	streams []*mux.Stream
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ cellular.Multiplexer = (*muxBinder)(nil)

func newMuxBinder(transport io.ReadWriter, channels []*at.Channel, logger func(string, ...interface{}), debug bool) *muxBinder {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	return &muxBinder{
		transport: transport,
		channels:  channels,
		logger:    logger,
		debug:     debug,
		t1:        mux.DefaultT1,
	}
}

// Open switches the modem into mux mode. It runs on the state machine
// queue and blocks; the session itself runs on a queue of its own.
func (b *muxBinder) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mux != nil {
		// a previous attempt got the modem into mux mode
		if b.established() {
			return nil
		}
		b.teardown(ctx)
	}

	base := b.channels[0]
	if _, err := base.Command(ctx, CmdMux); err != nil {
		kind := cellular.KindBadResponse
		if errors.Is(err, at.ErrTimeout) {
			kind = cellular.KindTimeout
		}
		return cellular.NewError(kind, errors.Wrap(err, "enter mux mode"))
	}
	base.Unbind()

	queue := eventqueue.New()
	m := mux.New(b.transport, queue,
		mux.WithDLCICount(len(b.channels)),
		mux.WithLogger(b.logger),
		mux.WithDebug(b.debug),
		mux.WithT1(b.t1),
	)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mux, b.queue, b.cancel, b.done = m, queue, cancel, done

	go queue.DispatchForever()
	go func() {
		defer close(done)
		if err := m.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.log("Mux reader stopped: %v", err)
		}
	}()

	if status, est := m.Start(ctx); status != mux.StatusSuccess || est != mux.EstablishSuccess {
		b.teardown(ctx)
		return cellular.Errorf(cellular.KindNoConnection, "mux start: %s/%s", status, est)
	}

	for i, ch := range b.channels {
		dlci := i + 1
		status, est, ds := m.Establish(ctx, dlci)
		if status != mux.StatusSuccess || est != mux.EstablishSuccess {
			b.teardown(ctx)
			return cellular.Errorf(cellular.KindNoConnection, "establish DLCI %d: %s/%s", dlci, status, est)
		}
		s := mux.NewStream(ds)
		b.streams = append(b.streams, s)
		ch.Bind(s)
		b.log("DLCI %d bound", dlci)
	}
	return nil
}

// Close releases the DLCIs and the session. The UART is left to the
// caller.
func (b *muxBinder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mux == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), muxCloseTimeout)
	defer cancel()
	b.teardown(ctx)
}

func (b *muxBinder) established() bool {
	return b.mux.IsOpen() && len(b.streams) == len(b.channels)
}

// teardown undoes whatever Open got done and rebinds the first channel to
// the UART
func (b *muxBinder) teardown(ctx context.Context) {
	for i, s := range b.streams {
		b.channels[i].Unbind()
		s.Close()
	}
	b.streams = nil

	if b.mux.IsOpen() {
		for dlci := len(b.channels); dlci >= 1; dlci-- {
			b.mux.Release(ctx, dlci)
		}
		if status, est := b.mux.Close(ctx); status != mux.StatusSuccess || est != mux.EstablishSuccess {
			b.log("Mux close: %s/%s", status, est)
		}
	}

	b.cancel()
	<-b.done
	b.queue.Close()
	b.mux, b.queue, b.cancel, b.done = nil, nil, nil, nil

	b.channels[0].Bind(b.transport)
	b.log("Mux closed, AT channel back on the UART")
}

func (b *muxBinder) log(format string, args ...interface{}) {
	b.logger("[MUX] "+format, args...)
}
