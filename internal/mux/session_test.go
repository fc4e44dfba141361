package mux_test

import (
	"bufio"
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellular-service/internal/eventqueue"
	"cellular-service/internal/mux"
)

type link struct {
	io.Reader
	io.Writer
}

// peer plays the modem side of the session
type peer struct {
	t      *testing.T
	out    *io.PipeWriter
	in     *bufio.Reader
	silent bool
	sabms  atomic.Int32
	data   chan mux.Frame
}

func readFrame(r *bufio.Reader) (mux.Frame, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return mux.Frame{}, err
		}
		if b == mux.Flag {
			break
		}
	}

	var addr byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return mux.Frame{}, err
		}
		if b != mux.Flag {
			addr = b
			break
		}
	}

	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return mux.Frame{}, err
	}
	rest := make([]byte, int(hdr[1]>>1)+2)
	if _, err := io.ReadFull(r, rest); err != nil {
		return mux.Frame{}, err
	}

	raw := append([]byte{mux.Flag, addr}, hdr...)
	return mux.Decode(append(raw, rest...))
}

func (p *peer) serve() {
	for {
		f, err := readFrame(p.in)
		if err != nil {
			return
		}
		switch f.Type {
		case mux.FrameSABM, mux.FrameDISC:
			p.sabms.Add(1)
			if !p.silent {
				p.send(mux.Frame{DLCI: f.DLCI, Type: mux.FrameUA, CR: true, PF: true})
			}
		case mux.FrameUIH:
			p.data <- f
		}
	}
}

func (p *peer) send(f mux.Frame) {
	b, err := f.Encode()
	if err != nil {
		p.t.Error(err)
		return
	}
	_, _ = p.out.Write(b)
}

func newSession(t *testing.T, silent bool, opts ...mux.Option) (*mux.Mux, *peer) {
	t.Helper()

	toMux, fromPeer := io.Pipe()
	toPeer, fromMux := io.Pipe()

	p := &peer{t: t, out: fromPeer, in: bufio.NewReader(toPeer), silent: silent, data: make(chan mux.Frame, 8)}
	go p.serve()

	q := eventqueue.New()
	go q.DispatchForever()

	m := mux.New(link{Reader: toMux, Writer: fromMux}, q, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		fromPeer.Close()
		fromMux.Close()
		toPeer.Close()
		q.Close()
	})
	return m, p
}

func TestEstablishAndExchangeData(t *testing.T) {
	m, p := newSession(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rs, _, _ := m.Establish(ctx, 1)
	assert.Equal(t, mux.StatusMuxNotOpen, rs)

	rs, es := m.Start(ctx)
	require.Equal(t, mux.StatusSuccess, rs)
	require.Equal(t, mux.EstablishSuccess, es)
	assert.True(t, m.IsOpen())

	rs, _ = m.Start(ctx)
	assert.Equal(t, mux.StatusNoResource, rs)

	for _, dlci := range []int{0, 64} {
		rs, _, _ = m.Establish(ctx, dlci)
		assert.Equal(t, mux.StatusInvalidRange, rs)
	}

	start := time.Now()
	rs, es, ds := m.Establish(ctx, 2)
	require.Equal(t, mux.StatusSuccess, rs)
	require.Equal(t, mux.EstablishSuccess, es)
	require.NotNil(t, ds)
	assert.Equal(t, 2, ds.DLCI())
	assert.Less(t, time.Since(start), mux.DefaultT1)

	rs, _, _ = m.Establish(ctx, 2)
	assert.Equal(t, mux.StatusNoResource, rs)

	s := mux.NewStream(ds, mux.WithPollInterval(20*time.Millisecond))
	defer s.Close()

	n, err := s.Write([]byte("AT+CSQ\r"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	select {
	case f := <-p.data:
		assert.Equal(t, 2, f.DLCI)
		assert.Equal(t, []byte("AT+CSQ\r"), f.Info)
	case <-time.After(2 * time.Second):
		t.Fatal("no UIH at the peer")
	}

	p.send(mux.Frame{DLCI: 2, Type: mux.FrameUIH, Info: []byte("+CSQ: 20,99\r\n")})

	var got []byte
	buf := make([]byte, 4)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 13 && time.Now().Before(deadline) {
		n, err := s.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "+CSQ: 20,99\r\n", string(got))

	rs, es = m.Release(ctx, 2)
	assert.Equal(t, mux.StatusSuccess, rs)
	assert.Equal(t, mux.EstablishSuccess, es)
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, mux.ErrReleased)

	rs, es = m.Close(ctx)
	assert.Equal(t, mux.StatusSuccess, rs)
	assert.Equal(t, mux.EstablishSuccess, es)
	assert.False(t, m.IsOpen())
}

func TestStartTimesOut(t *testing.T) {
	m, p := newSession(t, true, mux.WithT1(10*time.Millisecond), mux.WithRetransmits(2))

	rs, es := m.Start(context.Background())
	assert.Equal(t, mux.StatusSuccess, rs)
	assert.Equal(t, mux.EstablishTimeout, es)
	assert.False(t, m.IsOpen())
	assert.Eventually(t, func() bool { return p.sabms.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestStartHonoursContext(t *testing.T) {
	m, _ := newSession(t, true, mux.WithT1(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	rs, es := m.Start(ctx)
	assert.Equal(t, mux.StatusSuccess, rs)
	assert.Equal(t, mux.EstablishTimeout, es)
	assert.False(t, m.IsOpen())

	// a new attempt is accepted once the aborted one is gone
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	rs, _ = m.Start(ctx2)
	assert.Equal(t, mux.StatusSuccess, rs)
}

func TestStreamReadTimesOutWithoutData(t *testing.T) {
	m, _ := newSession(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, es := m.Start(ctx)
	require.Equal(t, mux.EstablishSuccess, es)
	_, es, ds := m.Establish(ctx, 1)
	require.Equal(t, mux.EstablishSuccess, es)

	s := mux.NewStream(ds, mux.WithPollInterval(10*time.Millisecond))
	n, err := s.Read(make([]byte, 8))
	assert.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Close())
	_, err = s.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
}

func TestClosedStreamRefusesIO(t *testing.T) {
	m, _ := newSession(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, es := m.Start(ctx)
	require.Equal(t, mux.EstablishSuccess, es)
	_, es, ds := m.Establish(ctx, 2)
	require.Equal(t, mux.EstablishSuccess, es)

	s := mux.NewStream(ds, mux.WithPollInterval(10*time.Millisecond))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	n, err := s.Write([]byte("AT\r"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Zero(t, n)
	_, err = s.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
}
