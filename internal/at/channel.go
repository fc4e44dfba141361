package at

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout bounds a single command round-trip
const DefaultTimeout = 8 * time.Second

// Channel serializes AT commands over a transport and routes URCs to
// registered handlers. Loop is the only goroutine touching the transport.
//
// The transport can be detached and replaced while Loop runs, which is how
// the UART is handed over to the multiplexer and the channel moved onto a
// DLCI.
type Channel struct {
	name   string
	logger func(string, ...interface{})
	debug  bool

	mu        sync.Mutex
	transport io.ReadWriter
	sess      *session
	timeout   time.Duration
	handlers  map[string]func(line string)
	prefixes  []string

	bound    chan struct{}
	commands chan *request
}

type request struct {
	cmd     string
	logged  string
	timeout time.Duration
	ctx     context.Context
	resp    chan response
}

type response struct {
	lines []string
	err   error
}

type session struct {
	unbind chan chan struct{}
	done   chan struct{}
}

// Option configures a Channel
type Option func(*Channel)

// WithTransport binds the channel at construction
func WithTransport(t io.ReadWriter) Option {
	return func(c *Channel) { c.transport = t }
}

// WithLogger sets the log function
func WithLogger(logger func(string, ...interface{})) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout sets the default command deadline
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) { c.timeout = d }
}

// WithDebug logs every line sent and received
func WithDebug(debug bool) Option {
	return func(c *Channel) { c.debug = debug }
}

// WithName tags log lines of this channel
func WithName(name string) Option {
	return func(c *Channel) { c.name = name }
}

// NewChannel creates a channel. Loop must be running for commands to be
// served.
func NewChannel(opts ...Option) *Channel {
	c := &Channel{
		name:     "at",
		logger:   func(string, ...interface{}) {},
		timeout:  DefaultTimeout,
		handlers: make(map[string]func(string)),
		bound:    make(chan struct{}, 1),
		commands: make(chan *request),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTimeout changes the deadline of subsequent commands. Zero restores
// the default.
func (c *Channel) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Timeout returns the current command deadline
func (c *Channel) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// AddURCHandler routes lines starting with prefix to fn. fn runs on the
// Loop goroutine and must not issue commands on this channel.
func (c *Channel) AddURCHandler(prefix string, fn func(line string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[prefix]; !ok {
		c.prefixes = append(c.prefixes, prefix)
		// longest prefix wins
		sort.Slice(c.prefixes, func(i, j int) bool {
			return len(c.prefixes[i]) > len(c.prefixes[j])
		})
	}
	c.handlers[prefix] = fn
}

// RemoveURCHandler drops the handler for prefix
func (c *Channel) RemoveURCHandler(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[prefix]; !ok {
		return
	}
	delete(c.handlers, prefix)
	for i, p := range c.prefixes {
		if p == prefix {
			c.prefixes = append(c.prefixes[:i], c.prefixes[i+1:]...)
			break
		}
	}
}

func (c *Channel) urcPrefixes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prefixes...)
}

func (c *Channel) handler(line string) func(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.prefixes {
		if strings.HasPrefix(line, p) {
			return c.handlers[p]
		}
	}
	return nil
}

// Bind attaches a transport. A running Loop starts serving it right away.
func (c *Channel) Bind(t io.ReadWriter) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	select {
	case c.bound <- struct{}{}:
	default:
	}
}

// Unbind detaches the transport and waits until Loop stopped reading it.
// A command in flight fails with ErrNotBound.
func (c *Channel) Unbind() {
	c.mu.Lock()
	c.transport = nil
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		return
	}
	ack := make(chan struct{})
	select {
	case s.unbind <- ack:
		<-ack
	case <-s.done:
	}
}

// Bound reports whether a transport is attached
func (c *Channel) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil
}

// Command sends cmd and returns the intermediate lines of the response.
// A final result other than OK is returned as *CommandError.
func (c *Channel) Command(ctx context.Context, cmd string) ([]string, error) {
	return c.command(ctx, cmd, cmd)
}

// CommandSecret is Command for commands carrying a secret. Only logged
// appears in logs and errors.
func (c *Channel) CommandSecret(ctx context.Context, cmd, logged string) ([]string, error) {
	return c.command(ctx, cmd, logged)
}

func (c *Channel) command(ctx context.Context, cmd, logged string) ([]string, error) {
	if !c.Bound() {
		return nil, errors.Wrap(ErrNotBound, logged)
	}

	timeout := c.Timeout()
	req := &request{
		cmd:     strings.TrimSpace(cmd),
		logged:  logged,
		timeout: timeout,
		ctx:     ctx,
		resp:    make(chan response, 1),
	}

	wait := time.NewTimer(timeout)
	defer wait.Stop()

	select {
	case c.commands <- req:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "%s not sent", logged)
	case <-wait.C:
		return nil, errors.Wrapf(ErrTimeout, "%s not sent", logged)
	}

	select {
	case r := <-req.resp:
		return r.lines, r.err
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "%s", logged)
	}
}

// Loop serves the channel until ctx is done or the transport fails. It
// idles while the channel is unbound.
func (c *Channel) Loop(ctx context.Context) error {
	for {
		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()

		if t == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.bound:
				continue
			}
		}

		if err := c.serve(ctx, t); err != nil {
			return err
		}
	}
}

// serve returns nil when the transport was unbound
func (c *Channel) serve(ctx context.Context, t io.ReadWriter) error {
	s := &session{
		unbind: make(chan chan struct{}),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	stop := make(chan struct{})
	lines := make(chan string, 16)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		c.readLoop(t, stop, lines, readErr)
	}()

	var cur *request
	var curLines []string
	var timer *time.Timer
	var timerC <-chan time.Time
	var curDone <-chan struct{}

	finish := func(r response) {
		if cur == nil {
			return
		}
		cur.resp <- r
		cur = nil
		curLines = nil
		curDone = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	shutdown := func(r response) {
		finish(r)
		close(stop)
		<-readerDone

		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
		}
		c.mu.Unlock()
		close(s.done)
	}

	for {
		var commands chan *request
		if cur == nil {
			commands = c.commands
		}

		select {
		case <-ctx.Done():
			shutdown(response{err: ctx.Err()})
			return ctx.Err()

		case ack := <-s.unbind:
			shutdown(response{err: errors.Wrap(ErrNotBound, "unbound during command")})
			close(ack)
			c.log("%s: transport unbound", c.name)
			return nil

		case err := <-readErr:
			shutdown(response{err: errors.Wrap(ErrClosed, err.Error())})
			return errors.Wrap(err, "read")

		case req := <-commands:
			if c.debug {
				c.log("%s > %s", c.name, req.logged)
			}
			if _, err := t.Write([]byte(req.cmd + "\r")); err != nil {
				req.resp <- response{err: errors.Wrapf(err, "write %s", req.logged)}
				continue
			}
			cur = req
			curDone = req.ctx.Done()
			timer = time.NewTimer(req.timeout)
			timerC = timer.C

		case <-timerC:
			c.log("%s: %s timed out after %s", c.name, cur.logged, cur.timeout)
			timer = nil
			finish(response{err: errors.Wrap(ErrTimeout, cur.logged)})

		case <-curDone:
			finish(response{err: errors.Wrap(cur.ctx.Err(), cur.logged)})

		case line := <-lines:
			if cur != nil && line == cur.cmd {
				// echo
				continue
			}
			awaiting := ""
			if cur != nil {
				awaiting = cur.cmd
			}
			if c.debug {
				c.log("%s < %s", c.name, line)
			}

			switch Classify(line, awaiting, c.urcPrefixes()) {
			case TypeURC:
				if fn := c.handler(line); fn != nil {
					fn(line)
				}
			case TypeFinal:
				if cur == nil {
					continue
				}
				if line == OK {
					finish(response{lines: curLines})
				} else {
					finish(response{lines: curLines, err: newCommandError(cur.logged, line)})
				}
			case TypePrompt:
				if cur != nil {
					finish(response{lines: append(curLines, line)})
				}
			case TypeData:
				if cur != nil {
					curLines = append(curLines, line)
				}
			}
		}
	}
}

// readLoop does not use bufio.Scanner because a serial port with a read
// timeout returns (0, nil), which the scanner treats as no progress.
func (c *Channel) readLoop(r io.Reader, stop <-chan struct{}, lines chan<- string, errs chan<- error) {
	buf := make([]byte, 512)
	var pending []byte

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				advance, token, _ := Splitter(pending, false)
				if advance == 0 {
					break
				}
				pending = pending[advance:]

				line := string(token)
				if line != Prompt {
					line = strings.TrimSpace(line)
				}
				if line == "" {
					continue
				}
				select {
				case lines <- line:
				case <-stop:
					return
				}
			}
		}
		if err != nil {
			select {
			case errs <- err:
			case <-stop:
			}
			return
		}
	}
}

func (c *Channel) log(format string, args ...interface{}) {
	c.logger("[AT] "+format, args...)
}
