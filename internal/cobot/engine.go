// Package cobot is the protocol engine for the arm controller: it frames and
// dispatches traffic on the half-duplex serial link, serializes polling
// requests, keeps a cache of decoded telemetry and offers blocking queries
// for the few values callers need authoritatively.
//
// All protocol state (parse buffer, scheduler, waiters) is owned by a single
// event-loop goroutine. Transport reads arrive from a reader goroutine and
// application calls are posted to the loop, so none of that state is locked.
package cobot

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/cobot-link/internal/protocol"
)

// Config holds connection and timing configuration for an Engine.
type Config struct {
	Driver   string `yaml:"driver" json:"driver" toml:"driver"`
	PortPath string `yaml:"port_path" json:"portPath" toml:"port_path"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate" toml:"baud_rate"`
	Address  string `yaml:"address" json:"address" toml:"address"` // tcp driver only

	// RequestTimeout bounds one scheduled request; QueryTimeout bounds a
	// blocking query.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"requestTimeout" toml:"request_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout" json:"queryTimeout" toml:"query_timeout"`

	// MaxLinearSpeed is the firmware's top Cartesian speed; coordinate
	// moves send speed as a percentage of it.
	MaxLinearSpeed int `yaml:"max_linear_speed" json:"maxLinearSpeed" toml:"max_linear_speed"`

	// PollRotation is the sequence of request kinds auto-polling cycles
	// through, one per tick.
	PollRotation []RequestKind `yaml:"poll_rotation" json:"pollRotation" toml:"poll_rotation"`
}

const (
	defaultBaudRate       = 1000000
	defaultRequestTimeout = 500 * time.Millisecond
	defaultQueryTimeout   = 1000 * time.Millisecond
	defaultMaxLinearSpeed = 200

	readBufSize = 256
)

// DefaultPollRotation is used when Config.PollRotation is empty.
var DefaultPollRotation = []RequestKind{RequestAngles, RequestCoords, RequestSpeeds, RequestVoltages}

func (c *Config) applyDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.MaxLinearSpeed <= 0 {
		c.MaxLinearSpeed = defaultMaxLinearSpeed
	}
	if len(c.PollRotation) == 0 {
		c.PollRotation = append([]RequestKind(nil), DefaultPollRotation...)
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithOpener replaces the transport opener derived from Config.Driver.
func WithOpener(open Opener) Option {
	return func(e *Engine) {
		if open != nil {
			e.open = open
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine drives one controller connection. Create it with New and release
// it with Close.
type Engine struct {
	cfg  Config
	open Opener
	log  zerolog.Logger

	cache stateCache

	// writeMu serializes whole-frame writes from callers and the loop.
	writeMu   sync.Mutex
	conn      Transport
	connected atomic.Bool

	ops  chan func()
	data chan chunk
	lost chan linkLoss
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once

	obsMu        sync.Mutex
	onDisconnect func(error)

	// Owned by the event loop.
	gen           uint64
	parser        protocol.Parser
	sched         scheduler
	waiters       map[protocol.Command][]*waiter
	lastLoadJoint Joint
}

type chunk struct {
	gen uint64
	b   []byte
}

type linkLoss struct {
	gen uint64
	err error
}

// New creates an Engine and starts its event loop. No I/O happens until
// Connect.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	e := &Engine{
		cfg:     cfg,
		log:     log.With().Str("component", "cobot").Logger(),
		ops:     make(chan func()),
		data:    make(chan chunk, 64),
		lost:    make(chan linkLoss, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		waiters: make(map[protocol.Command][]*waiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.open == nil {
		open, err := OpenerFor(cfg)
		if err != nil {
			return nil, err
		}
		e.open = open
	}
	e.sched.rotation = cfg.PollRotation
	go e.run()
	return e, nil
}

func (e *Engine) Name() string { return "cobot (" + e.describe() + ")" }

func (e *Engine) describe() string {
	switch e.cfg.Driver {
	case DriverTCP:
		return e.cfg.Address
	case DriverDemo:
		return "simulator"
	}
	return e.cfg.PortPath
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Connect opens the transport and starts reading from it. It is a no-op when
// already connected. Requests queued while disconnected resume draining; if
// the first of them cannot be written the link is dropped again and the
// write error is returned.
func (e *Engine) Connect() error {
	if e.connected.Load() {
		return nil
	}
	t, err := e.open()
	if err != nil {
		return &TransportError{Op: "open", Err: err}
	}
	var sendErr error
	err = e.do(func() {
		if e.connected.Load() {
			// Lost a race with another Connect.
			t.Close()
			return
		}
		e.gen++
		e.parser.Reset()
		e.writeMu.Lock()
		e.conn = t
		e.writeMu.Unlock()
		e.connected.Store(true)
		go e.readLoop(t, e.gen)
		e.log.Info().Str("link", e.describe()).Msg("connected")
		sendErr = e.advance()
	})
	if err != nil {
		t.Close()
		return err
	}
	return sendErr
}

// Disconnect closes the transport but keeps the engine usable for a later
// Connect. Waiting queries fail with ErrNotConnected.
func (e *Engine) Disconnect() error {
	return e.do(func() {
		if !e.connected.Load() {
			return
		}
		e.gen++
		e.dropLink(ErrNotConnected)
		e.log.Info().Msg("port closed")
	})
}

// IsConnected reports whether the link is up.
func (e *Engine) IsConnected() bool { return e.connected.Load() }

// OnDisconnect registers fn to be called (on its own goroutine) when the
// link is lost unexpectedly.
func (e *Engine) OnDisconnect(fn func(error)) {
	e.obsMu.Lock()
	e.onDisconnect = fn
	e.obsMu.Unlock()
}

// Close stops the event loop and closes the transport. The engine cannot be
// reused afterwards.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.quit)
	})
	<-e.done
	return nil
}

// do runs fn on the event loop and waits for it to finish.
func (e *Engine) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(finished) }:
	case <-e.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

// post queues fn on the event loop without waiting for it.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.done:
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			e.shutdown()
			return
		case fn := <-e.ops:
			fn()
		case c := <-e.data:
			if c.gen == e.gen && e.connected.Load() {
				e.handleData(c.b)
			}
		case l := <-e.lost:
			if l.gen == e.gen && e.connected.Load() {
				e.handleLinkLoss(l.err)
			}
		case <-e.sched.tickC():
			e.pollTick()
		}
	}
}

func (e *Engine) readLoop(t Transport, gen uint64) {
	buf := make([]byte, readBufSize)
	for {
		n, err := t.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case e.data <- chunk{gen: gen, b: b}:
			case <-e.done:
				return
			}
		}
		if err != nil {
			select {
			case e.lost <- linkLoss{gen: gen, err: err}:
			case <-e.done:
			}
			return
		}
	}
}

func (e *Engine) handleData(b []byte) {
	for _, f := range e.parser.Feed(b) {
		e.dispatch(f)
	}
}

// handleLinkLoss runs when the reader reports an error: the link is marked
// down, the scheduler returns to Idle with its queue intact, waiters are
// failed and the observer is notified.
func (e *Engine) handleLinkLoss(err error) {
	e.log.Error().Err(err).Msg("link lost, device may have been disconnected")
	e.dropLink(ErrDisconnected)

	e.obsMu.Lock()
	fn := e.onDisconnect
	e.obsMu.Unlock()
	if fn != nil {
		go fn(fmt.Errorf("%w: %v", ErrDisconnected, err))
	}
}

func (e *Engine) dropLink(cause error) {
	e.writeMu.Lock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.writeMu.Unlock()
	e.connected.Store(false)
	e.sched.idle()
	e.failWaiters(cause)
}

func (e *Engine) shutdown() {
	e.sched.stopPolling()
	if e.connected.Load() {
		e.gen++
		e.dropLink(ErrClosed)
	}
	e.failWaiters(ErrClosed)
	e.log.Debug().Msg("engine stopped")
}

// write sends one complete frame. It is safe to call from any goroutine.
func (e *Engine) write(frame []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.conn == nil {
		return ErrNotConnected
	}
	n, err := e.conn.Write(frame)
	if err != nil {
		e.log.Error().Err(err).Msg("could not write data")
		return &TransportError{Op: "write", Err: err}
	}
	if n != len(frame) {
		err := fmt.Errorf("wrote %d of %d bytes", n, len(frame))
		e.log.Error().Err(err).Msg("incomplete write")
		return &TransportError{Op: "write", Err: err}
	}
	e.log.Trace().Hex("tx", frame).Msg("sent")
	return nil
}

// send encodes and writes cmd with params.
func (e *Engine) send(cmd protocol.Command, params ...byte) error {
	if err := e.write(protocol.Encode(cmd, params...)); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}
