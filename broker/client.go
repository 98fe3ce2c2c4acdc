/*
Package broker implements the messaging endpoint every worker thread and
the singleton server hold towards the cluster broker: a fire-and-forget
PUSH publisher and a background subscriber loop delivering broadcast
(SUB) or point-to-point (PULL) messages to a caller-supplied handler.
*/
package broker

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"github.com/danlg/zato/common"
)

// pollInterval bounds how long the subscriber loop blocks in a single
// receive, so that Close takes effect promptly rather than only after
// the next message arrives. It is not an application-level timeout.
const pollInterval = 100 * time.Millisecond

// Push sends messages to the broker over a PUSH socket. Delivery is
// at-most-once: there is no confirmation and no retry. A Push is owned
// by a single goroutine; it is not safe for concurrent use.
type Push struct {
	addr      string
	socket    *zmq.Socket
	logger    zerolog.Logger
	closeOnce sync.Once
}

// NewPush connects a PUSH socket to addr.
func NewPush(zctx *zmq.Context, addr string, logger zerolog.Logger) (*Push, error) {
	socket, err := zctx.NewSocket(zmq.PUSH)
	if err != nil {
		return nil, &common.TransportError{Op: "create push socket", Err: err}
	}
	socket.SetLinger(0)
	if err := socket.Connect(addr); err != nil {
		socket.Close()
		return nil, &common.TransportError{Op: "connect to " + addr, Err: err}
	}
	return &Push{addr: addr, socket: socket, logger: logger}, nil
}

// Send delivers msg to the broker, best effort. A transport failure is
// logged as a warning and otherwise ignored; the caller must not assume
// the message arrived.
func (p *Push) Send(msg Message) {
	data, err := msg.Marshal()
	if err != nil {
		p.logger.Warn().Err(err).Str("action", msg.Action).Msg("could not serialize broker message")
		return
	}
	if _, err := p.socket.SendBytes(data, zmq.DONTWAIT); err != nil {
		p.logger.Warn().Err(err).Str("addr", p.addr).Str("action", msg.Action).
			Msg("broker send failed, continuing anyway")
	}
}

// Close releases the socket. Idempotent.
func (p *Push) Close() {
	p.closeOnce.Do(func() {
		p.logger.Info().Str("addr", p.addr).Msg("stopping broker push")
		p.socket.Close()
	})
}

// Subscriber runs a background loop receiving messages from the broker
// and feeding them to a handler. The socket kind decides the flavour:
// SUB for the cluster-wide broadcast feed, PULL for point-to-point
// commands (the singleton's inbound side).
type Subscriber struct {
	zctx     *zmq.Context
	addr     string
	kind     zmq.Type
	patterns []string
	handler  Handler
	hooks    Hooks
	logger   zerolog.Logger

	running atomic.Bool
	errs    chan error
}

// NewSubscriber prepares a subscriber; nothing connects until Start.
// patterns are SUB topic filters; empty means subscribe to everything.
func NewSubscriber(zctx *zmq.Context, addr string, kind zmq.Type, patterns []string,
	handler Handler, hooks Hooks, logger zerolog.Logger) *Subscriber {

	if kind == zmq.SUB && len(patterns) == 0 {
		patterns = []string{""}
	}
	return &Subscriber{
		zctx:     zctx,
		addr:     addr,
		kind:     kind,
		patterns: patterns,
		handler:  handler,
		hooks:    hooks,
		logger:   logger,
		errs:     make(chan error, 1),
	}
}

// Start begins the receive loop in its own goroutine. The returned
// channel yields the fatal transport error if the loop dies on its own
// and is closed when the loop exits, so an owner can supervise the
// subscriber instead of discovering its death by silence.
func (s *Subscriber) Start() <-chan error {
	s.running.Store(true)
	go s.listen()
	return s.errs
}

// Close asks the loop to stop. Idempotent; the loop polls the flag with
// a bounded wait and releases its socket within one poll interval.
func (s *Subscriber) Close() {
	s.running.Store(false)
}

func (s *Subscriber) listen() {
	defer close(s.errs)

	s.logger.Debug().Str("addr", s.addr).Msg("starting broker subscriber")

	socket, err := s.zctx.NewSocket(s.kind)
	if err != nil {
		s.fail("create subscriber socket", err)
		return
	}
	defer socket.Close()
	socket.SetLinger(0)

	if err := socket.Connect(s.addr); err != nil {
		s.fail("connect to "+s.addr, err)
		return
	}
	if s.kind == zmq.SUB {
		for _, pattern := range s.patterns {
			if err := socket.SetSubscribe(pattern); err != nil {
				s.fail("subscribe", err)
				return
			}
		}
	}

	poller := zmq.NewPoller()
	poller.Add(socket, zmq.POLLIN)

	for s.running.Load() {
		polled, err := poller.Poll(pollInterval)
		if err != nil {
			// Fatal to this loop: log, close, let the owner restart us.
			s.logger.Error().Err(err).Str("addr", s.addr).Msg("transport error while polling, quitting")
			s.Close()
			s.errs <- &common.TransportError{Op: "poll " + s.addr, Err: err}
			return
		}
		if len(polled) == 0 {
			continue
		}
		data, err := socket.RecvBytes(0)
		if err != nil {
			s.logger.Error().Err(err).Str("addr", s.addr).Msg("transport error while receiving, quitting")
			s.Close()
			s.errs <- &common.TransportError{Op: "receive from " + s.addr, Err: err}
			return
		}
		s.dispatch(data)
	}
}

func (s *Subscriber) fail(op string, err error) {
	s.logger.Error().Err(err).Str("addr", s.addr).Msgf("could not %s", op)
	s.errs <- &common.TransportError{Op: op, Err: err}
}

// dispatch runs one message through the before-hook, the handler and
// the after-hook. A failing handler is logged together with the
// offending message and never terminates the loop.
func (s *Subscriber) dispatch(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		s.logger.Error().Err(err).Str("msg", string(data)).Msg("could not parse broker message")
		return
	}
	if s.hooks.Before != nil {
		s.hooks.Before(msg)
	}
	herr := s.invokeHandler(msg)
	if herr != nil {
		s.logger.Error().Err(herr).Str("cid", msg.CID).Str("action", msg.Action).
			Str("msg", string(data)).Msg("could not invoke the message handler")
	}
	if s.hooks.After != nil {
		s.hooks.After(msg, herr)
	}
}

func (s *Subscriber) invokeHandler(msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.handler(msg)
}

// Client couples the outbound push side with an inbound subscriber: one
// broker endpoint, owned by a single worker thread or by the singleton
// server for its whole lifetime.
type Client struct {
	push *Push
	sub  *Subscriber
}

// NewClient connects the push side immediately; the subscriber loop is
// started separately via StartSubscriber.
func NewClient(zctx *zmq.Context, pushAddr, subAddr string, kind zmq.Type, patterns []string,
	handler Handler, hooks Hooks, logger zerolog.Logger) (*Client, error) {

	push, err := NewPush(zctx, pushAddr, logger)
	if err != nil {
		return nil, err
	}
	sub := NewSubscriber(zctx, subAddr, kind, patterns, handler, hooks, logger)
	return &Client{push: push, sub: sub}, nil
}

// Send pushes a command to the broker, fire and forget.
func (c *Client) Send(msg Message) {
	c.push.Send(msg)
}

// StartSubscriber starts the background receive loop and returns its
// supervision channel.
func (c *Client) StartSubscriber() <-chan error {
	return c.sub.Start()
}

// Close shuts down both sides. Idempotent.
func (c *Client) Close() {
	c.push.Close()
	c.sub.Close()
}
