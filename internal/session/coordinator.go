package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/fabricgw/internal/controller"
	"github.com/mattjoyce/fabricgw/internal/log"
)

// Config tunes dispatch and backpressure.
type Config struct {
	Mode            Mode
	DefaultTimeout  time.Duration
	Timeouts        map[string]time.Duration
	DrainTimeout    time.Duration
	EventQueue      int
	ResponseBacklog int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Mode:            ModePipelined,
		DefaultTimeout:  60 * time.Second,
		DrainTimeout:    10 * time.Second,
		EventQueue:      256,
		ResponseBacklog: 1024,
	}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithGreeting sends a server_info event built by fn to every new
// connection before anything else.
func WithGreeting(fn func() any) Option {
	return func(c *Coordinator) { c.greeting = fn }
}

// WithTracer overrides the tracer used for command spans.
func WithTracer(tr trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = tr }
}

// Stats is a point-in-time view for health reporting.
type Stats struct {
	Connections     int
	Pending         int
	Accepting       bool
	EventsDelivered uint64
	EventsDropped   uint64
}

// Coordinator owns the connection lifecycle. Registry, table and connection
// state are only touched by the loop started with Run; every other entry
// point posts a closure to it, so Run must be running before any of them
// is called.
type Coordinator struct {
	cfg      Config
	ctrl     controller.Controller
	greeting func() any
	tracer   trace.Tracer

	ops      chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	registry    *Registry
	table       *Table
	dispatcher  *Dispatcher
	broadcaster *Broadcaster

	accepting bool
	drained   chan struct{}

	logger *slog.Logger
}

// New wires a coordinator around ctrl. Nothing runs until Run is called.
func New(ctrl controller.Controller, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = def.EventQueue
	}
	if cfg.ResponseBacklog <= 0 {
		cfg.ResponseBacklog = def.ResponseBacklog
	}

	c := &Coordinator{
		cfg:       cfg,
		ctrl:      ctrl,
		ops:       make(chan func(), 256),
		stopped:   make(chan struct{}),
		loopDone:  make(chan struct{}),
		registry:  NewRegistry(),
		table:     NewTable(),
		accepting: true,
		logger:    log.WithComponent("session"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/mattjoyce/fabricgw/internal/session")
	}

	c.dispatcher = &Dispatcher{
		ctrl:           ctrl,
		ops:            Operations(),
		table:          c.table,
		registry:       c.registry,
		mode:           cfg.Mode,
		defaultTimeout: cfg.DefaultTimeout,
		timeouts:       cfg.Timeouts,
		post:           c.post,
		evict:          c.evict,
		settled:        c.checkDrained,
		tracer:         c.tracer,
		logger:         log.WithComponent("dispatch"),
	}
	c.broadcaster = newBroadcaster(ctrl, c.registry, c.post)
	return c
}

// Run subscribes to controller events and runs the loop until Shutdown
// completes or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.loopDone)
	c.broadcaster.Start()
	c.logger.Info("session loop started", "mode", c.cfg.Mode)
	defer c.logger.Info("session loop stopped")

	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-c.stopped:
			return nil
		case <-ctx.Done():
			c.stop()
			return ctx.Err()
		}
	}
}

func (c *Coordinator) stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// post queues fn on the loop. It returns false once the loop has stopped.
func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.stopped:
		return false
	default:
	}
	select {
	case c.ops <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(fn func()) bool {
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.stopped:
		return false
	}
}

// Attach registers a new connection on transport t and starts its writer.
func (c *Coordinator) Attach(t Transport, info ConnInfo) (*Connection, error) {
	conn := newConnection(info, c.cfg.EventQueue, c.cfg.ResponseBacklog)

	var err error
	ok := c.do(func() {
		if !c.accepting {
			err = ErrShuttingDown
			return
		}
		c.registry.Register(conn)
		conn.state = StateActive
		if c.greeting != nil {
			c.broadcaster.Send(conn, controller.Event{
				Kind:    EventServerInfo,
				Subject: "server",
				Payload: c.greeting(),
			})
		}
	})
	if !ok {
		err = ErrShuttingDown
	}
	if err != nil {
		return nil, err
	}

	go conn.out.run(t, func(sendErr error) {
		c.post(func() { c.evict(conn, fmt.Errorf("send: %w", sendErr)) })
	})
	conn.logger.Info("connection attached", "remote_addr", conn.RemoteAddr)
	return conn, nil
}

// Deliver hands one raw inbound message from conn to the loop.
func (c *Coordinator) Deliver(conn *Connection, msg []byte) {
	c.post(func() { c.handleMessage(conn, msg) })
}

func (c *Coordinator) handleMessage(conn *Connection, msg []byte) {
	if conn.state != StateActive {
		conn.logger.Debug("message dropped", "state", conn.state.String())
		return
	}

	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		conn.logger.Debug("malformed message", "error", err)
		c.dispatcher.respond(conn, salvageCorrelationID(msg), failure(newError(KindInvalidArguments, "malformed message: %v", err)))
		return
	}
	c.dispatcher.Dispatch(conn, req)
}

// salvageCorrelationID pulls the correlation id out of a message that did
// not decode as a Request, so the error can still be matched. Numeric ids
// are returned in their JSON text form.
func salvageCorrelationID(msg []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return ""
	}
	raw, ok := fields["correlationId"]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	return ""
}

// Detach is called when the transport went away. Pending commands of the
// connection are cancelled and nothing more is sent on it.
func (c *Coordinator) Detach(conn *Connection) {
	if !c.post(func() { c.closeConnection(conn, false) }) {
		conn.out.abort()
	}
}

func (c *Coordinator) evict(conn *Connection, err error) {
	if conn.state == StateClosed {
		return
	}
	conn.logger.Warn("closing connection", "error", err)
	c.closeConnection(conn, false)
}

// closeConnection walks conn through Closing to Closed. flush keeps queued
// frames for the writer; otherwise they are discarded.
func (c *Coordinator) closeConnection(conn *Connection, flush bool) {
	if conn.state == StateClosed {
		return
	}
	conn.state = StateClosing
	c.registry.Unregister(conn.token)
	cancelled := c.dispatcher.CancelConnection(conn)
	conn.state = StateClosed
	if flush {
		conn.out.close()
	} else {
		conn.out.abort()
	}
	conn.logger.Info("connection closed", "cancelled", cancelled, "flush", flush)
	c.checkDrained()
}

func (c *Coordinator) checkDrained() {
	if c.drained != nil && c.table.Len() == 0 {
		close(c.drained)
		c.drained = nil
	}
}

// Shutdown stops accepting connections and commands, waits for in-flight
// commands up to the drain timeout, tells clients the server is going away,
// closes every connection and releases the controller subscription. The
// controller itself may be released once Shutdown returns.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var (
		drained chan struct{}
		pending int
	)
	if !c.do(func() {
		c.accepting = false
		c.registry.ForEachLive(func(conn *Connection) {
			conn.state = StateClosing
		})
		pending = c.table.Len()
		c.drained = make(chan struct{})
		drained = c.drained
		c.checkDrained()
	}) {
		return nil
	}
	c.logger.Info("session shutdown started", "pending", pending)

	if pending > 0 {
		timer := time.NewTimer(c.cfg.DrainTimeout)
		select {
		case <-drained:
		case <-timer.C:
			c.logger.Warn("drain timeout reached, cancelling remaining commands", "timeout", c.cfg.DrainTimeout)
		case <-ctx.Done():
			c.logger.Warn("shutdown context done before drain", "error", ctx.Err())
		}
		timer.Stop()
	}

	var writers []<-chan struct{}
	c.do(func() {
		c.drained = nil
		c.broadcaster.OnEvent(controller.Event{Kind: EventServerShutdown, Subject: "server"})
		for _, conn := range c.registry.Live() {
			writers = append(writers, conn.Done())
			c.closeConnection(conn, true)
		}
	})

	c.broadcaster.Stop()
	c.stop()
	<-c.loopDone

	stalled := 0
	for _, done := range writers {
		select {
		case <-done:
		case <-ctx.Done():
			stalled++
		}
	}
	if stalled > 0 {
		c.logger.Warn("connections not flushed before shutdown deadline", "count", stalled, "error", ctx.Err())
	}
	c.logger.Info("session shutdown complete")
	return nil
}

// Stats returns connection and command counters. After shutdown it returns
// zero counts.
func (c *Coordinator) Stats() Stats {
	var s Stats
	c.do(func() {
		s.Connections = c.registry.Len()
		s.Pending = c.table.Len()
		s.Accepting = c.accepting
	})
	s.EventsDelivered, s.EventsDropped = c.broadcaster.Stats()
	return s
}

// PendingFor reports the unresolved commands of conn.
func (c *Coordinator) PendingFor(conn *Connection) int {
	n := 0
	c.do(func() { n = c.table.PendingFor(conn.token) })
	return n
}

// StateOf reports the lifecycle state of conn.
func (c *Coordinator) StateOf(conn *Connection) State {
	s := StateClosed
	c.do(func() { s = conn.state })
	return s
}
