package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/fabricgw/internal/auth"
	"github.com/mattjoyce/fabricgw/internal/controller"
	"github.com/mattjoyce/fabricgw/internal/log"
)

// Mode selects how many commands of one connection may be in flight.
type Mode string

const (
	// ModePipelined hands every command to the controller as it arrives.
	ModePipelined Mode = "pipelined"
	// ModeSerial keeps one command per connection in flight; the rest wait
	// in arrival order.
	ModeSerial Mode = "serial"
)

// Dispatcher validates requests and runs them against the controller. All
// methods run on the coordinator loop; controller completions are posted
// back to it.
type Dispatcher struct {
	ctrl     controller.Controller
	ops      map[string]*Operation
	table    *Table
	registry *Registry

	mode           Mode
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration

	post    func(func()) bool
	evict   func(*Connection, error)
	settled func()

	tracer trace.Tracer
	logger *slog.Logger
}

// Dispatch handles one request from conn.
func (d *Dispatcher) Dispatch(conn *Connection, req Request) {
	if !d.registry.IsLive(conn.token) {
		conn.logger.Debug("request for unregistered connection dropped", "correlation_id", req.CorrelationID)
		return
	}

	p, err := d.table.Submit(CommandRequest{
		Conn:          conn.token,
		CorrelationID: req.CorrelationID,
		Operation:     req.Operation,
		Args:          req.Args,
		SubmittedAt:   time.Now(),
	})
	if err != nil {
		d.respond(conn, req.CorrelationID, failure(newError(KindDuplicateCorrelationID,
			"correlation id %q is already pending", req.CorrelationID)))
		return
	}
	p.conn = conn

	op, ok := d.ops[req.Operation]
	if !ok {
		d.resolve(p.Handle, failure(newError(KindUnknownOperation, "unknown operation %q", req.Operation)))
		return
	}
	if !auth.HasAnyScope(conn.Principal, op.Scope) {
		d.resolve(p.Handle, failure(newError(KindForbidden, "operation %s requires scope %s", op.Name, op.Scope)))
		return
	}
	args, err := op.decode(req.Args)
	if err != nil {
		d.resolve(p.Handle, failure(newError(KindInvalidArguments, "%s: %v", op.Name, err)))
		return
	}
	p.op = op
	p.args = args

	if d.mode == ModeSerial && conn.inFlight > 0 {
		conn.waiting = append(conn.waiting, p)
		return
	}
	d.start(p)
}

// start hands p to the controller. Invoke is called here, on the loop, so
// the controller accepts one connection's commands in arrival order.
func (d *Dispatcher) start(p *PendingCommand) {
	conn := p.conn
	h := p.Handle

	ctx, cancel := context.WithCancel(context.Background())
	ctx, span := d.tracer.Start(ctx, "session.command "+p.op.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("fabricgw.operation", p.op.Name),
			attribute.String("fabricgw.conn_id", conn.ID),
			attribute.String("fabricgw.correlation_id", p.Request.CorrelationID),
		))
	p.cancel = cancel
	p.span = span
	p.started = true
	conn.inFlight++

	if timeout := d.timeoutFor(p.op); timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			d.post(func() { d.expire(h, timeout) })
		})
	}

	log.WithCorrelation(conn.ID, p.Request.CorrelationID).Debug("invoking controller", "operation", p.op.Name)
	results := d.ctrl.Invoke(ctx, p.op.Name, p.args)
	if results == nil {
		d.resolve(h, failure(newError(KindControllerError, "controller did not accept %s", p.op.Name)))
		return
	}

	go func() {
		select {
		case r := <-results:
			d.post(func() { d.complete(h, r) })
		case <-ctx.Done():
		}
	}()
}

func (d *Dispatcher) timeoutFor(op *Operation) time.Duration {
	if t, ok := d.timeouts[op.Name]; ok {
		return t
	}
	if op.Timeout > 0 {
		return op.Timeout
	}
	return d.defaultTimeout
}

func (d *Dispatcher) expire(h Handle, timeout time.Duration) {
	p, ok := d.table.Get(h)
	if !ok {
		return
	}
	p.conn.logger.Warn("command timed out",
		"correlation_id", p.Request.CorrelationID,
		"operation", p.Request.Operation,
		"timeout", timeout)
	d.resolve(h, failure(newError(KindTimeout, "%s did not complete within %s", p.Request.Operation, timeout)))
}

// complete records a controller result. Results for handles that already
// resolved (timeout, disconnect) are discarded.
func (d *Dispatcher) complete(h Handle, r controller.Result) {
	p, ok := d.table.Get(h)
	if !ok {
		d.logger.Debug("late controller result discarded", "handle", h)
		return
	}
	d.resolve(h, d.outcomeOf(p, r))
}

func (d *Dispatcher) outcomeOf(p *PendingCommand, r controller.Result) (o Outcome) {
	if r.Err != nil {
		ce := controller.AsError(r.Err)
		code := int(ce.Code)
		return failure(&CommandError{Kind: KindControllerError, Message: ce.Message, Code: &code})
	}

	defer func() {
		if rec := recover(); rec != nil {
			o = failure(newError(KindControllerError, "%s: result could not be encoded: %v", p.op.Name, rec))
		}
	}()
	raw, err := p.op.shape(r.Value)
	if err != nil {
		return failure(newError(KindControllerError, "%s: result could not be encoded: %v", p.op.Name, err))
	}
	return success(raw)
}

func (d *Dispatcher) resolve(h Handle, o Outcome) {
	p, ok := d.table.Resolve(h, o)
	if !ok {
		return
	}
	d.finish(p)
}

// finish runs after p left the table: it answers the client, releases the
// next serial command and reports progress to the coordinator.
func (d *Dispatcher) finish(p *PendingCommand) {
	o := p.outcome
	conn := p.conn

	if p.span != nil {
		if o.Err != nil {
			p.span.SetStatus(codes.Error, o.Err.Message)
			p.span.SetAttributes(attribute.String("fabricgw.error_kind", string(o.Err.Kind)))
		}
		p.span.End()
	}
	if p.started && conn != nil {
		conn.inFlight--
	}

	if conn != nil && conn.live && o.Kind() != KindConnectionClosed {
		d.respond(conn, p.Request.CorrelationID, o)
	}
	if conn != nil && conn.live {
		d.pump(conn)
	}
	if d.settled != nil {
		d.settled()
	}
}

// pump starts the next waiting command of a serial connection.
func (d *Dispatcher) pump(conn *Connection) {
	for d.mode == ModeSerial && conn.inFlight == 0 && len(conn.waiting) > 0 {
		next := conn.waiting[0]
		conn.waiting[0] = nil
		conn.waiting = conn.waiting[1:]
		if _, ok := d.table.Get(next.Handle); ok {
			d.start(next)
		}
	}
}

// CancelConnection resolves every pending command of conn with
// ConnectionClosed. Nothing is sent. It returns how many were cancelled.
func (d *Dispatcher) CancelConnection(conn *Connection) int {
	conn.waiting = nil
	cancelled := d.table.CancelAllFor(conn.token)
	for _, p := range cancelled {
		d.finish(p)
	}
	return len(cancelled)
}

func (d *Dispatcher) respond(conn *Connection, correlationID string, o Outcome) {
	data, err := encodeResponse(correlationID, o)
	if err != nil {
		conn.logger.Error("failed to encode response", "correlation_id", correlationID, "error", err)
		data, _ = encodeResponse(correlationID, failure(newError(KindControllerError, "response could not be encoded")))
	}

	err = conn.out.pushResponse(data)
	switch {
	case err == nil:
	case errors.Is(err, ErrResponseBacklog):
		conn.logger.Warn("client is not reading responses, closing connection", "correlation_id", correlationID)
		if d.evict != nil {
			d.evict(conn, fmt.Errorf("respond %s: %w", correlationID, err))
		}
	default:
		conn.logger.Debug("response not delivered", "correlation_id", correlationID, "error", err)
	}
}
