package session

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Handle identifies one pending command inside the Table.
type Handle uint64

// CommandRequest is an accepted client request. Immutable once built.
type CommandRequest struct {
	Conn          Token
	CorrelationID string
	Operation     string
	Args          json.RawMessage
	SubmittedAt   time.Time
}

// PendingCommand is a submitted request awaiting its single outcome.
type PendingCommand struct {
	Request CommandRequest
	Handle  Handle

	conn    *Connection
	op      *Operation
	args    any
	started bool
	cancel  context.CancelFunc
	timer   *time.Timer
	span    trace.Span
	outcome Outcome
}

// Outcome returns the recorded outcome. Only meaningful after resolution.
func (p *PendingCommand) Outcome() Outcome {
	return p.outcome
}

// Table holds unresolved commands keyed by handle and by (connection,
// correlation id). Owned by the coordinator loop; not safe for concurrent
// use.
type Table struct {
	next     Handle
	byHandle map[Handle]*PendingCommand
	byConn   map[Token]map[string]Handle
}

func NewTable() *Table {
	return &Table{
		byHandle: make(map[Handle]*PendingCommand),
		byConn:   make(map[Token]map[string]Handle),
	}
}

// Submit records a new pending command. It fails with
// ErrDuplicateCorrelationID if the connection already has an unresolved
// command with the same correlation id.
func (t *Table) Submit(req CommandRequest) (*PendingCommand, error) {
	ids := t.byConn[req.Conn]
	if _, dup := ids[req.CorrelationID]; dup {
		return nil, ErrDuplicateCorrelationID
	}
	if ids == nil {
		ids = make(map[string]Handle)
		t.byConn[req.Conn] = ids
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	t.next++
	p := &PendingCommand{Request: req, Handle: t.next}
	t.byHandle[p.Handle] = p
	ids[req.CorrelationID] = p.Handle
	return p, nil
}

// Get returns the pending command for h if it is still unresolved.
func (t *Table) Get(h Handle) (*PendingCommand, bool) {
	p, ok := t.byHandle[h]
	return p, ok
}

// Resolve records o as the outcome of h and removes it. Resolving a handle
// that is already gone returns false and changes nothing.
func (t *Table) Resolve(h Handle, o Outcome) (*PendingCommand, bool) {
	p, ok := t.byHandle[h]
	if !ok {
		return nil, false
	}
	delete(t.byHandle, h)
	if ids := t.byConn[p.Request.Conn]; ids != nil {
		delete(ids, p.Request.CorrelationID)
		if len(ids) == 0 {
			delete(t.byConn, p.Request.Conn)
		}
	}

	p.outcome = o
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}
	return p, true
}

// Cancel resolves h with reason.
func (t *Table) Cancel(h Handle, reason *CommandError) (*PendingCommand, bool) {
	return t.Resolve(h, failure(reason))
}

// CancelAllFor resolves every pending command of tok with ConnectionClosed
// and returns them in submission order.
func (t *Table) CancelAllFor(tok Token) []*PendingCommand {
	ids := t.byConn[tok]
	if len(ids) == 0 {
		return nil
	}
	handles := make([]Handle, 0, len(ids))
	for _, h := range ids {
		handles = append(handles, h)
	}
	slices.Sort(handles)

	out := make([]*PendingCommand, 0, len(handles))
	for _, h := range handles {
		if p, ok := t.Cancel(h, newError(KindConnectionClosed, "connection closed")); ok {
			out = append(out, p)
		}
	}
	return out
}

// Len is the number of unresolved commands.
func (t *Table) Len() int {
	return len(t.byHandle)
}

// PendingFor is the number of unresolved commands of one connection.
func (t *Table) PendingFor(tok Token) int {
	return len(t.byConn[tok])
}
