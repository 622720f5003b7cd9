package session

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/fabricgw/internal/auth"
	"github.com/mattjoyce/fabricgw/internal/log"
)

// Transport sends complete messages to one client. Close must be safe to
// call more than once.
type Transport interface {
	Send(msg []byte) error
	Close() error
}

// State is the lifecycle position of a connection.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnInfo describes an accepted transport session.
type ConnInfo struct {
	ID         string
	RemoteAddr string
	Principal  auth.Principal
}

// Connection is one client session. Apart from ID, RemoteAddr, Principal
// and Done, its fields belong to the coordinator loop.
type Connection struct {
	ID          string
	RemoteAddr  string
	Principal   auth.Principal
	ConnectedAt time.Time

	token    Token
	live     bool
	state    State
	out      *outbox
	waiting  []*PendingCommand
	inFlight int
	logger   *slog.Logger
}

func newConnection(info ConnInfo, eventQueue, responseBacklog int) *Connection {
	id := info.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Connection{
		ID:          id,
		RemoteAddr:  info.RemoteAddr,
		Principal:   info.Principal,
		ConnectedAt: time.Now().UTC(),
		state:       StateConnecting,
		out:         newOutbox(eventQueue, responseBacklog),
		logger:      log.WithConn(id).With("component", "session"),
	}
}

// Done is closed once the connection's writer has stopped and its
// transport has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.out.done
}
