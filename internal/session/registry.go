package session

import (
	"maps"
	"slices"
)

// Token identifies a registered connection for the lifetime of the process.
// Tokens are never reused.
type Token uint64

// Registry tracks live connections. It is owned by the coordinator loop and
// is not safe for concurrent use.
type Registry struct {
	next  Token
	conns map[Token]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[Token]*Connection)}
}

// Register assigns a fresh token and marks the connection live.
func (r *Registry) Register(c *Connection) Token {
	r.next++
	c.token = r.next
	c.live = true
	r.conns[c.token] = c
	return c.token
}

// Unregister clears the liveness flag and forgets the connection. It reports
// whether anything was removed; a second call is a no-op.
func (r *Registry) Unregister(tok Token) bool {
	c, ok := r.conns[tok]
	if !ok {
		return false
	}
	c.live = false
	delete(r.conns, tok)
	return true
}

func (r *Registry) IsLive(tok Token) bool {
	c, ok := r.conns[tok]
	return ok && c.live
}

func (r *Registry) Get(tok Token) (*Connection, bool) {
	c, ok := r.conns[tok]
	return c, ok
}

// ForEachLive calls fn for every live connection in registration order.
// fn may unregister connections.
func (r *Registry) ForEachLive(fn func(*Connection)) {
	for _, tok := range slices.Sorted(maps.Keys(r.conns)) {
		if c, ok := r.conns[tok]; ok && c.live {
			fn(c)
		}
	}
}

// Live returns a snapshot of the live connections in registration order.
func (r *Registry) Live() []*Connection {
	out := make([]*Connection, 0, len(r.conns))
	r.ForEachLive(func(c *Connection) { out = append(out, c) })
	return out
}

func (r *Registry) Len() int {
	return len(r.conns)
}
