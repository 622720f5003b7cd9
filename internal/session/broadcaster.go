package session

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/fabricgw/internal/controller"
	"github.com/mattjoyce/fabricgw/internal/log"
)

// Broadcaster holds the single controller subscription and fans every event
// out to the live connections.
type Broadcaster struct {
	ctrl     controller.Controller
	registry *Registry
	post     func(func()) bool

	unsubscribe func()
	startOnce   sync.Once
	stopOnce    sync.Once
	done        chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	logger    *slog.Logger
}

func newBroadcaster(ctrl controller.Controller, registry *Registry, post func(func()) bool) *Broadcaster {
	return &Broadcaster{
		ctrl:     ctrl,
		registry: registry,
		post:     post,
		done:     make(chan struct{}),
		logger:   log.WithComponent("broadcast"),
	}
}

// Start subscribes to controller events. Calling it again has no effect.
func (b *Broadcaster) Start() {
	b.startOnce.Do(func() {
		events, cancel := b.ctrl.Subscribe()
		b.unsubscribe = cancel
		go b.pump(events)
	})
}

func (b *Broadcaster) pump(events <-chan controller.Event) {
	defer close(b.done)
	for ev := range events {
		if !b.post(func() { b.OnEvent(ev) }) {
			return
		}
	}
}

// OnEvent encodes ev once and queues it on every live connection. Runs on
// the coordinator loop.
func (b *Broadcaster) OnEvent(ev controller.Event) {
	data, err := encodeEvent(ev)
	if err != nil {
		b.logger.Error("failed to encode event", "kind", ev.Kind, "subject", ev.Subject, "error", err)
		return
	}

	n := 0
	b.registry.ForEachLive(func(c *Connection) {
		if b.deliver(c, data) {
			n++
		}
	})
	b.logger.Debug("event broadcast", "kind", ev.Kind, "subject", ev.Subject, "connections", n)
}

// Send queues ev on one connection only.
func (b *Broadcaster) Send(c *Connection, ev controller.Event) bool {
	data, err := encodeEvent(ev)
	if err != nil {
		b.logger.Error("failed to encode event", "kind", ev.Kind, "error", err)
		return false
	}
	return b.deliver(c, data)
}

func (b *Broadcaster) deliver(c *Connection, data []byte) bool {
	dropped, err := c.out.pushEvent(data)
	if err != nil {
		c.logger.Debug("event not delivered", "error", err)
		return false
	}
	if dropped {
		b.dropped.Add(1)
		c.logger.Warn("event queue full, dropped oldest event")
	}
	b.delivered.Add(1)
	return true
}

// Stats reports delivery counters.
func (b *Broadcaster) Stats() (delivered, dropped uint64) {
	return b.delivered.Load(), b.dropped.Load()
}

// Stop releases the subscription exactly once and waits for the pump to
// exit. It must not be called from the coordinator loop.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		if b.unsubscribe == nil {
			close(b.done)
			return
		}
		b.unsubscribe()
		<-b.done
	})
}
