// Package session multiplexes many client connections over one shared
// controller.
//
// A single goroutine, the coordinator loop, owns every piece of mutable
// bookkeeping: the connection registry, the correlation table, connection
// states and serial queues. Transports, timers and controller completions
// never touch that state directly; they post closures to the loop.
//
// Inbound:
//
//	transport -> Coordinator.Deliver -> Dispatcher.Dispatch -> Table.Submit
//	         -> Controller.Invoke -> (completion posted back) -> Table.Resolve
//	         -> connection outbox
//
// Controller events take the Broadcaster path and land in the same outbox,
// so each connection sees responses and events in the order they were
// queued. Every pending command resolves exactly once: with the controller
// result, a local validation failure, a timeout, or ConnectionClosed when
// its connection goes away.
package session
