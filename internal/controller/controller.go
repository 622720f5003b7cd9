// Package controller defines the contract between the session layer and the
// device-fabric engine.
//
// The engine is a single shared capability. Callers hand it an operation name
// with typed arguments and get back a channel that delivers exactly one
// Result. Invoke must not block: accepting the call and completing it are two
// separate moments, and the session layer relies on acceptance happening in
// call order.
package controller

import "context"

//go:generate mockgen -destination=mocks/mock_controller.go -package=mocks github.com/mattjoyce/fabricgw/internal/controller Controller

// Controller is the device-fabric capability.
type Controller interface {
	// Invoke starts op and returns immediately. Exactly one Result is sent on
	// the returned channel, which must be buffered so the engine never blocks
	// on a caller that stopped listening. Cancelling ctx is advisory.
	Invoke(ctx context.Context, op string, args any) <-chan Result

	// Subscribe returns a stream of controller events and a function that
	// ends the subscription and closes the stream.
	Subscribe() (<-chan Event, func())
}

// Result is the outcome of one Invoke call.
type Result struct {
	Value any
	Err   error
}

// Event is an unsolicited notification from the engine.
type Event struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Payload any    `json:"payload"`
}

// Event kinds emitted by the engine.
const (
	EventNodeAdded        = "node_added"
	EventNodeUpdated      = "node_updated"
	EventNodeRemoved      = "node_removed"
	EventAttributeUpdated = "attribute_updated"
	EventNodeEvent        = "node_event"
)

// Operation names understood by the engine.
const (
	OpGetServerInfo               = "getServerInfo"
	OpStartListening              = "startListening"
	OpGetNodes                    = "getNodes"
	OpGetNode                     = "getNode"
	OpCommissionWithCode          = "commissionWithCode"
	OpCommissionOnNetwork         = "commissionOnNetwork"
	OpRemoveNode                  = "removeNode"
	OpInterviewNode               = "interviewNode"
	OpPingNode                    = "pingNode"
	OpReadAttribute               = "readAttribute"
	OpWriteAttribute              = "writeAttribute"
	OpDeviceCommand               = "deviceCommand"
	OpSetWifiCredentials          = "setWifiCredentials"
	OpSetThreadDataset            = "setThreadDataset"
	OpOpenCommissioningWindow     = "openCommissioningWindow"
	OpDiscoverCommissionableNodes = "discoverCommissionableNodes"
)

// Done returns a channel that already holds r. Handy for engines and tests
// that complete synchronously.
func Done(r Result) <-chan Result {
	ch := make(chan Result, 1)
	ch <- r
	return ch
}
