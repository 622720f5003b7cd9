package session

import (
	"encoding/json"

	"github.com/mattjoyce/fabricgw/internal/controller"
)

// Request is one inbound client message.
type Request struct {
	CorrelationID string          `json:"correlationId"`
	Operation     string          `json:"operation"`
	Args          json.RawMessage `json:"args,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *CommandError   `json:"error,omitempty"`
}

// Events the session layer emits on its own.
const (
	EventServerInfo     = "server_info"
	EventServerShutdown = "server_shutdown"
)

func encodeResponse(correlationID string, o Outcome) ([]byte, error) {
	return json.Marshal(Response{
		CorrelationID: correlationID,
		Result:        o.Result,
		Error:         o.Err,
	})
}

// encodeEvent renders an event frame. A missing payload is sent as {} so
// clients can always treat it as an object.
func encodeEvent(ev controller.Event) ([]byte, error) {
	if ev.Payload == nil {
		ev.Payload = struct{}{}
	}
	return json.Marshal(ev)
}
