package watch

import (
	"encoding/json"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/fabricgw/internal/controller"
	"github.com/mattjoyce/fabricgw/internal/session"
)

// nodesRequestID correlates the node snapshot requested on every connect.
const nodesRequestID = "watch-nodes"

// frame is any server message: a response when Kind is empty, otherwise an
// event.
type frame struct {
	CorrelationID string                `json:"correlationId"`
	Result        json.RawMessage       `json:"result"`
	Error         *session.CommandError `json:"error"`
	Kind          string                `json:"kind"`
	Subject       string                `json:"subject"`
	Payload       json.RawMessage       `json:"payload"`

	at time.Time
}

// --- Message types ---

type frameMsg frame

type tickMsg time.Time

type disconnectedMsg struct{ err error }
type reconnectMsg struct{}

// --- Commands ---

func dial(url, token string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// subscribe dials the server, asks for the node list and feeds every frame
// into ch. It returns disconnectedMsg when the socket drops.
func subscribe(url, token string, ch chan<- frame) tea.Cmd {
	return func() tea.Msg {
		conn, err := dial(url, token)
		if err != nil {
			return disconnectedMsg{err: err}
		}
		defer conn.Close()

		req := session.Request{CorrelationID: nodesRequestID, Operation: controller.OpGetNodes}
		if err := conn.WriteJSON(req); err != nil {
			return disconnectedMsg{err: err}
		}

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return disconnectedMsg{err: err}
			}
			f.at = time.Now()
			ch <- f
		}
	}
}

// receiveNextFrame waits for the next frame from the channel.
func receiveNextFrame(ch <-chan frame) tea.Cmd {
	return func() tea.Msg {
		return frameMsg(<-ch)
	}
}
