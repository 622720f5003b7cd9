package watch

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fabricgw/internal/controller"
	"github.com/mattjoyce/fabricgw/internal/session"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func eventFrame(kind, subject, payload string) frameMsg {
	return frameMsg{Kind: kind, Subject: subject, Payload: json.RawMessage(payload), at: at}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func TestModelTracksNodes(t *testing.T) {
	m := *New("ws://example/ws", "")

	m = update(t, m, eventFrame(session.EventServerInfo, "server",
		`{"fabric_id":1,"compressed_fabric_id":"abcd","vendor_id":65521,"schema_version":11,"sdk_version":"1.4.0"}`))
	assert.True(t, m.server.Connected)
	require.NotNil(t, m.server.Info)
	assert.Equal(t, "abcd", m.server.Info.CompressedFabricID)

	m = update(t, m, frameMsg{
		CorrelationID: nodesRequestID,
		Result: json.RawMessage(`{"nodes":[
			{"node_id":3,"available":false,"interview_version":1,"attributes":{"0/nodeLabel":"hall"}},
			{"node_id":2,"available":true,"interview_version":1,"attributes":{"0/nodeLabel":"desk","1/onOff":false,"1/currentLevel":254}}
		]}`),
		at: at,
	})
	require.Len(t, m.nodes, 2)
	rows := m.nodeTable.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "2", rows[0][0])
	assert.Equal(t, "desk", rows[0][1])
	assert.Equal(t, "online", rows[0][2])
	assert.Equal(t, "off", rows[0][3])
	assert.Equal(t, "offline", rows[1][2])
	assert.Equal(t, "-", rows[1][3])

	m = update(t, m, eventFrame(controller.EventAttributeUpdated, "2",
		`{"node_id":2,"endpoint":1,"attr":"onOff","value":true}`))
	assert.Equal(t, "on", m.nodeTable.Rows()[0][3])

	m = update(t, m, eventFrame(controller.EventNodeAdded, "4",
		`{"node_id":4,"available":true,"interview_version":1,"attributes":{"0/nodeLabel":"node-4"}}`))
	assert.Len(t, m.nodeTable.Rows(), 3)

	m = update(t, m, eventFrame(controller.EventNodeRemoved, "3", `{"node_id":3}`))
	rows = m.nodeTable.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "4", rows[1][0])

	// Every event is logged newest first; responses are not.
	require.Len(t, m.eventLog, 4)
	assert.Equal(t, controller.EventNodeRemoved, m.eventLog[0].Kind)
	assert.Equal(t, session.EventServerInfo, m.eventLog[3].Kind)
}

func TestModelIgnoresUnknownAttributeTargets(t *testing.T) {
	store := make(NodeStore)
	assert.False(t, store.Apply(controller.EventAttributeUpdated, json.RawMessage(`{"node_id":9,"endpoint":1,"attr":"onOff","value":true}`)))
	assert.False(t, store.Apply(controller.EventNodeEvent, json.RawMessage(`{"node_id":9}`)))
	assert.False(t, store.Apply(controller.EventNodeAdded, json.RawMessage(`not json`)))
	assert.Empty(t, store)
}

func TestModelNodesError(t *testing.T) {
	m := *New("ws://example/ws", "")
	code := int(controller.CodeStackError)
	m = update(t, m, frameMsg{
		CorrelationID: nodesRequestID,
		Error:         &session.CommandError{Kind: session.KindControllerError, Message: "boom", Code: &code},
		at:            at,
	})
	assert.Contains(t, m.lastError, "getNodes")
	assert.Contains(t, m.lastError, "boom")
	assert.Empty(t, m.nodes)
}

func TestModelShutdownAndDisconnect(t *testing.T) {
	m := *New("ws://example/ws", "")
	m = update(t, m, eventFrame(session.EventServerShutdown, "server", `{}`))
	assert.True(t, m.server.ShuttingDown)

	next, cmd := m.Update(disconnectedMsg{err: errors.New("connection reset")})
	m = next.(Model)
	assert.False(t, m.server.Connected)
	assert.Contains(t, m.lastError, "reconnecting")
	assert.NotNil(t, cmd)

	// A fresh greeting clears the shutdown banner.
	m = update(t, m, eventFrame(session.EventServerInfo, "server", `{"fabric_id":1}`))
	assert.False(t, m.server.ShuttingDown)
	assert.Empty(t, m.lastError)
}

func TestEventLogIsBounded(t *testing.T) {
	m := *New("ws://example/ws", "")
	for range eventLogSize + 10 {
		m = update(t, m, eventFrame(controller.EventNodeEvent, "2", `{"node_id":2,"event":"identify"}`))
	}
	assert.Len(t, m.eventLog, eventLogSize)
}

func TestViewRenders(t *testing.T) {
	m := *New("ws://example/ws", "")
	assert.Equal(t, "Connecting to fabricgw...", m.View())

	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m = update(t, m, eventFrame(session.EventServerInfo, "server", `{"fabric_id":7,"compressed_fabric_id":"c0ffee","sdk_version":"1.4.0"}`))
	m = update(t, m, eventFrame(controller.EventNodeEvent, "2", `{"node_id":2,"endpoint":1,"event":"identify"}`))

	view := m.View()
	assert.Contains(t, view, "FABRICGW WATCH")
	assert.Contains(t, view, "c0ffee")
	assert.Contains(t, view, "No commissioned nodes")
	assert.Contains(t, view, "identify")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "[2] 1/onOff=true",
		describe(frame{Subject: "2", Payload: json.RawMessage(`{"node_id":2,"endpoint":1,"attr":"onOff","value":true}`)}))
	assert.Equal(t, `[5] {"node_id":5}`,
		describe(frame{Subject: "5", Payload: json.RawMessage(`{"node_id":5}`)}))
}

func TestSpinnerDecay(t *testing.T) {
	var s Spinner
	s.OnEvent(at)
	s.Decay(at.Add(time.Second))
	assert.Equal(t, 5, s.dots)
	s.Decay(at.Add(5 * time.Second))
	assert.Equal(t, 3, s.dots)
	s.Decay(at.Add(11 * time.Second))
	assert.Equal(t, 0, s.dots)
}

func TestSubscribeRequestsNodes(t *testing.T) {
	requests := make(chan session.Request, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "invalid API key", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"kind": session.EventServerInfo, "subject": "server", "payload": map[string]any{"fabric_id": 1}})
		var req session.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		requests <- req
		_ = conn.WriteJSON(map[string]any{"correlationId": req.CorrelationID, "result": map[string]any{"nodes": []any{}}})
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ch := make(chan frame, 10)
	msg := subscribe(url, "secret", ch)()
	_, ok := msg.(disconnectedMsg)
	assert.True(t, ok)

	req := <-requests
	assert.Equal(t, nodesRequestID, req.CorrelationID)
	assert.Equal(t, controller.OpGetNodes, req.Operation)

	greeting := <-ch
	assert.Equal(t, session.EventServerInfo, greeting.Kind)
	resp := <-ch
	assert.Equal(t, nodesRequestID, resp.CorrelationID)
	assert.False(t, resp.at.IsZero())

	msg = subscribe(url, "wrong", ch)()
	dis, ok := msg.(disconnectedMsg)
	require.True(t, ok)
	assert.Error(t, dis.err)
}
