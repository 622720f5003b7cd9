package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fabricgw/internal/fabric"
	"github.com/mattjoyce/fabricgw/internal/session"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	url   string
	token string

	width  int
	height int

	// State
	server   ServerState
	nodes    NodeStore
	eventLog []frame

	// UI
	nodeTable table.Model
	spinner   Spinner
	theme     Theme
	now       time.Time

	frames chan frame

	lastError string
}

// New creates a watch model for the WebSocket endpoint at url. token may be
// empty when the server has no authentication configured.
func New(url, token string) *Model {
	return &Model{
		url:       url,
		token:     token,
		nodes:     make(NodeStore),
		eventLog:  make([]frame, 0),
		nodeTable: newNodeTable(),
		theme:     NewDefaultTheme(),
		now:       time.Now(),
		frames:    make(chan frame, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.url, m.token, m.frames),
		receiveNextFrame(m.frames),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.nodeTable.SetWidth(m.width - 6)

	case tickMsg:
		m.now = time.Time(msg)
		m.spinner.Decay(m.now)
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case frameMsg:
		m.handleFrame(frame(msg))
		return m, receiveNextFrame(m.frames)

	case disconnectedMsg:
		m.server.Connected = false
		if msg.err != nil {
			m.lastError = fmt.Sprintf("disconnected: %v, reconnecting...", msg.err)
		} else {
			m.lastError = "disconnected, reconnecting..."
		}
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribe(m.url, m.token, m.frames)

	}

	m.nodeTable, cmd = m.nodeTable.Update(msg)
	return m, cmd
}

// handleFrame applies one server frame to the model state.
func (m *Model) handleFrame(f frame) {
	if !m.server.Connected {
		m.server.Connected = true
		m.server.ConnectedAt = f.at
	}
	m.lastError = ""

	if f.Kind == "" {
		m.handleResponse(f)
		return
	}

	switch f.Kind {
	case session.EventServerInfo:
		var info fabric.ServerInfo
		if err := json.Unmarshal(f.Payload, &info); err == nil {
			m.server.Info = &info
			m.server.ShuttingDown = false
		}
	case session.EventServerShutdown:
		m.server.ShuttingDown = true
	default:
		if m.nodes.Apply(f.Kind, f.Payload) {
			m.nodeTable.SetRows(m.nodes.Rows())
		}
	}

	m.eventLog = append([]frame{f}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	m.spinner.OnEvent(f.at)
}

func (m *Model) handleResponse(f frame) {
	if f.CorrelationID != nodesRequestID {
		return
	}
	if f.Error != nil {
		m.lastError = "getNodes: " + f.Error.Error()
		return
	}
	var result struct {
		Nodes []fabric.NodeInfo `json:"nodes"`
	}
	if err := json.Unmarshal(f.Result, &result); err != nil {
		m.lastError = fmt.Sprintf("getNodes: %v", err)
		return
	}
	m.nodes.Replace(result.Nodes)
	m.nodeTable.SetRows(m.nodes.Rows())
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to fabricgw..."
	}

	header := renderHeader(m.server, m.url, m.spinner, m.theme, m.width, m.now)
	nodes := renderNodes(m.nodeTable, len(m.nodes), m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Navigate Nodes")

	parts := []string{header, nodes, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
