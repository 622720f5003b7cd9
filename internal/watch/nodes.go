package watch

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fabricgw/internal/controller"
	"github.com/mattjoyce/fabricgw/internal/fabric"
)

// NodeStore mirrors the server's node list.
type NodeStore map[uint64]*fabric.NodeInfo

// Replace swaps the whole list for a getNodes result.
func (s NodeStore) Replace(nodes []fabric.NodeInfo) {
	clear(s)
	for i := range nodes {
		n := nodes[i]
		s[n.NodeID] = &n
	}
}

// Apply folds one event into the store. It reports whether the event was a
// node event it understood.
func (s NodeStore) Apply(kind string, payload json.RawMessage) bool {
	switch kind {
	case controller.EventNodeAdded, controller.EventNodeUpdated:
		var n fabric.NodeInfo
		if err := json.Unmarshal(payload, &n); err != nil {
			return false
		}
		if n.Attributes == nil {
			n.Attributes = map[string]any{}
		}
		s[n.NodeID] = &n
	case controller.EventNodeRemoved:
		var p struct {
			NodeID uint64 `json:"node_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return false
		}
		delete(s, p.NodeID)
	case controller.EventAttributeUpdated:
		var p struct {
			NodeID   uint64 `json:"node_id"`
			Endpoint uint16 `json:"endpoint"`
			Attr     string `json:"attr"`
			Value    any    `json:"value"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return false
		}
		n, ok := s[p.NodeID]
		if !ok {
			return false
		}
		if n.Attributes == nil {
			n.Attributes = map[string]any{}
		}
		n.Attributes[fabric.AttributePath(p.Endpoint, p.Attr)] = p.Value
	default:
		return false
	}
	return true
}

func newNodeTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Node", Width: 6},
			{Title: "Name", Width: 20},
			{Title: "Status", Width: 8},
			{Title: "Power", Width: 6},
			{Title: "Level", Width: 6},
			{Title: "Interview", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// Rows renders the store sorted by node id.
func (s NodeStore) Rows() []table.Row {
	rows := make([]table.Row, 0, len(s))
	for _, id := range slices.Sorted(maps.Keys(s)) {
		n := s[id]
		status := "offline"
		if n.Available {
			status = "online"
		}
		rows = append(rows, table.Row{
			strconv.FormatUint(id, 10),
			attrString(n, "0/nodeLabel"),
			status,
			power(n),
			attrString(n, "1/currentLevel"),
			strconv.Itoa(n.InterviewVersion),
		})
	}
	return rows
}

func power(n *fabric.NodeInfo) string {
	on, ok := n.Attributes["1/onOff"].(bool)
	switch {
	case !ok:
		return "-"
	case on:
		return "on"
	default:
		return "off"
	}
}

func attrString(n *fabric.NodeInfo, path string) string {
	v, ok := n.Attributes[path]
	if !ok || v == nil {
		return "-"
	}
	return fmt.Sprint(v)
}

func renderNodes(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render(fmt.Sprintf("NODES (%d)", count))
	if count == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  No commissioned nodes"),
		))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}
