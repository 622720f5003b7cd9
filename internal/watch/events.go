package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fabricgw/internal/controller"
	"github.com/mattjoyce/fabricgw/internal/session"
)

const eventLogSize = 50

func renderEventStream(eventLog []frame, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, f := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(f, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(f frame, theme Theme) string {
	ts := theme.Dim.Render(f.at.Format("15:04:05"))

	var kindStyle lipgloss.Style
	switch f.Kind {
	case controller.EventNodeAdded:
		kindStyle = theme.StatusOK
	case controller.EventNodeRemoved, session.EventServerShutdown:
		kindStyle = theme.StatusFailed
	case controller.EventAttributeUpdated, controller.EventNodeEvent:
		kindStyle = theme.Highlight
	default:
		kindStyle = theme.Dim
	}

	kind := kindStyle.Render(fmt.Sprintf("%-18s", f.Kind))
	return fmt.Sprintf("%s %s %s", ts, kind, describe(f))
}

// describe extracts a one-line summary from an event payload.
func describe(f frame) string {
	data := make(map[string]any)
	_ = json.Unmarshal(f.Payload, &data)

	var parts []string
	if f.Subject != "" {
		parts = append(parts, "["+f.Subject+"]")
	}
	if attr, ok := data["attr"].(string); ok {
		parts = append(parts, fmt.Sprintf("%v/%s=%v", data["endpoint"], attr, data["value"]))
	}
	if ev, ok := data["event"].(string); ok {
		parts = append(parts, ev)
	}
	if label, ok := data["fabric_label"].(string); ok && label != "" {
		parts = append(parts, label)
	}
	if len(parts) > 1 || (len(parts) == 1 && f.Subject == "") {
		return strings.Join(parts, " ")
	}

	raw := string(f.Payload)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return strings.TrimSpace(strings.Join(append(parts, raw), " "))
}
