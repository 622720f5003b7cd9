package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fabricgw/internal/fabric"
)

// ServerState tracks the connection and the greeting the server sent.
type ServerState struct {
	Connected    bool
	ShuttingDown bool
	Info         *fabric.ServerInfo
	ConnectedAt  time.Time
}

func renderHeader(state ServerState, url string, spinner Spinner, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("CONNECTED")
	switch {
	case state.ShuttingDown:
		statusText = theme.StatusWarn.Render("SHUTTING DOWN")
	case !state.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	}

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", now.Sub(spinner.LastEvent()).Round(time.Second))
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := " FABRICGW WATCH " + theme.Dim.Render(url)
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	fabricLine := theme.Dim.Render(" Waiting for server info...")
	if info := state.Info; info != nil {
		fabricLine = fmt.Sprintf(" Fabric %d (%s)  Vendor 0x%04X  Schema %d  SDK %s",
			info.FabricID,
			theme.Highlight.Render(info.CompressedFabricID),
			info.VendorID,
			info.SchemaVersion,
			info.SDKVersion,
		)
	}

	uptime := "-"
	if state.Connected && !state.ConnectedAt.IsZero() {
		uptime = formatDuration(now.Sub(state.ConnectedAt))
	}
	statusLine := fmt.Sprintf(" %s  Connected for %s  Last event: %s %s",
		statusText, uptime, lastEventStr, spinner.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, fabricLine, statusLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
