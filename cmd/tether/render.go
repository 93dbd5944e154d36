package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"tether/pkg/dashboard"
	"tether/pkg/protocol"
)

const shortIDLen = 8

// Theme holds the colors used for styled output.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the ANSI 256 palette used on terminals.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// boardColumn is one item list as displayed.
type boardColumn struct {
	title string
	list  protocol.ListName
	items []protocol.Item
}

func columns(s protocol.DashboardSnapshot) []boardColumn {
	return []boardColumn{
		{title: "Todo", list: protocol.ListTodo, items: s.TodoList},
		{title: "Mission", list: protocol.ListMission, items: s.MissionList},
		{title: "Done", list: protocol.ListDone, items: s.DoneList},
	}
}

// phaseLabel describes the sync phase for humans.
func phaseLabel(st dashboard.State) string {
	switch st.Phase {
	case dashboard.PhaseDirty:
		return "local changes not pushed"
	case dashboard.PhaseConflict:
		if st.Conflict != nil {
			return fmt.Sprintf("conflict: remote is at version %d", st.Conflict.RemoteVersion)
		}
		return "conflict"
	case dashboard.PhaseSyncing:
		return "syncing"
	default:
		return "in sync"
	}
}

func syncedLabel(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// phaseStyle colors text by sync phase.
func phaseStyle(theme Theme, phase dashboard.Phase) lipgloss.Style {
	c := theme.Success
	switch phase {
	case dashboard.PhaseDirty, dashboard.PhaseSyncing:
		c = theme.Warning
	case dashboard.PhaseConflict:
		c = theme.Error
	}
	return lipgloss.NewStyle().Foreground(c)
}

// renderBoard writes the dashboard. Terminals get side-by-side lipgloss
// columns; anything else gets plain text that is stable for scripts.
func renderBoard(w io.Writer, st dashboard.State, styled bool) {
	if !styled {
		renderBoardPlain(w, st)
		return
	}
	theme := DefaultTheme()
	colWidth := 32

	cardStyle := lipgloss.NewStyle().Width(colWidth-2).Padding(0, 1)
	idStyle := lipgloss.NewStyle().Foreground(theme.Muted)
	columnStyle := lipgloss.NewStyle().Width(colWidth).Padding(0, 1)

	rendered := make([]string, 0, 3)
	for _, col := range columns(st.Snapshot) {
		headerColor := theme.Primary
		if col.list == protocol.ListDone {
			headerColor = theme.Success
		}
		header := lipgloss.NewStyle().
			Bold(true).
			Foreground(headerColor).
			Width(colWidth).
			Align(lipgloss.Center).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			Render(fmt.Sprintf("%s (%d)", col.title, len(col.items)))

		var cards strings.Builder
		for _, it := range col.items {
			cards.WriteString(cardStyle.Render(fmt.Sprintf("%s\n%s", it.Title,
				idStyle.Render(shortID(it.ID)+" "+string(it.Priority)))))
			cards.WriteString("\n")
		}
		rendered = append(rendered, columnStyle.Render(header+"\n"+cards.String()))
	}

	status := phaseStyle(theme, st.Phase).Render(
		fmt.Sprintf("v%d · %s · last synced %s", st.Version, phaseLabel(st), syncedLabel(st.LastSyncedAt)))

	fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top, rendered...))
	fmt.Fprintln(w, status)
	if n := len(st.Snapshot.Notes) + len(st.Snapshot.Rules); n > 0 {
		fmt.Fprintln(w, idStyle.Render(fmt.Sprintf("%d notes, %d rules (tether dashboard show --all)", len(st.Snapshot.Notes), len(st.Snapshot.Rules))))
	}
}

func renderBoardPlain(w io.Writer, st dashboard.State) {
	fmt.Fprintf(w, "version %d, %s, last synced %s\n", st.Version, phaseLabel(st), syncedLabel(st.LastSyncedAt))
	for _, col := range columns(st.Snapshot) {
		fmt.Fprintf(w, "\n%s (%d)\n", col.title, len(col.items))
		for _, it := range col.items {
			line := fmt.Sprintf("  %s  [%s] %s", shortID(it.ID), it.Priority, it.Title)
			if it.AssignedAgent != "" {
				line += " @" + it.AssignedAgent
			}
			fmt.Fprintln(w, line)
		}
	}
}

// renderExtras writes notes and rules.
func renderExtras(w io.Writer, s protocol.DashboardSnapshot) {
	fmt.Fprintf(w, "\nNotes (%d)\n", len(s.Notes))
	for _, n := range s.Notes {
		line := fmt.Sprintf("  %s  %s", shortID(n.ID), n.Title)
		if n.Category != "" {
			line += " (" + n.Category + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "\nRules (%d)\n", len(s.Rules))
	for _, r := range s.Rules {
		state := "off"
		if r.IsEnabled {
			state = "on"
		}
		line := fmt.Sprintf("  %s  [%s] %s", shortID(r.ID), state, r.Name)
		if len(r.AssignedTargets) > 0 {
			line += " -> " + strings.Join(r.AssignedTargets, ",")
		}
		fmt.Fprintln(w, line)
	}
}

// renderMessage writes one chat line.
func renderMessage(w io.Writer, m protocol.ChatMessage) {
	who := "you"
	if !m.IsFromUser {
		switch {
		case m.SourceName != "":
			who = m.SourceName
		case m.SourceEntityID != nil:
			who = fmt.Sprintf("entity %d", *m.SourceEntityID)
		default:
			who = "remote"
		}
	}
	var flags string
	if m.IsFromUser {
		switch {
		case m.IsDelivered:
			flags = " ✓✓"
		case m.IsSynced:
			flags = " ✓"
		default:
			flags = " …"
		}
	}
	fmt.Fprintf(w, "%s  %-12s %s%s\n", m.Timestamp.Local().Format("01-02 15:04"), who, m.Text, flags)
}
