package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/harunnryd/kotoba/internal/conversation"
	"github.com/harunnryd/kotoba/internal/store"
	"github.com/harunnryd/kotoba/internal/tool"
)

func newTable(headers ...string) *table.Table {
	purple := lipgloss.Color("99")
	headerStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Align(lipgloss.Center).Padding(0, 1)
	oddRowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Padding(0, 1)
	evenRowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1)

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(purple)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return evenRowStyle
			default:
				return oddRowStyle
			}
		}).
		Headers(headers...)
}

func formatSessions(sessions []store.SessionMeta) string {
	if len(sessions) == 0 {
		return "No sessions found."
	}
	t := newTable("ID", "Owner", "Created", "Last active")
	for _, s := range sessions {
		t.Row(s.ID, s.Owner, formatTime(s.CreatedAt), formatTime(s.LastActive))
	}
	return t.String()
}

func formatTranscript(turns []conversation.Turn, width int) string {
	if len(turns) == 0 {
		return "Transcript is empty."
	}
	t := newTable("#", "Time", "Role", "Content")
	for i, turn := range turns {
		t.Row(fmt.Sprintf("%d", i+1), formatTime(turn.Timestamp), roleLabel(turn), truncateString(flatten(turnContent(turn)), width))
	}
	return t.String()
}

func formatTools(descriptors []tool.ToolDescriptor) string {
	if len(descriptors) == 0 {
		return "No tools registered."
	}
	t := newTable("Name", "Source", "Risk", "Scoped", "Timeout", "Capabilities", "Description")
	for _, d := range descriptors {
		timeout := "default"
		if d.Metadata.Timeout > 0 {
			timeout = d.Metadata.Timeout.String()
		}
		t.Row(d.Definition.Name, d.Metadata.Source, string(d.Metadata.Risk), strconv.FormatBool(d.Metadata.Scoped),
			timeout, strings.Join(d.Metadata.Capabilities, ", "), truncateString(d.Definition.Description, 60))
	}
	return t.String()
}

func roleLabel(turn conversation.Turn) string {
	label := string(turn.Role)
	if turn.Blocked() {
		label += " (blocked)"
	}
	if turn.Metadata[conversation.MetaTruncated] == "true" {
		label += " (truncated)"
	}
	return label
}

func turnContent(turn conversation.Turn) string {
	if turn.Role == conversation.RoleTool && turn.ToolCall != nil {
		return fmt.Sprintf("%s → %s", turn.ToolCall.Name, turn.Text())
	}
	text := turn.Text()
	for _, call := range turn.ToolCalls() {
		text += fmt.Sprintf(" [call %s]", call.Name)
	}
	return strings.TrimSpace(text)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 3 || len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
