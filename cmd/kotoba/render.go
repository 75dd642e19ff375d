package main

import (
	"fmt"
	"io"
	"iter"
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/harunnryd/kotoba/internal/conversation"
	"github.com/harunnryd/kotoba/internal/engine"
)

type textStyles struct {
	tool      lipgloss.Style
	toolError lipgloss.Style
	meta      lipgloss.Style
	warn      lipgloss.Style
	err       lipgloss.Style
}

func newTextStyles() textStyles {
	return textStyles{
		tool:      lipgloss.NewStyle().Foreground(lipgloss.Color("99")),
		toolError: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		meta:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		warn:      lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		err:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

// streamResult is what a rendered stream leaves behind for the caller.
type streamResult struct {
	SessionID string
	Err       error
	Rejected  bool
}

// renderText prints deltas as they arrive and one styled line for every other event.
func renderText(w io.Writer, events iter.Seq[engine.Event]) streamResult {
	st := newTextStyles()
	var res streamResult
	midLine := false
	newline := func() {
		if midLine {
			fmt.Fprintln(w)
			midLine = false
		}
	}

	for ev := range events {
		switch e := ev.(type) {
		case engine.ContentDelta:
			fmt.Fprint(w, e.Text)
			midLine = !strings.HasSuffix(e.Text, "\n")
		case engine.ToolResult:
			newline()
			style := st.tool
			if e.Call.State == conversation.ToolCallError {
				style = st.toolError
			}
			fmt.Fprintln(w, style.Render(fmt.Sprintf("[tool %s: %s]", e.Call.Name, e.Call.State)))
			if e.Turn.SessionID != "" {
				res.SessionID = e.Turn.SessionID
			}
		case engine.Completion:
			newline()
			if e.Turn.SessionID != "" {
				res.SessionID = e.Turn.SessionID
			}
			if e.Truncated {
				fmt.Fprintln(w, st.warn.Render("[stopped: tool iteration limit reached]"))
			}
		case engine.Error:
			newline()
			fmt.Fprintln(w, st.err.Render("error: "+e.Err.Error()))
			res.Err = e
		case engine.Rejection:
			newline()
			fmt.Fprintln(w, st.warn.Render(e.Message))
			res.Rejected = true
		}
	}
	newline()
	return res
}
