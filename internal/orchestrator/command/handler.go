// Package command interprets slash commands typed into an interactive chat.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/harunnryd/kotoba/internal/conversation"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
	"github.com/harunnryd/kotoba/internal/store"
)

// SessionStore is the read side of history the commands need.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*store.SessionMeta, error)
	List(ctx context.Context) ([]store.SessionMeta, error)
	Load(ctx context.Context, sessionID string) ([]conversation.Turn, error)
}

// State is the interactive client's mutable state. Commands edit it in place.
type State struct {
	SessionID string
	Scope     string
	Exit      bool
}

type Handler struct {
	sessions SessionStore
	newID    func() string
}

const defaultHistoryLines = 20

func NewHandler(sessions SessionStore) *Handler {
	return &Handler{sessions: sessions, newID: conversation.NewID}
}

func (h *Handler) CanHandle(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// Execute runs one command line and returns the text to show the user.
func (h *Handler) Execute(ctx context.Context, state *State, input string) (string, error) {
	parts, parseErr := shlex.Split(input)
	if parseErr != nil {
		parts = strings.Fields(input)
	}
	if len(parts) == 0 {
		return "", nil
	}
	cmd := parts[0]
	args := parts[1:]

	slog.Debug("Executing slash command", "cmd", cmd, "session", state.SessionID)

	switch cmd {
	case "/help":
		return helpText(), nil
	case "/new":
		state.SessionID = h.newID()
		return fmt.Sprintf("Started session %s", state.SessionID), nil
	case "/session":
		return h.handleSession(ctx, state, args)
	case "/sessions":
		return h.handleSessions(ctx)
	case "/history":
		return h.handleHistory(ctx, state, args)
	case "/scope":
		if len(args) < 1 {
			return fmt.Sprintf("Scope: %s", state.Scope), nil
		}
		state.Scope = args[0]
		return fmt.Sprintf("Scope set to %s", state.Scope), nil
	case "/exit", "/quit":
		state.Exit = true
		return "Bye.", nil
	default:
		return fmt.Sprintf("Unknown command: %s (try /help)", cmd), nil
	}
}

func (h *Handler) handleSession(ctx context.Context, state *State, args []string) (string, error) {
	if len(args) < 1 {
		if state.SessionID == "" {
			return "No session yet; the next message starts one.", nil
		}
		return fmt.Sprintf("Session: %s", state.SessionID), nil
	}
	id := args[0]
	if err := store.ValidateKey(id); err != nil {
		return "", kotobaErrors.Validation(err.Error())
	}
	if _, err := h.sessions.Get(ctx, id); err != nil {
		if kotobaErrors.IsCategory(err, kotobaErrors.ErrNotFound) {
			state.SessionID = id
			return fmt.Sprintf("Session %s does not exist yet; the next message creates it.", id), nil
		}
		return "", err
	}
	state.SessionID = id
	return fmt.Sprintf("Switched to session %s", id), nil
}

func (h *Handler) handleSessions(ctx context.Context) (string, error) {
	metas, err := h.sessions.List(ctx)
	if err != nil {
		return "", err
	}
	if len(metas) == 0 {
		return "No sessions.", nil
	}
	var sb strings.Builder
	for i, m := range metas {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s  %s  %s", m.ID, m.Owner, m.LastActive.Local().Format("2006-01-02 15:04"))
	}
	return sb.String(), nil
}

func (h *Handler) handleHistory(ctx context.Context, state *State, args []string) (string, error) {
	if state.SessionID == "" {
		return "No session yet.", nil
	}
	n := defaultHistoryLines
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return "Usage: /history [n]", nil
		}
		n = v
	}
	turns, err := h.sessions.Load(ctx, state.SessionID)
	if err != nil {
		return "", err
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	if len(turns) == 0 {
		return "No turns yet.", nil
	}
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[%s] %s", t.Role, describe(t))
	}
	return sb.String(), nil
}

func describe(t conversation.Turn) string {
	if t.Role == conversation.RoleTool && t.ToolCall != nil {
		return fmt.Sprintf("%s (%s) %s", t.ToolCall.Name, t.ToolCall.State, t.Text())
	}
	return t.Text()
}

func helpText() string {
	return "Available commands: /help, /new, /session [id], /sessions, /history [n], /scope [name], /exit"
}
