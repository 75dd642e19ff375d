// Package assembler builds the model context for one request: a rendered system turn, the
// sanitized session history and the new user turn.
package assembler

import (
	"bytes"
	"strings"
	"text/template"
	"time"

	"github.com/harunnryd/kotoba/internal/conversation"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
)

// PromptData is what the system prompt template can reference.
type PromptData struct {
	Now       time.Time
	SessionID string
	Owner     string
}

type options struct {
	sessionID string
	owner     string
	window    int
	now       func() time.Time
}

type Option func(*options)

// WithSession sets the session the user turn belongs to and the prompt's owner.
func WithSession(sessionID, owner string) Option {
	return func(o *options) {
		o.sessionID = sessionID
		o.owner = owner
	}
}

// WithWindow keeps at most n history turns (0 keeps all).
func WithWindow(n int) Option {
	return func(o *options) { o.window = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Assemble returns [system, history..., user]. The user turn is the message's last turn.
func Assemble(systemTemplate string, history []conversation.Turn, userContent string, opts ...Option) (conversation.Message, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if strings.TrimSpace(userContent) == "" {
		return conversation.Message{}, kotobaErrors.Validation("user content is empty")
	}

	prompt, err := RenderSystemPrompt(systemTemplate, PromptData{
		Now:       o.now(),
		SessionID: o.sessionID,
		Owner:     o.owner,
	})
	if err != nil {
		return conversation.Message{}, kotobaErrors.WrapWithCategory(err, "render system prompt", kotobaErrors.ErrValidation)
	}

	turns := Window(Sanitize(history), o.window)

	out := make([]conversation.Turn, 0, len(turns)+2)
	out = append(out, conversation.NewTextTurn(o.sessionID, conversation.RoleSystem, prompt))
	out = append(out, turns...)
	out = append(out, conversation.NewTextTurn(o.sessionID, conversation.RoleUser, userContent))
	return conversation.Message{Turns: out}, nil
}

// Sanitize prepares stored history for replay. Tool calls and their results only make sense
// inside the pass that issued them, so tool turns and tool-call parts are removed, as are
// stale system turns and turns a safety filter blocked. Assistant turns with nothing left
// are dropped.
func Sanitize(history []conversation.Turn) []conversation.Turn {
	out := make([]conversation.Turn, 0, len(history))
	for _, t := range history {
		if t.Blocked() {
			continue
		}
		switch t.Role {
		case conversation.RoleSystem, conversation.RoleTool:
			continue
		case conversation.RoleAssistant:
			if t.HasToolCalls() {
				t = t.WithoutToolCalls()
			}
			if strings.TrimSpace(t.Text()) == "" {
				continue
			}
		case conversation.RoleUser:
			if strings.TrimSpace(t.Text()) == "" {
				continue
			}
		default:
			continue
		}
		out = append(out, t)
	}
	return out
}

// Window keeps the newest n turns and then drops leading assistant turns so the kept history
// opens on a user turn.
func Window(turns []conversation.Turn, n int) []conversation.Turn {
	if n <= 0 || len(turns) <= n {
		return turns
	}
	kept := turns[len(turns)-n:]
	for len(kept) > 0 && kept[0].Role != conversation.RoleUser {
		kept = kept[1:]
	}
	return kept
}

var promptFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"default": func(def, val string) string {
		if val == "" {
			return def
		}
		return val
	},
}

// RenderSystemPrompt executes tmpl against data. Text without template markers is returned
// unchanged.
func RenderSystemPrompt(tmpl string, data PromptData) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	t, err := template.New("system").Funcs(promptFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
