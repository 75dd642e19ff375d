package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Moderator is the slice of the OpenAI client the moderation filter uses.
type Moderator interface {
	Moderations(ctx context.Context, request openai.ModerationRequest) (openai.ModerationResponse, error)
}

// ModerationFilter asks the OpenAI moderation endpoint about each text.
type ModerationFilter struct {
	client Moderator
	model  string
}

func NewModerationFilter(client Moderator, model string) *ModerationFilter {
	if model == "" {
		model = openai.ModerationOmniLatest
	}
	return &ModerationFilter{client: client, model: model}
}

func (m *ModerationFilter) Check(ctx context.Context, text string, _ Direction) (Verdict, error) {
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{Input: text, Model: m.model})
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation request: %w", err)
	}
	for _, r := range resp.Results {
		if !r.Flagged {
			continue
		}
		msg := "Your message was flagged by content moderation."
		if cats := flaggedCategories(r.Categories); len(cats) > 0 {
			msg = fmt.Sprintf("Your message was flagged by content moderation (%s).", strings.Join(cats, ", "))
		}
		return Verdict{Action: Block, Message: msg, Filter: "moderation"}, nil
	}
	return Allowed(), nil
}

func flaggedCategories(c openai.ResultCategories) []string {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var flags map[string]bool
	if err := json.Unmarshal(data, &flags); err != nil {
		return nil
	}
	var out []string
	for name, on := range flags {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
