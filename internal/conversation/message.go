package conversation

import (
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
)

// Message is the ordered context sent to the inference service.
type Message struct {
	Turns []Turn `json:"turns"`
}

// Validate checks that the message starts with its only system turn.
func (m Message) Validate() error {
	if len(m.Turns) == 0 {
		return kotobaErrors.Validation("message is empty")
	}
	if m.Turns[0].Role != RoleSystem {
		return kotobaErrors.Validation("message must begin with a system turn")
	}
	for _, t := range m.Turns[1:] {
		if t.Role == RoleSystem {
			return kotobaErrors.Validation("message has more than one system turn")
		}
	}
	return nil
}

// Append returns a new message with turns added; the receiver is left untouched.
func (m Message) Append(turns ...Turn) Message {
	out := make([]Turn, 0, len(m.Turns)+len(turns))
	out = append(out, m.Turns...)
	out = append(out, turns...)
	return Message{Turns: out}
}

// Last returns the final turn, or false when the message is empty.
func (m Message) Last() (Turn, bool) {
	if len(m.Turns) == 0 {
		return Turn{}, false
	}
	return m.Turns[len(m.Turns)-1], true
}
