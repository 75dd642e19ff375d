package engine

import (
	"github.com/harunnryd/kotoba/internal/conversation"
	"github.com/harunnryd/kotoba/internal/model/contract"
)

// BuildRequest flattens a message into the provider request shape.
func BuildRequest(msg conversation.Message, model string, maxTokens int, tools []contract.ToolDef) contract.CompletionRequest {
	req := contract.CompletionRequest{
		Model:     model,
		Messages:  make([]contract.Message, 0, len(msg.Turns)),
		Tools:     tools,
		MaxTokens: maxTokens,
	}
	for _, t := range msg.Turns {
		m := contract.Message{Role: string(t.Role), Content: t.Text()}
		switch t.Role {
		case conversation.RoleAssistant:
			for _, c := range t.ToolCalls() {
				m.ToolCalls = append(m.ToolCalls, &contract.ToolCall{
					ID:    c.ID,
					Name:  c.Name,
					Input: string(c.Arguments),
				})
			}
		case conversation.RoleTool:
			if t.ToolCall != nil {
				m.ToolCallID = t.ToolCall.ID
				m.ToolName = t.ToolCall.Name
				m.IsError = t.ToolCall.State == conversation.ToolCallError
			}
		}
		req.Messages = append(req.Messages, m)
	}
	return req
}
