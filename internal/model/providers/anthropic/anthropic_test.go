package anthropic

import (
	"testing"

	"github.com/harunnryd/kotoba/internal/model/contract"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParamsGroupsToolResults(t *testing.T) {
	p := New("key", "", "claude-test", 0)
	params := p.buildParams(contract.CompletionRequest{
		Messages: []contract.Message{
			{Role: contract.RoleSystem, Content: "be brief"},
			{Role: contract.RoleUser, Content: "two lookups"},
			{Role: contract.RoleAssistant, ToolCalls: []*contract.ToolCall{
				{ID: "a", Name: "search_knowledge", Input: `{"query":"x"}`},
				{ID: "b", Name: "current_time", Input: `not json`},
			}},
			{Role: contract.RoleTool, ToolCallID: "a", Content: "found"},
			{Role: contract.RoleTool, ToolCallID: "b", Content: `{"error":"invalid arguments"}`, IsError: true},
			{Role: contract.RoleAssistant, Content: "done"},
		},
		Tools: []contract.ToolDef{{
			Name: "search_knowledge",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"query"},
			},
		}},
	})

	require.Len(t, params.System, 1)
	assert.Equal(t, "be brief", params.System[0].Text)
	require.Len(t, params.Messages, 4)
	assert.Len(t, params.Messages[1].Content, 2, "assistant turn carries both tool_use blocks")
	require.Len(t, params.Messages[2].Content, 2, "both tool results share one user message")
	assert.False(t, params.Messages[2].Content[0].OfToolResult.IsError.Value)
	assert.True(t, params.Messages[2].Content[1].OfToolResult.IsError.Value)
	assert.Equal(t, int64(defaultMaxTokens), params.MaxTokens)

	require.Len(t, params.Tools, 1)
	assert.Equal(t, []string{"query"}, params.Tools[0].OfTool.InputSchema.Required)
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields([]string{"a"}))
	assert.Equal(t, []string{"a", "b"}, requiredFields([]interface{}{"a", 3, "b"}))
	assert.Nil(t, requiredFields(nil))
}
