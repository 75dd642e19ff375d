package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	toolcore "github.com/harunnryd/kotoba/internal/tool"
)

func init() {
	toolcore.RegisterBuiltin("search_knowledge", func(options toolcore.BuiltinOptions) (toolcore.Tool, error) {
		if options.Retriever == nil {
			return nil, nil
		}
		return NewSearchKnowledgeTool(options.Retriever, options.TopK), nil
	})
}

// SearchArgs are the arguments the model passes to search_knowledge.
type SearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=What to look up in the knowledge base"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"minimum=1,maximum=20,description=How many passages to return"`
}

type passage struct {
	Source    string  `json:"source"`
	Page      int     `json:"page,omitempty"`
	Score     float64 `json:"score"`
	Text      string  `json:"text"`
	Truncated bool    `json:"truncated,omitempty"`
}

// SearchKnowledgeTool exposes retrieval to the model. The scope comes from the request
// context, never from the model.
type SearchKnowledgeTool struct {
	retriever toolcore.Retriever
	topK      int
	schema    map[string]interface{}
}

func NewSearchKnowledgeTool(retriever toolcore.Retriever, topK int) *SearchKnowledgeTool {
	if topK <= 0 {
		topK = 5
	}
	return &SearchKnowledgeTool{retriever: retriever, topK: topK, schema: schemaFor[SearchArgs]()}
}

func (t *SearchKnowledgeTool) Name() string {
	return "search_knowledge"
}

func (t *SearchKnowledgeTool) Description() string {
	return "Search the knowledge base and return the most relevant passages with their sources."
}

func (t *SearchKnowledgeTool) ToolMetadata() toolcore.ToolMetadata {
	return toolcore.ToolMetadata{
		Source:       "builtin",
		Capabilities: []string{"knowledge.search", "retrieval"},
		Risk:         toolcore.RiskLow,
		Scoped:       true,
	}
}

func (t *SearchKnowledgeTool) Parameters() map[string]interface{} {
	return t.schema
}

func (t *SearchKnowledgeTool) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var args SearchArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	k := args.TopK
	if k <= 0 {
		k = t.topK
	}

	chunks, err := t.retriever.Retrieve(ctx, strings.TrimSpace(args.Query), toolcore.ScopeFrom(ctx), k)
	if err != nil {
		return nil, err
	}

	results := make([]passage, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, passage{
			Source:    c.Source,
			Page:      c.Page,
			Score:     c.Score,
			Text:      c.Text,
			Truncated: c.Truncated,
		})
	}
	return json.Marshal(map[string]interface{}{
		"query":   args.Query,
		"results": results,
	})
}
