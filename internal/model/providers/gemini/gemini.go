package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"

	"github.com/harunnryd/kotoba/internal/model/contract"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

const defaultEmbeddingModel = "text-embedding-004"

type Provider struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

func New(ctx context.Context, apiKey, model string, maxTokens int) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &Provider{client: client, model: model, maxTokens: int32(maxTokens)}, nil
}

func (p *Provider) Name() string {
	return "gemini"
}

func (p *Provider) Stream(ctx context.Context, req contract.CompletionRequest) iter.Seq2[contract.StreamChunk, error] {
	return func(yield func(contract.StreamChunk, error) bool) {
		contents, cfg := p.buildRequest(req)
		model := req.Model
		if model == "" {
			model = p.model
		}

		var calls []*contract.ToolCall
		finish := ""
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				yield(contract.StreamChunk{}, fmt.Errorf("gemini stream failed: %w", err))
				return
			}
			if resp == nil || len(resp.Candidates) == 0 {
				continue
			}

			for _, fc := range resp.FunctionCalls() {
				args, _ := json.Marshal(fc.Args)
				id := fc.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				calls = append(calls, &contract.ToolCall{ID: id, Name: fc.Name, Input: string(args)})
			}

			candidate := resp.Candidates[0]
			if candidate.FinishReason != "" {
				finish = string(candidate.FinishReason)
			}
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text == "" || part.Thought {
					continue
				}
				if !yield(contract.StreamChunk{Delta: part.Text}, nil) {
					return
				}
			}
		}

		yield(contract.StreamChunk{ToolCalls: calls, FinishReason: finish}, nil)
	}
}

func (p *Provider) buildRequest(req contract.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if p.maxTokens > 0 {
		cfg.MaxOutputTokens = p.maxTokens
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case contract.RoleSystem:
			cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
		case contract.RoleTool:
			var obj map[string]any
			key := "output"
			if m.IsError {
				key = "error"
			}
			if err := json.Unmarshal([]byte(m.Content), &obj); err != nil {
				obj = map[string]any{key: m.Content}
			} else if _, ok := obj["error"]; m.IsError && !ok {
				obj = map[string]any{"error": obj}
			}
			contents = append(contents, &genai.Content{Role: "function", Parts: []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{ID: m.ToolCallID, Name: m.ToolName, Response: obj},
			}}})
		case contract.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Input), &args)
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			b, _ := json.Marshal(t.Parameters)
			var schema genai.Schema
			_ = json.Unmarshal(b, &schema)
			decls = append(decls, &genai.FunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: &schema})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return contents, cfg
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := p.model
	if model == "" {
		model = defaultEmbeddingModel
	}
	resp, err := p.client.Models.EmbedContent(ctx, model, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embedding failed: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("gemini embedding returned empty result")
	}

	return resp.Embeddings[0].Values, nil
}
