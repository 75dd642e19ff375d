package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sort"
	"strings"

	"github.com/harunnryd/kotoba/internal/model/contract"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// ZaiBaseURL is the OpenAI-compatible endpoint used by the "zai" provider type.
const ZaiBaseURL = "https://api.z.ai/api/paas/v4/"

type Provider struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func New(apiKey, baseURL, model string, maxTokens int) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}

	return &Provider{client: openai.NewClientWithConfig(cfg), model: model, maxTokens: maxTokens}
}

// NewWithClient is used by tests to point the provider at a fake server.
func NewWithClient(client *openai.Client, model string) *Provider {
	return &Provider{client: client, model: model}
}

func (p *Provider) Name() string {
	return "openai"
}

func (p *Provider) Stream(ctx context.Context, req contract.CompletionRequest) iter.Seq2[contract.StreamChunk, error] {
	return func(yield func(contract.StreamChunk, error) bool) {
		chatReq := p.buildRequest(req)

		stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			yield(contract.StreamChunk{}, fmt.Errorf("openai stream open failed: %w", err))
			return
		}
		defer stream.Close()

		calls := newCallAccumulator()
		finish := ""
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(contract.StreamChunk{}, fmt.Errorf("openai stream failed: %w", err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			for _, tc := range choice.Delta.ToolCalls {
				calls.add(tc)
			}
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				if !yield(contract.StreamChunk{Delta: choice.Delta.Content}, nil) {
					return
				}
			}
		}

		yield(contract.StreamChunk{ToolCalls: calls.done(), FinishReason: finish}, nil)
	}
}

func (p *Provider) buildRequest(req contract.CompletionRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Input,
				},
			})
		}
		messages = append(messages, msg)
	}

	var tools []openai.Tool
	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	return openai.ChatCompletionRequest{
		Model:               model,
		Messages:            messages,
		Tools:               tools,
		MaxCompletionTokens: maxTokens,
	}
}

// callAccumulator joins tool-call fragments that arrive spread over many chunks.
type callAccumulator struct {
	byIndex map[int]*contract.ToolCall
	args    map[int]*strings.Builder
}

func newCallAccumulator() *callAccumulator {
	return &callAccumulator{
		byIndex: make(map[int]*contract.ToolCall),
		args:    make(map[int]*strings.Builder),
	}
}

func (a *callAccumulator) add(tc openai.ToolCall) {
	idx := len(a.byIndex)
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := a.byIndex[idx]
	if !ok {
		call = &contract.ToolCall{}
		a.byIndex[idx] = call
		a.args[idx] = &strings.Builder{}
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	a.args[idx].WriteString(tc.Function.Arguments)
}

func (a *callAccumulator) done() []*contract.ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.byIndex))
	for idx := range a.byIndex {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]*contract.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		call := a.byIndex[idx]
		call.Input = a.args[idx].String()
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		out = append(out, call)
	}
	return out
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := p.model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding data returned")
	}

	return resp.Data[0].Embedding, nil
}

// Client exposes the underlying client so the moderation filter can share the connection pool.
func (p *Provider) Client() *openai.Client {
	return p.client
}
