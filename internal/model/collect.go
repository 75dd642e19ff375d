package model

import (
	"iter"
	"strings"

	"github.com/harunnryd/kotoba/internal/model/contract"
)

// Collect drains a stream into a single response.
func Collect(seq iter.Seq2[contract.StreamChunk, error]) (*contract.CompletionResponse, error) {
	var sb strings.Builder
	resp := &contract.CompletionResponse{}
	for chunk, err := range seq {
		if err != nil {
			return nil, err
		}
		sb.WriteString(chunk.Delta)
		resp.ToolCalls = append(resp.ToolCalls, chunk.ToolCalls...)
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
	}
	resp.Content = sb.String()
	return resp, nil
}
