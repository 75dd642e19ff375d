package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/model/contract"
)

// Reranker reorders candidates. Implementations must be deterministic for identical input and
// must leave equal-score candidates in retrieval order.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []RetrievedChunk) ([]RetrievedChunk, error)
}

// LexicalReranker blends BM25 over the candidate pool with the dense similarity the index
// reported.
type LexicalReranker struct {
	// Weight of the lexical score; the remainder goes to the dense score.
	Alpha float64
	K1    float64
	B     float64
}

func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{Alpha: 0.6, K1: 1.2, B: 0.75}
}

func (r *LexicalReranker) Rerank(_ context.Context, query string, candidates []RetrievedChunk) ([]RetrievedChunk, error) {
	out := append([]RetrievedChunk(nil), candidates...)
	if len(out) == 0 {
		return out, nil
	}

	terms := uniqueLower(Tokenize(query))
	docs := make([][]string, len(out))
	totalLen := 0
	for i, c := range out {
		docs[i] = lower(Tokenize(c.Text))
		totalLen += len(docs[i])
	}
	avgLen := float64(totalLen) / float64(len(docs))
	if avgLen == 0 {
		avgLen = 1
	}

	df := make(map[string]int, len(terms))
	tfs := make([]map[string]int, len(docs))
	for i, doc := range docs {
		tf := make(map[string]int)
		for _, tok := range doc {
			tf[tok]++
		}
		tfs[i] = tf
		for _, t := range terms {
			if tf[t] > 0 {
				df[t]++
			}
		}
	}

	n := float64(len(docs))
	raw := make([]float64, len(docs))
	maxRaw := 0.0
	for i := range docs {
		dl := float64(len(docs[i]))
		score := 0.0
		for _, t := range terms {
			f := float64(tfs[i][t])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[t])+0.5)/(float64(df[t])+0.5))
			score += idf * f * (r.K1 + 1) / (f + r.K1*(1-r.B+r.B*dl/avgLen))
		}
		raw[i] = score
		if score > maxRaw {
			maxRaw = score
		}
	}

	for i := range out {
		lex := 0.0
		if maxRaw > 0 {
			lex = raw[i] / maxRaw
		}
		out[i].Score = clamp01(r.Alpha*lex + (1-r.Alpha)*clamp01(out[i].Score))
	}
	SortByScore(out)
	return out, nil
}

// Generator is the completion call the LLM reranker needs.
type Generator interface {
	Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error)
}

// LLMReranker asks a model to grade each candidate from 1 to 10. When the model fails or
// answers with something unparseable the candidates are returned in retrieval order.
type LLMReranker struct {
	llm        Generator
	model      string
	maxResults int
}

type rankingDecision struct {
	Index     int `json:"index"`
	Relevance int `json:"relevance"`
}

func NewLLMReranker(llm Generator, model string, maxResults int) *LLMReranker {
	if maxResults <= 0 {
		maxResults = 20
	}
	return &LLMReranker{llm: llm, model: model, maxResults: maxResults}
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []RetrievedChunk) ([]RetrievedChunk, error) {
	out := append([]RetrievedChunk(nil), candidates...)
	if len(out) == 0 {
		return out, nil
	}

	graded := out
	if len(graded) > r.maxResults {
		graded = graded[:r.maxResults]
	}

	resp, err := r.llm.Generate(ctx, contract.CompletionRequest{
		Model:    r.model,
		Messages: []contract.Message{{Role: contract.RoleUser, Content: buildRerankPrompt(query, graded)}},
	})
	if err != nil {
		logger.From(ctx).Warn("Reranking failed, keeping retrieval order", "error", err)
		return out, nil
	}

	rankings, err := parseRankings(resp.Content, len(graded))
	if err != nil {
		logger.From(ctx).Warn("Failed to parse rankings, keeping retrieval order", "error", err)
		return out, nil
	}

	relevance := make(map[int]float64, len(rankings))
	for _, d := range rankings {
		relevance[d.Index] = float64(d.Relevance) / 10
	}
	for i := range graded {
		out[i].Score = clamp01(relevance[i])
	}
	// ungraded overflow stays behind every graded candidate
	for i := len(graded); i < len(out); i++ {
		out[i].Score = 0
	}
	SortByScore(out)
	return out, nil
}

func buildRerankPrompt(query string, candidates []RetrievedChunk) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Given the query: %q\n\n", query)
	sb.WriteString("Rate how relevant each document is to the query from 1 to 10 (10 = most relevant).\n\nDocuments:\n")
	for i, c := range candidates {
		text := c.Text
		if runes := []rune(text); len(runes) > 500 {
			text = string(runes[:500])
		}
		fmt.Fprintf(&sb, "\n[%d] %s\n", i, text)
	}
	sb.WriteString("\nRespond with a JSON array only, for example:\n[{\"index\": 0, \"relevance\": 9}, {\"index\": 1, \"relevance\": 3}]")
	return sb.String()
}

func parseRankings(response string, n int) ([]rankingDecision, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end == -1 || start >= end {
		return nil, fmt.Errorf("no JSON array found in response")
	}
	var rankings []rankingDecision
	if err := json.Unmarshal([]byte(response[start:end+1]), &rankings); err != nil {
		return nil, fmt.Errorf("failed to parse rankings JSON: %w", err)
	}
	valid := rankings[:0]
	for _, d := range rankings {
		if d.Index >= 0 && d.Index < n {
			valid = append(valid, d)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("no valid rankings")
	}
	return valid, nil
}

func lower(toks []string) []string {
	for i, t := range toks {
		toks[i] = strings.ToLower(t)
	}
	return toks
}

func uniqueLower(toks []string) []string {
	seen := make(map[string]struct{}, len(toks))
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		t = strings.ToLower(t)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
