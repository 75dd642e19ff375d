package retrieval

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
	"github.com/harunnryd/kotoba/internal/model/contract"
	"github.com/harunnryd/kotoba/internal/store"
)

// hashEmbedder maps each lowercased token onto one of 16 dimensions.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 16)
	for _, tok := range Tokenize(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%16]++
	}
	vec[0] += 0.01
	return vec, nil
}

type fakeIndex struct {
	chunks []RetrievedChunk
	err    error
	gotK   int
}

func (f *fakeIndex) Search(_ context.Context, _, _ string, k int) ([]RetrievedChunk, error) {
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	out := append([]RetrievedChunk(nil), f.chunks...)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

type fakeGenerator struct {
	content string
	err     error
}

func (f *fakeGenerator) Generate(context.Context, contract.CompletionRequest) (*contract.CompletionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &contract.CompletionResponse{Content: f.content}, nil
}

func TestSortByScoreIsStable(t *testing.T) {
	var chunks []RetrievedChunk
	for i := 0; i < 50; i++ {
		chunks = append(chunks, RetrievedChunk{ID: fmt.Sprintf("c%d", i), Score: float64(i%3) / 2, Rank: i})
	}
	SortByScore(chunks)

	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		require.GreaterOrEqual(t, prev.Score, cur.Score)
		if prev.Score == cur.Score {
			assert.Less(t, prev.Rank, cur.Rank, "equal scores must keep retrieval order")
		}
	}
}

func TestBudgetMonotonic(t *testing.T) {
	b := Budget{Base: 2000, Min: 200, Decay: 0.5}
	for _, score := range []float64{0, 0.1, 0.5, 0.9, 1, 1.5} {
		prev := b.For(0, score)
		for rank := 1; rank < 30; rank++ {
			cur := b.For(rank, score)
			assert.LessOrEqual(t, cur, prev, "score %v rank %d", score, rank)
			assert.GreaterOrEqual(t, cur, b.Min)
			prev = cur
		}
	}
	for rank := 0; rank < 10; rank++ {
		prev := b.For(rank, 0)
		for s := 0.05; s <= 1.0; s += 0.05 {
			cur := b.For(rank, s)
			assert.GreaterOrEqual(t, cur, prev)
			prev = cur
		}
	}
	assert.Equal(t, 2000, b.For(0, 1))
	assert.Equal(t, 1000, b.For(2, 1))
	assert.Equal(t, 200, b.For(0, 0))
}

func TestTruncateBoundaries(t *testing.T) {
	t.Run("fits", func(t *testing.T) {
		out, cut := Truncate("short", 10)
		assert.Equal(t, "short", out)
		assert.False(t, cut)
	})

	t.Run("paragraph", func(t *testing.T) {
		text := "First paragraph here.\n\nSecond paragraph runs long past the limit."
		out, cut := Truncate(text, 30)
		assert.True(t, cut)
		assert.Equal(t, "First paragraph here.", out)
	})

	t.Run("sentence", func(t *testing.T) {
		text := "One. Two sentences here. Three goes beyond"
		out, _ := Truncate(text, 30)
		assert.Equal(t, "One. Two sentences here.", out)
	})

	t.Run("sentence beats early paragraph", func(t *testing.T) {
		text := "Hi.\n\nThis is a long sentence. And another one that is cut off somewhere"
		out, _ := Truncate(text, 40)
		assert.Equal(t, "Hi.\n\nThis is a long sentence.", out)
	})

	t.Run("whitespace", func(t *testing.T) {
		out, _ := Truncate("alpha beta gamma delta", 13)
		assert.Equal(t, "alpha beta", out)
	})

	t.Run("hard cut is rune safe", func(t *testing.T) {
		out, cut := Truncate("日本語のテキストです", 4)
		assert.True(t, cut)
		assert.Equal(t, "日本語の", out)
	})

	t.Run("cjk sentence", func(t *testing.T) {
		out, _ := Truncate("今日は晴れ。明日は雨かもしれない", 9)
		assert.Equal(t, "今日は晴れ。", out)
	})
}

func TestStrongestTerm(t *testing.T) {
	assert.Equal(t, "goroutines", StrongestTerm("how do goroutines work?"))
	assert.Equal(t, "", StrongestTerm("is it ok"))
	assert.Equal(t, "alpha", StrongestTerm("alpha gamma"))
}

func TestFusePrefersDocumentsInBothLists(t *testing.T) {
	dense := []store.VectorResult{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}, {ID: "c", Score: 0.7}}
	lexical := []store.VectorResult{{ID: "c", Score: 0.7}}

	got := fuse(10, dense, lexical)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	for i, c := range got {
		assert.Equal(t, i, c.Rank)
	}

	assert.Len(t, fuse(2, dense, lexical), 2)
}

func TestLexicalRerankerPrefersTermMatches(t *testing.T) {
	cands := []RetrievedChunk{
		{ID: "1", Text: "cooking pasta at home", Score: 0.5, Rank: 0},
		{ID: "2", Text: "goroutines and channels in Go", Score: 0.5, Rank: 1},
		{ID: "3", Text: "the weather today", Score: 0.5, Rank: 2},
		{ID: "4", Text: "the weather tomorrow", Score: 0.5, Rank: 3},
	}
	got, err := NewLexicalReranker().Rerank(context.Background(), "goroutines channels", cands)
	require.NoError(t, err)
	assert.Equal(t, "2", got[0].ID)
	// 1, 3, 4 tie and stay in retrieval order
	assert.Equal(t, []string{"1", "3", "4"}, []string{got[1].ID, got[2].ID, got[3].ID})
	// input untouched
	assert.Equal(t, "1", cands[0].ID)
}

func TestLLMReranker(t *testing.T) {
	cands := []RetrievedChunk{
		{ID: "a", Text: "x", Rank: 0},
		{ID: "b", Text: "y", Rank: 1},
		{ID: "c", Text: "z", Rank: 2},
	}

	gen := &fakeGenerator{content: "Sure:\n[{\"index\": 2, \"relevance\": 9}, {\"index\": 0, \"relevance\": 4}, {\"index\": 1, \"relevance\": 4}]"}
	got, err := NewLLMReranker(gen, "m", 10).Rerank(context.Background(), "q", cands)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.InDelta(t, 0.9, got[0].Score, 1e-9)

	broken := &fakeGenerator{content: "no idea"}
	got, err = NewLLMReranker(broken, "m", 10).Rerank(context.Background(), "q", cands)
	require.NoError(t, err)
	assert.Equal(t, "a", got[0].ID)

	failing := &fakeGenerator{err: errors.New("503")}
	got, err = NewLLMReranker(failing, "m", 10).Rerank(context.Background(), "q", cands)
	require.NoError(t, err)
	assert.Equal(t, "a", got[0].ID)
}

func TestRetrieverOverfetchAndTruncate(t *testing.T) {
	long := strings.Repeat("word ", 200)
	idx := &fakeIndex{chunks: []RetrievedChunk{
		{ID: "1", Text: long, Score: 0.9},
		{ID: "2", Text: long, Score: 0.4},
		{ID: "3", Text: "tiny", Score: 0.1},
	}}
	r := NewRetriever(idx, nil, Options{
		TopK:            2,
		OverfetchFactor: 3,
		MaxCandidates:   5,
		Budget:          Budget{Base: 400, Min: 50, Decay: 1},
	}, nil)

	got, err := r.Retrieve(context.Background(), "word", "default", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, idx.gotK, "k*factor capped at max candidates")
	require.Len(t, got, 2)
	assert.True(t, got[0].Truncated)
	assert.LessOrEqual(t, len([]rune(got[0].Text)), 360)
	assert.LessOrEqual(t, len([]rune(got[1].Text)), 80)
	assert.Greater(t, len(got[0].Text), len(got[1].Text))
	assert.Equal(t, 1, got[1].Rank)
}

func TestRetrieverMayReturnFewer(t *testing.T) {
	idx := &fakeIndex{chunks: []RetrievedChunk{{ID: "1", Text: "only", Score: 1}}}
	got, err := NewRetriever(idx, NewLexicalReranker(), Options{}, nil).Retrieve(context.Background(), "only", "", 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRetrieverWrapsIndexFailure(t *testing.T) {
	idx := &fakeIndex{err: errors.New("connection refused")}
	_, err := NewRetriever(idx, nil, Options{}, nil).Retrieve(context.Background(), "q", "", 3)
	require.Error(t, err)
	assert.True(t, kotobaErrors.Is(err, kotobaErrors.ErrRetrievalFailed))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRetrieverRejectsBlankQuery(t *testing.T) {
	_, err := NewRetriever(&fakeIndex{}, nil, Options{}, nil).Retrieve(context.Background(), "  ", "", 3)
	assert.True(t, kotobaErrors.Is(err, kotobaErrors.ErrValidation))
}

func TestChunkPacksParagraphs(t *testing.T) {
	text := "Para one.\n\nPara two.\n\n" + strings.Repeat("Long sentence here. ", 10)
	chunks := Chunk(text, 60)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "Para one.\n\nPara two.", chunks[0])
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 60)
		assert.NotEmpty(t, strings.TrimSpace(c))
	}
	joined := strings.Join(chunks, " ")
	assert.Equal(t, 10, strings.Count(joined, "Long sentence here."))
}

func TestIngestAndSearchEndToEnd(t *testing.T) {
	ctx := context.Background()
	w, err := store.NewWorker(ctx, t.TempDir(), store.RuntimeConfig{LockTimeout: time.Second})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	in := NewIngester(w, hashEmbedder{}, "kb", 80, 2)
	n, err := in.Ingest(ctx, Document{Source: "go.md", Pages: []string{
		"Goroutines are cheap threads managed by the runtime.\n\nChannels connect goroutines.\n\nModules version dependencies.",
	}}, "eng")
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	_, err = in.Ingest(ctx, Document{Source: "ops.md", Pages: []string{"Goroutines leak when channels block forever."}}, "ops")
	require.NoError(t, err)

	// re-ingesting replaces rather than duplicates
	n2, err := in.Ingest(ctx, Document{Source: "go.md", Pages: []string{
		"Goroutines are cheap threads managed by the runtime.\n\nChannels connect goroutines.\n\nModules version dependencies.",
	}}, "eng")
	require.NoError(t, err)
	assert.Equal(t, n, n2)
	assert.Equal(t, n+1, w.CountVectors("kb"))

	r := NewRetriever(NewChromemIndex(w, hashEmbedder{}, "kb"), NewLexicalReranker(), Options{
		TopK:   3,
		Budget: Budget{Base: 1000, Min: 100, Decay: 0.5},
	}, nil)
	got, err := r.Retrieve(ctx, "Channels goroutines", "eng", 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, c := range got {
		assert.Equal(t, "go.md", c.Source)
	}
	assert.Contains(t, got[0].Text, "Channels")
}
