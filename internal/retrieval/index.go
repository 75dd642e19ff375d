package retrieval

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/harunnryd/kotoba/internal/store"
)

// Index is the candidate source for retrieval.
type Index interface {
	Search(ctx context.Context, query, scope string, k int) ([]RetrievedChunk, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorSearcher interface {
	SearchVectors(ctx context.Context, q store.VectorQuery) ([]store.VectorResult, error)
}

// rrfK dampens the weight of top ranks in reciprocal-rank fusion.
const rrfK = 60

// ChromemIndex runs a dense query and a lexical query over one collection and fuses them
// with reciprocal-rank fusion. The lexical side restricts candidates to documents containing
// the query's strongest term.
type ChromemIndex struct {
	vectors    VectorSearcher
	embedder   Embedder
	collection string
}

func NewChromemIndex(vectors VectorSearcher, embedder Embedder, collection string) *ChromemIndex {
	return &ChromemIndex{vectors: vectors, embedder: embedder, collection: collection}
}

func (x *ChromemIndex) Search(ctx context.Context, query, scope string, k int) ([]RetrievedChunk, error) {
	vec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var where map[string]string
	if scope != "" {
		where = map[string]string{MetaScope: scope}
	}

	dense, err := x.vectors.SearchVectors(ctx, store.VectorQuery{
		Collection: x.collection,
		Vector:     vec,
		Limit:      k,
		Where:      where,
	})
	if err != nil {
		return nil, err
	}

	var lexical []store.VectorResult
	if term := StrongestTerm(query); term != "" {
		lexical, err = x.vectors.SearchVectors(ctx, store.VectorQuery{
			Collection: x.collection,
			Vector:     vec,
			Limit:      k,
			Where:      where,
			Contains:   term,
		})
		if err != nil {
			return nil, err
		}
	}

	return fuse(k, dense, lexical), nil
}

type fused struct {
	chunk     RetrievedChunk
	rrf       float64
	firstSeen int
}

// fuse merges ranked lists by reciprocal-rank fusion. Score keeps the cosine similarity of
// the document; the fused order is carried in Rank.
func fuse(k int, lists ...[]store.VectorResult) []RetrievedChunk {
	byID := make(map[string]*fused)
	seen := 0
	for _, list := range lists {
		for rank, r := range list {
			f, ok := byID[r.ID]
			if !ok {
				f = &fused{
					chunk:     chunkFromMetadata(r.ID, r.Content, clamp01(float64(r.Score)), r.Metadata),
					firstSeen: seen,
				}
				byID[r.ID] = f
				seen++
			}
			f.rrf += 1.0 / float64(rrfK+rank+1)
		}
	}

	all := make([]*fused, 0, len(byID))
	for _, f := range byID {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].rrf != all[j].rrf {
			return all[i].rrf > all[j].rrf
		}
		return all[i].firstSeen < all[j].firstSeen
	})

	if k > 0 && len(all) > k {
		all = all[:k]
	}
	out := make([]RetrievedChunk, len(all))
	for i, f := range all {
		out[i] = f.chunk
		out[i].Rank = i
	}
	return out
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"who": {}, "why": {}, "how": {}, "does": {}, "did": {}, "are": {}, "was": {}, "were": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "from": {}, "into": {}, "about": {},
	"have": {}, "has": {}, "can": {}, "could": {}, "should": {}, "would": {}, "there": {},
	"their": {}, "your": {}, "you": {}, "our": {}, "not": {}, "but": {}, "any": {}, "all": {},
}

// StrongestTerm picks the longest non-stopword token of at least three characters. Ties go to
// the earliest token.
func StrongestTerm(query string) string {
	best := ""
	for _, tok := range Tokenize(query) {
		if len([]rune(tok)) < 3 {
			continue
		}
		if _, stop := stopwords[strings.ToLower(tok)]; stop {
			continue
		}
		if len([]rune(tok)) > len([]rune(best)) {
			best = tok
		}
	}
	return best
}

// Tokenize splits on anything that is not a letter or digit. Case is preserved.
func Tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
