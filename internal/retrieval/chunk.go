// Package retrieval finds, reranks and trims knowledge chunks for a query.
package retrieval

import (
	"sort"
	"strconv"
)

// Metadata keys written at ingestion and read back at query time.
const (
	MetaSource   = "source"
	MetaPage     = "page"
	MetaPosition = "position"
	MetaScope    = "scope"
)

// RetrievedChunk is one passage returned for a query. Rank is the chunk's position in the
// list it currently belongs to: retrieval order before reranking, final order after.
type RetrievedChunk struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Source    string  `json:"source"`
	Score     float64 `json:"score"`
	Page      int     `json:"page,omitempty"`
	Position  int     `json:"position"`
	Rank      int     `json:"rank"`
	Truncated bool    `json:"truncated,omitempty"`
}

func chunkFromMetadata(id, content string, score float64, meta map[string]string) RetrievedChunk {
	page, _ := strconv.Atoi(meta[MetaPage])
	pos, _ := strconv.Atoi(meta[MetaPosition])
	return RetrievedChunk{
		ID:       id,
		Text:     content,
		Source:   meta[MetaSource],
		Score:    score,
		Page:     page,
		Position: pos,
	}
}

// SortByScore orders chunks by descending score. Equal scores keep their retrieval rank order.
func SortByScore(chunks []RetrievedChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].Rank < chunks[j].Rank
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
