package store

import "time"

// SessionMeta is the index record for one conversation session.
type SessionMeta struct {
	ID         string            `json:"id"`
	Owner      string            `json:"owner"`
	HistoryKey string            `json:"history_key"`
	Title      string            `json:"title,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastActive time.Time         `json:"last_active"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type SessionIndex struct {
	Sessions map[string]SessionMeta `json:"sessions"`
}

// VectorDoc is a chunk stored in a vector collection.
type VectorDoc struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
	Content  string
}

// VectorQuery selects documents by similarity. Where filters on metadata equality;
// Contains restricts to documents whose content contains the substring.
type VectorQuery struct {
	Collection string
	Vector     []float32
	Limit      int
	Where      map[string]string
	Contains   string
}

type VectorResult struct {
	ID       string
	Score    float32
	Metadata map[string]string
	Content  string
}
