// Package history persists conversation turns and session records.
package history

import (
	"context"
	"fmt"

	"github.com/harunnryd/kotoba/internal/config"
	"github.com/harunnryd/kotoba/internal/conversation"
	"github.com/harunnryd/kotoba/internal/store"
)

// Store appends and loads the turns of one session in creation order.
type Store interface {
	Append(ctx context.Context, sessionID string, turn conversation.Turn) error
	Load(ctx context.Context, sessionID string) ([]conversation.Turn, error)
}

// Sessions tracks session records. Touch creates the session on first use and bumps
// LastActive on every later call.
type Sessions interface {
	Touch(ctx context.Context, sessionID, owner string) (*store.SessionMeta, error)
	Get(ctx context.Context, sessionID string) (*store.SessionMeta, error)
	List(ctx context.Context) ([]store.SessionMeta, error)
}

// Backend is a Store that also owns session records.
type Backend interface {
	Store
	Sessions
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(cfg config.HistoryConfig, worker *store.Worker) (Backend, error) {
	switch cfg.Backend {
	case "", "jsonl":
		if worker == nil {
			return nil, fmt.Errorf("jsonl history requires a store worker")
		}
		return NewJSONLStore(worker), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown history backend: %s", cfg.Backend)
	}
}
