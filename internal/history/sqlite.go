package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harunnryd/kotoba/internal/concurrency"
	"github.com/harunnryd/kotoba/internal/conversation"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/store"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL DEFAULT '',
	history_key TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	created_at INTEGER NOT NULL,
	last_active INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	turn_id TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
`

// SQLiteStore keeps turns and sessions in a single SQLite database. Appends for one session
// are serialized by a keyed mutex; different sessions write independently.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	locks *concurrency.KeyedMutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps :memory: databases shared and avoids SQLITE_BUSY between writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLiteStore{db: db, path: path, locks: concurrency.NewKeyedMutex()}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turn conversation.Turn) error {
	body, err := json.Marshal(turn)
	if err != nil {
		return kotobaErrors.WrapWithCategory(err, "encode turn", kotobaErrors.ErrPersistence)
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, turn_id, role, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, turn.ID, string(turn.Role), string(body), turn.Timestamp.UnixNano())
	if err != nil {
		return kotobaErrors.WrapWithCategory(err, "insert turn", kotobaErrors.ErrPersistence)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) ([]conversation.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, kotobaErrors.WrapWithCategory(err, "query turns", kotobaErrors.ErrPersistence)
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, kotobaErrors.WrapWithCategory(err, "scan turn", kotobaErrors.ErrPersistence)
		}
		var t conversation.Turn
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			logger.From(ctx).Warn("Skipping malformed turn row", "error", err)
			continue
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, kotobaErrors.WrapWithCategory(err, "iterate turns", kotobaErrors.ErrPersistence)
	}
	return turns, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, sessionID, owner string) (*store.SessionMeta, error) {
	if err := store.ValidateKey(sessionID); err != nil {
		return nil, kotobaErrors.WrapWithCategory(err, "invalid session id", kotobaErrors.ErrValidation)
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	meta, err := s.get(ctx, sessionID)
	if err != nil && !kotobaErrors.Is(err, kotobaErrors.ErrNotFound) {
		return nil, err
	}
	meta = touched(meta, sessionID, owner, time.Now().UTC())

	var metadata []byte
	if len(meta.Metadata) > 0 {
		metadata, _ = json.Marshal(meta.Metadata)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner, history_key, title, metadata, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, last_active = excluded.last_active`,
		meta.ID, meta.Owner, meta.HistoryKey, meta.Title, string(metadata),
		meta.CreatedAt.UnixNano(), meta.LastActive.UnixNano())
	if err != nil {
		return nil, kotobaErrors.WrapWithCategory(err, "upsert session", kotobaErrors.ErrPersistence)
	}
	return meta, nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*store.SessionMeta, error) {
	return s.get(ctx, sessionID)
}

func (s *SQLiteStore) get(ctx context.Context, sessionID string) (*store.SessionMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, history_key, title, metadata, created_at, last_active
		FROM sessions WHERE id = ?`, sessionID)
	meta, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, kotobaErrors.NotFound("session " + sessionID)
	}
	if err != nil {
		return nil, kotobaErrors.WrapWithCategory(err, "get session", kotobaErrors.ErrPersistence)
	}
	return meta, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]store.SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, history_key, title, metadata, created_at, last_active
		FROM sessions ORDER BY last_active DESC`)
	if err != nil {
		return nil, kotobaErrors.WrapWithCategory(err, "list sessions", kotobaErrors.ErrPersistence)
	}
	defer rows.Close()

	var out []store.SessionMeta
	for rows.Next() {
		meta, err := scanSession(rows.Scan)
		if err != nil {
			return nil, kotobaErrors.WrapWithCategory(err, "scan session", kotobaErrors.ErrPersistence)
		}
		out = append(out, *meta)
	}
	return out, rows.Err()
}

func scanSession(scan func(dest ...any) error) (*store.SessionMeta, error) {
	var (
		meta                  store.SessionMeta
		metadata              sql.NullString
		createdAt, lastActive int64
	)
	if err := scan(&meta.ID, &meta.Owner, &meta.HistoryKey, &meta.Title, &metadata, &createdAt, &lastActive); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &meta.Metadata)
	}
	meta.CreatedAt = time.Unix(0, createdAt).UTC()
	meta.LastActive = time.Unix(0, lastActive).UTC()
	return &meta, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
