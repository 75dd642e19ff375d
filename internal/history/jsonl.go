package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harunnryd/kotoba/internal/conversation"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/store"
)

// JSONLStore keeps one append-only transcript per session through the store worker. The
// worker hashes each session onto a single lane, which serializes its writes.
type JSONLStore struct {
	worker *store.Worker
}

func NewJSONLStore(worker *store.Worker) *JSONLStore {
	return &JSONLStore{worker: worker}
}

func (s *JSONLStore) Append(ctx context.Context, sessionID string, turn conversation.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return kotobaErrors.WrapWithCategory(err, "encode turn", kotobaErrors.ErrPersistence)
	}
	if err := s.worker.AppendTranscript(ctx, s.key(ctx, sessionID), data); err != nil {
		return kotobaErrors.WrapWithCategory(err, "append transcript", kotobaErrors.ErrPersistence)
	}
	return nil
}

func (s *JSONLStore) Load(ctx context.Context, sessionID string) ([]conversation.Turn, error) {
	lines, err := s.worker.ReadTranscript(ctx, s.key(ctx, sessionID), 0)
	if err != nil {
		return nil, kotobaErrors.WrapWithCategory(err, "read transcript", kotobaErrors.ErrPersistence)
	}

	turns := make([]conversation.Turn, 0, len(lines))
	for i, line := range lines {
		var t conversation.Turn
		if err := json.Unmarshal(line, &t); err != nil {
			logger.From(ctx).Warn("Skipping malformed transcript line", "line", i, "error", err)
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// key resolves the transcript key recorded on the session, defaulting to the id itself.
func (s *JSONLStore) key(ctx context.Context, sessionID string) string {
	if meta, err := s.worker.GetSession(ctx, sessionID); err == nil && meta != nil && meta.HistoryKey != "" {
		return meta.HistoryKey
	}
	return sessionID
}

func (s *JSONLStore) Touch(ctx context.Context, sessionID, owner string) (*store.SessionMeta, error) {
	if err := store.ValidateKey(sessionID); err != nil {
		return nil, kotobaErrors.WrapWithCategory(err, "invalid session id", kotobaErrors.ErrValidation)
	}
	meta, err := s.worker.GetSession(ctx, sessionID)
	if err != nil {
		return nil, kotobaErrors.WrapWithCategory(err, "get session", kotobaErrors.ErrPersistence)
	}
	meta = touched(meta, sessionID, owner, time.Now().UTC())
	if err := s.worker.SaveSession(ctx, meta); err != nil {
		return nil, kotobaErrors.WrapWithCategory(err, "save session", kotobaErrors.ErrPersistence)
	}
	return meta, nil
}

func (s *JSONLStore) Get(ctx context.Context, sessionID string) (*store.SessionMeta, error) {
	meta, err := s.worker.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, kotobaErrors.NotFound("session " + sessionID)
	}
	return meta, nil
}

func (s *JSONLStore) List(ctx context.Context) ([]store.SessionMeta, error) {
	return s.worker.ListSessions(ctx)
}

// Close is a no-op; the worker is owned by the caller.
func (s *JSONLStore) Close() error { return nil }

func touched(meta *store.SessionMeta, sessionID, owner string, now time.Time) *store.SessionMeta {
	if meta == nil {
		return &store.SessionMeta{
			ID:         sessionID,
			Owner:      owner,
			HistoryKey: sessionID,
			CreatedAt:  now,
			LastActive: now,
		}
	}
	out := *meta
	out.LastActive = now
	if out.Owner == "" {
		out.Owner = owner
	}
	return &out
}
