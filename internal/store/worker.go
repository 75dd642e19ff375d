package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/natefinch/atomic"
	"github.com/philippgille/chromem-go"
)

// ErrClosed is returned for requests submitted after Stop.
var ErrClosed = errors.New("store worker closed")

type Operation int

const (
	OpAppendTranscript Operation = iota
	OpReadTranscript
	OpGetSession
	OpSaveSession
	OpListSessions
	OpUpsertVectors
	OpDeleteVectors
)

type Request struct {
	Op       Operation
	Payload  interface{}
	Result   chan error
	Response chan interface{}
}

type TranscriptPayload struct {
	Key  string
	Data []byte
}

type ReadTranscriptPayload struct {
	Key   string
	Limit int
}

type SessionPayload struct {
	ID      string
	Session *SessionMeta
}

type UpsertVectorsPayload struct {
	Collection string
	Docs       []VectorDoc
}

type DeleteVectorsPayload struct {
	Collection string
	Where      map[string]string
}

type RuntimeConfig struct {
	LockTimeout              time.Duration
	LockRetry                time.Duration
	InboxSize                int
	Shards                   int
	TranscriptRotateMaxBytes int64
	CompressVectors          bool
}

// Worker owns all writes to a workspace. Transcript requests are hashed by key onto a fixed
// set of lanes, so appends to one key are applied in submission order while different keys
// proceed in parallel. The session index and the vector DB each have a lane of their own.
type Worker struct {
	basePath       string
	lanes          []chan Request
	shards         int
	fileLock       *FileLock
	quit           chan struct{}
	wg             sync.WaitGroup
	closeMu        sync.RWMutex
	closed         bool
	sessionIndex   *SessionIndex
	vectorDB       *chromem.DB
	running        stdatomic.Bool
	rotateMaxBytes int64
}

func NewWorker(ctx context.Context, basePath string, cfg RuntimeConfig) (*Worker, error) {
	if basePath == "" {
		return nil, fmt.Errorf("workspace path is empty")
	}
	for _, d := range []string{sessionsDir(basePath), vectorsDir(basePath)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dir %s: %w", d, err)
		}
	}

	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 100
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.TranscriptRotateMaxBytes <= 0 {
		cfg.TranscriptRotateMaxBytes = 10 * 1024 * 1024
	}

	fileLock, err := NewFileLock(ctx, basePath, FileLockConfig{LockTimeout: cfg.LockTimeout, LockRetry: cfg.LockRetry})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	sessionIndex := &SessionIndex{Sessions: make(map[string]SessionMeta)}
	if data, err := os.ReadFile(indexPath(basePath)); err == nil {
		if err := json.Unmarshal(data, sessionIndex); err != nil {
			slog.Warn("Failed to parse session index, starting fresh", "error", err)
			sessionIndex = &SessionIndex{Sessions: make(map[string]SessionMeta)}
		}
	}
	if sessionIndex.Sessions == nil {
		sessionIndex.Sessions = make(map[string]SessionMeta)
	}

	vectorDB, err := chromem.NewPersistentDB(vectorsDir(basePath), cfg.CompressVectors)
	if err != nil {
		fileLock.Unlock()
		return nil, fmt.Errorf("failed to init vector db: %w", err)
	}

	lanes := make([]chan Request, cfg.Shards+2)
	for i := range lanes {
		lanes[i] = make(chan Request, cfg.InboxSize)
	}

	return &Worker{
		basePath:       basePath,
		lanes:          lanes,
		shards:         cfg.Shards,
		fileLock:       fileLock,
		quit:           make(chan struct{}),
		sessionIndex:   sessionIndex,
		vectorDB:       vectorDB,
		rotateMaxBytes: cfg.TranscriptRotateMaxBytes,
	}, nil
}

func (w *Worker) Start() {
	w.running.Store(true)
	for i := range w.lanes {
		w.wg.Add(1)
		go w.loop(w.lanes[i])
	}
	slog.Debug("Store worker started", "path", w.basePath, "shards", w.shards)
}

func (w *Worker) loop(inbox chan Request) {
	defer w.wg.Done()
	for {
		select {
		case req := <-inbox:
			w.serve(req)
		case <-w.quit:
			for {
				select {
				case req := <-inbox:
					w.serve(req)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) serve(req Request) {
	err := w.handle(req)
	if req.Result != nil {
		req.Result <- err
	}
}

func (w *Worker) indexLane() chan Request  { return w.lanes[w.shards] }
func (w *Worker) vectorLane() chan Request { return w.lanes[w.shards+1] }

func (w *Worker) transcriptLane(key string) chan Request {
	h := fnv.New32a()
	h.Write([]byte(key))
	return w.lanes[int(h.Sum32()%uint32(w.shards))]
}

func (w *Worker) handle(req Request) error {
	switch req.Op {
	case OpAppendTranscript:
		p, ok := req.Payload.(TranscriptPayload)
		if !ok {
			return fmt.Errorf("invalid payload for AppendTranscript")
		}
		return w.appendTranscript(p.Key, p.Data)
	case OpReadTranscript:
		p, ok := req.Payload.(ReadTranscriptPayload)
		if !ok {
			return fmt.Errorf("invalid payload for ReadTranscript")
		}
		lines, err := w.readTranscript(p.Key, p.Limit)
		req.Response <- lines
		return err
	case OpGetSession:
		p, ok := req.Payload.(SessionPayload)
		if !ok {
			return fmt.Errorf("invalid payload for GetSession")
		}
		if sess, ok := w.sessionIndex.Sessions[p.ID]; ok {
			req.Response <- &sess
		} else {
			req.Response <- (*SessionMeta)(nil)
		}
		return nil
	case OpSaveSession:
		p, ok := req.Payload.(SessionPayload)
		if !ok || p.Session == nil {
			return fmt.Errorf("invalid payload for SaveSession")
		}
		w.sessionIndex.Sessions[p.Session.ID] = *p.Session
		return w.saveSessionIndex()
	case OpListSessions:
		out := make([]SessionMeta, 0, len(w.sessionIndex.Sessions))
		for _, s := range w.sessionIndex.Sessions {
			out = append(out, s)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
		req.Response <- out
		return nil
	case OpUpsertVectors:
		p, ok := req.Payload.(UpsertVectorsPayload)
		if !ok {
			return fmt.Errorf("invalid payload for UpsertVectors")
		}
		return w.upsertVectors(p)
	case OpDeleteVectors:
		p, ok := req.Payload.(DeleteVectorsPayload)
		if !ok {
			return fmt.Errorf("invalid payload for DeleteVectors")
		}
		col := w.vectorDB.GetCollection(p.Collection, nil)
		if col == nil {
			return nil
		}
		return col.Delete(context.Background(), p.Where, nil)
	default:
		return fmt.Errorf("unknown operation: %d", req.Op)
	}
}

// submit enqueues req and waits for its result. Once enqueued a request always runs, even if
// ctx ends first, so a write is never half-acknowledged.
func (w *Worker) submit(ctx context.Context, lane chan Request, req Request) error {
	w.closeMu.RLock()
	if w.closed {
		w.closeMu.RUnlock()
		return ErrClosed
	}
	select {
	case lane <- req:
	case <-ctx.Done():
		w.closeMu.RUnlock()
		return ctx.Err()
	}
	w.closeMu.RUnlock()
	return <-req.Result
}

func (w *Worker) appendTranscript(key string, data []byte) error {
	path := transcriptPath(w.basePath, key)

	if err := w.checkAndRotate(key, path); err != nil {
		slog.Warn("Failed to rotate transcript", "key", key, "error", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

func (w *Worker) checkAndRotate(key, path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < w.rotateMaxBytes {
		return nil
	}

	slog.Info("Rotating transcript", "key", key, "size", info.Size())
	backupPath := fmt.Sprintf("%s.%s.bak", path, time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(path, backupPath); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}
	return nil
}

// readTranscript returns the key's lines oldest first, rotated segments included.
func (w *Worker) readTranscript(key string, limit int) ([][]byte, error) {
	path := transcriptPath(w.basePath, key)
	segments, err := filepath.Glob(path + ".*.bak")
	if err != nil {
		return nil, err
	}
	sort.Strings(segments)
	segments = append(segments, path)

	var lines [][]byte
	for _, seg := range segments {
		segLines, err := readLines(seg)
		if err != nil {
			return nil, err
		}
		lines = append(lines, segLines...)
	}

	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(line))
	}
	return lines, sc.Err()
}

func (w *Worker) saveSessionIndex() error {
	data, err := json.MarshalIndent(w.sessionIndex, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(indexPath(w.basePath), bytes.NewReader(data))
}

func (w *Worker) upsertVectors(p UpsertVectorsPayload) error {
	if len(p.Docs) == 0 {
		return nil
	}
	col, err := w.vectorDB.GetOrCreateCollection(p.Collection, nil, nil)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, len(p.Docs))
	for i, d := range p.Docs {
		docs[i] = chromem.Document{ID: d.ID, Metadata: d.Metadata, Embedding: d.Vector, Content: d.Content}
	}
	return col.AddDocuments(context.Background(), docs, 1)
}

// Public API

func (w *Worker) AppendTranscript(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return w.submit(ctx, w.transcriptLane(key), Request{
		Op:      OpAppendTranscript,
		Payload: TranscriptPayload{Key: key, Data: data},
		Result:  make(chan error, 1),
	})
}

// ReadTranscript returns up to limit trailing lines (0 = all). It runs on the key's lane so it
// observes every append submitted before it.
func (w *Worker) ReadTranscript(ctx context.Context, key string, limit int) ([][]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	resp := make(chan interface{}, 1)
	err := w.submit(ctx, w.transcriptLane(key), Request{
		Op:       OpReadTranscript,
		Payload:  ReadTranscriptPayload{Key: key, Limit: limit},
		Result:   make(chan error, 1),
		Response: resp,
	})
	if err != nil {
		return nil, err
	}
	return (<-resp).([][]byte), nil
}

// GetSession returns nil when the session is unknown.
func (w *Worker) GetSession(ctx context.Context, id string) (*SessionMeta, error) {
	resp := make(chan interface{}, 1)
	err := w.submit(ctx, w.indexLane(), Request{
		Op:       OpGetSession,
		Payload:  SessionPayload{ID: id},
		Result:   make(chan error, 1),
		Response: resp,
	})
	if err != nil {
		return nil, err
	}
	return (<-resp).(*SessionMeta), nil
}

func (w *Worker) SaveSession(ctx context.Context, session *SessionMeta) error {
	return w.submit(ctx, w.indexLane(), Request{
		Op:      OpSaveSession,
		Payload: SessionPayload{Session: session},
		Result:  make(chan error, 1),
	})
}

// ListSessions returns sessions most recently active first.
func (w *Worker) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	resp := make(chan interface{}, 1)
	err := w.submit(ctx, w.indexLane(), Request{
		Op:       OpListSessions,
		Result:   make(chan error, 1),
		Response: resp,
	})
	if err != nil {
		return nil, err
	}
	return (<-resp).([]SessionMeta), nil
}

func (w *Worker) UpsertVectors(ctx context.Context, collection string, docs []VectorDoc) error {
	return w.submit(ctx, w.vectorLane(), Request{
		Op:      OpUpsertVectors,
		Payload: UpsertVectorsPayload{Collection: collection, Docs: docs},
		Result:  make(chan error, 1),
	})
}

// DeleteVectors removes every document whose metadata matches where.
func (w *Worker) DeleteVectors(ctx context.Context, collection string, where map[string]string) error {
	return w.submit(ctx, w.vectorLane(), Request{
		Op:      OpDeleteVectors,
		Payload: DeleteVectorsPayload{Collection: collection, Where: where},
		Result:  make(chan error, 1),
	})
}

// SearchVectors reads the collection directly; chromem guards its documents with its own lock.
func (w *Worker) SearchVectors(ctx context.Context, q VectorQuery) ([]VectorResult, error) {
	col := w.vectorDB.GetCollection(q.Collection, nil)
	if col == nil {
		return []VectorResult{}, nil
	}
	limit := q.Limit
	if n := col.Count(); limit > n {
		limit = n
	}
	if limit <= 0 || len(q.Vector) == 0 {
		return []VectorResult{}, nil
	}

	var whereDocument map[string]string
	if q.Contains != "" {
		whereDocument = map[string]string{"$contains": q.Contains}
	}

	docs, err := col.QueryEmbedding(ctx, q.Vector, limit, q.Where, whereDocument)
	if err != nil {
		return nil, err
	}

	results := make([]VectorResult, 0, len(docs))
	for _, doc := range docs {
		results = append(results, VectorResult{
			ID:       doc.ID,
			Score:    doc.Similarity,
			Metadata: doc.Metadata,
			Content:  doc.Content,
		})
	}
	return results, nil
}

func (w *Worker) CountVectors(collection string) int {
	col := w.vectorDB.GetCollection(collection, nil)
	if col == nil {
		return 0
	}
	return col.Count()
}

// Stop drains queued requests, then releases the workspace lock.
func (w *Worker) Stop() {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return
	}
	w.closed = true
	close(w.quit)
	w.closeMu.Unlock()

	w.wg.Wait()
	w.running.Store(false)
	w.fileLock.Unlock()
	slog.Debug("Store worker stopped", "path", w.basePath)
}

func (w *Worker) isRunning() bool {
	return w.fileLock.IsLocked() && w.running.Load()
}
