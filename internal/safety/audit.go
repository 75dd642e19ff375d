package safety

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kotoba/internal/logger"
)

type AuditEntry struct {
	Timestamp time.Time `json:"ts"`
	TraceID   string    `json:"trace_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Direction Direction `json:"direction"`
	Verdict   Verdict   `json:"verdict"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type AuditFilter struct {
	SessionID string
	Action    Action
	StartTime time.Time
	EndTime   time.Time
}

// AuditLog appends every gate decision to a JSONL file. Text is redacted with the configured
// patterns before it is written.
type AuditLog struct {
	mu       sync.Mutex
	logPath  string
	patterns []*regexp.Regexp
	literals []string
}

// NewAuditLog writes to <workspace>/safety/audit.log. Patterns that fail to compile are
// applied as literal substrings.
func NewAuditLog(workspacePath string, redactPatterns []string) (*AuditLog, error) {
	dir := filepath.Join(workspacePath, "safety")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create safety dir: %w", err)
	}
	al := &AuditLog{logPath: filepath.Join(dir, "audit.log")}
	for _, p := range redactPatterns {
		if p == "" {
			continue
		}
		if re, err := regexp.Compile(p); err == nil {
			al.patterns = append(al.patterns, re)
		} else {
			al.literals = append(al.literals, p)
		}
	}
	return al, nil
}

func (al *AuditLog) Log(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.TraceID == "" {
		entry.TraceID = logger.GetTraceID(ctx)
	}
	if entry.SessionID == "" {
		entry.SessionID = logger.GetSessionID(ctx)
	}
	entry.Text = al.redact(entry.Text)

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	f, err := os.OpenFile(al.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// Query reads back entries matching filter (nil matches all).
func (al *AuditLog) Query(filter *AuditFilter) ([]AuditEntry, error) {
	al.mu.Lock()
	defer al.mu.Unlock()

	file, err := os.Open(al.logPath)
	if os.IsNotExist(err) {
		return []AuditEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Warn("Failed to parse audit entry", "error", err)
			continue
		}
		if filter == nil || filter.matches(entry) {
			entries = append(entries, entry)
		}
	}
	return entries, scanner.Err()
}

func (al *AuditLog) redact(s string) string {
	for _, re := range al.patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	for _, lit := range al.literals {
		s = strings.ReplaceAll(s, lit, "[REDACTED]")
	}
	return s
}

func (f *AuditFilter) matches(e AuditEntry) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Action != "" && e.Verdict.Action != f.Action {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}
