package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockFileName = "workspace.lock"

// FileLock keeps a second kotoba process from writing the same workspace.
type FileLock struct {
	fileLock   *flock.Flock
	lockPath   string
	acquiredAt time.Time
	mu         sync.RWMutex
}

type FileLockConfig struct {
	LockTimeout time.Duration
	LockRetry   time.Duration
}

func NewFileLock(ctx context.Context, dir string, cfg FileLockConfig) (*FileLock, error) {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = 100 * time.Millisecond
	}

	lockPath := filepath.Join(dir, lockFileName)
	fl := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(ctx, cfg.LockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, cfg.LockRetry)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("workspace %s is locked by another process (waited %v)", dir, cfg.LockTimeout)
		}
		return nil, fmt.Errorf("failed to attempt lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("workspace %s is locked by another process", dir)
	}

	l := &FileLock{fileLock: fl, lockPath: lockPath, acquiredAt: time.Now()}
	slog.Debug("Workspace lock acquired", "path", lockPath)
	return l, nil
}

func (l *FileLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLock == nil {
		return
	}
	if err := l.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release workspace lock", "path", l.lockPath, "error", err)
	} else {
		slog.Debug("Workspace lock released", "path", l.lockPath, "held_ms", time.Since(l.acquiredAt).Milliseconds())
	}
	l.fileLock = nil
}

func (l *FileLock) IsLocked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fileLock != nil
}

func (l *FileLock) HeldDuration() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.fileLock == nil {
		return 0
	}
	return time.Since(l.acquiredAt)
}
