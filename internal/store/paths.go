package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

func sessionsDir(base string) string { return filepath.Join(base, "sessions") }

func vectorsDir(base string) string { return filepath.Join(base, "vectors") }

func indexPath(base string) string { return filepath.Join(sessionsDir(base), "index.json") }

func transcriptPath(base, key string) string {
	return filepath.Join(sessionsDir(base), key+".jsonl")
}

// ValidateKey rejects history keys that could escape the sessions directory.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("history key is empty")
	}
	if len(key) > 128 {
		return fmt.Errorf("history key is too long")
	}
	for _, r := range key {
		ok := r == '-' || r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return fmt.Errorf("history key %q contains %q", key, r)
		}
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("history key %q must not start with a dot", key)
	}
	return nil
}
