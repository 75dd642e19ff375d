package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath resolves environment variables and a leading "~".
func ExpandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded != "~" && !strings.HasPrefix(expanded, "~/") {
		return filepath.Clean(expanded), nil
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" || strings.HasPrefix(home, "~") {
		return "", fmt.Errorf("resolve home dir for %q: HOME is not usable", path)
	}
	return filepath.Join(home, strings.TrimPrefix(expanded, "~")), nil
}
