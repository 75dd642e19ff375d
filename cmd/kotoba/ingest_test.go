package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFiles(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("content of "+name), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestExpandPaths(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.md", "b.txt", "c.go", ".hidden/d.md", "sub/e.PDF", "notes.bin")

	got, err := expandPaths([]string{root, filepath.Join(root, "notes.bin")})
	if err != nil {
		t.Fatalf("expandPaths failed: %v", err)
	}
	want := []string{
		filepath.Join(root, "a.md"),
		filepath.Join(root, "b.txt"),
		filepath.Join(root, "sub", "e.PDF"),
		filepath.Join(root, "notes.bin"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expandPaths = %v, want %v", got, want)
	}

	if _, err := expandPaths([]string{filepath.Join(root, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}
}

type fakeIngester struct {
	fail  string
	paths []string
}

func (f *fakeIngester) IngestFile(_ context.Context, path, scope string) (int, error) {
	f.paths = append(f.paths, scope+":"+filepath.Base(path))
	if filepath.Base(path) == f.fail {
		return 0, errors.New("unsupported file type")
	}
	return 2, nil
}

func TestIngestPathsContinuesPastFailures(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.md", "b.md", "c.md")
	in := &fakeIngester{fail: "b.md"}
	var out bytes.Buffer

	total, err := ingestPaths(context.Background(), in, []string{root}, "eng", &out)
	if err == nil {
		t.Fatal("expected first failure to be returned")
	}
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}
	if want := []string{"eng:a.md", "eng:b.md", "eng:c.md"}; !reflect.DeepEqual(in.paths, want) {
		t.Errorf("ingested %v, want %v", in.paths, want)
	}
	if !strings.Contains(out.String(), "✗") || strings.Count(out.String(), "✓") != 2 {
		t.Errorf("unexpected report %q", out.String())
	}
}

func TestIngestPathsStopsWhenCancelled(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.md")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := &fakeIngester{}
	if _, err := ingestPaths(ctx, in, []string{root}, "eng", &bytes.Buffer{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(in.paths) != 0 {
		t.Errorf("ingested %v after cancel", in.paths)
	}
}

type fixedCounter map[string]int

func (f fixedCounter) CountVectors(collection string) int { return f[collection] }

func TestPrintIngestSummary(t *testing.T) {
	var out bytes.Buffer
	printIngestSummary(&out, fixedCounter{"kb": 12}, 4, "kb", "eng")

	want := "Indexed 4 chunk(s) into kb/eng; collection holds 12 chunk(s)\n"
	if got := out.String(); got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}
}
