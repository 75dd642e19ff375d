package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/kotoba/internal/conversation"
	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/store"
)

// Document is a source to index. Plain text has a single page; PDFs have one entry per page.
type Document struct {
	Source string
	Pages  []string
}

type VectorWriter interface {
	UpsertVectors(ctx context.Context, collection string, docs []store.VectorDoc) error
	DeleteVectors(ctx context.Context, collection string, where map[string]string) error
}

// Ingester chunks documents, embeds the chunks and writes them to a collection.
type Ingester struct {
	vectors     VectorWriter
	embedder    Embedder
	collection  string
	chunkSize   int
	concurrency int
}

func NewIngester(vectors VectorWriter, embedder Embedder, collection string, chunkSize, concurrency int) *Ingester {
	if chunkSize <= 0 {
		chunkSize = 1200
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Ingester{
		vectors:     vectors,
		embedder:    embedder,
		collection:  collection,
		chunkSize:   chunkSize,
		concurrency: concurrency,
	}
}

// IngestFile loads path and indexes it under scope.
func (in *Ingester) IngestFile(ctx context.Context, path, scope string) (int, error) {
	doc, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	return in.Ingest(ctx, doc, scope)
}

// Ingest replaces every chunk previously indexed for doc.Source in scope and returns the
// number of chunks written.
func (in *Ingester) Ingest(ctx context.Context, doc Document, scope string) (int, error) {
	type pending struct {
		text string
		meta map[string]string
	}

	var chunks []pending
	position := 0
	for i, page := range doc.Pages {
		for _, text := range Chunk(page, in.chunkSize) {
			meta := map[string]string{
				MetaSource:   doc.Source,
				MetaPosition: strconv.Itoa(position),
				MetaScope:    scope,
			}
			if len(doc.Pages) > 1 {
				meta[MetaPage] = strconv.Itoa(i + 1)
			}
			chunks = append(chunks, pending{text: text, meta: meta})
			position++
		}
	}

	vectors := make([]store.VectorDoc, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for i, c := range chunks {
		g.Go(func() error {
			vec, err := in.embedder.Embed(gctx, c.text)
			if err != nil {
				return fmt.Errorf("embed chunk %d of %s: %w", i, doc.Source, err)
			}
			vectors[i] = store.VectorDoc{
				ID:       conversation.NewID(),
				Vector:   vec,
				Metadata: c.meta,
				Content:  c.text,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := in.vectors.DeleteVectors(ctx, in.collection, map[string]string{MetaSource: doc.Source, MetaScope: scope}); err != nil {
		return 0, fmt.Errorf("clear previous chunks of %s: %w", doc.Source, err)
	}
	if err := in.vectors.UpsertVectors(ctx, in.collection, vectors); err != nil {
		return 0, fmt.Errorf("write chunks of %s: %w", doc.Source, err)
	}

	logger.From(ctx).Info("Ingested document", "source", doc.Source, "scope", scope, "chunks", len(vectors))
	return len(vectors), nil
}

// LoadFile reads .txt, .md and .pdf files.
func LoadFile(path string) (Document, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return loadPDF(path)
	case ".txt", ".md", ".markdown", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return Document{}, err
		}
		return Document{Source: path, Pages: []string{string(data)}}, nil
	default:
		return Document{}, fmt.Errorf("unsupported file type: %s", filepath.Ext(path))
	}
}

func loadPDF(path string) (Document, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("failed to parse PDF: %w", err)
	}
	defer f.Close()

	doc := Document{Source: path}
	for n := 1; n <= r.NumPage(); n++ {
		page := r.Page(n)
		if page.V.IsNull() {
			doc.Pages = append(doc.Pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("PDF page extraction failed", "path", path, "page", n, "error", err)
			text = ""
		}
		doc.Pages = append(doc.Pages, text)
	}
	return doc, nil
}

// Chunk packs paragraphs into chunks of at most size runes. A paragraph longer than size is
// split with Truncate so cuts still prefer sentence ends.
func Chunk(text string, size int) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, para := range splitParagraphs(text) {
		for para != "" {
			if len([]rune(para)) <= size {
				break
			}
			head, _ := Truncate(para, size)
			if strings.TrimSpace(head) == "" {
				head = string([]rune(para)[:size])
			}
			flush()
			out = append(out, strings.TrimSpace(head))
			para = strings.TrimSpace(para[len(head):])
		}
		if para == "" {
			continue
		}
		if cur.Len() > 0 && len([]rune(cur.String()))+2+len([]rune(para)) > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return out
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
