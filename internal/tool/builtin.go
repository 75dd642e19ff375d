package tool

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/harunnryd/kotoba/internal/retrieval"
)

// Retriever is what search_knowledge needs from the retrieval layer.
type Retriever interface {
	Retrieve(ctx context.Context, query, scope string, k int) ([]retrieval.RetrievedChunk, error)
}

// BuiltinOptions carries runtime dependencies needed by built-in tool factories.
type BuiltinOptions struct {
	Retriever Retriever
	TopK      int
	Now       func() time.Time
}

type BuiltinFactory func(options BuiltinOptions) (Tool, error)

var builtinCatalog = struct {
	mu        sync.RWMutex
	factories map[string]BuiltinFactory
}{
	factories: map[string]BuiltinFactory{},
}

// RegisterBuiltin adds a factory to the catalog from a built-in file's init. Invalid or
// duplicate registrations panic.
func RegisterBuiltin(name string, factory BuiltinFactory) {
	key := NormalizeToolName(name)
	switch {
	case key == "":
		panic("tool: built-in name cannot be empty")
	case factory == nil:
		panic(fmt.Sprintf("tool: built-in factory cannot be nil (%s)", key))
	}

	builtinCatalog.mu.Lock()
	defer builtinCatalog.mu.Unlock()
	if _, dup := builtinCatalog.factories[key]; dup {
		panic(fmt.Sprintf("tool: built-in already registered: %s", key))
	}
	builtinCatalog.factories[key] = factory
}

// catalogSnapshot copies the catalog and lists its names in sorted order.
func catalogSnapshot() ([]string, map[string]BuiltinFactory) {
	builtinCatalog.mu.RLock()
	defer builtinCatalog.mu.RUnlock()
	return slices.Sorted(maps.Keys(builtinCatalog.factories)), maps.Clone(builtinCatalog.factories)
}

// InstantiateBuiltins builds every registered built-in. A factory returning (nil, nil) opts
// out, e.g. search_knowledge without a retriever.
func InstantiateBuiltins(options BuiltinOptions) ([]Tool, error) {
	if options.Now == nil {
		options.Now = time.Now
	}

	names, factories := catalogSnapshot()
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		t, err := factories[name](options)
		if err != nil {
			return nil, fmt.Errorf("instantiate built-in %q: %w", name, err)
		}
		if t != nil {
			tools = append(tools, t)
		}
	}
	return tools, nil
}
