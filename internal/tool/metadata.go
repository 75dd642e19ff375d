package tool

import (
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/kotoba/internal/model/contract"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ToolMetadata describes a tool to the host; the model never sees it. Scoped tools read the
// knowledge scope from their context. A positive Timeout replaces the dispatcher default.
type ToolMetadata struct {
	Source       string
	Capabilities []string
	Risk         RiskLevel
	Scoped       bool
	Timeout      time.Duration
}

type MetadataProvider interface {
	ToolMetadata() ToolMetadata
}

type ToolDescriptor struct {
	Definition contract.ToolDef
	Metadata   ToolMetadata
}

// MetadataOf returns the normalized metadata of t, or defaults when it declares none.
func MetadataOf(t Tool) ToolMetadata {
	if provider, ok := t.(MetadataProvider); ok {
		return normalizeToolMetadata(provider.ToolMetadata())
	}
	return normalizeToolMetadata(ToolMetadata{})
}

func normalizeToolMetadata(meta ToolMetadata) ToolMetadata {
	source := strings.TrimSpace(strings.ToLower(meta.Source))
	if source == "" {
		source = "runtime"
	}

	risk := RiskLevel(strings.TrimSpace(strings.ToLower(string(meta.Risk))))
	switch risk {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		risk = RiskMedium
	}

	seen := make(map[string]struct{}, len(meta.Capabilities))
	capabilities := make([]string, 0, len(meta.Capabilities))
	for _, c := range meta.Capabilities {
		c = strings.TrimSpace(strings.ToLower(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		capabilities = append(capabilities, c)
	}
	sort.Strings(capabilities)

	timeout := meta.Timeout
	if timeout < 0 {
		timeout = 0
	}

	return ToolMetadata{Source: source, Capabilities: capabilities, Risk: risk, Scoped: meta.Scoped, Timeout: timeout}
}
