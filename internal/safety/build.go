package safety

import (
	"fmt"

	"github.com/harunnryd/kotoba/internal/config"
)

// FromConfig assembles the filter chain named by cfg. moderator may be nil when moderation
// is disabled.
func FromConfig(cfg config.SafetyConfig, moderator Moderator) (Filter, error) {
	var chain Chain
	if cfg.RulesFile != "" {
		pf, err := LoadPatternFilter(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		chain = append(chain, pf)
	}
	if cfg.Moderation {
		if moderator == nil {
			return nil, fmt.Errorf("safety.moderation is enabled but no OpenAI model is configured")
		}
		chain = append(chain, NewModerationFilter(moderator, cfg.ModerationModel))
	}
	if len(chain) == 0 {
		return AllowAll{}, nil
	}
	return chain, nil
}
