package rule

import (
	"log/slog"

	"github.com/xswitch/xswitch/internal/common"
)

// Build compiles every valid pair of every enabled config into one ordered
// batch. IDs start at 1 and only advance for rules that compiled, so the
// same input always yields the same table.
func Build(configs []common.ProxyConfig, globalEnabled bool) []common.CompiledRule {
	rules := []common.CompiledRule{}
	if !globalEnabled {
		slog.Debug("Global disabled, no rules built")
		return rules
	}

	id := 1
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if cfg.Rules == nil {
			slog.Debug("Config has no rule list, skipped", slog.String("config", cfg.Name))
			continue
		}
		for i, pair := range cfg.Rules {
			if !pair.Valid() {
				slog.Debug("Malformed rule pair skipped",
					slog.String("config", cfg.Name),
					slog.Int("index", i),
					slog.Any("pair", []string(pair)))
				continue
			}
			r, err := Compile(pair, id)
			if err != nil {
				slog.Warn("Rule dropped",
					slog.String("config", cfg.Name),
					slog.String("from", pair.From()),
					slog.String("to", pair.To()),
					slog.Any("error", err))
				continue
			}
			r.ConfigID = cfg.ID
			r.ConfigName = cfg.Name
			rules = append(rules, r)
			id++
		}
	}

	if len(rules) == 0 {
		slog.Debug("No enabled config produced a rule")
	}
	return rules
}
