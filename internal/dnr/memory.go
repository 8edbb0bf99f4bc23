package dnr

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
)

type installedRule struct {
	rule   Rule
	filter *regexp.Regexp
}

// MemoryTable is an in-process rule table that enforces redirects the way
// the browser does: filters are RE2, the first match in the URL is replaced
// by the substitution, \0-\9 insert groups.
type MemoryTable struct {
	mu       sync.RWMutex
	rules    map[int]*installedRule
	maxRules int
}

func NewMemoryTable(maxRules int) *MemoryTable {
	return &MemoryTable{
		rules:    make(map[int]*installedRule),
		maxRules: maxRules,
	}
}

func (t *MemoryTable) ListRuleIDs(ctx context.Context) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]int, 0, len(t.rules))
	for id := range t.rules {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// RemoveRules ignores ids that are not installed.
func (t *MemoryTable) RemoveRules(ctx context.Context, ids []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.rules, id)
	}
	return nil
}

func (t *MemoryTable) AddRules(ctx context.Context, rules []Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxRules > 0 && len(t.rules)+len(rules) > t.maxRules {
		return fmt.Errorf("%w: %d installed, %d added, limit %d", ErrRuleLimit, len(t.rules), len(rules), t.maxRules)
	}

	batch := make(map[int]*installedRule, len(rules))
	for i := range rules {
		r := rules[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if _, ok := t.rules[r.ID]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateID, r.ID)
		}
		if _, ok := batch[r.ID]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateID, r.ID)
		}
		filter, err := regexp.Compile(r.Condition.RegexFilter)
		if err != nil {
			return fmt.Errorf("%w: rule %d: %v", ErrInvalidRule, r.ID, err)
		}
		batch[r.ID] = &installedRule{rule: r, filter: filter}
	}

	for id, r := range batch {
		t.rules[id] = r
	}
	return nil
}

func (t *MemoryTable) Rules() []Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Rule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Redirect applies the highest priority matching rule, lowest id first on
// ties, and returns the rewritten URL.
func (t *MemoryTable) Redirect(url string, resourceType ResourceType) (string, bool) {
	t.mu.RLock()
	candidates := make([]*installedRule, 0, len(t.rules))
	for _, r := range t.rules {
		if slices.Contains(r.rule.Condition.ResourceTypes, resourceType) {
			candidates = append(candidates, r)
		}
	}
	t.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rule.Priority != candidates[j].rule.Priority {
			return candidates[i].rule.Priority > candidates[j].rule.Priority
		}
		return candidates[i].rule.ID < candidates[j].rule.ID
	})

	for _, r := range candidates {
		loc := r.filter.FindStringSubmatchIndex(url)
		if loc == nil {
			continue
		}
		target := url[:loc[0]] + expand(r.rule.Action.Redirect.RegexSubstitution, url, loc) + url[loc[1]:]
		slog.Debug("Declarative redirect", slog.Int("rule", r.rule.ID), slog.String("url", url), slog.String("target", target))
		return target, true
	}
	return url, false
}

// expand fills \0-\9 in substitution from the submatch indexes of url.
func expand(substitution, url string, loc []int) string {
	var b strings.Builder
	for i := 0; i < len(substitution); i++ {
		c := substitution[i]
		if c != '\\' || i+1 >= len(substitution) {
			b.WriteByte(c)
			continue
		}
		next := substitution[i+1]
		switch {
		case next >= '0' && next <= '9':
			g := int(next - '0')
			if 2*g+1 < len(loc) && loc[2*g] >= 0 {
				b.WriteString(url[loc[2*g]:loc[2*g+1]])
			}
			i++
		case next == '\\':
			b.WriteByte('\\')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
