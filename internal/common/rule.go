package common

import (
	"encoding/json"
	"log/slog"
)

type PatternKind string

const (
	PatternLiteral PatternKind = "LITERAL"
	PatternRegex   PatternKind = "REGEX"
)

// RulePair is one stored [from, to] entry. Entries with fewer than two
// elements are kept as-is and skipped by the builder.
type RulePair []string

func (p RulePair) Valid() bool {
	return len(p) >= 2
}

func (p RulePair) From() string {
	if len(p) < 1 {
		return ""
	}
	return p[0]
}

func (p RulePair) To() string {
	if len(p) < 2 {
		return ""
	}
	return p[1]
}

// UnmarshalJSON never fails on shape problems: an entry that is not an
// array, or whose first two elements are not strings, decodes to an empty
// pair so one bad entry cannot poison the whole config list.
func (p *RulePair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*p = nil
		return nil
	}
	pair := make(RulePair, 0, len(raw))
	for i, elem := range raw {
		var s string
		if err := json.Unmarshal(elem, &s); err != nil {
			if i < 2 {
				*p = nil
				return nil
			}
			continue
		}
		pair = append(pair, s)
	}
	*p = pair
	return nil
}

// CompiledRule is one entry of the rule table produced for a sync pass.
type CompiledRule struct {
	ID           int         `json:"id"`
	From         string      `json:"from"`
	To           string      `json:"to"`
	Substitution string      `json:"substitution"`
	Kind         PatternKind `json:"kind"`
	ConfigID     string      `json:"config_id"`
	ConfigName   string      `json:"config_name"`
}

func (r CompiledRule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("id", r.ID),
		slog.String("kind", string(r.Kind)),
		slog.String("from", r.From),
		slog.String("substitution", r.Substitution),
		slog.String("config", r.ConfigName),
	)
}
