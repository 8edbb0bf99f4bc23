package rule

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/dlclark/regexp2"

	"github.com/xswitch/xswitch/internal/common"
)

var (
	ErrInvalidFilter = errors.New("invalid regex filter")
	ErrSubstitution  = errors.New("substitution compile failed")
)

// placeholder matches $1, $2, ... in a target pattern.
var placeholder = regexp2.MustCompile(`\$(\d+)`, regexp2.None)

// CompileSubstitution converts $n placeholders to the \n group syntax of the
// declarative rule table.
func CompileSubstitution(to string) (string, error) {
	out, err := placeholder.Replace(to, `\$1`, -1, -1)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubstitution, err)
	}
	return out, nil
}

// Compile turns one valid pair into a CompiledRule with the given id. The
// from pattern is installed as a filter, so it has to parse as RE2 even when
// it is classified literal.
func Compile(pair common.RulePair, id int) (common.CompiledRule, error) {
	if !pair.Valid() {
		return common.CompiledRule{}, fmt.Errorf("rule pair has %d elements", len(pair))
	}
	from, to := pair.From(), pair.To()
	if _, err := regexp.Compile(from); err != nil {
		return common.CompiledRule{}, fmt.Errorf("%w %q: %v", ErrInvalidFilter, from, err)
	}

	kind := Classify(from)
	substitution := to
	if kind == common.PatternRegex {
		var err error
		substitution, err = CompileSubstitution(to)
		if err != nil {
			return common.CompiledRule{}, err
		}
	}

	return common.CompiledRule{
		ID:           id,
		From:         from,
		To:           to,
		Substitution: substitution,
		Kind:         kind,
	}, nil
}
