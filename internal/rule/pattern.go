package rule

import (
	"log/slog"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xswitch/xswitch/internal/common"
)

// regexMarkers decide whether a pattern is treated as a regular expression.
// Saved configs depend on this exact set, so "+", "?", "." and "{" alone
// keep a pattern literal.
const regexMarkers = `([*\`

const matchTimeout = 100 * time.Millisecond

func Classify(pattern string) common.PatternKind {
	if strings.ContainsAny(pattern, regexMarkers) {
		return common.PatternRegex
	}
	return common.PatternLiteral
}

func MatchLiteral(url, pattern string) bool {
	return url == pattern
}

type compiled struct {
	regex *regexp2.Regexp
	err   error
}

// Matcher evaluates stored patterns against request URLs. Compiled
// expressions, and compile failures, are cached by pattern text.
type Matcher struct {
	cache *expirable.LRU[string, compiled]
}

func NewMatcher(size int, ttl time.Duration) *Matcher {
	return &Matcher{
		cache: expirable.NewLRU[string, compiled](size, nil, ttl),
	}
}

var defaultMatcher = NewMatcher(512, 30*time.Minute)

func (m *Matcher) compile(pattern string) (*regexp2.Regexp, error) {
	if c, ok := m.cache.Get(pattern); ok {
		return c.regex, c.err
	}
	regex, err := regexp2.Compile(pattern, regexp2.ECMAScript)
	if err == nil {
		regex.MatchTimeout = matchTimeout
	}
	m.cache.Add(pattern, compiled{regex: regex, err: err})
	return regex, err
}

// MatchRegex tests url against pattern. An invalid pattern degrades to a
// substring test and is logged, it is never reported to the caller.
func (m *Matcher) MatchRegex(url, pattern string) bool {
	regex, err := m.compile(pattern)
	if err != nil {
		slog.Error("Invalid regex pattern", slog.String("pattern", pattern), slog.Any("error", err))
		return strings.Contains(url, pattern)
	}
	matched, err := regex.MatchString(url)
	if err != nil {
		slog.Error("regex.MatchString", slog.String("pattern", pattern), slog.Any("error", err))
		return false
	}
	return matched
}

func (m *Matcher) Match(url, pattern string) bool {
	if Classify(pattern) == common.PatternRegex {
		return m.MatchRegex(url, pattern)
	}
	return MatchLiteral(url, pattern)
}

// Target returns where url would be sent by the pair (from, to). A regex
// from replaces its first match in url, a literal from yields to verbatim.
func (m *Matcher) Target(url, from, to string) string {
	if Classify(from) != common.PatternRegex {
		return to
	}
	regex, err := m.compile(from)
	if err != nil {
		slog.Error("Error replacing URL", slog.String("pattern", from), slog.Any("error", err))
		return to
	}
	target, err := regex.Replace(url, to, -1, 1)
	if err != nil {
		slog.Error("regex.Replace", slog.String("pattern", from), slog.Any("error", err))
		return to
	}
	return target
}

func MatchRegex(url, pattern string) bool {
	return defaultMatcher.MatchRegex(url, pattern)
}

func Match(url, pattern string) bool {
	return defaultMatcher.Match(url, pattern)
}

func Target(url, from, to string) string {
	return defaultMatcher.Target(url, from, to)
}
