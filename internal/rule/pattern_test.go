package rule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xswitch/xswitch/internal/common"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		pattern string
		want    common.PatternKind
	}{
		{"https://a.com/app.js", common.PatternLiteral},
		{"https://a.com/app.js?v=1", common.PatternLiteral},
		{"https://a.com/a+b", common.PatternLiteral},
		{"https://a.com/x{2}", common.PatternLiteral},
		{"", common.PatternLiteral},
		{"https://a.com/(.*)", common.PatternRegex},
		{"https://a.com/[ab].js", common.PatternRegex},
		{"https://a.com/*", common.PatternRegex},
		{`https://a\.com/app.js`, common.PatternRegex},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.pattern))
		})
	}
}

func TestMatchLiteral(t *testing.T) {
	assert.True(t, MatchLiteral("https://a.com/app.js", "https://a.com/app.js"))
	assert.False(t, MatchLiteral("https://a.com/app.js?v=1", "https://a.com/app.js"))
	assert.False(t, MatchLiteral("https://a.com/app.js", "https://a.com/app"))
}

func TestMatchDispatchesOnKind(t *testing.T) {
	// "." is not a regex marker: the literal pattern must not match "x".
	assert.False(t, Match("https://axcom/app.js", "https://a.com/app.js"))
	assert.True(t, Match("https://a.com/app.js", "https://a.com/app.js"))
	assert.True(t, Match("https://a.com/foo.js", `https://a.com/(.*\.js)`))
	assert.False(t, Match("https://b.com/foo.js", `^https://a.com/(.*\.js)`))
}

func TestMatchRegexInvalidFallsBackToSubstring(t *testing.T) {
	pattern := "https://a.com/(broken"
	assert.True(t, MatchRegex("https://a.com/(broken/x.js", pattern))
	assert.False(t, MatchRegex("https://a.com/x.js", pattern))
}

func TestMatchRegexECMAScriptFeatures(t *testing.T) {
	// Lookahead is valid in the stored dialect even though RE2 rejects it.
	assert.True(t, MatchRegex("https://a.com/app.js", `https://a.com/(?=app)`))
	assert.False(t, MatchRegex("https://a.com/lib.js", `https://a.com/(?=app)`))
}

func TestMatcherCachesFailures(t *testing.T) {
	m := NewMatcher(4, time.Minute)
	assert.True(t, m.MatchRegex("x[y", "x[y"))
	c, ok := m.cache.Get("x[y")
	assert.True(t, ok)
	assert.Error(t, c.err)
	assert.Nil(t, c.regex)
}

func TestTarget(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		from, to string
		want     string
	}{
		{
			name: "regex group",
			url:  "https://a.com/foo.js",
			from: `https://a.com/(.*\.js)`,
			to:   "http://localhost:3000/$1",
			want: "http://localhost:3000/foo.js",
		},
		{
			name: "regex replaces first match only",
			url:  "https://a.com/a/a.js",
			from: `(a)\.`,
			to:   "b.",
			want: "https://b.com/a/a.js",
		},
		{
			name: "regex keeps unmatched tail",
			url:  "https://a.com/foo.js?v=2",
			from: `https://a.com/(foo)\.js`,
			to:   "http://localhost/$1.min.js",
			want: "http://localhost/foo.min.js?v=2",
		},
		{
			name: "literal returns target verbatim",
			url:  "https://a.com/app.js",
			from: "https://a.com/app.js",
			to:   "http://localhost:3000/$1",
			want: "http://localhost:3000/$1",
		},
		{
			name: "invalid regex returns target",
			url:  "https://a.com/(x",
			from: "https://a.com/(x",
			to:   "http://localhost/",
			want: "http://localhost/",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Target(tt.url, tt.from, tt.to))
		})
	}
}
