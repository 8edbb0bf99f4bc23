package dnr

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xswitch/xswitch/internal/common"
	"github.com/xswitch/xswitch/internal/config"
	"github.com/xswitch/xswitch/internal/rule"
)

func redirectRule(id int, filter, substitution string) Rule {
	return FromCompiled(common.CompiledRule{ID: id, From: filter, Substitution: substitution})
}

func TestFromCompiledShape(t *testing.T) {
	r := FromCompiled(common.CompiledRule{
		ID:           3,
		From:         `https://a.com/(.*\.js)`,
		Substitution: `http://localhost:3000/\1`,
		Kind:         common.PatternRegex,
	})
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": 3,
		"priority": 1,
		"action": {"type": "redirect", "redirect": {"regexSubstitution": "http://localhost:3000/\\1"}},
		"condition": {
			"regexFilter": "https://a.com/(.*\\.js)",
			"resourceTypes": ["script", "stylesheet", "main_frame", "sub_frame", "xmlhttprequest", "other"]
		}
	}`, string(data))
	assert.NoError(t, r.Validate())
}

func TestValidate(t *testing.T) {
	r := redirectRule(0, "x", "y")
	assert.True(t, errors.Is(r.Validate(), ErrInvalidRule))

	r = redirectRule(1, "", "y")
	assert.True(t, errors.Is(r.Validate(), ErrInvalidRule))

	r = redirectRule(1, "x", "y")
	r.Action.Redirect = nil
	assert.True(t, errors.Is(r.Validate(), ErrInvalidRule))

	r = redirectRule(1, "x", "y")
	r.Condition.ResourceTypes = []ResourceType{"image"}
	assert.True(t, errors.Is(r.Validate(), ErrInvalidRule))
}

func TestMemoryTableAddListRemove(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable(10)

	require.NoError(t, table.AddRules(ctx, []Rule{
		redirectRule(2, "b", "B"),
		redirectRule(1, "a", "A"),
	}))
	ids, err := table.ListRuleIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ids)

	require.NoError(t, table.RemoveRules(ctx, []int{1, 99}))
	ids, err = table.ListRuleIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, ids)
	assert.Len(t, table.Rules(), 1)
}

func TestMemoryTableRejectsBatchAtomically(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable(10)
	require.NoError(t, table.AddRules(ctx, []Rule{redirectRule(1, "a", "A")}))

	err := table.AddRules(ctx, []Rule{redirectRule(2, "b", "B"), redirectRule(1, "c", "C")})
	assert.True(t, errors.Is(err, ErrDuplicateID))

	err = table.AddRules(ctx, []Rule{redirectRule(3, "b", "B"), redirectRule(3, "c", "C")})
	assert.True(t, errors.Is(err, ErrDuplicateID))

	err = table.AddRules(ctx, []Rule{redirectRule(4, "ok", "B"), redirectRule(5, "(?=x)", "C")})
	assert.True(t, errors.Is(err, ErrInvalidRule))

	ids, _ := table.ListRuleIDs(ctx)
	assert.Equal(t, []int{1}, ids)
}

func TestMemoryTableLimit(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable(2)
	err := table.AddRules(ctx, []Rule{redirectRule(1, "a", "A"), redirectRule(2, "b", "B"), redirectRule(3, "c", "C")})
	assert.True(t, errors.Is(err, ErrRuleLimit))
	ids, _ := table.ListRuleIDs(ctx)
	assert.Empty(t, ids)
}

func TestMemoryTableHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	table := NewMemoryTable(0)
	_, err := table.ListRuleIDs(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, table.AddRules(ctx, nil), context.Canceled)
	assert.ErrorIs(t, table.RemoveRules(ctx, nil), context.Canceled)
}

func TestMemoryTableRedirectCompiledRules(t *testing.T) {
	ctx := context.Background()
	configs := []common.ProxyConfig{
		{ID: "dev", Enabled: true, Rules: []common.RulePair{
			{"https://a.com/app.js", "http://localhost:3000/app.js"},
			{`https://a.com/(.*\.js)`, "http://localhost:3000/$1"},
		}},
	}
	table := NewMemoryTable(100)
	require.NoError(t, table.AddRules(ctx, FromCompiledAll(rule.Build(configs, true))))

	target, ok := table.Redirect("https://a.com/app.js", ResourceScript)
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:3000/app.js", target)

	target, ok = table.Redirect("https://a.com/foo.js", ResourceScript)
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:3000/foo.js", target)

	_, ok = table.Redirect("https://a.com/foo.js", "image")
	assert.False(t, ok)

	target, ok = table.Redirect("https://b.com/foo.css", ResourceStylesheet)
	assert.False(t, ok)
	assert.Equal(t, "https://b.com/foo.css", target)
}

func TestExpand(t *testing.T) {
	url := "https://a.com/foo.js"
	loc := []int{0, 20, 14, 20}
	assert.Equal(t, "http://l/foo.js", expand(`http://l/\1`, url, loc))
	assert.Equal(t, "[https://a.com/foo.js]", expand(`[\0]`, url, loc))
	assert.Equal(t, `x\y`, expand(`x\\y`, url, loc))
	assert.Equal(t, "x", expand(`x\5`, url, loc))
	assert.Equal(t, `x\`, expand(`x\`, url, loc))
}

func TestNewFromConfig(t *testing.T) {
	table, err := New(&config.Config{Mechanism: config.MechanismMemory, MaxRules: 5})
	require.NoError(t, err)
	assert.IsType(t, &MemoryTable{}, table)

	table, err = New(&config.Config{Mechanism: config.MechanismUnavailable})
	require.NoError(t, err)
	_, err = table.ListRuleIDs(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, table.AddRules(context.Background(), nil), ErrUnavailable)

	_, err = New(&config.Config{Mechanism: "NFT"})
	assert.Error(t, err)
}
