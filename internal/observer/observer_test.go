package observer

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xswitch/xswitch/internal/common"
	"github.com/xswitch/xswitch/internal/config"
	"github.com/xswitch/xswitch/internal/metrics"
	"github.com/xswitch/xswitch/internal/statistics"
)

type stateBox struct {
	mu    sync.Mutex
	state common.State
}

func (b *stateBox) get() common.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Clone()
}

func (b *stateBox) set(s common.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

func testState() common.State {
	return common.State{
		GlobalEnabled: true,
		Configs: []common.ProxyConfig{
			{ID: "off", Name: "Off", Enabled: false, Rules: []common.RulePair{{"https://a.com/app.js", "http://off/app.js"}}},
			{ID: "dev", Name: "Dev", Enabled: true, Rules: []common.RulePair{
				{"only-one"},
				{"https://a.com/app.js", "http://localhost:3000/app.js"},
				{`https://cdn\.b\.com/(.*)\.js`, "http://localhost:3000/$1.js"},
			}},
			{ID: "late", Name: "Late", Enabled: true, Rules: []common.RulePair{
				{"https://a.com/app.js", "http://late/app.js"},
			}},
		},
	}
}

func newTestObserver(t *testing.T, state common.State) (*Observer, *stateBox, *metrics.Collector) {
	t.Helper()
	box := &stateBox{state: state}
	mc := metrics.NewCollector(nil)
	rc := statistics.NewRedirectRecordList(filepath.Join(t.TempDir(), "redirects"))
	return New(&config.Config{}, box.get, rc, mc), box, mc
}

func TestHandleLiteralMatch(t *testing.T) {
	o, _, _ := newTestObserver(t, testState())

	v := o.Handle(common.Request{URL: "https://a.com/app.js"})
	assert.True(t, v.Matched)
	assert.Equal(t, OutcomeMatched, v.Outcome)
	assert.Equal(t, "http://localhost:3000/app.js", v.Target)
	assert.Equal(t, "dev", v.ConfigID)
	assert.Equal(t, "Dev", v.ConfigName)
}

func TestHandleRegexTarget(t *testing.T) {
	o, _, _ := newTestObserver(t, testState())

	v := o.Handle(common.Request{URL: "https://cdn.b.com/lib/main.js"})
	require.True(t, v.Matched)
	assert.Equal(t, "http://localhost:3000/lib/main.js", v.Target)
}

func TestHandleIgnoresOwnOrigin(t *testing.T) {
	o, _, mc := newTestObserver(t, testState())

	v := o.Handle(common.Request{URL: "https://a.com/app.js", Initiator: "chrome-extension://abcdef"})
	assert.False(t, v.Matched)
	assert.Equal(t, OutcomeIgnoredOrigin, v.Outcome)

	reg := mc.Registry()
	n, err := testutil.GatherAndCount(reg, "xswitch_observed_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleCustomOrigin(t *testing.T) {
	box := &stateBox{state: testState()}
	o := New(&config.Config{ExtensionOrigin: "moz-extension://"}, box.get, nil, nil)

	assert.Equal(t, OutcomeIgnoredOrigin, o.Handle(common.Request{URL: "https://a.com/app.js", Initiator: "moz-extension://x"}).Outcome)
	assert.True(t, o.Handle(common.Request{URL: "https://a.com/app.js", Initiator: "chrome-extension://x"}).Matched)
}

func TestHandleGlobalDisabled(t *testing.T) {
	state := testState()
	state.GlobalEnabled = false
	o, _, _ := newTestObserver(t, state)

	v := o.Handle(common.Request{URL: "https://a.com/app.js"})
	assert.False(t, v.Matched)
	assert.Equal(t, OutcomeIgnoredDisabled, v.Outcome)
}

func TestHandleUnmatched(t *testing.T) {
	o, _, _ := newTestObserver(t, testState())

	v := o.Handle(common.Request{URL: "https://a.com/other.js"})
	assert.False(t, v.Matched)
	assert.Equal(t, OutcomeUnmatched, v.Outcome)
	assert.Empty(t, v.Target)
}

func TestHandleFirstMatchAcrossConfigs(t *testing.T) {
	state := testState()
	state.Configs[1].Enabled = false
	o, box, _ := newTestObserver(t, state)

	v := o.Handle(common.Request{URL: "https://a.com/app.js"})
	require.True(t, v.Matched)
	assert.Equal(t, "late", v.ConfigID)

	// Re-enabling dev is picked up on the next request.
	state.Configs[1].Enabled = true
	box.set(state)
	v = o.Handle(common.Request{URL: "https://a.com/app.js"})
	assert.Equal(t, "dev", v.ConfigID)
}

func TestHandleNeverRewritesRequest(t *testing.T) {
	o, _, _ := newTestObserver(t, testState())
	req := common.Request{URL: "https://a.com/app.js"}

	v := o.Handle(req)
	assert.True(t, v.Matched)
	assert.Equal(t, "https://a.com/app.js", req.URL)
	assert.Equal(t, "https://a.com/app.js", v.URL)
}

func TestStartStopIdempotent(t *testing.T) {
	box := &stateBox{state: testState()}
	rc := statistics.NewRedirectRecordList("")
	o := New(nil, box.get, rc, nil)
	bus := NewBus()

	o.Start(bus)
	o.Start(bus)
	assert.Equal(t, 1, bus.Subscribers())
	assert.True(t, o.Active())

	bus.Publish(common.Request{URL: "https://a.com/app.js"})

	o.Stop()
	o.Stop()
	assert.Equal(t, 0, bus.Subscribers())
	assert.False(t, o.Active())
}

func TestBusOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	cancelA := bus.Subscribe(func(r common.Request) { got = append(got, "a:"+r.URL) })
	bus.Subscribe(func(r common.Request) { got = append(got, "b:"+r.URL) })

	bus.Publish(common.Request{URL: "1"})
	cancelA()
	cancelA()
	bus.Publish(common.Request{URL: "2"})

	assert.Equal(t, []string{"a:1", "b:1", "b:2"}, got)
}
