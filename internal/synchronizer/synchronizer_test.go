package synchronizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xswitch/xswitch/internal/common"
	"github.com/xswitch/xswitch/internal/config"
	"github.com/xswitch/xswitch/internal/dnr"
	"github.com/xswitch/xswitch/internal/metrics"
	"github.com/xswitch/xswitch/internal/observer"
)

var errBoom = errors.New("boom")

// fakeTable wraps a MemoryTable, records every call and can be told to
// fail individual operations.
type fakeTable struct {
	*dnr.MemoryTable

	mu        sync.Mutex
	calls     []string
	failList  bool
	failAdd   bool
	failRemov bool
	delay     time.Duration
	inFlight  int
	maxFlight int
}

func newFakeTable() *fakeTable {
	return &fakeTable{MemoryTable: dnr.NewMemoryTable(100)}
}

func (f *fakeTable) enter(name string) func() {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	delay := f.delay
	f.mu.Unlock()
	time.Sleep(delay)
	return func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}
}

func (f *fakeTable) set(fn func(f *fakeTable)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeTable) ListRuleIDs(ctx context.Context) ([]int, error) {
	defer f.enter("list")()
	f.mu.Lock()
	fail := f.failList
	f.mu.Unlock()
	if fail {
		return nil, errBoom
	}
	return f.MemoryTable.ListRuleIDs(ctx)
}

func (f *fakeTable) RemoveRules(ctx context.Context, ids []int) error {
	defer f.enter("remove")()
	f.mu.Lock()
	fail := f.failRemov
	f.mu.Unlock()
	if fail {
		return errBoom
	}
	return f.MemoryTable.RemoveRules(ctx, ids)
}

func (f *fakeTable) AddRules(ctx context.Context, rules []dnr.Rule) error {
	defer f.enter("add")()
	f.mu.Lock()
	fail := f.failAdd
	f.mu.Unlock()
	if fail {
		return errBoom
	}
	return f.MemoryTable.AddRules(ctx, rules)
}

func (f *fakeTable) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func devState() common.State {
	return common.State{
		GlobalEnabled: true,
		Configs: []common.ProxyConfig{{
			ID: "dev", Name: "Dev", Enabled: true,
			Rules: []common.RulePair{
				{"https://a.com/app.js", "http://localhost/app.js"},
				{`https://b\.com/(.*)`, "http://localhost/$1"},
			},
		}},
	}
}

func newTestSynchronizer(table dnr.Table, recoverDeclarative bool) (*Synchronizer, *observer.Observer, *observer.Bus) {
	bus := observer.NewBus()
	obs := observer.New(nil, devState, nil, nil)
	cfg := &config.Config{RecoverDeclarative: recoverDeclarative}
	return New(cfg, table, obs, bus, metrics.NewCollector(nil)), obs, bus
}

func TestReconcileInstallsBuiltRules(t *testing.T) {
	table := newFakeTable()
	s, obs, _ := newTestSynchronizer(table, false)

	mode := s.Reconcile(context.Background(), devState())
	assert.Equal(t, common.ModeDeclarative, mode)
	assert.False(t, obs.Active())

	ids, err := table.MemoryTable.ListRuleIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ids)
	assert.Len(t, s.Installed(), 2)

	target, ok := table.Redirect("https://b.com/x.js", dnr.ResourceScript)
	require.True(t, ok)
	assert.Equal(t, "http://localhost/x.js", target)
	assert.Equal(t, []string{"list", "add"}, table.callLog())
}

func TestReconcileReplacesWholeSet(t *testing.T) {
	table := newFakeTable()
	s, _, _ := newTestSynchronizer(table, false)
	ctx := context.Background()

	s.Reconcile(ctx, devState())

	state := devState()
	state.Configs[0].Rules = state.Configs[0].Rules[:1]
	s.Reconcile(ctx, state)
	ids, _ := table.MemoryTable.ListRuleIDs(ctx)
	assert.Equal(t, []int{1}, ids)

	state.GlobalEnabled = false
	assert.Equal(t, common.ModeDeclarative, s.Reconcile(ctx, state))
	ids, _ = table.MemoryTable.ListRuleIDs(ctx)
	assert.Empty(t, ids)
	assert.Empty(t, s.Installed())

	assert.Equal(t, []string{"list", "add", "list", "remove", "add", "list", "remove"}, table.callLog())
}

func TestReconcileAddFailureFallsBack(t *testing.T) {
	table := newFakeTable()
	table.failAdd = true
	s, obs, bus := newTestSynchronizer(table, false)

	mode := s.Reconcile(context.Background(), devState())
	assert.Equal(t, common.ModeFallbackObserve, mode)
	assert.Equal(t, common.ModeFallbackObserve, s.Mode())
	assert.True(t, obs.Active())
	assert.Equal(t, 1, bus.Subscribers())
	assert.ErrorIs(t, s.LastError(), errBoom)
	assert.Empty(t, s.Installed())

	st := s.Status()
	assert.Equal(t, common.ModeFallbackObserve, st.Mode)
	assert.Contains(t, st.LastError, "dnr.AddRules")
	assert.True(t, st.ObserverActive)
	assert.NotEmpty(t, st.LastPassID)
}

func TestReconcileFailureClearsStaleRules(t *testing.T) {
	table := newFakeTable()
	s, _, _ := newTestSynchronizer(table, false)
	ctx := context.Background()
	require.Equal(t, common.ModeDeclarative, s.Reconcile(ctx, devState()))

	// Removal fails mid pass and again during cleanup.
	table.set(func(f *fakeTable) { f.failRemov = true })
	assert.Equal(t, common.ModeFallbackObserve, s.Reconcile(ctx, devState()))
	assert.Equal(t, []string{"list", "add", "list", "remove", "list", "remove"}, table.callLog())

	ids, _ := table.MemoryTable.ListRuleIDs(ctx)
	assert.Len(t, ids, 2, "the table refused every removal")
}

func TestReconcileUnavailableMechanism(t *testing.T) {
	s, obs, _ := newTestSynchronizer(dnr.UnavailableTable{}, false)

	assert.Equal(t, common.ModeFallbackObserve, s.Reconcile(context.Background(), devState()))
	assert.True(t, obs.Active())
	assert.ErrorIs(t, s.LastError(), dnr.ErrUnavailable)
}

func TestFallbackIsStickyWithoutRecovery(t *testing.T) {
	table := newFakeTable()
	table.failList = true
	s, obs, _ := newTestSynchronizer(table, false)
	ctx := context.Background()

	require.Equal(t, common.ModeFallbackObserve, s.Reconcile(ctx, devState()))
	calls := len(table.callLog())

	table.set(func(f *fakeTable) { f.failList = false })
	assert.Equal(t, common.ModeFallbackObserve, s.Reconcile(ctx, devState()))
	assert.Len(t, table.callLog(), calls, "table must not be touched in observe mode")
	assert.True(t, obs.Active())
}

func TestFallbackRecovery(t *testing.T) {
	table := newFakeTable()
	table.failAdd = true
	s, obs, bus := newTestSynchronizer(table, true)
	ctx := context.Background()

	require.Equal(t, common.ModeFallbackObserve, s.Reconcile(ctx, devState()))
	// Still failing: stays in fallback, observer installed once.
	require.Equal(t, common.ModeFallbackObserve, s.Reconcile(ctx, devState()))
	assert.Equal(t, 1, bus.Subscribers())

	table.set(func(f *fakeTable) { f.failAdd = false })
	assert.Equal(t, common.ModeDeclarative, s.Reconcile(ctx, devState()))
	assert.False(t, obs.Active())
	assert.Equal(t, 0, bus.Subscribers())
	assert.NoError(t, s.LastError())
	assert.Len(t, s.Installed(), 2)
}

func TestReconcileSerialized(t *testing.T) {
	table := newFakeTable()
	table.delay = 2 * time.Millisecond
	s, _, _ := newTestSynchronizer(table, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := devState()
			state.GlobalEnabled = i%2 == 0
			s.Reconcile(context.Background(), state)
		}(i)
	}
	wg.Wait()

	table.mu.Lock()
	assert.Equal(t, 1, table.maxFlight)
	table.mu.Unlock()

	// Every pass starts with a list; a remove or add never precedes its list.
	calls := table.callLog()
	require.NotEmpty(t, calls)
	assert.Equal(t, "list", calls[0])
	for i := 1; i < len(calls); i++ {
		if calls[i] == "remove" {
			assert.Equal(t, "list", calls[i-1])
		}
	}
}

func TestReconcileIgnoresCancellation(t *testing.T) {
	table := newFakeTable()
	s, _, _ := newTestSynchronizer(table, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, common.ModeDeclarative, s.Reconcile(ctx, devState()))
	assert.Len(t, s.Installed(), 2)
}

func TestReconcileLatestReadsStateInsidePass(t *testing.T) {
	table := newFakeTable()
	s, _, _ := newTestSynchronizer(table, false)

	reads := 0
	mode := s.ReconcileLatest(context.Background(), func() common.State {
		reads++
		assert.False(t, s.passMu.TryLock(), "state read outside the pass lock")
		return devState()
	})
	assert.Equal(t, common.ModeDeclarative, mode)
	assert.Equal(t, 1, reads)
	assert.Len(t, s.Installed(), 2)
}

func TestReconcileLatestSkipsReadWhenSticky(t *testing.T) {
	table := newFakeTable()
	table.failAdd = true
	s, _, _ := newTestSynchronizer(table, false)
	require.Equal(t, common.ModeFallbackObserve, s.Reconcile(context.Background(), devState()))

	mode := s.ReconcileLatest(context.Background(), func() common.State {
		t.Error("state read while the table is left untouched")
		return devState()
	})
	assert.Equal(t, common.ModeFallbackObserve, mode)
}
