package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xswitch/xswitch/internal/common"
	"github.com/xswitch/xswitch/internal/config"
	"github.com/xswitch/xswitch/internal/dnr"
	"github.com/xswitch/xswitch/internal/metrics"
	"github.com/xswitch/xswitch/internal/observer"
	"github.com/xswitch/xswitch/internal/statistics"
	"github.com/xswitch/xswitch/internal/store"
	"github.com/xswitch/xswitch/internal/synchronizer"
)

var (
	ErrNotStarted = errors.New("engine not started")
	ErrStopped    = errors.New("engine stopped")
)

// Engine owns the configuration snapshot and reacts to store changes,
// administrative commands and the recovery probe by reconciling the
// declarative table.
type Engine struct {
	cfg      *config.Config
	store    store.Store
	table    dnr.Table
	bus      *observer.Bus
	observer *observer.Observer
	syncer   *synchronizer.Synchronizer
	metrics  *metrics.Collector

	// mu guards everything below it.
	mu      sync.RWMutex
	state   common.State
	loaded  bool
	pending []store.Changes
	stopped bool

	cron        *cron.Cron
	unsubscribe func()

	debouncer *store.Debouncer
}

// New wires an engine. rc and mc may be nil.
func New(cfg *config.Config, st store.Store, table dnr.Table, bus *observer.Bus, rc *statistics.RedirectRecordList, mc *metrics.Collector) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   st,
		table:   table,
		bus:     bus,
		metrics: mc,
		state:   common.State{GlobalEnabled: true, Configs: store.DefaultConfigs()},
	}
	e.observer = observer.New(cfg, e.Snapshot, rc, mc)
	e.syncer = synchronizer.New(cfg, table, e.observer, bus, mc)
	if cfg.Debounce > 0 {
		e.debouncer = store.NewDebouncer(cfg.Debounce)
	}
	return e
}

// Start subscribes to store changes, loads the state, retrying while the
// store is unavailable, and runs the first reconcile. Changes notified
// while loading are applied on top of the loaded state. It returns once the
// first pass is done, ctx is cancelled or Stop was called.
func (e *Engine) Start(ctx context.Context) error {
	unsubscribe := e.store.OnChange(e.onStoreChange)
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		unsubscribe()
		return ErrStopped
	}
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	state, err := e.load(ctx)
	if err != nil {
		e.detach()
		return err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	for _, changes := range e.pending {
		state = applyChanges(state, changes)
	}
	missed := len(e.pending)
	e.pending = nil
	e.state = state
	e.loaded = true
	e.mu.Unlock()
	slog.Info("Configuration loaded",
		slog.Int("configs", len(state.Configs)),
		slog.Int("enabled", len(state.EnabledConfigs())),
		slog.Bool("global", state.GlobalEnabled),
		slog.Int("changes_during_load", missed))

	mode := e.Reconcile(ctx)
	slog.Info("Engine started", slog.String("mode", string(mode)))

	if err := e.startProbe(); err != nil {
		e.detach()
		return err
	}
	return nil
}

// detach drops the store subscription.
func (e *Engine) detach() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (e *Engine) load(ctx context.Context) (common.State, error) {
	retry := e.cfg.StoreRetry
	if retry <= 0 {
		retry = 5 * time.Second
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		state, err := store.LoadState(ctx, e.store)
		if err == nil {
			return state, nil
		}
		slog.Warn("Store unavailable, retrying", slog.Duration("retry", retry), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return common.State{}, fmt.Errorf("load state: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Engine) startProbe() error {
	if e.cfg.RecoveryProbe == "" {
		return nil
	}
	if !e.cfg.RecoverDeclarative {
		slog.Warn("Recovery probe ignored, recover-declarative is off", slog.String("schedule", e.cfg.RecoveryProbe))
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(e.cfg.RecoveryProbe, func() {
		if e.syncer.Mode() != common.ModeFallbackObserve {
			return
		}
		slog.Info("Recovery probe running")
		e.Reconcile(context.Background())
	})
	if err != nil {
		return fmt.Errorf("recovery probe %q: %w", e.cfg.RecoveryProbe, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	c.Start()
	e.cron = c
	slog.Info("Recovery probe scheduled", slog.String("schedule", e.cfg.RecoveryProbe))
	return nil
}

// Stop may run concurrently with Start; a Start still loading returns
// ErrStopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	unsubscribe, c := e.unsubscribe, e.cron
	e.unsubscribe, e.cron = nil, nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if e.debouncer != nil {
		e.debouncer.Stop()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	e.observer.Stop()
	slog.Info("Engine stopped")
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() common.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

// Reconcile syncs the declarative table with the current snapshot. The
// snapshot is taken inside the pass.
func (e *Engine) Reconcile(ctx context.Context) common.Mode {
	return e.syncer.ReconcileLatest(ctx, e.Snapshot)
}

func (e *Engine) onStoreChange(changes store.Changes) {
	e.mu.Lock()
	if !e.loaded {
		// Start applies these once the initial state is in.
		e.pending = append(e.pending, changes)
		e.mu.Unlock()
		return
	}
	next := applyChanges(e.state, changes)
	changed := !sameState(e.state, next)
	e.state = next
	e.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("Configuration changed", slog.Any("keys", changes.Keys()))
	e.schedule()
}

func applyChanges(state common.State, changes store.Changes) common.State {
	next := state.Clone()
	if c, ok := changes[store.KeyProxyConfigs]; ok {
		next.Configs = configsFromChange(c)
	}
	if c, ok := changes[store.KeyGlobalEnabled]; ok {
		next.GlobalEnabled = true
		if c.NewValue != nil {
			next.GlobalEnabled = store.ParseGlobal(c.NewValue, true)
		}
	}
	return next
}

// configsFromChange treats a removed or malformed list as empty.
func configsFromChange(c store.Change) []common.ProxyConfig {
	if c.NewValue == nil {
		return []common.ProxyConfig{}
	}
	configs, ok := store.ParseConfigs(c.NewValue)
	if !ok {
		slog.Warn("Stored configs are not a list, treating as empty")
		return []common.ProxyConfig{}
	}
	return configs
}

func sameState(a, b common.State) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func (e *Engine) schedule() {
	if e.debouncer == nil {
		e.Reconcile(context.Background())
		return
	}
	e.debouncer.Trigger(func() {
		e.Reconcile(context.Background())
	})
}

// Dispatch executes one command. Errors are reported in the response,
// never returned.
func (e *Engine) Dispatch(ctx context.Context, cmd Command) Response {
	slog.Debug("Dispatch", slog.String("action", cmd.Action()))
	switch c := cmd.(type) {
	case GetRuleGroups:
		return Response{Success: true, RuleGroups: e.ruleGroups()}
	case GetGlobalState:
		enabled := e.Snapshot().GlobalEnabled
		return Response{Success: true, GlobalEnabled: &enabled}
	case ToggleGlobal:
		if !e.started() {
			return failure(ErrNotStarted)
		}
		return e.toggleGlobal(ctx, c.Enabled)
	case ReloadConfigs:
		if !e.started() {
			return failure(ErrNotStarted)
		}
		return e.reloadConfigs(ctx)
	case GetConfigs:
		return Response{Success: true, Configs: e.Snapshot().Configs}
	case GetStatus:
		status := e.syncer.Status()
		return Response{Success: true, Status: &status}
	default:
		return failure(fmt.Errorf("unsupported command %T", cmd))
	}
}

func (e *Engine) started() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loaded
}

func (e *Engine) ruleGroups() []RuleGroup {
	state := e.Snapshot()
	groups := make([]RuleGroup, 0, len(state.Configs))
	for _, c := range state.Configs {
		groups = append(groups, RuleGroup{
			ID:      c.ID,
			Name:    c.Name,
			Enabled: c.Enabled,
			Rules:   len(c.Rules),
		})
	}
	return groups
}

func (e *Engine) toggleGlobal(ctx context.Context, enabled bool) Response {
	// The snapshot is updated first so the store notification for this
	// write is seen as a no-op.
	e.mu.Lock()
	prev := e.state.GlobalEnabled
	e.state.GlobalEnabled = enabled
	e.mu.Unlock()

	if err := e.store.Set(ctx, map[string]any{store.KeyGlobalEnabled: enabled}); err != nil {
		e.mu.Lock()
		reverted := e.state.GlobalEnabled == enabled && prev != enabled
		if reverted {
			e.state.GlobalEnabled = prev
		}
		e.mu.Unlock()
		slog.Error("Persist global flag failed", slog.Any("error", err))
		if reverted {
			// a concurrent pass may have installed the unpersisted flag
			e.Reconcile(ctx)
		}
		return failure(err)
	}

	slog.Info("Global switch toggled", slog.Bool("enabled", enabled))
	if prev != enabled {
		e.Reconcile(ctx)
	}
	return Response{Success: true, GlobalEnabled: &enabled}
}

func (e *Engine) reloadConfigs(ctx context.Context) Response {
	values, err := e.store.Get(ctx, store.KeyProxyConfigs, store.KeyGlobalEnabled)
	if err != nil {
		slog.Error("Reload configs failed", slog.Any("error", err))
		return failure(err)
	}

	e.mu.Lock()
	if raw, ok := values[store.KeyProxyConfigs]; ok {
		if configs, ok := store.ParseConfigs(raw); ok {
			e.state.Configs = configs
		}
	}
	if raw, ok := values[store.KeyGlobalEnabled]; ok {
		e.state.GlobalEnabled = store.ParseGlobal(raw, e.state.GlobalEnabled)
	}
	configs := e.state.Clone().Configs
	e.mu.Unlock()

	e.Reconcile(ctx)
	return Response{Success: true, Configs: configs}
}

// Observe feeds a passively observed request to whoever listens on the bus.
// It reports whether the fallback observer is currently listening.
func (e *Engine) Observe(req common.Request) bool {
	e.bus.Publish(req)
	return e.observer.Active()
}

// Evaluate runs the fallback matcher on req without publishing it.
func (e *Engine) Evaluate(req common.Request) observer.Verdict {
	return e.observer.Handle(req)
}

// Resolve reports what the declarative table would do with url.
func (e *Engine) Resolve(url string, resourceType dnr.ResourceType) (string, bool, error) {
	resolver, ok := e.table.(dnr.Resolver)
	if !ok {
		return "", false, fmt.Errorf("%w: table cannot resolve", dnr.ErrUnavailable)
	}
	target, matched := resolver.Redirect(url, resourceType)
	return target, matched, nil
}

// Rules returns the records currently installed in the declarative table.
func (e *Engine) Rules() []dnr.Rule {
	if t, ok := e.table.(*dnr.MemoryTable); ok {
		return t.Rules()
	}
	return dnr.FromCompiledAll(e.syncer.Installed())
}

func (e *Engine) Mode() common.Mode {
	return e.syncer.Mode()
}

func (e *Engine) Status() synchronizer.Status {
	return e.syncer.Status()
}
