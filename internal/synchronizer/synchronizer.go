package synchronizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xswitch/xswitch/internal/common"
	"github.com/xswitch/xswitch/internal/config"
	"github.com/xswitch/xswitch/internal/dnr"
	"github.com/xswitch/xswitch/internal/metrics"
	"github.com/xswitch/xswitch/internal/observer"
	"github.com/xswitch/xswitch/internal/rule"
)

// Status is a point-in-time view of the synchronizer.
type Status struct {
	Mode           common.Mode `json:"mode"`
	Installed      int         `json:"installed"`
	LastError      string      `json:"last_error,omitempty"`
	LastPass       time.Time   `json:"last_pass,omitempty"`
	LastPassID     string      `json:"last_pass_id,omitempty"`
	ObserverActive bool        `json:"observer_active"`
	Recoverable    bool        `json:"recoverable"`
}

// Synchronizer keeps the declarative table equal to the rules built from
// the latest state. Passes never overlap. When the table fails, the
// fallback observer takes over.
type Synchronizer struct {
	table    dnr.Table
	observer *observer.Observer
	source   observer.Source
	metrics  *metrics.Collector

	recoverDeclarative bool

	passMu sync.Mutex

	mu         sync.RWMutex
	mode       common.Mode
	lastErr    error
	installed  []common.CompiledRule
	lastPass   time.Time
	lastPassID string
}

func New(cfg *config.Config, table dnr.Table, obs *observer.Observer, src observer.Source, mc *metrics.Collector) *Synchronizer {
	return &Synchronizer{
		table:              table,
		observer:           obs,
		source:             src,
		metrics:            mc,
		recoverDeclarative: cfg != nil && cfg.RecoverDeclarative,
		mode:               common.ModeDeclarative,
	}
}

// Reconcile replaces the whole declarative rule set with the one built from
// state and returns the resulting mode. A started pass always runs to the
// end, cancellation of ctx is ignored.
func (s *Synchronizer) Reconcile(ctx context.Context, state common.State) common.Mode {
	return s.ReconcileLatest(ctx, func() common.State { return state })
}

// ReconcileLatest is Reconcile with the state read once the pass holds the
// lock, so the last pass to run always installs the latest state.
func (s *Synchronizer) ReconcileLatest(ctx context.Context, latest func() common.State) common.Mode {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	passID := uuid.NewString()
	logger := slog.With(slog.String("pass", passID))

	current := s.Mode()
	if current == common.ModeFallbackObserve && !s.recoverDeclarative {
		logger.Debug("Observe mode active, declarative table left untouched")
		return current
	}

	state := latest()
	start := time.Now()
	rules, err := s.apply(ctx, state, logger)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.lastPass = start
	s.lastPassID = passID
	s.mu.Unlock()

	if err != nil {
		logger.Error("Declarative rule sync failed, switching to observe mode", slog.Any("error", err))
		s.metrics.RecordReconcile("failure", elapsed.Seconds(), 0)
		s.clear(ctx, logger)
		s.observer.Start(s.source)

		s.mu.Lock()
		s.mode = common.ModeFallbackObserve
		s.lastErr = err
		s.installed = nil
		s.mu.Unlock()

		if current != common.ModeFallbackObserve {
			s.metrics.RecordFallback()
		}
		return common.ModeFallbackObserve
	}

	s.metrics.RecordReconcile("success", elapsed.Seconds(), len(rules))
	if current == common.ModeFallbackObserve {
		s.observer.Stop()
		s.metrics.SetMode(common.ModeDeclarative)
		logger.Info("Declarative mechanism recovered")
	}

	s.mu.Lock()
	s.mode = common.ModeDeclarative
	s.lastErr = nil
	s.installed = rules
	s.mu.Unlock()
	return common.ModeDeclarative
}

func (s *Synchronizer) apply(ctx context.Context, state common.State, logger *slog.Logger) ([]common.CompiledRule, error) {
	ids, err := s.table.ListRuleIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("dnr.ListRuleIDs: %w", err)
	}
	if len(ids) > 0 {
		if err := s.table.RemoveRules(ctx, ids); err != nil {
			return nil, fmt.Errorf("dnr.RemoveRules: %w", err)
		}
	}

	rules := rule.Build(state.Configs, state.GlobalEnabled)
	if len(rules) > 0 {
		if err := s.table.AddRules(ctx, dnr.FromCompiledAll(rules)); err != nil {
			return nil, fmt.Errorf("dnr.AddRules: %w", err)
		}
	}

	logger.Info("Declarative rules synced",
		slog.Int("removed", len(ids)),
		slog.Int("installed", len(rules)),
		slog.Bool("global", state.GlobalEnabled))
	return rules, nil
}

// clear removes whatever is still installed so no stale redirect outlives
// the switch to observe mode.
func (s *Synchronizer) clear(ctx context.Context, logger *slog.Logger) {
	ids, err := s.table.ListRuleIDs(ctx)
	if err != nil {
		logger.Warn("Unable to list rules for cleanup", slog.Any("error", err))
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := s.table.RemoveRules(ctx, ids); err != nil {
		logger.Warn("Unable to remove stale rules", slog.Int("count", len(ids)), slog.Any("error", err))
		return
	}
	logger.Info("Stale rules removed", slog.Int("count", len(ids)))
}

func (s *Synchronizer) Mode() common.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Synchronizer) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Installed returns the rules installed by the last successful pass.
func (s *Synchronizer) Installed() []common.CompiledRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]common.CompiledRule(nil), s.installed...)
}

func (s *Synchronizer) Recoverable() bool {
	return s.recoverDeclarative
}

func (s *Synchronizer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Mode:           s.mode,
		Installed:      len(s.installed),
		LastPass:       s.lastPass,
		LastPassID:     s.lastPassID,
		ObserverActive: s.observer.Active(),
		Recoverable:    s.recoverDeclarative,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
