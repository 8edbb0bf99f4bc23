package observer

import (
	"log/slog"
	"sync"

	"github.com/xswitch/xswitch/internal/common"
	"github.com/xswitch/xswitch/internal/config"
	"github.com/xswitch/xswitch/internal/metrics"
	"github.com/xswitch/xswitch/internal/rule"
	"github.com/xswitch/xswitch/internal/statistics"
)

const (
	OutcomeMatched         = "matched"
	OutcomeUnmatched       = "unmatched"
	OutcomeIgnoredOrigin   = "ignored_origin"
	OutcomeIgnoredDisabled = "ignored_disabled"
)

// Verdict describes what a request would have been redirected to had the
// declarative mechanism been available.
type Verdict struct {
	Outcome    string `json:"outcome"`
	Matched    bool   `json:"matched"`
	URL        string `json:"url"`
	Target     string `json:"target,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	ConfigID   string `json:"config_id,omitempty"`
	ConfigName string `json:"config_name,omitempty"`
}

// Observer evaluates observed requests against the enabled configs. It
// only logs and records; the request itself is never modified.
type Observer struct {
	state   func() common.State
	origin  string
	matcher *rule.Matcher

	recorder *statistics.RedirectRecordList
	metrics  *metrics.Collector

	mu     sync.Mutex
	cancel func()
}

// New builds an observer reading the current state through state. rc and
// mc may be nil.
func New(cfg *config.Config, state func() common.State, rc *statistics.RedirectRecordList, mc *metrics.Collector) *Observer {
	origin := config.DefaultExtensionOrigin
	if cfg != nil && cfg.ExtensionOrigin != "" {
		origin = cfg.ExtensionOrigin
	}
	return &Observer{
		state:    state,
		origin:   origin,
		matcher:  rule.NewMatcher(256, 0),
		recorder: rc,
		metrics:  mc,
	}
}

// Handle evaluates one request. The first matching pair across all enabled
// configs, in config order then pair order, wins.
func (o *Observer) Handle(req common.Request) Verdict {
	verdict := Verdict{URL: req.URL}

	if req.FromOrigin(o.origin) {
		verdict.Outcome = OutcomeIgnoredOrigin
		o.metrics.RecordObserved(verdict.Outcome)
		return verdict
	}

	state := o.state()
	if !state.GlobalEnabled {
		verdict.Outcome = OutcomeIgnoredDisabled
		o.metrics.RecordObserved(verdict.Outcome)
		return verdict
	}

	for _, cfg := range state.EnabledConfigs() {
		for _, pair := range cfg.Rules {
			if !pair.Valid() {
				continue
			}
			if !o.matcher.Match(req.URL, pair.From()) {
				continue
			}
			verdict.Outcome = OutcomeMatched
			verdict.Matched = true
			verdict.From = pair.From()
			verdict.To = pair.To()
			verdict.Target = o.matcher.Target(req.URL, pair.From(), pair.To())
			verdict.ConfigID = cfg.ID
			verdict.ConfigName = cfg.Name

			slog.Info("Would redirect",
				slog.String("config", cfg.Name),
				slog.String("url", req.URL),
				slog.String("target", verdict.Target))
			if o.recorder != nil {
				o.recorder.Record(req.URL, verdict.Target, cfg.Name)
			}
			o.metrics.RecordObserved(verdict.Outcome)
			return verdict
		}
	}

	verdict.Outcome = OutcomeUnmatched
	o.metrics.RecordObserved(verdict.Outcome)
	return verdict
}

// Start subscribes to src, replacing any earlier subscription so the
// observer is never installed twice.
func (o *Observer) Start(src Source) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.cancel = src.Subscribe(func(req common.Request) {
		o.Handle(req)
	})
	slog.Info("Fallback observer started", slog.String("origin", o.origin))
}

func (o *Observer) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return
	}
	o.cancel()
	o.cancel = nil
	slog.Info("Fallback observer stopped")
}

func (o *Observer) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancel != nil
}
