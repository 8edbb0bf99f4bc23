package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xswitch/xswitch/internal/common"
)

const (
	KeyProxyConfigs  = "proxyConfigs"
	KeyGlobalEnabled = "globalEnabled"
)

var ErrUnavailable = errors.New("store unavailable")

// Change carries the old and new raw value of one key. A nil NewValue
// means the key was removed.
type Change struct {
	OldValue json.RawMessage
	NewValue json.RawMessage
}

type Changes map[string]Change

func (c Changes) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Listener func(Changes)

// Store is a persisted key/value store with change notifications. Get
// omits keys that are not set.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, values map[string]any) error
	OnChange(fn Listener) (cancel func())
}

type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]Listener
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) notify(changes Changes) {
	if len(changes) == 0 {
		return
	}
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(changes)
	}
}

// diff reports every key whose value differs between before and after.
func diff(before, after map[string]json.RawMessage) Changes {
	changes := Changes{}
	for k, v := range after {
		if old, ok := before[k]; !ok || !jsonEqual(old, v) {
			changes[k] = Change{OldValue: before[k], NewValue: v}
		}
	}
	for k, v := range before {
		if _, ok := after[k]; !ok {
			changes[k] = Change{OldValue: v}
		}
	}
	return changes
}

func jsonEqual(a, b json.RawMessage) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return string(a) == string(b)
	}
	ja, _ := json.Marshal(x)
	jb, _ := json.Marshal(y)
	return string(ja) == string(jb)
}

func encodeValues(values map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		if raw, ok := v.(json.RawMessage); ok {
			out[k] = raw
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json.Marshal %s: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}

func DefaultConfigs() []common.ProxyConfig {
	return []common.ProxyConfig{{
		ID:      "default",
		Name:    "Default",
		Enabled: false,
		Rules:   []common.RulePair{},
	}}
}

// LoadState reads the engine state from s. A store without configs yields
// the default config list, a missing global flag means enabled.
func LoadState(ctx context.Context, s Store) (common.State, error) {
	values, err := s.Get(ctx, KeyProxyConfigs, KeyGlobalEnabled)
	if err != nil {
		return common.State{}, fmt.Errorf("store.Get: %w", err)
	}

	state := common.State{GlobalEnabled: true}
	if raw, ok := values[KeyProxyConfigs]; ok {
		configs, ok := ParseConfigs(raw)
		if ok {
			state.Configs = configs
		} else {
			state.Configs = DefaultConfigs()
		}
	} else {
		state.Configs = DefaultConfigs()
	}
	if raw, ok := values[KeyGlobalEnabled]; ok {
		state.GlobalEnabled = ParseGlobal(raw, true)
	}
	return state, nil
}

// ParseConfigs decodes a stored config list. It reports false when raw is
// not an array; elements that are not config objects are dropped.
func ParseConfigs(raw json.RawMessage) ([]common.ProxyConfig, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || elems == nil {
		return nil, false
	}
	configs := make([]common.ProxyConfig, 0, len(elems))
	for i, elem := range elems {
		var cfg common.ProxyConfig
		if err := json.Unmarshal(elem, &cfg); err != nil {
			slog.Warn("Stored config skipped", slog.Int("index", i), slog.Any("error", err))
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, true
}

func ParseGlobal(raw json.RawMessage, fallback bool) bool {
	var enabled bool
	if err := json.Unmarshal(raw, &enabled); err != nil {
		slog.Warn("Stored global flag is not a boolean", slog.String("value", string(raw)))
		return fallback
	}
	return enabled
}

const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Backend is a Store living outside the process that can be re-read on
// demand and watched for writes made by others.
type Backend interface {
	Store
	Path() string
	Reload() error
	Watch(ctx context.Context, interval time.Duration) error
	Close() error
}

func Open(driver, path string) (Backend, error) {
	switch driver {
	case "", DriverFile:
		return NewFileStore(path)
	case DriverSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
