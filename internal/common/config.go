package common

import (
	"encoding/json"
	"fmt"
)

// ProxyConfig is a named, independently switchable list of rewrite rules.
// Rules is nil when the stored config has no usable rule list.
type ProxyConfig struct {
	ID      string
	Name    string
	Enabled bool
	Rules   []RulePair
}

type storedConfig struct {
	ID      json.RawMessage `json:"id"`
	Name    string          `json:"name"`
	Enabled bool            `json:"enabled"`
	Config  *struct {
		Proxy json.RawMessage `json:"proxy"`
	} `json:"config,omitempty"`
}

func (c *ProxyConfig) UnmarshalJSON(data []byte) error {
	var s storedConfig
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	c.ID = decodeID(s.ID)
	c.Name = s.Name
	c.Enabled = s.Enabled
	c.Rules = nil
	if s.Config == nil || len(s.Config.Proxy) == 0 {
		return nil
	}
	var rules []RulePair
	if err := json.Unmarshal(s.Config.Proxy, &rules); err != nil {
		return nil
	}
	c.Rules = rules
	return nil
}

func (c ProxyConfig) MarshalJSON() ([]byte, error) {
	type proxySection struct {
		Proxy []RulePair `json:"proxy"`
	}
	out := struct {
		ID      string        `json:"id"`
		Name    string        `json:"name"`
		Enabled bool          `json:"enabled"`
		Config  *proxySection `json:"config,omitempty"`
	}{
		ID:      c.ID,
		Name:    c.Name,
		Enabled: c.Enabled,
	}
	if c.Rules != nil {
		out.Config = &proxySection{Proxy: c.Rules}
	}
	return json.Marshal(out)
}

// decodeID accepts string or numeric ids, the store never enforces one.
func decodeID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func (c ProxyConfig) Clone() ProxyConfig {
	out := c
	if c.Rules != nil {
		out.Rules = make([]RulePair, len(c.Rules))
		for i, pair := range c.Rules {
			out.Rules[i] = append(RulePair(nil), pair...)
		}
	}
	return out
}

// State is the engine's view of the store: the global switch and the
// ordered config list. A reconcile pass always works on a Clone.
type State struct {
	GlobalEnabled bool          `json:"globalEnabled"`
	Configs       []ProxyConfig `json:"proxyConfigs"`
}

func (s State) Clone() State {
	out := State{GlobalEnabled: s.GlobalEnabled}
	if s.Configs != nil {
		out.Configs = make([]ProxyConfig, len(s.Configs))
		for i, c := range s.Configs {
			out.Configs[i] = c.Clone()
		}
	}
	return out
}

func (s State) EnabledConfigs() []ProxyConfig {
	var enabled []ProxyConfig
	for _, c := range s.Configs {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	return enabled
}
