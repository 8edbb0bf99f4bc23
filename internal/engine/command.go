package engine

import (
	"encoding/json"
	"fmt"

	"github.com/xswitch/xswitch/internal/common"
	"github.com/xswitch/xswitch/internal/synchronizer"
)

// Command is one administrative request. The set is closed: every command
// type is handled by Engine.Dispatch.
type Command interface {
	Action() string
	command()
}

type GetRuleGroups struct{}

type GetGlobalState struct{}

// ToggleGlobal sets the global flag, persists it and resyncs.
type ToggleGlobal struct {
	Enabled bool `json:"enabled"`
}

// ReloadConfigs re-reads the store and resyncs.
type ReloadConfigs struct{}

type GetConfigs struct{}

type GetStatus struct{}

func (GetRuleGroups) Action() string  { return "getRuleGroups" }
func (GetGlobalState) Action() string { return "getGlobalState" }
func (ToggleGlobal) Action() string   { return "toggleGlobal" }
func (ReloadConfigs) Action() string  { return "reloadConfigs" }
func (GetConfigs) Action() string     { return "getConfigs" }
func (GetStatus) Action() string      { return "getStatus" }

func (GetRuleGroups) command()  {}
func (GetGlobalState) command() {}
func (ToggleGlobal) command()   {}
func (ReloadConfigs) command()  {}
func (GetConfigs) command()     {}
func (GetStatus) command()      {}

// DecodeCommand parses the message shape sent by the admin UI,
// {"action": "...", ...}.
func DecodeCommand(data []byte) (Command, error) {
	var msg struct {
		Action  string `json:"action"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	switch msg.Action {
	case "getRuleGroups", "getRules":
		return GetRuleGroups{}, nil
	case "getGlobalState":
		return GetGlobalState{}, nil
	case "toggleGlobal":
		if msg.Enabled == nil {
			return nil, fmt.Errorf("toggleGlobal: missing enabled")
		}
		return ToggleGlobal{Enabled: *msg.Enabled}, nil
	case "reloadConfigs":
		return ReloadConfigs{}, nil
	case "getConfigs":
		return GetConfigs{}, nil
	case "getStatus":
		return GetStatus{}, nil
	default:
		return nil, fmt.Errorf("unknown action: %q", msg.Action)
	}
}

// RuleGroup is the enabled state of one config as shown to the UI.
type RuleGroup struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Rules   int    `json:"rules"`
}

type Response struct {
	Success       bool                 `json:"success"`
	Error         string               `json:"error,omitempty"`
	GlobalEnabled *bool                `json:"globalEnabled,omitempty"`
	Configs       []common.ProxyConfig `json:"proxyConfigs,omitempty"`
	RuleGroups    []RuleGroup          `json:"ruleGroups,omitempty"`
	Status        *synchronizer.Status `json:"status,omitempty"`
}

func failure(err error) Response {
	return Response{Success: false, Error: err.Error()}
}
