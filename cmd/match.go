package cmd

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xswitch/xswitch/internal/common"
	"github.com/xswitch/xswitch/internal/config"
	"github.com/xswitch/xswitch/internal/dnr"
	"github.com/xswitch/xswitch/internal/observer"
	"github.com/xswitch/xswitch/internal/rule"
)

var matchCmd = &cobra.Command{
	Use:   "match URL",
	Short: "Show what the stored rules would do with a URL",
	Long:  "Match evaluates a URL against the store file, both through the declarative table and through the fallback observer, and prints the result as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE:  runMatch,
}

type matchResult struct {
	URL         string           `json:"url"`
	Declarative *declarativeHit  `json:"declarative"`
	Fallback    observer.Verdict `json:"fallback"`
}

type declarativeHit struct {
	Matched bool   `json:"matched"`
	Target  string `json:"target,omitempty"`
	Error   string `json:"error,omitempty"`
}

func init() {
	matchCmd.Flags().String("initiator", "", "Initiator of the request")
	matchCmd.Flags().String("type", string(dnr.ResourceScript), "Resource type of the request")
}

func runMatch(cmd *cobra.Command, args []string) error {
	setCLILog()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	state, err := loadStoreState(ctx)
	if err != nil {
		return err
	}

	initiator, _ := cmd.Flags().GetString("initiator")
	resourceType, _ := cmd.Flags().GetString("type")
	req := common.Request{URL: args[0], Initiator: initiator}

	result := matchResult{URL: req.URL, Declarative: &declarativeHit{}}

	table := dnr.NewMemoryTable(viper.GetInt("max-rules"))
	records := dnr.FromCompiledAll(rule.Build(state.Configs, state.GlobalEnabled))
	if err := table.AddRules(ctx, records); err != nil {
		result.Declarative.Error = err.Error()
	} else if target, ok := table.Redirect(req.URL, dnr.ResourceType(resourceType)); ok {
		result.Declarative.Matched = true
		result.Declarative.Target = target
	}

	cfg := &config.Config{ExtensionOrigin: viper.GetString("extension-origin")}
	obs := observer.New(cfg, func() common.State { return state }, nil, nil)
	result.Fallback = obs.Handle(req)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
