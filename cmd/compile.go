package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xswitch/xswitch/internal/common"
	"github.com/xswitch/xswitch/internal/dnr"
	"github.com/xswitch/xswitch/internal/log"
	"github.com/xswitch/xswitch/internal/rule"
	"github.com/xswitch/xswitch/internal/store"
)

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Print the declarative rule batch built from the store",
	Long:  "Compile reads the store file, builds the rule table from the enabled configs and prints the declarative records that would be installed, as JSON.",
	Args:  cobra.NoArgs,
	RunE:  runCompile,
}

func init() {
	compileCmd.Flags().Bool("compiled", false, "Print compiled rules instead of declarative records")
}

// setCLILog keeps stdout clean for command output.
func setCLILog() {
	slog.SetDefault(slog.New(log.NewHandler(os.Stderr, log.ParseLevel(viper.GetString("log-level")))))
}

func loadStoreState(ctx context.Context) (common.State, error) {
	path := viper.GetString("store-path")
	fs, err := store.Open(viper.GetString("store-driver"), path)
	if err != nil {
		return common.State{}, fmt.Errorf("store.Open: %w", err)
	}
	defer fs.Close()
	state, err := store.LoadState(ctx, fs)
	if err != nil {
		return common.State{}, fmt.Errorf("load %s: %w", path, err)
	}
	return state, nil
}

func runCompile(cmd *cobra.Command, args []string) error {
	setCLILog()
	state, err := loadStoreState(cmd.Context())
	if err != nil {
		return err
	}

	compiled := rule.Build(state.Configs, state.GlobalEnabled)
	var out any = compiled
	if showCompiled, _ := cmd.Flags().GetBool("compiled"); !showCompiled {
		records := dnr.FromCompiledAll(compiled)
		for i := range records {
			if err := records[i].Validate(); err != nil {
				return err
			}
		}
		out = records
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
