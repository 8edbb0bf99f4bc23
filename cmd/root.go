package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xswitch/xswitch/internal/api"
	"github.com/xswitch/xswitch/internal/config"
	"github.com/xswitch/xswitch/internal/dnr"
	"github.com/xswitch/xswitch/internal/engine"
	"github.com/xswitch/xswitch/internal/log"
	"github.com/xswitch/xswitch/internal/metrics"
	"github.com/xswitch/xswitch/internal/observer"
	"github.com/xswitch/xswitch/internal/statistics"
	"github.com/xswitch/xswitch/internal/store"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "xswitch",
	Short: "xswitch redirects request URLs by user defined rules",
	Long:  "xswitch compiles user defined URL rewrite rules into a declarative redirect table, keeps it in sync with the stored configuration and falls back to passive observation when the table is unavailable.",
	RunE:  runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringP("store", "s", "", "Store file path")
	rootCmd.PersistentFlags().String("store-driver", "", "Store backend: file, sqlite")

	rootCmd.Flags().StringP("mechanism", "m", "", "Declarative mechanism: MEMORY, UNAVAILABLE")
	rootCmd.Flags().Int("max-rules", 0, "Maximum number of declarative rules")
	rootCmd.Flags().String("extension-origin", "", "Initiator prefix of requests made by the extension itself")
	rootCmd.Flags().Bool("recover", false, "Retry the declarative mechanism while in observe mode")
	rootCmd.Flags().String("recovery-probe", "", "Cron schedule of the recovery probe")
	rootCmd.Flags().Duration("debounce", 0, "Debounce interval for change triggered syncs")
	rootCmd.Flags().StringP("listen", "a", "", "API server listen address")
	rootCmd.Flags().String("secret", "", "API server secret")
	rootCmd.Flags().String("stats-file", "", "Would-redirect stats file")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("store-path", rootCmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("store-driver", rootCmd.PersistentFlags().Lookup("store-driver"))
	_ = viper.BindPFlag("mechanism", rootCmd.Flags().Lookup("mechanism"))
	_ = viper.BindPFlag("max-rules", rootCmd.Flags().Lookup("max-rules"))
	_ = viper.BindPFlag("extension-origin", rootCmd.Flags().Lookup("extension-origin"))
	_ = viper.BindPFlag("recover-declarative", rootCmd.Flags().Lookup("recover"))
	_ = viper.BindPFlag("recovery-probe", rootCmd.Flags().Lookup("recovery-probe"))
	_ = viper.BindPFlag("debounce", rootCmd.Flags().Lookup("debounce"))
	_ = viper.BindPFlag("api.listen", rootCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("api.secret", rootCmd.Flags().Lookup("secret"))
	_ = viper.BindPFlag("stats.file", rootCmd.Flags().Lookup("stats-file"))

	viper.SetEnvPrefix("XSWITCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(compileCmd, matchCmd, versionCmd)
}

func initConfig() {
	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("Failed to read config file", slog.Any("error", err))
			os.Exit(1)
		}
	}
	config.SetDefaults(viper.GetViper())
}

func runRoot(cmd *cobra.Command, args []string) error {
	showVer, _ := cmd.Flags().GetBool("version")
	if showVer {
		fmt.Printf("xswitch version %s\n", AppVersion)
		return nil
	}

	genConfig, _ := cmd.Flags().GetBool("generate-config")
	if genConfig {
		_, err := config.GenerateTemplateConfig(true)
		if err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Println("Template config file 'config.yaml' generated successfully.")
		return nil
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	lb := log.NewBroadcaster()
	logFile := log.SetLogConf(cfg.LogLevel, cfg.LogFile, lb)
	addShutdown("logFile.Close", logFile.Close)
	log.LogHeader(AppVersion, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	addShutdown("context.Cancel", func() error {
		cancel()
		return nil
	})

	mc := metrics.NewCollector(nil)
	mc.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fs, err := store.Open(cfg.StoreDriver, cfg.StorePath)
	if err != nil {
		slog.Error("store.Open", slog.Any("error", err))
		shutdown()
		return err
	}
	addShutdown("store.Close", fs.Close)
	go func() {
		if err := fs.Watch(ctx, cfg.StorePoll); err != nil {
			slog.Error("store.Watch", slog.Any("error", err))
		}
	}()

	table, err := dnr.New(cfg)
	if err != nil {
		slog.Error("dnr.New", slog.Any("error", err))
		shutdown()
		return err
	}

	var rc *statistics.RedirectRecordList
	if cfg.Stats.File != "" {
		rc = statistics.NewRedirectRecordList(log.GetStatsFilePath(cfg.Stats.File))
		rc.Run(ctx, cfg.Stats.Interval)
	}

	eng := engine.New(cfg, fs, table, observer.NewBus(), rc, mc)
	addShutdown("engine.Stop", func() error {
		eng.Stop()
		return nil
	})
	go func() {
		if err := eng.Start(ctx); err != nil && !errors.Is(err, engine.ErrStopped) {
			slog.Error("engine.Start", slog.Any("error", err))
		}
	}()

	if cfg.API.Listen != "" {
		srv := api.New(AppVersion, cfg, eng, mc, lb)
		if err := srv.Start(); err != nil {
			slog.Error("api.Start", slog.Any("error", err))
			shutdown()
			return err
		}
		addShutdown("api.Close", srv.Close)
	}

	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		s := <-cleanup
		slog.Info("Received signal", slog.String("signal", s.String()))
		switch s {
		case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
			shutdown()
			return nil
		case syscall.SIGHUP:
			if err := fs.Reload(); err != nil {
				slog.Error("store.Reload", slog.Any("error", err))
			}
			resp := eng.Dispatch(ctx, engine.ReloadConfigs{})
			slog.Info("Configuration reloaded", slog.Bool("success", resp.Success))
		default:
			return nil
		}
	}
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			slog.Error(name, slog.Any("error", err))
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
	shutdownChain = nil
	slog.Info("xswitch exit")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
