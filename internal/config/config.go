package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Mechanism string

const (
	MechanismMemory      Mechanism = "MEMORY"
	MechanismUnavailable Mechanism = "UNAVAILABLE"
)

const DefaultExtensionOrigin = "chrome-extension://"

type Config struct {
	LogLevel string `yaml:"log-level" validate:"oneof=debug info warn error"`
	LogFile  string `yaml:"log-file"`

	StoreDriver string        `yaml:"store-driver" validate:"oneof=file sqlite"`
	StorePath   string        `yaml:"store-path" validate:"required"`
	StoreRetry  time.Duration `yaml:"store-retry" validate:"min=0"`
	StorePoll   time.Duration `yaml:"store-poll" validate:"min=0"`

	Mechanism Mechanism `yaml:"mechanism" validate:"oneof=MEMORY UNAVAILABLE"`
	MaxRules  int       `yaml:"max-rules" validate:"min=1"`

	ExtensionOrigin    string        `yaml:"extension-origin"`
	RecoverDeclarative bool          `yaml:"recover-declarative"`
	RecoveryProbe      string        `yaml:"recovery-probe"`
	Debounce           time.Duration `yaml:"debounce" validate:"min=0"`

	Stats StatsConfig `yaml:"stats"`
	API   APIConfig   `yaml:"api"`
}

type StatsConfig struct {
	File     string        `yaml:"file"`
	Interval time.Duration `yaml:"interval" validate:"min=0"`
}

type APIConfig struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
	Secret string `yaml:"secret"`
}

// SetDefaults mirrors the defaults registered by the CLI so callers that
// build a config without the CLI get the same values.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log-level", "info")
	v.SetDefault("store-driver", "file")
	v.SetDefault("store-path", "xswitch.json")
	v.SetDefault("store-retry", "5s")
	v.SetDefault("store-poll", "1s")
	v.SetDefault("mechanism", string(MechanismMemory))
	v.SetDefault("max-rules", 5000)
	v.SetDefault("extension-origin", DefaultExtensionOrigin)
	v.SetDefault("recover-declarative", false)
	v.SetDefault("debounce", "0s")
	v.SetDefault("stats.interval", "5s")
}

func BuildConfigFromViper() (*Config, error) {
	return BuildConfig(viper.GetViper())
}

func BuildConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("viper.Unmarshal: %w", err)
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "file"
	}
	cfg.Mechanism = Mechanism(strings.ToUpper(strings.TrimSpace(string(cfg.Mechanism))))
	if cfg.ExtensionOrigin == "" {
		cfg.ExtensionOrigin = DefaultExtensionOrigin
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("Log Level", c.LogLevel),
		slog.String("Store Driver", c.StoreDriver),
		slog.String("Store Path", c.StorePath),
		slog.String("Mechanism", string(c.Mechanism)),
		slog.Int("Max Rules", c.MaxRules),
		slog.String("Extension Origin", c.ExtensionOrigin),
		slog.Bool("Recover Declarative", c.RecoverDeclarative),
		slog.String("Recovery Probe", c.RecoveryProbe),
		slog.Duration("Debounce", c.Debounce),
		slog.String("API Listen", c.API.Listen),
		slog.String("Stats File", c.Stats.File),
	)
}
