package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

type templateConfig struct {
	LogLevel           string `yaml:"log-level"`
	StoreDriver        string `yaml:"store-driver"`
	StorePath          string `yaml:"store-path"`
	StoreRetry         string `yaml:"store-retry"`
	StorePoll          string `yaml:"store-poll"`
	Mechanism          string `yaml:"mechanism"`
	MaxRules           int    `yaml:"max-rules"`
	ExtensionOrigin    string `yaml:"extension-origin"`
	RecoverDeclarative bool   `yaml:"recover-declarative"`
	RecoveryProbe      string `yaml:"recovery-probe"`
	Debounce           string `yaml:"debounce"`
	Stats              struct {
		File     string `yaml:"file"`
		Interval string `yaml:"interval"`
	} `yaml:"stats"`
	API struct {
		Listen string `yaml:"listen"`
		Secret string `yaml:"secret"`
	} `yaml:"api"`
}

// GenerateTemplateConfig returns the default configuration and, when asked,
// writes it to config.yaml. Durations are written as strings so the file
// stays readable.
func GenerateTemplateConfig(writeToFile bool) (Config, error) {
	cfg := Config{
		LogLevel:           "info",
		StoreDriver:        "file",
		StorePath:          "xswitch.json",
		StoreRetry:         5 * time.Second,
		StorePoll:          time.Second,
		Mechanism:          MechanismMemory,
		MaxRules:           5000,
		ExtensionOrigin:    DefaultExtensionOrigin,
		RecoverDeclarative: false,
		RecoveryProbe:      "",
		Stats: StatsConfig{
			Interval: 5 * time.Second,
		},
		API: APIConfig{
			Listen: "127.0.0.1:9787",
		},
	}

	if writeToFile {
		var t templateConfig
		t.LogLevel = cfg.LogLevel
		t.StoreDriver = cfg.StoreDriver
		t.StorePath = cfg.StorePath
		t.StoreRetry = cfg.StoreRetry.String()
		t.StorePoll = cfg.StorePoll.String()
		t.Mechanism = string(cfg.Mechanism)
		t.MaxRules = cfg.MaxRules
		t.ExtensionOrigin = cfg.ExtensionOrigin
		t.RecoverDeclarative = cfg.RecoverDeclarative
		t.RecoveryProbe = cfg.RecoveryProbe
		t.Debounce = cfg.Debounce.String()
		t.Stats.Interval = cfg.Stats.Interval.String()
		t.API.Listen = cfg.API.Listen

		data, err := yaml.Marshal(&t)
		if err != nil {
			return Config{}, fmt.Errorf("failed to marshal template config to YAML: %w", err)
		}
		if err := os.WriteFile("config.yaml", data, 0644); err != nil {
			return Config{}, fmt.Errorf("failed to write template config to file: %w", err)
		}
	}
	return cfg, nil
}
