package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chaz8081/gatewaynode/internal/config"
)

const envPrefix = "GATEWAYNODE"

func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gatewaynode",
		Short:        "BLE field-node gateway",
		SilenceUsage: true,
	}

	cobra.OnInitialize(initEnv)

	cmd.PersistentFlags().String("config", "", "path to config file (default: ~/.config/gatewaynode/config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "override log_level (debug, info, warn, error)")
	cmd.PersistentFlags().String("metrics-listen", "", "override metrics.listen")
	_ = viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log_level", cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("metrics.listen", cmd.PersistentFlags().Lookup("metrics-listen"))

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newInitCmd())

	return cmd
}

func initEnv() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. Flags and
// GATEWAYNODE_* environment variables override the loaded values.
func loadConfig() (*config.Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	if viper.IsSet("log_level") {
		cfg.LogLevel = strings.TrimSpace(viper.GetString("log_level"))
	}
	if viper.IsSet("metrics.listen") {
		cfg.Metrics.Listen = strings.TrimSpace(viper.GetString("metrics.listen"))
	}
	return cfg, nil
}

func readConfig() (*config.Config, error) {
	if path := strings.TrimSpace(viper.GetString("config")); path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("[MAIN] config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Info("[MAIN] no config file found, using defaults")
	return config.Default(), nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			fmt.Printf("config ok: %d peripherals\n", len(cfg.Peripherals))
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Printf("config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Printf("wrote %s; add server_key and peripherals before running\n", path)
			return nil
		},
	}
}
