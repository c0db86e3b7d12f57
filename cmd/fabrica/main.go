// Command fabrica is the artifact generation engine CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabrica-dev/fabrica/internal/app"
	"github.com/fabrica-dev/fabrica/internal/config"
	"github.com/fabrica-dev/fabrica/internal/logging"
)

var (
	flagConfig  string
	flagDataDir string
	flagDebug   bool
	flagJSON    bool
)

var rootCmd = &cobra.Command{
	Use:           "fabrica",
	Short:         "Local-first artifact generation engine",
	Long:          "fabrica turns meeting notes into validated artifacts (diagrams, docs, code) using local models first and cloud fallbacks when needed.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: ./fabrica.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "override data directory")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable output")

	rootCmd.AddCommand(
		generateCmd,
		packageCmd,
		modelsCmd,
		routingCmd,
		poolCmd,
		trainCmd,
		workerCmd,
		graphCmd,
	)
}

// loadConfig applies flag overrides on top of file/env configuration.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagDebug {
		cfg.Debug = true
	}
	return cfg, nil
}

func loadApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Debug)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, log)
}

func newLogger(cfg config.Config) *zap.Logger {
	log, err := logging.New(cfg.Debug)
	if err != nil {
		return logging.Nop()
	}
	return log
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
