package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/square-key-labs/strawgo-bridge/src/config"
	"github.com/square-key-labs/strawgo-bridge/src/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "strawgo-bridge",
	Short:        "Relay phone calls to a realtime speech-to-speech AI service",
	SilenceUsage: true,
	Long: `strawgo-bridge accepts Twilio Media Streams connections, opens one realtime
AI session per call and relays audio both ways, handling barge-in, call
budgets and usage accounting.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if present (ignore error if not found)
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "strawgo-bridge.yaml", "path to the YAML config file")
}

// loadConfig reads, validates and applies the logging section
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	logger.Init(logger.ParseLevel(cfg.Log.Level), cfg.Log.Color)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
