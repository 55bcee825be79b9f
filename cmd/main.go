package main

import (
	"fmt"
	"os"

	"github.com/deepgram/sigpull/internal/config"
	"github.com/deepgram/sigpull/internal/services"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	verbose   bool
	contextID string
)

var rootCmd = &cobra.Command{
	Use:   "sigpull",
	Short: "Signal-Pull client: convergent message sync and a tool-using chat engine",
	Long: `sigpull keeps a local copy of a Signal-Pull conversation in step with the
server. Signals only say that something changed; the content is always pulled.

It also drives one interaction turn at a time against an OpenAI-compatible
model, asking for approval before running tools in the workspace.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(mockServerCmd)
}

func initLogging() {
	cfg := logger.DefaultConfig()
	cfg.Pretty = true
	if verbose {
		cfg.Level = "debug"
	}
	logger.Init(cfg)
}

// loadConfig reads configuration and re-initializes logging from it. The
// --verbose flag wins over the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger.Init(logger.Config{Level: level, Pretty: cfg.Log.Pretty || isTerminal(os.Stderr), Output: os.Stderr})

	return cfg, nil
}

func initServices() (*config.Config, *services.Services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	svcs, err := services.InitializeServices(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return cfg, svcs, nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
