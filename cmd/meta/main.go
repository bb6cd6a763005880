package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
)

var (
	// Command-line flags
	configFiles []string // Multiple --config flags supported, later files override earlier ones
	serverPort  int
	serverHost  string

	// Global state
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:   "meta",
	Short: "Metagenomics pipeline tracker",
	Long:  `Meta tracks simulation, classification and evaluation jobs and runs them as containers.`,
	// Running without a subcommand serves
	PersistentPreRunE: loadConfig,
	RunE:              runServe,
	SilenceUsage:      true,
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (can be specified multiple times)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")

	rootCmd.AddCommand(serveCmd, versionCmd, catalogCmd)
}

// loadConfig runs the startup sequence:
// defaults -> config files -> env -> CLI flags, then logger and banner.
func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("meta.toml"); err == nil {
			configFiles = append(configFiles, "meta.toml")
		} else if _, err := os.Stat("deployments/local/meta.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/meta.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Error().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		return err
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost)

	logger = common.InitLogger(config)

	logger.Debug().
		Strs("config_files", configFiles).
		Str("badger_path", config.Storage.Badger.Path).
		Str("log_level", config.Logging.Level).
		Strs("log_output", config.Logging.Output).
		Msg("Resolved configuration")

	return nil
}

func main() {
	common.LoadVersionFromFile()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
