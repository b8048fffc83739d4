package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/arbor/internal/config"
	"github.com/ShayCichocki/arbor/internal/logging"
)

var (
	flagVerbose    bool
	flagQuiet      bool
	flagConfigPath string
	flagDBPath     string
	flagLogFile    string

	// appConfig and logger are set by the root PersistentPreRunE.
	appConfig *config.Config
	logger    = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "Investment question tree orchestrator",
	Long: `Arbor decomposes an investment question into a tree of sub-questions,
answers the leaves from gathered evidence, and synthesizes the answers
bottom-up into a final BUY / SELL / HOLD / NEUTRAL decision.

Sessions are stored locally, so any node of a finished analysis can be
inspected or edited later; an edit regenerates only the affected subtree.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagDBPath != "" {
			cfg.Storage.Path = flagDBPath
		}
		if flagLogFile != "" {
			cfg.Log.File = flagLogFile
		}
		appConfig = cfg

		l, err := logging.New(logging.Options{
			Level:   cfg.Log.Level,
			File:    cfg.Log.File,
			Verbose: flagVerbose,
			Quiet:   flagQuiet,
		})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func loadConfig() (*config.Config, error) {
	if flagConfigPath != "" {
		return config.LoadFromPath(flagConfigPath)
	}
	return config.Load()
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		if errors.Is(err, config.ErrInvalidConfig) {
			fmt.Fprintln(os.Stderr, "Run 'arbor config show' to inspect the effective configuration.")
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "No log output on stderr")
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Config file (default: user config merged with .arbor.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "Session database path")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Also write JSON logs to this file")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(versionCmd)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
