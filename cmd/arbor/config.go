package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/arbor/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `View or modify Arbor configuration.

Configuration is stored at ~/.config/arbor/config.yaml
Project-specific overrides can be placed in .arbor.yaml
Environment variables use the ARBOR_ prefix, e.g. ARBOR_LLM_MODEL.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		displayAllConfig(appConfig)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		displayAllConfig(appConfig)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values := displayValues(appConfig)
		value, ok := values[strings.ToLower(args[0])]
		if !ok {
			return fmt.Errorf("unknown configuration key: %s", args[0])
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the user config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Set(appConfig, args[0], args[1])
		if err != nil {
			return err
		}
		if err := config.Save(cfg); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}
		fmt.Printf("Set %s = %s\n", strings.ToLower(args[0]), args[1])
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the user config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GetUserConfigPath()
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Save(config.Default()); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}
		printStatus("✓", "Wrote "+path, color.FgGreen)
		return nil
	},
}

var configPresetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List depth presets",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range config.PresetNames() {
			p := config.Presets[name]
			marker := " "
			if appConfig.Analysis.Preset == p.Name {
				marker = "*"
			}
			fmt.Printf("%s %-9s %d levels, %d children per node\n", marker, p.Name, p.MaxLevels, p.MaxChildren)
		}
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configInitCmd, configPresetsCmd)
}

// displayAllConfig prints the config sources and all values sorted by key.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("# user config:    %s\n", config.GetUserConfigPath())
	if project := config.GetProjectConfigPath(); project != "" {
		fmt.Printf("# project config: %s\n", project)
	}
	if flagConfigPath != "" {
		fmt.Printf("# loaded from:    %s\n", flagConfigPath)
	}
	values := displayValues(cfg)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s: %s\n", k, values[k])
	}
}

// displayValues renders config values as strings with secrets masked.
func displayValues(cfg *config.Config) map[string]string {
	out := make(map[string]string)
	for k, v := range config.Values(cfg) {
		out[k] = fmt.Sprint(v)
	}
	apiKey, _ := config.GetAPIKey(cfg)
	out["anthropic.api_key"] = config.MaskAPIKey(apiKey)
	genaiKey, _ := config.GetGenAIKey(cfg)
	out["similarity.genai_api_key"] = config.MaskAPIKey(genaiKey)
	return out
}
