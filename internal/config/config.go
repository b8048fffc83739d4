// Package config handles configuration loading and management for arbor.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for arbor.
type Config struct {
	Anthropic   AnthropicConfig   `mapstructure:"anthropic"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Similarity  SimilarityConfig  `mapstructure:"similarity"`
	Analysis    AnalysisConfig    `mapstructure:"analysis"`
	Thresholds  ThresholdsConfig  `mapstructure:"thresholds"`
	Combination CombinationConfig `mapstructure:"combination"`
	Evidence    EvidenceConfig    `mapstructure:"evidence"`
	Synthesis   SynthesisConfig   `mapstructure:"synthesis"`
	Direction   DirectionConfig   `mapstructure:"direction"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Log         LogConfig         `mapstructure:"log"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// LLMConfig selects the model and transport for generation and synthesis.
type LLMConfig struct {
	Model      string `mapstructure:"model"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// SimilarityConfig selects the question similarity backend.
type SimilarityConfig struct {
	// Backend is "lexical" or "genai".
	Backend     string `mapstructure:"backend"`
	GenAIAPIKey string `mapstructure:"genai_api_key"`
	GenAIModel  string `mapstructure:"genai_model"`
}

// AnalysisConfig holds per-run defaults.
type AnalysisConfig struct {
	Company     string `mapstructure:"company"`
	Period      string `mapstructure:"period"`
	Preset      string `mapstructure:"preset"`
	MaxLevels   int    `mapstructure:"max_levels"`
	MaxChildren int    `mapstructure:"max_children"`
	// Concurrency bounds in-flight generation and synthesis calls.
	Concurrency int `mapstructure:"concurrency"`
	// MissingQuestions caps the uncovered questions asked after a build; 0 skips the pass.
	MissingQuestions int `mapstructure:"missing_questions"`
}

// ThresholdsConfig holds the similarity thresholds used by dedup and combination.
type ThresholdsConfig struct {
	// Alias is T_dup: candidates at or above it become aliases.
	Alias float64 `mapstructure:"alias_threshold"`
	// SummaryBandLow is the lower bound of the summary band.
	SummaryBandLow float64 `mapstructure:"summary_band_low"`
	// SummaryBandHigh is the exclusive upper bound of the summary band.
	SummaryBandHigh float64 `mapstructure:"summary_band_high"`
	// Combination is T_combine.
	Combination float64 `mapstructure:"combination_threshold"`
	// Margin widens each boundary into an ambiguity zone treated as distinct.
	Margin float64 `mapstructure:"dedup_margin"`
}

// CombinationConfig bounds the combination pass.
type CombinationConfig struct {
	MinLevel      int `mapstructure:"min_level"`
	MaxPerLevel   int `mapstructure:"max_per_level"`
	MaxCandidates int `mapstructure:"max_candidates"`
}

// EvidenceConfig holds the evidence gate policy.
type EvidenceConfig struct {
	MinCitations         int     `mapstructure:"min_citations"`
	MinVendors           int     `mapstructure:"min_vendors"`
	InsufficientPenalty  float64 `mapstructure:"insufficient_penalty"`
	ContradictionPenalty float64 `mapstructure:"contradiction_penalty"`
	Floor                float64 `mapstructure:"floor"`
	// TopicOverlap is the minimum similarity of two child questions for their
	// opposing answers to count as a contradiction.
	TopicOverlap float64 `mapstructure:"topic_overlap"`
}

// SynthesisConfig tunes internal-node confidence.
type SynthesisConfig struct {
	// LLMConfidenceWeight blends the model's own confidence into the aggregate
	// of nodes with two or more children.
	LLMConfidenceWeight float64 `mapstructure:"llm_confidence_weight"`
}

// DirectionConfig overrides the vocabulary that reads answers as bullish or
// bearish. Empty lists keep the built-in terms.
type DirectionConfig struct {
	BullishTerms  []string `mapstructure:"bullish_terms"`
	BearishTerms  []string `mapstructure:"bearish_terms"`
	NegationTerms []string `mapstructure:"negation_terms"`
	// MarkerWeight is how many plain terms an explicit "direction: x" counts for.
	MarkerWeight int `mapstructure:"marker_weight"`
}

// RetrievalConfig tunes the evidence retriever.
type RetrievalConfig struct {
	TopK            int  `mapstructure:"top_k"`
	MaxContextChars int  `mapstructure:"max_context_chars"`
	EnforcePeriod   bool `mapstructure:"enforce_period"`
}

// RetryConfig bounds retries of external calls.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// StorageConfig locates the session database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Tree is the subset of configuration the orchestrator is constructed with.
type Tree struct {
	Concurrency      int
	MaxContextChars  int
	MissingQuestions int
	Thresholds       ThresholdsConfig
	Combination      CombinationConfig
	Evidence         EvidenceConfig
	Synthesis        SynthesisConfig
	Retry            RetryConfig
}

// Tree returns the orchestrator configuration.
func (c *Config) Tree() Tree {
	return Tree{
		Concurrency:      c.Analysis.Concurrency,
		MaxContextChars:  c.Retrieval.MaxContextChars,
		MissingQuestions: c.Analysis.MissingQuestions,
		Thresholds:       c.Thresholds,
		Combination:      c.Combination,
		Evidence:         c.Evidence,
		Synthesis:        c.Synthesis,
		Retry:            c.Retry,
	}
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, GEMINI_API_KEY, ARBOR_*)
// 2. Project config (.arbor.yaml in current directory or parent)
// 3. User config (~/.config/arbor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	bindEnv(v)

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("arbor")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("similarity.genai_api_key", "GEMINI_API_KEY")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Similarity.GenAIAPIKey = expandEnv(cfg.Similarity.GenAIAPIKey)

	if cfg.Analysis.Preset != "" {
		if err := cfg.ApplyPreset(cfg.Analysis.Preset); err != nil {
			return nil, err
		}
	}
	if cfg.Thresholds.SummaryBandHigh == 0 {
		cfg.Thresholds.SummaryBandHigh = cfg.Thresholds.Alias
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Set returns a copy of cfg with one dot-notation key changed. The value is
// decoded into the key's type and the result is validated.
func Set(cfg *Config, key, value string) (*Config, error) {
	key = strings.ToLower(key)
	values := Values(cfg)
	if _, ok := values[key]; !ok {
		return nil, fmt.Errorf("unknown configuration key: %s", key)
	}

	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	v.Set(key, value)
	// An explicit limit wins over the preset that would otherwise reapply.
	if key == "analysis.max_levels" || key == "analysis.max_children" {
		v.Set("analysis.preset", "")
	}
	return unmarshal(v)
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	for key, value := range Values(cfg) {
		v.Set(key, value)
	}
	// Never persist secrets picked up from the environment.
	if os.Getenv("ANTHROPIC_API_KEY") == cfg.Anthropic.APIKey {
		v.Set("anthropic.api_key", "")
	}
	if os.Getenv("GEMINI_API_KEY") == cfg.Similarity.GenAIAPIKey {
		v.Set("similarity.genai_api_key", "")
	}

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()
	for key, value := range Values(d) {
		v.SetDefault(key, value)
	}
}

// Values flattens a config into dot-notation keys.
func Values(cfg *Config) map[string]any {
	return map[string]any{
		"anthropic.api_key":                 cfg.Anthropic.APIKey,
		"llm.model":                         cfg.LLM.Model,
		"llm.max_tokens":                    cfg.LLM.MaxTokens,
		"llm.use_bedrock":                   cfg.LLM.UseBedrock,
		"llm.aws_region":                    cfg.LLM.AWSRegion,
		"llm.aws_profile":                   cfg.LLM.AWSProfile,
		"similarity.backend":                cfg.Similarity.Backend,
		"similarity.genai_api_key":          cfg.Similarity.GenAIAPIKey,
		"similarity.genai_model":            cfg.Similarity.GenAIModel,
		"analysis.company":                  cfg.Analysis.Company,
		"analysis.period":                   cfg.Analysis.Period,
		"analysis.preset":                   cfg.Analysis.Preset,
		"analysis.max_levels":               cfg.Analysis.MaxLevels,
		"analysis.max_children":             cfg.Analysis.MaxChildren,
		"analysis.concurrency":              cfg.Analysis.Concurrency,
		"analysis.missing_questions":        cfg.Analysis.MissingQuestions,
		"thresholds.alias_threshold":        cfg.Thresholds.Alias,
		"thresholds.summary_band_low":       cfg.Thresholds.SummaryBandLow,
		"thresholds.summary_band_high":      cfg.Thresholds.SummaryBandHigh,
		"thresholds.combination_threshold":  cfg.Thresholds.Combination,
		"thresholds.dedup_margin":           cfg.Thresholds.Margin,
		"combination.min_level":             cfg.Combination.MinLevel,
		"combination.max_per_level":         cfg.Combination.MaxPerLevel,
		"combination.max_candidates":        cfg.Combination.MaxCandidates,
		"evidence.min_citations":            cfg.Evidence.MinCitations,
		"evidence.min_vendors":              cfg.Evidence.MinVendors,
		"evidence.insufficient_penalty":     cfg.Evidence.InsufficientPenalty,
		"evidence.contradiction_penalty":    cfg.Evidence.ContradictionPenalty,
		"evidence.floor":                    cfg.Evidence.Floor,
		"evidence.topic_overlap":            cfg.Evidence.TopicOverlap,
		"synthesis.llm_confidence_weight":   cfg.Synthesis.LLMConfidenceWeight,
		"direction.bullish_terms":           cfg.Direction.BullishTerms,
		"direction.bearish_terms":           cfg.Direction.BearishTerms,
		"direction.negation_terms":          cfg.Direction.NegationTerms,
		"direction.marker_weight":           cfg.Direction.MarkerWeight,
		"retrieval.top_k":                   cfg.Retrieval.TopK,
		"retrieval.max_context_chars":       cfg.Retrieval.MaxContextChars,
		"retrieval.enforce_period":          cfg.Retrieval.EnforcePeriod,
		"retry.max_attempts":                cfg.Retry.MaxAttempts,
		"retry.base_delay":                  cfg.Retry.BaseDelay.String(),
		"retry.call_timeout":                cfg.Retry.CallTimeout.String(),
		"storage.path":                      cfg.Storage.Path,
		"log.level":                         cfg.Log.Level,
		"log.file":                          cfg.Log.File,
	}
}

// getUserConfigDir returns the XDG config directory for arbor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "arbor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "arbor")
	}
	return filepath.Join(home, ".config", "arbor")
}

// DataDir returns the XDG data directory for arbor.
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "arbor")
}

// findProjectConfig searches for .arbor.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".arbor.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 2048,
		},
		Similarity: SimilarityConfig{
			Backend:    "lexical",
			GenAIModel: "gemini-embedding-001",
		},
		Analysis: AnalysisConfig{
			MaxLevels:        5,
			MaxChildren:      3,
			Concurrency:      4,
			MissingQuestions: 8,
		},
		Thresholds: ThresholdsConfig{
			Alias:           0.85,
			SummaryBandLow:  0.50,
			SummaryBandHigh: 0.85,
			Combination:     0.65,
			Margin:          0.02,
		},
		Combination: CombinationConfig{
			MinLevel:      3,
			MaxPerLevel:   5,
			MaxCandidates: 12,
		},
		Evidence: EvidenceConfig{
			MinCitations:         3,
			MinVendors:           2,
			InsufficientPenalty:  0.7,
			ContradictionPenalty: 0.8,
			Floor:                0.2,
			TopicOverlap:         0,
		},
		Synthesis: SynthesisConfig{
			LLMConfidenceWeight: 0.2,
		},
		Retrieval: RetrievalConfig{
			TopK:            3,
			MaxContextChars: 12000,
			EnforcePeriod:   true,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			CallTimeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			Path: filepath.Join(DataDir(), "arbor.db"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
