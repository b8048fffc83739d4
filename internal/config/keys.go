package config

import (
	"errors"
	"os"
	"strings"
)

var (
	// ErrNoAPIKey is returned when no Anthropic API key is configured.
	ErrNoAPIKey = errors.New("no Anthropic API key configured")
	// ErrNoGenAIKey is returned when the genai similarity backend has no key.
	ErrNoGenAIKey = errors.New("no Gemini API key configured")
)

// GetAPIKey returns the Anthropic API key.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config) (string, error) {
	var fromConfig string
	if cfg != nil {
		fromConfig = cfg.Anthropic.APIKey
	}
	if key := resolveKey("ANTHROPIC_API_KEY", fromConfig); key != "" {
		return key, nil
	}
	return "", ErrNoAPIKey
}

// GetGenAIKey returns the Gemini API key used for embedding similarity.
func GetGenAIKey(cfg *Config) (string, error) {
	var fromConfig string
	if cfg != nil {
		fromConfig = cfg.Similarity.GenAIAPIKey
	}
	if key := resolveKey("GEMINI_API_KEY", fromConfig); key != "" {
		return key, nil
	}
	return "", ErrNoGenAIKey
}

func resolveKey(env, configured string) string {
	if key := os.Getenv(env); key != "" {
		return key
	}
	if configured != "" {
		// Expand any remaining env var references
		key := os.ExpandEnv(configured)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key
		}
	}
	return ""
}

// ValidateAPIKey performs basic validation on an Anthropic API key.
// It checks format but does not verify the key with Anthropic's API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey returns a masked version of a key for display,
// keeping the first 7 and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
