package devserver

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the dev backend settings
type Config struct {
	// Addr is the listen address, e.g. ":8001"
	Addr string

	// DataDir is the directory for conversation storage
	DataDir string

	// Token, when set, is required as a bearer credential on every /api route
	Token string

	// CouncilFile is an optional YAML council definition
	CouncilFile string

	// CORSAllowedOrigins restricts browser origins. Empty allows any localhost origin.
	CORSAllowedOrigins []string

	// MaxRequestBodySize is the maximum allowed request body size
	MaxRequestBodySize int64
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Addr:               ":8001",
		DataDir:            "data/conversations",
		MaxRequestBodySize: 1 << 20,
	}
}

// CouncilConfig describes the mock council the dev backend emulates.
type CouncilConfig struct {
	// Models is the list of council members queried in stages 1 and 2
	Models []string `yaml:"council_models"`

	// Chairman synthesizes stage 3 and answers follow-ups
	Chairman string `yaml:"chairman_model"`

	// EventDelay is slept between streamed events so progress is visible
	EventDelay time.Duration `yaml:"event_delay"`

	// FailStage makes the given stage (1-3) fail, to exercise error events. Zero disables it.
	FailStage int `yaml:"fail_stage"`

	// TitleWords is how many words of the question become the title
	TitleWords int `yaml:"title_words"`
}

// DefaultCouncilConfig is the council used without a council file.
func DefaultCouncilConfig() CouncilConfig {
	return CouncilConfig{
		Models: []string{
			"openai/gpt-5.1",
			"google/gemini-3-pro-preview",
			"anthropic/claude-sonnet-4.5",
			"x-ai/grok-4",
		},
		Chairman:   "google/gemini-3-pro-preview",
		TitleWords: 5,
	}
}

// LoadCouncilConfig reads a YAML council definition. Missing fields keep their defaults.
// An empty path returns the defaults.
func LoadCouncilConfig(path string) (CouncilConfig, error) {
	cfg := DefaultCouncilConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read council file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse council file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid council file %s: %w", path, err)
	}
	return cfg, nil
}

func (c CouncilConfig) validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("council_models must not be empty")
	}
	if len(c.Models) > 26 {
		return fmt.Errorf("at most 26 council models can be labelled, got %d", len(c.Models))
	}
	if c.Chairman == "" {
		return fmt.Errorf("chairman_model is required")
	}
	if c.FailStage < 0 || c.FailStage > 3 {
		return fmt.Errorf("fail_stage must be between 0 and 3, got %d", c.FailStage)
	}
	if c.TitleWords <= 0 {
		return fmt.Errorf("title_words must be positive, got %d", c.TitleWords)
	}
	return nil
}
