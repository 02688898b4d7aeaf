// Package llm provides the named-agent registry and the providers behind
// it. Stage nodes resolve an agent by name and speak core.LLMClient; the
// registry falls back to the default agent when a role-specific one is
// not configured.
package llm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// Well-known agent names. Every pipeline stage that calls a model looks
// up its own name first and falls back to AgentDefault.
const (
	AgentDefault            = "default"
	AgentSemantic           = "semantic"
	AgentIntentValidator    = "intent_validator"
	AgentDecomposer         = "decomposer"
	AgentPlanner            = "planner"
	AgentRefiner            = "refiner"
	AgentIndexingEnrichment = "indexing_enrichment"
	AgentAggregatorAnswer   = "aggregator_answer"
)

// AgentConfig describes one named agent. APIKey is resolved from secret
// references at load time and never serialized back out.
type AgentConfig struct {
	Name         string  `yaml:"name" json:"name"`
	Provider     string  `yaml:"provider" json:"provider"`
	BaseURL      string  `yaml:"base_url" json:"base_url"`
	Model        string  `yaml:"model" json:"model"`
	APIKey       string  `yaml:"api_key" json:"-"`
	Temperature  float32 `yaml:"temperature" json:"temperature"`
	MaxTokens    int     `yaml:"max_tokens" json:"max_tokens"`
	Seed         *int    `yaml:"seed,omitempty" json:"seed,omitempty"`
	SystemPrompt string  `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	TimeoutSec   int     `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`
}

// Validate checks the fields a provider cannot work without.
func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: agent name is required", core.ErrInvalidConfiguration)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: agent %q has no model", core.ErrInvalidConfiguration, c.Name)
	}
	switch c.Provider {
	case "", "openai", "openai-compatible", "script":
	default:
		return fmt.Errorf("%w: agent %q has unknown provider %q", core.ErrInvalidConfiguration, c.Name, c.Provider)
	}
	return nil
}

// Sanitized returns a copy safe to echo through the management API:
// the API key is replaced by a presence marker.
func (c *AgentConfig) Sanitized() map[string]interface{} {
	out := map[string]interface{}{
		"name":        c.Name,
		"provider":    c.Provider,
		"base_url":    c.BaseURL,
		"model":       c.Model,
		"temperature": c.Temperature,
		"max_tokens":  c.MaxTokens,
		"api_key_set": c.APIKey != "",
	}
	if c.Seed != nil {
		out["seed"] = *c.Seed
	}
	if c.SystemPrompt != "" {
		out["system_prompt"] = c.SystemPrompt
	}
	return out
}

// File is the on-disk LLM config format.
type File struct {
	Version int           `yaml:"version"`
	Agents  []AgentConfig `yaml:"agents"`
}

// LoadFile reads agent configs from a YAML file, expanding secret
// references in api_key and base_url.
func LoadFile(path string, secrets *core.SecretResolver) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading llm config: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing llm config: %w", err)
	}
	for i := range file.Agents {
		a := &file.Agents[i]
		if secrets != nil {
			if a.APIKey, err = secrets.Expand(a.APIKey); err != nil {
				return nil, fmt.Errorf("resolving api key for agent %q: %w", a.Name, err)
			}
			if a.BaseURL, err = secrets.Expand(a.BaseURL); err != nil {
				return nil, fmt.Errorf("resolving base url for agent %q: %w", a.Name, err)
			}
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
	}
	return &file, nil
}
