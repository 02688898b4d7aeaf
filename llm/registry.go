package llm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// Registry holds named agents. Lookups that miss fall back to the
// default agent, so deployments configure exactly the overrides they
// need. Safe for concurrent use; Register hot-replaces.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*entry
	factory ClientFactory
	logger  core.Logger
}

type entry struct {
	config AgentConfig
	client core.LLMClient
}

// ClientFactory builds a client from an agent config. The default
// factory returns the openai-compatible HTTP provider; tests install a
// scriptable one.
type ClientFactory func(cfg AgentConfig) (core.LLMClient, error)

// NewRegistry creates an empty registry.
func NewRegistry(factory ClientFactory, logger core.Logger) *Registry {
	if factory == nil {
		factory = DefaultClientFactory
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		agents:  make(map[string]*entry),
		factory: factory,
		logger:  logger,
	}
}

// DefaultClientFactory builds the HTTP provider for an agent; provider
// "script" gets an empty script client for model-free deployments.
func DefaultClientFactory(cfg AgentConfig) (core.LLMClient, error) {
	if cfg.Provider == "script" {
		return NewScriptClient(), nil
	}
	return NewOpenAIClient(cfg)
}

// Register validates the config, builds its client, and installs it
// under its name, replacing any previous agent with that name.
func (r *Registry) Register(cfg AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	client, err := r.factory(cfg)
	if err != nil {
		return fmt.Errorf("building client for agent %q: %w", cfg.Name, err)
	}

	r.mu.Lock()
	_, replaced := r.agents[cfg.Name]
	r.agents[cfg.Name] = &entry{config: cfg, client: client}
	r.mu.Unlock()

	r.logger.Info("Registered LLM agent", map[string]interface{}{
		"operation": "llm_register",
		"agent":     cfg.Name,
		"provider":  cfg.Provider,
		"model":     cfg.Model,
		"replaced":  replaced,
	})
	return nil
}

// LoadAll registers every agent in a config file.
func (r *Registry) LoadAll(file *File) error {
	for _, cfg := range file.Agents {
		if err := r.Register(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the client and config for a named agent, falling back
// to the default agent when the name is not registered.
func (r *Registry) Resolve(name string) (core.LLMClient, AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.agents[name]; ok {
		return e.client, e.config, nil
	}
	if e, ok := r.agents[AgentDefault]; ok {
		return e.client, e.config, nil
	}
	return nil, AgentConfig{}, fmt.Errorf("%w: %q (and no default agent)", core.ErrAgentNotFound, name)
}

// Config returns the sanitized config for one agent without falling back.
func (r *Registry) Config(name string) (map[string]interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrAgentNotFound, name)
	}
	return e.config.Sanitized(), nil
}

// List returns sanitized configs for all agents, sorted by name.
func (r *Registry) List() []map[string]interface{} {
	r.mu.RLock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		if cfg, err := r.Config(name); err == nil {
			out = append(out, cfg)
		}
	}
	return out
}
