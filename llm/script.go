package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// ScriptClient replays canned responses matched by prompt substring, in
// registration order. Tests and offline demos register it through a
// ClientFactory; it is also reachable from config via provider "script"
// (returning empty responses) so the server boots without any model
// endpoint configured.
type ScriptClient struct {
	mu    sync.Mutex
	rules []scriptRule
	calls []string
}

type scriptRule struct {
	match    string
	response string
	err      error
}

// NewScriptClient creates an empty script client.
func NewScriptClient() *ScriptClient {
	return &ScriptClient{}
}

// On registers a response for prompts containing match. An empty match
// catches everything, so register it last.
func (s *ScriptClient) On(match, response string) *ScriptClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, scriptRule{match: match, response: response})
	return s
}

// OnError registers an error for prompts containing match.
func (s *ScriptClient) OnError(match string, err error) *ScriptClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, scriptRule{match: match, err: err})
	return s
}

// Calls returns the prompts seen so far.
func (s *ScriptClient) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// GenerateResponse matches the prompt against the registered rules.
func (s *ScriptClient) GenerateResponse(ctx context.Context, prompt string, opts *core.LLMOptions) (*core.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, prompt)
	rules := s.rules
	s.mu.Unlock()

	for _, r := range rules {
		if r.match == "" || strings.Contains(prompt, r.match) {
			if r.err != nil {
				return nil, r.err
			}
			return &core.LLMResponse{
				Content: r.response,
				Model:   "script",
				Usage:   core.TokenUsage{TotalTokens: len(prompt) / 4},
			}, nil
		}
	}
	return nil, fmt.Errorf("no scripted response matches prompt")
}
