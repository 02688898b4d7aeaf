package core

import (
	"context"
)

// Logger interface - minimal structured logging interface shared by every
// component. Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Metrics is the minimal meter surface components emit through. The
// telemetry package provides the OpenTelemetry-backed implementation.
type Metrics interface {
	Counter(name string, value float64, labels map[string]string)
	Histogram(name string, value float64, labels map[string]string)
}

// LLMClient generates a completion for a prompt. Implementations live in
// the llm package; stage nodes only ever see this contract.
type LLMClient interface {
	GenerateResponse(ctx context.Context, prompt string, opts *LLMOptions) (*LLMResponse, error)
}

// LLMOptions for a single generation call.
type LLMOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	Seed         *int
	SystemPrompt string
}

// LLMResponse from an LLM client.
type LLMResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage for LLM responses.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Embedder turns text into a fixed-dimension vector for retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// AuditSink receives structured audit events. Writes must not block the
// pipeline; sinks buffer internally and flush on Close.
type AuditSink interface {
	Record(event AuditEvent)
	Close() error
}

// AuditEvent is one append-only audit record. Prompt and response text
// are sanitized/redacted before the event is constructed.
type AuditEvent struct {
	TraceID   string `json:"trace_id"`
	Timestamp string `json:"timestamp"`
	Node      string `json:"node"`
	Prompt    string `json:"prompt_text,omitempty"`
	Response  string `json:"response_text,omitempty"`
	Model     string `json:"model,omitempty"`
	Tokens    int    `json:"tokens,omitempty"`
	Kind      string `json:"kind"`
}

// Default no-op implementations.

// NoOpLogger provides a no-op logger implementation.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpMetrics provides a no-op metrics implementation.
type NoOpMetrics struct{}

func (n *NoOpMetrics) Counter(name string, value float64, labels map[string]string)   {}
func (n *NoOpMetrics) Histogram(name string, value float64, labels map[string]string) {}

// NoOpAuditSink drops every event.
type NoOpAuditSink struct{}

func (n *NoOpAuditSink) Record(event AuditEvent) {}
func (n *NoOpAuditSink) Close() error            { return nil }
