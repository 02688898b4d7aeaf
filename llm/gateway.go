package llm

import (
	"context"
	"time"

	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/resilience"
)

// auditTextLimit caps prompt/response text stored in audit records.
const auditTextLimit = 4000

// Gateway is the single path stage nodes use to call a model: it
// resolves the named agent, routes the call through the LLM circuit
// breaker, emits metrics, and records the exchange in the audit trail.
type Gateway struct {
	registry *Registry
	breaker  *resilience.CircuitBreaker
	audit    core.AuditSink
	metrics  core.Metrics
	logger   core.Logger
}

// NewGateway wires the gateway. Nil audit/metrics/logger degrade to
// no-ops.
func NewGateway(registry *Registry, breaker *resilience.CircuitBreaker, audit core.AuditSink, metrics core.Metrics, logger core.Logger) *Gateway {
	if audit == nil {
		audit = &core.NoOpAuditSink{}
	}
	if metrics == nil {
		metrics = &core.NoOpMetrics{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Gateway{registry: registry, breaker: breaker, audit: audit, metrics: metrics, logger: logger}
}

// Generate calls the named agent (falling back to the default agent)
// with the prompt. Node and traceID identify the caller for audit and
// metrics; they never influence the model call.
func (g *Gateway) Generate(ctx context.Context, node, traceID, agentName, prompt string, opts *core.LLMOptions) (*core.LLMResponse, error) {
	client, cfg, err := g.registry.Resolve(agentName)
	if err != nil {
		return nil, err
	}

	var resp *core.LLMResponse
	start := time.Now()
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = client.GenerateResponse(ctx, prompt, opts)
		return callErr
	})

	labels := map[string]string{"agent": cfg.Name, "model": cfg.Model}
	g.metrics.Histogram("llm_call_duration_seconds", time.Since(start).Seconds(), labels)
	if err != nil {
		g.metrics.Counter("llm_call_errors_total", 1, labels)
		g.logger.Warn("LLM call failed", map[string]interface{}{
			"operation": "llm_generate",
			"node":      node,
			"agent":     cfg.Name,
			"trace_id":  traceID,
			"error":     err.Error(),
		})
		return nil, err
	}
	g.metrics.Counter("llm_call_total", 1, labels)

	g.audit.Record(core.AuditEvent{
		TraceID:   traceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Node:      node,
		Prompt:    truncate(prompt, auditTextLimit),
		Response:  truncate(resp.Content, auditTextLimit),
		Model:     resp.Model,
		Tokens:    resp.Usage.TotalTokens,
		Kind:      "llm_exchange",
	})
	return resp, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…[truncated]"
}
