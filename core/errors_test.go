package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSeverityOf verifies the code → severity mapping.
func TestSeverityOf(t *testing.T) {
	assert.Equal(t, SeverityFatal, SeverityOf(CodeSecurityViolation))
	assert.Equal(t, SeverityFatal, SeverityOf(CodeIntentRejected))
	assert.Equal(t, SeverityFatal, SeverityOf(CodePipelineTimeout))
	assert.Equal(t, SeverityError, SeverityOf(CodeExecutionFailed))
	assert.Equal(t, SeverityError, SeverityOf(ErrorCode("UNKNOWN_CODE")))
}

// TestRetryableCode verifies which codes the SQL agent may retry.
func TestRetryableCode(t *testing.T) {
	assert.True(t, RetryableCode(CodeDryRunFailed))
	assert.True(t, RetryableCode(CodeLogicalValidationFailed))
	assert.True(t, RetryableCode(CodeExecutionFailed))
	assert.True(t, RetryableCode(CodeMissingSQL))

	// Breaker-open must not retry: nothing can succeed until the reset
	// timeout elapses.
	assert.False(t, RetryableCode(CodeBreakerOpen))
	assert.False(t, RetryableCode(CodeSecurityViolation))
	assert.False(t, RetryableCode(CodeIntentRejected))
	assert.False(t, RetryableCode(CodePipelineTimeout))
}

func TestNewPipelineError(t *testing.T) {
	inner := errors.New("connection refused to 10.0.0.5:5432")
	pe := NewPipelineError("executor", CodeExecutionFailed, "execution failed", inner)

	assert.Equal(t, "executor", pe.Node)
	assert.Equal(t, SeverityError, pe.Severity)
	assert.True(t, pe.Retryable)
	assert.False(t, pe.IsFatal())
	assert.ErrorIs(t, pe, inner)
}

// TestSanitized verifies that the message crossing the LLM boundary
// carries only the code and the pipeline-authored text, never the
// wrapped upstream error.
func TestSanitized(t *testing.T) {
	inner := errors.New("pq: password authentication failed for user admin")
	pe := NewPipelineError("executor", CodeExecutionFailed, "execution failed", inner)

	sanitized := pe.Sanitized()
	assert.Equal(t, "EXECUTION_FAILED: execution failed", sanitized)
	assert.NotContains(t, sanitized, "password")
}

func TestAsPipelineError(t *testing.T) {
	t.Run("extracts from chain", func(t *testing.T) {
		pe := NewPipelineError("planner", CodeMissingSQL, "no plan", nil)
		wrapped := fmt.Errorf("attempt 2: %w", pe)

		got := AsPipelineError(wrapped, "other", CodeExecutionFailed)
		assert.Equal(t, "planner", got.Node)
		assert.Equal(t, CodeMissingSQL, got.Code)
	})

	t.Run("wraps plain errors", func(t *testing.T) {
		got := AsPipelineError(errors.New("boom"), "executor", CodeExecutionFailed)
		require.NotNil(t, got)
		assert.Equal(t, "executor", got.Node)
		assert.Equal(t, "internal error", got.Message)
	})
}

func TestIsRetryable(t *testing.T) {
	retryable := NewPipelineError("physical_validator", CodeDryRunFailed, "rejected", nil)
	fatal := NewPipelineError("logical_validator", CodeSecurityViolation, "denied", nil)

	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", retryable)))
	assert.False(t, IsRetryable(fatal))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("lookup: %w", ErrDatasourceNotFound)))
	assert.True(t, IsNotFound(ErrAgentNotFound))
	assert.False(t, IsNotFound(ErrBreakerOpen))
}

func TestQueryResultHasFatal(t *testing.T) {
	r := &QueryResult{Errors: []PipelineError{
		*NewPipelineError("planner", CodeMissingSQL, "no plan", nil),
	}}
	assert.False(t, r.HasFatal())

	r.Errors = append(r.Errors, *NewPipelineError("intent_validator", CodeIntentRejected, "rejected", nil))
	assert.True(t, r.HasFatal())
}
