package core

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a failure class that crosses component boundaries.
// Codes are stable strings: they appear in logs, metrics labels, audit
// records, and sanitized LLM feedback, never the raw upstream error text.
type ErrorCode string

const (
	CodeMissingSQL              ErrorCode = "MISSING_SQL"
	CodeExecutionFailed         ErrorCode = "EXECUTION_FAILED"
	CodeDryRunFailed            ErrorCode = "DRY_RUN_FAILED"
	CodeLogicalValidationFailed ErrorCode = "LOGICAL_VALIDATION_FAILED"
	CodeSecurityViolation       ErrorCode = "SECURITY_VIOLATION"
	CodeIntentRejected          ErrorCode = "INTENT_REJECTED"
	CodePipelineTimeout         ErrorCode = "PIPELINE_TIMEOUT"
	CodeSchemaVersionMismatch   ErrorCode = "SCHEMA_VERSION_MISMATCH"
	CodeBreakerOpen             ErrorCode = "BREAKER_OPEN"
	CodeSandboxCrash            ErrorCode = "SANDBOX_CRASH"
	CodeAdapterUnavailable      ErrorCode = "ADAPTER_UNAVAILABLE"
)

// Severity orders failures by how much of the request they terminate.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic and can be wrapped with additional context.
var (
	ErrDatasourceNotFound = errors.New("datasource not found")
	ErrAgentNotFound      = errors.New("llm agent not found")
	ErrSchemaNotFound     = errors.New("schema snapshot not found")
	ErrArtifactNotFound   = errors.New("artifact not found")

	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	ErrBreakerOpen        = errors.New("circuit breaker is open")
	ErrSandboxCrash       = errors.New("sandbox worker crashed")
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// codeSeverity maps every code to its default severity. Codes absent from
// the map are treated as SeverityError.
var codeSeverity = map[ErrorCode]Severity{
	CodeMissingSQL:              SeverityError,
	CodeExecutionFailed:         SeverityError,
	CodeDryRunFailed:            SeverityError,
	CodeLogicalValidationFailed: SeverityError,
	CodeSecurityViolation:       SeverityFatal,
	CodeIntentRejected:          SeverityFatal,
	CodePipelineTimeout:         SeverityFatal,
	CodeSchemaVersionMismatch:   SeverityFatal,
	CodeBreakerOpen:             SeverityError,
	CodeSandboxCrash:            SeverityError,
	CodeAdapterUnavailable:      SeverityError,
}

// codeRetryable marks codes the SQL agent may retry through the refiner.
var codeRetryable = map[ErrorCode]bool{
	CodeMissingSQL:              true,
	CodeExecutionFailed:         true,
	CodeDryRunFailed:            true,
	CodeLogicalValidationFailed: true,
}

// SeverityOf returns the default severity for a code.
func SeverityOf(code ErrorCode) Severity {
	if s, ok := codeSeverity[code]; ok {
		return s
	}
	return SeverityError
}

// RetryableCode reports whether the SQL agent may retry after this code.
// Breaker-open is deliberately not retryable: retrying cannot help until
// the breaker's reset timeout elapses.
func RetryableCode(code ErrorCode) bool {
	return codeRetryable[code]
}

// PipelineError is the structured error recorded in PipelineState. It
// implements error so it can travel through ordinary return paths.
type PipelineError struct {
	Node      string    `json:"node"`
	Code      ErrorCode `json:"error_code"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Retryable bool      `json:"is_retryable"`
	Err       error     `json:"-"`
}

// NewPipelineError builds a PipelineError with severity and retryability
// derived from the code.
func NewPipelineError(node string, code ErrorCode, msg string, err error) *PipelineError {
	return &PipelineError{
		Node:      node,
		Code:      code,
		Severity:  SeverityOf(code),
		Message:   msg,
		Retryable: RetryableCode(code),
		Err:       err,
	}
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Node, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Node, e.Code, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Sanitized returns the message that may cross the LLM boundary: the code
// plus the pipeline-authored message, never wrapped external error text.
func (e *PipelineError) Sanitized() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsFatal reports whether the error terminates its owning SubQuery.
func (e *PipelineError) IsFatal() bool {
	return e.Severity == SeverityFatal
}

// AsPipelineError extracts a *PipelineError from an error chain, or wraps
// a plain error under the given node and code.
func AsPipelineError(err error, node string, code ErrorCode) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return NewPipelineError(node, code, "internal error", err)
}

// IsRetryable checks if an error chain is retryable through the refiner.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDatasourceNotFound) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrSchemaNotFound) ||
		errors.Is(err, ErrArtifactNotFound)
}
