package executor

import (
	"time"

	"github.com/skillfence/skillfence/internal/ratelimit"
)

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	KindSkillValidationFailed ErrorKind = "skill_validation_failed"
	KindTrustDenied           ErrorKind = "trust_denied"
	KindRateLimited           ErrorKind = "rate_limited"
	KindCapabilityRefused     ErrorKind = "capability_refused"
	KindFuelExhausted         ErrorKind = "fuel_exhausted"
	KindTimeout               ErrorKind = "timeout"
	KindInterpreterError      ErrorKind = "interpreter_error"
	KindHostError             ErrorKind = "host_error"
)

// ExecError is the error surfaced in an ExecutionResult. Message stays
// opaque; the detailed reason has already gone to the hooks.
type ExecError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Domain is set for capability refusals: fs, shell, fetch, or llm.
	Domain string `json:"domain,omitempty"`
}

func (e *ExecError) Error() string { return e.Message }

// ExecutionResult is what the caller of the executor always receives — never
// a panic or a raw error.
type ExecutionResult struct {
	Value    any           `json:"value,omitempty"`
	Error    *ExecError    `json:"error,omitempty"`
	FuelUsed uint64        `json:"fuel_used"`
	Trace    []string      `json:"trace,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`

	// RateLimitReason and RetryAfter are set when the request was refused
	// before execution.
	RateLimitReason ratelimit.Reason `json:"rate_limit_reason,omitempty"`
	RetryAfter      time.Duration    `json:"retry_after,omitempty"`
}

func failure(kind ErrorKind, message string) *ExecutionResult {
	return &ExecutionResult{
		Error: &ExecError{Kind: kind, Message: message},
	}
}
