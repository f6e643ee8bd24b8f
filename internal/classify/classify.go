// Package classify implements the upstream error taxonomy of spec.md §7:
// every upstream failure is classified exactly once, here, into one of a
// fixed set of outcomes that the Request Pipeline uses to decide whether
// to retry-and-rotate, mark a credential rate-limited, or fail the
// request outright. Grounded in internal/circuitbreaker/classify.go's
// status-code weighting and internal/provider/apierror.go's APIError/
// httpStatusError pattern.
package classify

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"

	gateway "github.com/arcwell/relaygate/internal"
)

// Outcome is one bucket of spec.md §7's error taxonomy.
type Outcome string

const (
	OutcomeBadRequest         Outcome = "bad_request"
	OutcomeQuotaExceeded      Outcome = "quota_exceeded"
	OutcomeUnauthorized       Outcome = "unauthorized"
	OutcomeCredentialOverQuota Outcome = "credential_over_quota"
	OutcomeRateLimited        Outcome = "rate_limited"
	OutcomeModelUnavailable   Outcome = "model_unavailable"
	OutcomeContentFiltered    Outcome = "content_filtered"
	OutcomeUpstreamTransient  Outcome = "upstream_transient"
	OutcomeFatal              Outcome = "fatal"
)

// httpStatusError mirrors the interface already used by
// internal/app/proxy.go and internal/circuitbreaker/classify.go so any
// error satisfying it classifies consistently across the codebase.
type httpStatusError interface {
	HTTPStatus() int
}

// Result is the classifier's verdict for one upstream failure.
type Result struct {
	Outcome Outcome
	// Retryable requests re-enqueue (credpool.Select excludes the failing
	// credential on retry via a fresh pick, since Select re-evaluates
	// eligibility every call).
	Retryable bool
	// Err is the gateway sentinel error matching Outcome, for callers that
	// propagate via errors.Is.
	Err error
}

// Classify maps an upstream error, HTTP status, and response body snippet to a
// taxonomy Outcome. body is consulted only to distinguish content-filter
// refusals (which share a 400 status with generic bad requests on most
// providers) and organization-level quota errors.
func Classify(ctx context.Context, err error, status int, body string) Result {
	if errors.Is(ctx.Err(), context.Canceled) {
		return Result{Outcome: OutcomeFatal, Err: gateway.ErrFatal}
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return Result{Outcome: OutcomeUpstreamTransient, Retryable: true, Err: gateway.ErrUpstreamTransient}
		}
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			return Result{Outcome: OutcomeUpstreamTransient, Retryable: true, Err: gateway.ErrUpstreamTransient}
		}
		var he httpStatusError
		if errors.As(err, &he) {
			status = he.HTTPStatus()
		} else if status == 0 {
			return Result{Outcome: OutcomeFatal, Err: gateway.ErrFatal}
		}
	}

	return classifyStatus(status, body)
}

func classifyStatus(status int, body string) Result {
	lower := strings.ToLower(body)

	switch {
	case status == 400:
		if isContentFiltered(lower) {
			return Result{Outcome: OutcomeContentFiltered, Err: gateway.ErrContentFiltered}
		}
		return Result{Outcome: OutcomeBadRequest, Err: gateway.ErrBadRequest}

	case status == 401, status == 403:
		if isCredentialOverQuota(lower) {
			return Result{Outcome: OutcomeCredentialOverQuota, Retryable: true, Err: gateway.ErrCredentialOverQuota}
		}
		return Result{Outcome: OutcomeUnauthorized, Err: gateway.ErrUnauthorized}

	case status == 404:
		return Result{Outcome: OutcomeModelUnavailable, Retryable: true, Err: gateway.ErrModelUnavailable}

	case status == 413, status == 422:
		return Result{Outcome: OutcomeBadRequest, Err: gateway.ErrBadRequest}

	case status == 429:
		if isCreditExhausted(lower) {
			return Result{Outcome: OutcomeCredentialOverQuota, Retryable: true, Err: gateway.ErrCredentialOverQuota}
		}
		return Result{Outcome: OutcomeRateLimited, Retryable: true, Err: gateway.ErrRateLimited}

	case status >= 500 && status <= 504:
		return Result{Outcome: OutcomeUpstreamTransient, Retryable: true, Err: gateway.ErrUpstreamTransient}

	case status == 529: // Anthropic "overloaded"
		return Result{Outcome: OutcomeUpstreamTransient, Retryable: true, Err: gateway.ErrUpstreamTransient}

	default:
		return Result{Outcome: OutcomeFatal, Err: gateway.ErrFatal}
	}
}

func isContentFiltered(lowerBody string) bool {
	for _, marker := range []string{"content_filter", "content policy", "safety", "blocked by"} {
		if strings.Contains(lowerBody, marker) {
			return true
		}
	}
	return false
}

func isCredentialOverQuota(lowerBody string) bool {
	for _, marker := range []string{"insufficient_quota", "billing", "exceeded your current quota", "permission_denied"} {
		if strings.Contains(lowerBody, marker) {
			return true
		}
	}
	return false
}

func isCreditExhausted(lowerBody string) bool {
	for _, marker := range []string{"insufficient_quota", "credit balance", "exceeded your current quota"} {
		if strings.Contains(lowerBody, marker) {
			return true
		}
	}
	return false
}
