package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrModelNotAllowed = errors.New("model not allowed")
	ErrProviderError   = errors.New("provider error")
	ErrBadRequest      = errors.New("bad request")
	ErrKeyExpired      = errors.New("api key expired")
	ErrKeyBlocked      = errors.New("api key blocked")

	// Credential pool / request-pipeline taxonomy (see classify package).
	ErrNoKeyAvailable      = errors.New("no credential available for family")
	ErrCredentialOverQuota = errors.New("credential over quota")
	ErrModelUnavailable    = errors.New("model unavailable on credential")
	ErrContentFiltered     = errors.New("content filtered")
	ErrUpstreamTransient   = errors.New("upstream transient error")
	ErrFatal               = errors.New("fatal error")
	ErrStreamingNotAllowed = errors.New("model does not support streaming")
	ErrRetryable           = errors.New("request re-enqueued, unwind without writing response")
)
