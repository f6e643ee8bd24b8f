package queue

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	gateway "github.com/arcwell/relaygate/internal"
)

// Service-tunable retry backoff bounds for NextDelay and BackoffFor, per spec.md §4.5
// "a short per-service backoff (1-5s; Moonshot up to 6; Qwen 500 up to
// 30s capped)".
var backoffBounds = map[gateway.Service]struct{ min, max time.Duration }{
	gateway.Service("moonshot"): {time.Second, 6 * time.Second},
	gateway.Service("qwen"):     {500 * time.Millisecond, 30 * time.Second},
}

var defaultBackoffBounds = struct{ min, max time.Duration }{time.Second, 5 * time.Second}

// BackoffFor returns a backoff.ExponentialBackOff tuned to service's
// bounds, available to callers that want the full policy object (e.g. to
// drive backoff.Retry directly around a probe or dispatch call).
func BackoffFor(service gateway.Service) *backoff.ExponentialBackOff {
	bounds, ok := backoffBounds[service]
	if !ok {
		bounds = defaultBackoffBounds
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = bounds.min
	b.MaxInterval = bounds.max
	return b
}

// NextDelay returns the retry delay for a service at the given retry count
// (0-indexed), doubling from the service's minimum interval and capping at
// its maximum -- the delay the pipeline waits before each Reenqueue.
func NextDelay(service gateway.Service, retryCount int) time.Duration {
	bounds, ok := backoffBounds[service]
	if !ok {
		bounds = defaultBackoffBounds
	}
	d := bounds.min
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= bounds.max {
			return bounds.max
		}
	}
	return d
}
