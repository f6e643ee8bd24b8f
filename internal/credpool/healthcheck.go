package credpool

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	gateway "github.com/arcwell/relaygate/internal"
)

// Prober issues the cheapest provider-specific health probe for a
// credential (models list, API-key info, or a throwaway completion per
// spec.md §4.2) and reports the outcome as a patch to apply.
type Prober interface {
	Probe(ctx context.Context, cred gateway.Credential) (HealthOutcome, error)
}

// HealthOutcome captures what a probe learned about a credential.
type HealthOutcome struct {
	Disabled      bool
	Revoked       bool
	DisableReason string
	// UnverifiedOrgFamilies lists families to strip from ModelFamilies
	// because the organization failed a verification-gated probe (the
	// OpenAI image-generation check from spec.md §4.2).
	UnverifiedOrgFamilies []gateway.ModelFamily
}

// HealthChecker is a worker.Worker that periodically probes every
// credential for one service, retrying transient probe failures with
// backoff before concluding a credential is unhealthy. Grounded in the
// teacher's internal/worker.Worker interface and the errgroup-supervised
// goroutine shape of internal/worker/runner.go.
type HealthChecker struct {
	pool     *Pool
	service  gateway.Service
	prober   Prober
	interval time.Duration
}

// NewHealthChecker creates a HealthChecker for one service's credentials.
func NewHealthChecker(pool *Pool, service gateway.Service, prober Prober, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &HealthChecker{pool: pool, service: service, prober: prober, interval: interval}
}

// Name identifies this worker for logging.
func (h *HealthChecker) Name() string { return "credpool_healthcheck_" + string(h.service) }

// Run probes every credential immediately, then on each tick, until ctx is
// cancelled.
func (h *HealthChecker) Run(ctx context.Context) error {
	h.checkAll(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *HealthChecker) checkAll(ctx context.Context) {
	for _, cred := range h.pool.List(h.service) {
		h.checkOne(ctx, cred)
	}
}

func (h *HealthChecker) checkOne(ctx context.Context, cred gateway.Credential) {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var outcome HealthOutcome
	b := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithMaxRetries(2, b)
	err := retry.Do(probeCtx, b, func(ctx context.Context) error {
		o, err := h.prober.Probe(ctx, cred)
		if err != nil {
			return retry.RetryableError(err)
		}
		outcome = o
		return nil
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "credential health probe failed",
			slog.String("service", string(h.service)),
			slog.String("credential", cred.Hash),
			slog.String("error", err.Error()),
		)
		return
	}

	h.pool.Update(cred.Hash, func(c *gateway.Credential) {
		c.LastChecked = time.Now()
		if outcome.Disabled {
			c.IsDisabled = true
			c.DisabledReason = outcome.DisableReason
		}
		if outcome.Revoked {
			c.IsRevoked = true
			c.DisabledReason = outcome.DisableReason
		}
		for _, f := range outcome.UnverifiedOrgFamilies {
			delete(c.ModelFamilies, f)
		}
	})
}
