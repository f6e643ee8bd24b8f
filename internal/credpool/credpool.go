// Package credpool implements the Credential Pool: a vector of upstream
// credentials per provider with health checks, rate-limit lockouts,
// per-family grouping, and snapshot-by-value selection. Grounded in the
// teacher's internal/provider/provider.go RWMutex registry pattern, with
// health/lockout state borrowed from internal/circuitbreaker and
// internal/ratelimit.
package credpool

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	gateway "github.com/arcwell/relaygate/internal"
	"github.com/arcwell/relaygate/internal/circuitbreaker"
	"github.com/tidwall/gjson"
)

// Default rate-limit lockout and reuse-throttle windows, per spec.md §4.2.
// Tunable per credential via Add's lockout/reuseDelay arguments.
const (
	DefaultRateLimitLockout = 3 * time.Second
	DefaultReuseDelay       = 300 * time.Millisecond
)

// record is the Pool's internal, mutable representation of a credential.
// Select() copies out of it by value; nothing outside this package ever
// holds a pointer to one.
type record struct {
	cred    gateway.Credential
	breaker *circuitbreaker.Breaker

	lockout    time.Duration // service-tunable RATE_LIMIT_LOCKOUT
	reuseDelay time.Duration // service-tunable KEY_REUSE_DELAY
}

// Pool holds every configured credential, grouped internally by service.
// All exported methods are safe for concurrent use; the zero value is not
// usable, construct with New.
type Pool struct {
	mu      sync.RWMutex
	byHash  map[string]*record
	byService map[gateway.Service][]*record
}

// New creates an empty Pool.
func New() *Pool {
	return &Pool{
		byHash:    make(map[string]*record),
		byService: make(map[gateway.Service][]*record),
	}
}

// Add registers a credential with the pool. lockout/reuseDelay of zero
// fall back to the package defaults.
func (p *Pool) Add(cred gateway.Credential, lockout, reuseDelay time.Duration) {
	if lockout <= 0 {
		lockout = DefaultRateLimitLockout
	}
	if reuseDelay <= 0 {
		reuseDelay = DefaultReuseDelay
	}
	r := &record{
		cred:       cred,
		breaker:    circuitbreaker.NewBreaker(circuitbreaker.DefaultConfig()),
		lockout:    lockout,
		reuseDelay: reuseDelay,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byHash[cred.Hash] = r
	p.byService[cred.Service] = append(p.byService[cred.Service], r)
}

// CacheAffinity is consulted by Select before the provider-specific boost
// and LRU-then-random tiers. Implemented by internal/cacherouter.Router.
type CacheAffinity interface {
	PreferredCredential(fingerprint string) (hash string, ok bool)
}

// SelectOptions carries the optional inputs to Select beyond
// (family, service): the request body (for provider-specific boosts that
// inspect it) and the prompt-cache fingerprint (for affinity routing).
type SelectOptions struct {
	RequestBody []byte
	Fingerprint string
	Affinity    CacheAffinity
}

// Select chooses a usable credential for (service, family) following the
// priority order from spec.md §4.2: cache affinity, provider-specific
// boosts, then least-recently-used-with-random-tiebreak. It returns a
// snapshot (copy by value); the caller must not expect further pool
// mutations to be visible on it.
func (p *Pool) Select(family gateway.ModelFamily, service gateway.Service, opts SelectOptions) (gateway.Credential, error) {
	now := time.Now()

	p.mu.RLock()
	candidates := make([]*record, 0, len(p.byService[service]))
	for _, r := range p.byService[service] {
		if eligible(r, family, now) {
			candidates = append(candidates, r)
		}
	}
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return gateway.Credential{}, gateway.ErrNoKeyAvailable
	}

	// Tier 1: cache affinity.
	if opts.Affinity != nil && opts.Fingerprint != "" {
		if hash, ok := opts.Affinity.PreferredCredential(opts.Fingerprint); ok {
			for _, r := range candidates {
				if r.cred.Hash == hash {
					return p.finalizeSelection(r, now), nil
				}
			}
		}
	}

	// Tier 2: provider-specific boosts.
	if boosted := providerBoost(candidates, service, opts.RequestBody); boosted != nil {
		return p.finalizeSelection(boosted, now), nil
	}

	// Tier 3: least-recently-used, random among ties.
	chosen := leastRecentlyUsed(candidates)
	return p.finalizeSelection(chosen, now), nil
}

// eligible implements the Select contract's guarantee clause:
// !isDisabled && !isRevoked && family in modelFamilies && breaker allows
// && not locked out (or locked out with no alternative -- callers of
// Select are only reached once the Queue has confirmed LockoutRemaining
// == 0, so a locked-out candidate here is simply excluded).
func eligible(r *record, family gateway.ModelFamily, now time.Time) bool {
	if r.cred.IsDisabled || r.cred.IsRevoked {
		return false
	}
	if !r.cred.ModelFamilies[family] {
		return false
	}
	if r.cred.GoogleOverQuotaFamilies[family] {
		return false
	}
	if r.cred.LockedOut(now) {
		return false
	}
	if !r.breaker.Allow() {
		return false
	}
	return true
}

// providerBoost applies service-specific preference rules from spec.md
// §4.2 item 2. Returns nil if no boost applies (falls through to LRU).
func providerBoost(candidates []*record, service gateway.Service, body []byte) *record {
	switch service {
	case gateway.ServiceAWS:
		model := extractModel(body)
		for _, r := range candidates {
			for _, id := range r.cred.AWSInferenceProfileIDs {
				if id == model {
					return r
				}
			}
		}
	case gateway.Service("openrouter"):
		wantsFree := requestWantsFreeTier(body)
		var paid []*record
		var free []*record
		for _, r := range candidates {
			if r.cred.OpenRouterIsFreeTier {
				free = append(free, r)
			} else {
				paid = append(paid, r)
			}
		}
		if wantsFree {
			if len(free) > 0 {
				return free[0]
			}
			return bestPaid(paid)
		}
		if best := bestPaid(paid); best != nil {
			return best
		}
		if len(free) > 0 {
			return free[0]
		}
	}
	return nil
}

// bestPaid returns the paid credential with the highest effective balance.
func bestPaid(paid []*record) *record {
	if len(paid) == 0 {
		return nil
	}
	best := paid[0]
	for _, r := range paid[1:] {
		if r.cred.EffectiveBalance() > best.cred.EffectiveBalance() {
			best = r
		}
	}
	return best
}

// extractModel pulls the "model" field out of the raw request body via
// gjson, avoiding a full unmarshal just to read one string (same idiom as
// internal/server/native.go's model-sniffing for passthrough routes).
func extractModel(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}

// requestWantsFreeTier inspects the model name for an OpenRouter ":free"
// suffix convention.
func requestWantsFreeTier(body []byte) bool {
	return strings.HasSuffix(extractModel(body), ":free")
}

// leastRecentlyUsed picks the candidate with the oldest LastUsed,
// breaking ties uniformly at random per spec.md §4.2 item 3.
func leastRecentlyUsed(candidates []*record) *record {
	oldest := candidates[0].cred.LastUsed
	var tied []*record
	for _, r := range candidates {
		if r.cred.LastUsed.Before(oldest) {
			oldest = r.cred.LastUsed
		}
	}
	for _, r := range candidates {
		if r.cred.LastUsed.Equal(oldest) {
			tied = append(tied, r)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tied[rand.IntN(len(tied))]
}

// finalizeSelection applies the reuse-throttle extension (spec.md §4.2
// "a short reuse throttle extends rateLimitedUntil by KEY_REUSE_DELAY"),
// bumps LastUsed/PromptCount, and returns the post-update snapshot.
func (p *Pool) finalizeSelection(r *record, now time.Time) gateway.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.cred.RateLimitedUntil.Before(now.Add(r.reuseDelay)) {
		r.cred.RateLimitedUntil = now.Add(r.reuseDelay)
	}
	r.cred.LastUsed = now
	r.cred.PromptCount++
	return r.cred
}

// MarkRateLimited sets rateLimitedUntil = now + lockout for the named
// credential, per spec.md §4.2 "On upstream 429".
func (p *Pool) MarkRateLimited(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byHash[hash]
	if !ok {
		return
	}
	now := time.Now()
	r.cred.RateLimitedAt = now
	until := now.Add(r.lockout)
	if until.After(r.cred.RateLimitedUntil) {
		r.cred.RateLimitedUntil = until
	}
}

// Disable marks a credential permanently unusable with a reason, e.g.
// "revoked" or "quota".
func (p *Pool) Disable(hash, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.byHash[hash]; ok {
		r.cred.IsDisabled = true
		r.cred.DisabledReason = reason
	}
}

// Update applies an arbitrary patch function to the named credential under
// the pool's write lock.
func (p *Pool) Update(hash string, patch func(*gateway.Credential)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.byHash[hash]; ok {
		patch(&r.cred)
	}
}

// IncrementUsage increments per-family token counters, saturating at a
// non-negative floor per spec.md §4.2.
func (p *Pool) IncrementUsage(hash string, family gateway.ModelFamily, input, output int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byHash[hash]
	if !ok {
		return
	}
	if r.cred.TokenUsage == nil {
		r.cred.TokenUsage = make(map[gateway.ModelFamily]gateway.TokenCounter)
	}
	tc := r.cred.TokenUsage[family]
	tc.Input = nonNegative(tc.Input + input)
	tc.Output = nonNegative(tc.Output + output)
	r.cred.TokenUsage[family] = tc
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// RecordSuccess/RecordError feed the credential's circuit breaker after a
// dispatch completes; used by the Response Handler's error classifier.
func (p *Pool) RecordSuccess(hash string) {
	p.mu.RLock()
	r, ok := p.byHash[hash]
	p.mu.RUnlock()
	if ok {
		r.breaker.RecordSuccess()
	}
}

func (p *Pool) RecordError(hash string, weight float64) {
	p.mu.RLock()
	r, ok := p.byHash[hash]
	p.mu.RUnlock()
	if ok {
		r.breaker.RecordError(weight)
	}
}

// LockoutRemaining returns how long the Queue must still wait before any
// credential in this family becomes dequeue-eligible: zero if at least one
// non-disabled, non-revoked credential for the family whose breaker allows
// requests is
// already past its lockout, otherwise the minimum remaining lockout across
// candidates.
func (p *Pool) LockoutRemaining(family gateway.ModelFamily, service gateway.Service) time.Duration {
	now := time.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()

	var min time.Duration = -1
	any := false
	for _, r := range p.byService[service] {
		if r.cred.IsDisabled || r.cred.IsRevoked || !r.cred.ModelFamilies[family] {
			continue
		}
		any = true
		if !r.cred.LockedOut(now) && r.breaker.Allow() {
			return 0
		}
		remaining := r.cred.RateLimitedUntil.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if min < 0 || remaining < min {
			min = remaining
		}
	}
	if !any {
		return 0 // no candidates at all; Select will report NoKeyAvailable
	}
	return min
}

// Get returns a snapshot of a credential by hash, for admin inspection.
func (p *Pool) Get(hash string) (gateway.Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.byHash[hash]
	if !ok {
		return gateway.Credential{}, false
	}
	return r.cred, true
}

// List returns a snapshot of every credential for a service.
func (p *Pool) List(service gateway.Service) []gateway.Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]gateway.Credential, 0, len(p.byService[service]))
	for _, r := range p.byService[service] {
		out = append(out, r.cred)
	}
	return out
}
