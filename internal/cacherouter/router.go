package cacherouter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// DefaultTTL and LongTTL are the fingerprint entry lifetimes from spec.md
// §4.3: 5 minutes by default, 1 hour when the request declared that TTL.
const (
	DefaultTTL = 5 * time.Minute
	LongTTL    = time.Hour
)

// entry mirrors gateway.CacheFingerprintEntry but keeps its own TTL clock
// so the sweep goroutine can expire it independently of otter's own
// eviction (spec.md requires an explicit "swept every minute" sweeper in
// addition to whatever eviction otter performs).
type entry struct {
	credentialHash string
	expiresAt      time.Time
	hitCount       int64
}

// Router maintains the fingerprint -> credential affinity map. The otter
// cache holds the values and bounds them by size (Set / GetIfPresent /
// Invalidate); each entry's TTL is its own expiresAt, checked on read and
// by the sweep rather than by otter. A parallel key-set lets the Lookup
// path find the best prefix match without depending on an otter iteration
// API, since the Cache-Affinity Router needs to scan for prefix
// relationships that a pure key-value cache doesn't support natively.
type Router struct {
	cache *otter.Cache[string, *entry]

	mu   sync.Mutex
	keys map[string]struct{}
}

// New creates a Cache-Affinity Router backed by an otter W-TinyLFU cache.
func New(maxSize int) (*Router, error) {
	c, err := otter.New[string, *entry](&otter.Options[string, *entry]{
		MaximumSize: maxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("cacherouter: create cache: %w", err)
	}
	return &Router{cache: c, keys: make(map[string]struct{})}, nil
}

// PreferredCredential implements credpool.CacheAffinity: exact match
// first, otherwise the longest cached fingerprint that is a prefix of fp
// (or vice versa, for a shrinking breakpoint), per spec.md §4.3 "Lookup".
func (r *Router) PreferredCredential(fp string) (string, bool) {
	if e, ok := r.cache.GetIfPresent(fp); ok && !r.expired(fp, e) {
		r.touch(e)
		return e.credentialHash, true
	}

	// No exact match: scan for the best prefix relationship among
	// currently-tracked keys; best-effort per spec ("does not block a
	// request when its preferred credential is unavailable").
	r.mu.Lock()
	candidates := make([]string, 0, len(r.keys))
	for k := range r.keys {
		candidates = append(candidates, k)
	}
	r.mu.Unlock()

	var best string
	var bestEntry *entry
	for _, key := range candidates {
		e, ok := r.cache.GetIfPresent(key)
		if !ok || r.expired(key, e) {
			continue
		}
		if strings.HasPrefix(fp, key) || strings.HasPrefix(key, fp) {
			if len(key) > len(best) {
				best = key
				bestEntry = e
			}
		}
	}
	if bestEntry == nil {
		return "", false
	}
	r.touch(bestEntry)
	return bestEntry.credentialHash, true
}

func (r *Router) expired(key string, e *entry) bool {
	if time.Now().After(e.expiresAt) {
		r.invalidate(key)
		return true
	}
	return false
}

func (r *Router) touch(e *entry) {
	r.mu.Lock()
	e.hitCount++
	r.mu.Unlock()
}

func (r *Router) invalidate(key string) {
	r.cache.Invalidate(key)
	r.mu.Lock()
	delete(r.keys, key)
	r.mu.Unlock()
}

// RecordCacheUsage assigns or overwrites the credential that owns a
// fingerprint, resetting its lastUsed/TTL clock. Storing every prefix
// fingerprint (not just the full one) lets later requests that kept an
// earlier breakpoint still match, per Open Question (c)'s resolution.
func (r *Router) RecordCacheUsage(fingerprint string, prefixes []string, credentialHash string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expiresAt := time.Now().Add(ttl)

	all := append(prefixes, fingerprint)
	r.mu.Lock()
	for _, fp := range all {
		r.keys[fp] = struct{}{}
	}
	r.mu.Unlock()

	for _, fp := range all {
		r.cache.Set(fp, &entry{credentialHash: credentialHash, expiresAt: expiresAt})
	}
}

// Sweep purges expired entries. Intended to run on a one-minute ticker
// from a background worker, on top of whatever eviction otter performs on
// its own.
func (r *Router) Sweep() {
	r.mu.Lock()
	candidates := make([]string, 0, len(r.keys))
	for k := range r.keys {
		candidates = append(candidates, k)
	}
	r.mu.Unlock()

	for _, key := range candidates {
		if e, ok := r.cache.GetIfPresent(key); ok {
			r.expired(key, e)
		} else {
			r.mu.Lock()
			delete(r.keys, key)
			r.mu.Unlock()
		}
	}
}

// Run sweeps every minute until ctx is cancelled, implementing the
// worker.Worker interface.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

// Name identifies this worker for logging.
func (r *Router) Name() string { return "cacherouter_sweep" }
