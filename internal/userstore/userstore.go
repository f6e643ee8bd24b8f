// Package userstore implements the User Store: token-addressed callers
// tracked for per-ModelFamily quota admission, distinct from the gateway's
// own admin-facing APIKey/Identity model. Grounded in credpool.Pool's
// RWMutex-guarded map and by-value snapshot idiom, and in
// internal/ratelimit/quota.go's budget-entry bookkeeping style.
package userstore

import (
	"sync"
	"time"

	gateway "github.com/arcwell/relaygate/internal"
)

// Store holds all known users in memory, optionally backed by a Persister
// for durability across restarts.
type Store struct {
	mu          sync.RWMutex
	byToken     map[string]*gateway.User
	persist     Persister
	cache       Cache
	maxIPsDef   int
	autoBanIPs  bool
	purgeWindow time.Duration
}

// Persister durably records user state. Implemented by
// internal/storage/sqlite for the gateway_users table.
type Persister interface {
	UpsertUser(u gateway.User) error
	LoadUsers() ([]gateway.User, error)
}

// Cache fronts reads with a hot-path cache, satisfied by otter.Cache via a
// thin adapter in cmd/ wiring.
type Cache interface {
	GetIfPresent(token string) (gateway.User, bool)
	Set(token string, u gateway.User)
	Invalidate(token string)
}

// Option configures a Store.
type Option func(*Store)

// WithPersister attaches durable storage; LoadUsers is called once to
// hydrate the in-memory map.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithCache attaches a read-through hot-path cache.
func WithCache(c Cache) Option {
	return func(s *Store) { s.cache = c }
}

// WithDefaultMaxIPs sets the MaxIPs applied to users created without one.
func WithDefaultMaxIPs(n int) Option {
	return func(s *Store) { s.maxIPsDef = n }
}

// WithAutoBanOnIPLimit configures Authenticate's IP-limit policy: when true,
// a token that presents an (n+1)th distinct IP is disabled outright instead
// of merely being refused with AuthLimited, per spec.md §4.4 "if policy is
// autoBan, disable the token; otherwise return limited".
func WithAutoBanOnIPLimit(enabled bool) Option {
	return func(s *Store) { s.autoBanIPs = enabled }
}

// WithPurgeWindow sets how long a disabled (or expired-then-disabled) user
// is retained before CleanupExpiredWorker purges it outright, per spec.md
// §4.4's "tokens disabled longer than the configured purge window are
// deleted".
func WithPurgeWindow(d time.Duration) Option {
	return func(s *Store) { s.purgeWindow = d }
}

// New creates a Store, optionally hydrating it from a Persister.
func New(opts ...Option) (*Store, error) {
	s := &Store{byToken: make(map[string]*gateway.User)}
	for _, opt := range opts {
		opt(s)
	}
	if s.persist != nil {
		users, err := s.persist.LoadUsers()
		if err != nil {
			return nil, err
		}
		for i := range users {
			u := users[i]
			s.byToken[u.Token] = &u
		}
	}
	return s, nil
}

// Create registers a new user. Returns gateway.ErrConflict if the
// token is already known.
func (s *Store) Create(u gateway.User) error {
	if u.TokenCounts == nil {
		u.TokenCounts = make(map[gateway.ModelFamily]gateway.TokenCounter)
	}
	if u.TokenLimits == nil {
		u.TokenLimits = make(map[gateway.ModelFamily]int64)
	}
	if u.TokenRefresh == nil {
		u.TokenRefresh = make(map[gateway.ModelFamily]int64)
	}
	if u.MaxIPs == 0 {
		u.MaxIPs = s.maxIPsDef
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byToken[u.Token]; exists {
		return gateway.ErrConflict
	}
	s.byToken[u.Token] = &u
	return s.persistLocked(u)
}

// Get returns a snapshot of a user by token.
func (s *Store) Get(token string) (gateway.User, bool) {
	if s.cache != nil {
		if u, ok := s.cache.GetIfPresent(token); ok {
			return u, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byToken[token]
	if !ok {
		return gateway.User{}, false
	}
	snap := *u
	if s.cache != nil {
		s.cache.Set(token, snap)
	}
	return snap, true
}

// Upsert creates the user if absent, otherwise replaces its mutable fields
// (IPs/limits/meta) while preserving its usage counters.
func (s *Store) Upsert(u gateway.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byToken[u.Token]
	if !ok {
		if u.TokenCounts == nil {
			u.TokenCounts = make(map[gateway.ModelFamily]gateway.TokenCounter)
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now()
		}
		s.byToken[u.Token] = &u
		return s.persistLocked(u)
	}

	existing.IPs = u.IPs
	existing.Type = u.Type
	existing.MaxIPs = u.MaxIPs
	existing.TokenLimits = u.TokenLimits
	existing.TokenRefresh = u.TokenRefresh
	existing.ExpiresAt = u.ExpiresAt
	existing.Meta = u.Meta
	return s.persistLocked(*existing)
}

// Authenticate validates a bearer token and enforces IP allowlisting,
// per spec.md's User Store authentication rule: unknown token ->
// AuthNotFound; disabled or expired -> AuthDisabled; IP not in the
// allowlist with room to grow (len(IPs) < MaxIPs) -> admit and record the
// IP; otherwise, once MaxIPs is reached, a new IP disables the user
// (AuthDisabled, reason "ip_limit_exceeded") when the Store was built
// WithAutoBanOnIPLimit(true), and returns AuthLimited when it was not.
func (s *Store) Authenticate(token, ip string) (gateway.User, gateway.AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byToken[token]
	if !ok {
		return gateway.User{}, gateway.AuthNotFound, nil
	}
	now := time.Now()
	if u.DisabledAt != nil || (u.ExpiresAt != nil && now.After(*u.ExpiresAt)) {
		return *u, gateway.AuthDisabled, nil
	}

	// special users bypass the IP allowlist limit entirely (spec.md §4.4).
	if ip != "" && u.MaxIPs > 0 && u.Type != gateway.UserSpecial {
		known := false
		for _, existingIP := range u.IPs {
			if existingIP == ip {
				known = true
				break
			}
		}
		if !known {
			if len(u.IPs) >= u.MaxIPs {
				if s.autoBanIPs {
					u.DisabledAt = &now
					u.DisabledReason = "ip_limit_exceeded"
					snap := *u
					s.persistLocked(snap)
					return snap, gateway.AuthDisabled, nil
				}
				return *u, gateway.AuthLimited, nil
			}
			u.IPs = append(u.IPs, ip)
		}
	}

	u.LastUsedAt = now
	u.PromptCount++
	snap := *u
	if err := s.persistLocked(snap); err != nil {
		return snap, gateway.AuthSuccess, err
	}
	return snap, gateway.AuthSuccess, nil
}

// HasAvailableQuota implements spec.md's admission rule:
// consumed = input+output+legacyTotal; admit iff limit==0 or
// consumed+requested <= limit.
func (s *Store) HasAvailableQuota(token string, family gateway.ModelFamily, requested int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byToken[token]
	if !ok {
		return false, gateway.ErrNotFound
	}
	if u.Type == gateway.UserSpecial {
		return true, nil
	}
	limit := u.TokenLimits[family]
	if limit == 0 {
		return true, nil
	}
	consumed := u.TokenCounts[family].Consumed()
	return consumed+requested <= limit, nil
}

// IncrementTokenCount adds input/output token usage for a family to a
// user's running totals.
func (s *Store) IncrementTokenCount(token string, family gateway.ModelFamily, input, output int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byToken[token]
	if !ok {
		return gateway.ErrNotFound
	}
	if u.TokenCounts == nil {
		u.TokenCounts = make(map[gateway.ModelFamily]gateway.TokenCounter)
	}
	c := u.TokenCounts[family]
	c.Input += nonNegative(input)
	c.Output += nonNegative(output)
	u.TokenCounts[family] = c
	return s.persistLocked(*u)
}

// RefreshQuota sets limit = consumed + refresh for every family that
// declares a TokenRefresh amount, preserving legacyTotal per Open Question
// (b)'s resolution ("legacyTotal preserved on refresh").
func (s *Store) RefreshQuota(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byToken[token]
	if !ok {
		return gateway.ErrNotFound
	}
	for family, refresh := range u.TokenRefresh {
		if refresh <= 0 {
			continue
		}
		consumed := u.TokenCounts[family].Consumed()
		if u.TokenLimits == nil {
			u.TokenLimits = make(map[gateway.ModelFamily]int64)
		}
		u.TokenLimits[family] = consumed + refresh
	}
	return s.persistLocked(*u)
}

// ResetUsage zeroes a user's token counters for every family, leaving
// limits and refresh schedules untouched.
func (s *Store) ResetUsage(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byToken[token]
	if !ok {
		return gateway.ErrNotFound
	}
	u.TokenCounts = make(map[gateway.ModelFamily]gateway.TokenCounter)
	u.PromptCount = 0
	return s.persistLocked(*u)
}

// Disable marks a user disabled with a reason, e.g. after an IP-limit
// autoBan or an administrative action.
func (s *Store) Disable(token, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byToken[token]
	if !ok {
		return gateway.ErrNotFound
	}
	now := time.Now()
	u.DisabledAt = &now
	u.DisabledReason = reason
	return s.persistLocked(*u)
}

// ListExpired returns tokens whose ExpiresAt has passed but that are not yet
// disabled, as of now -- the first half of spec.md §4.4's "temporary tokens
// past expiresAt are disabled; tokens disabled longer than the configured
// purge window are deleted".
func (s *Store) ListExpired(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []string
	for token, u := range s.byToken {
		if u.DisabledAt == nil && u.ExpiresAt != nil && now.After(*u.ExpiresAt) {
			expired = append(expired, token)
		}
	}
	return expired
}

// ListPurgeable returns tokens that have been disabled for longer than the
// Store's configured purge window, as of now. Returns nothing if no purge
// window was configured (WithPurgeWindow), matching Open Question (a)'s
// resolution that purge is opt-in and doesn't otherwise cascade.
func (s *Store) ListPurgeable(now time.Time) []string {
	if s.purgeWindow <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var purgeable []string
	for token, u := range s.byToken {
		if u.DisabledAt != nil && now.Sub(*u.DisabledAt) >= s.purgeWindow {
			purgeable = append(purgeable, token)
		}
	}
	return purgeable
}

// Purge removes a user outright. Per resolved Open Question (a), this does
// not cascade to historical usage_records -- those remain keyed by the
// (now orphaned) token for audit purposes.
func (s *Store) Purge(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byToken, token)
	if s.cache != nil {
		s.cache.Invalidate(token)
	}
}

// ListAllTokens returns every known user token, a quota-refresh worker's
// enumeration primitive.
func (s *Store) ListAllTokens() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]string, 0, len(s.byToken))
	for token := range s.byToken {
		tokens = append(tokens, token)
	}
	return tokens
}

// persistLocked writes through to the Persister and invalidates the
// read-through cache entry. Must be called with s.mu held.
func (s *Store) persistLocked(u gateway.User) error {
	if s.cache != nil {
		s.cache.Invalidate(u.Token)
	}
	if s.persist == nil {
		return nil
	}
	return s.persist.UpsertUser(u)
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
