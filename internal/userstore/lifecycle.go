package userstore

import (
	"context"
	"log/slog"
	"time"
)

// QuotaRefreshInterval is how often RefreshQuotaWorker re-bases every
// user's TokenLimits from their TokenRefresh schedule. spec.md describes
// this as a "quotaRefresh cron"; daily is the conservative default absent
// a per-user schedule field.
const QuotaRefreshInterval = 24 * time.Hour

// CleanupInterval is how often CleanupExpiredWorker sweeps for expired
// users, matching the per-minute cadence the Cache-Affinity Router's
// sweep uses.
const CleanupInterval = time.Minute

// RefreshQuotaWorker periodically re-bases every user's quota limits from
// their configured refresh amounts.
type RefreshQuotaWorker struct {
	store *Store
}

// NewRefreshQuotaWorker creates a RefreshQuotaWorker over store.
func NewRefreshQuotaWorker(store *Store) *RefreshQuotaWorker {
	return &RefreshQuotaWorker{store: store}
}

// Name identifies this worker for logging.
func (w *RefreshQuotaWorker) Name() string { return "userstore_quota_refresh" }

// Run refreshes every user's quota on a fixed interval until ctx is
// cancelled.
func (w *RefreshQuotaWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(QuotaRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.refreshAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *RefreshQuotaWorker) refreshAll(ctx context.Context) {
	for _, token := range w.store.ListAllTokens() {
		if err := w.store.RefreshQuota(token); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "quota refresh failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// CleanupExpiredWorker periodically disables users whose ExpiresAt has
// passed and purges users that have stayed disabled past the Store's purge
// window, per spec.md §4.4's two-step temporary-user lifecycle ("temporary
// tokens past expiresAt are disabled; tokens disabled longer than the
// configured purge window are deleted").
type CleanupExpiredWorker struct {
	store *Store
}

// NewCleanupExpiredWorker creates a CleanupExpiredWorker over store.
func NewCleanupExpiredWorker(store *Store) *CleanupExpiredWorker {
	return &CleanupExpiredWorker{store: store}
}

// Name identifies this worker for logging.
func (w *CleanupExpiredWorker) Name() string { return "userstore_cleanup_expired" }

// Run sweeps for expired/purgeable users every CleanupInterval until ctx is
// cancelled.
func (w *CleanupExpiredWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *CleanupExpiredWorker) sweep() {
	now := time.Now()
	for _, token := range w.store.ListExpired(now) {
		if err := w.store.Disable(token, "expired"); err != nil {
			slog.Error("expire temporary token failed", "error", err)
		}
	}
	for _, token := range w.store.ListPurgeable(now) {
		w.store.Purge(token)
	}
}
