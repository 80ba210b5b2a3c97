package server

import (
	"context"
	"log/slog"
	"time"
)

// Purger deletes rows that can no longer match any lookup.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time, tokenRetention time.Duration) (PurgeResult, error)
}

// RunSweeper purges expired rows every interval until ctx is cancelled.
func RunSweeper(ctx context.Context, store Purger, cfg PurgeConfig, logger *slog.Logger) {
	if cfg.Interval <= 0 {
		return
	}
	logger = logger.With("component", "sweeper")
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	logger.Info("expiry sweeper started", "interval", cfg.Interval, "token_retention", cfg.TokenRetention)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			res, err := store.PurgeExpired(ctx, now, cfg.TokenRetention)
			if err != nil {
				logger.Error("purge failed", "error", err)
				continue
			}
			if res.AuthCodes+res.Tokens+res.AdminSessions+res.RateLimits > 0 {
				logger.Info("purged expired rows",
					"auth_codes", res.AuthCodes,
					"tokens", res.Tokens,
					"admin_sessions", res.AdminSessions,
					"rate_limits", res.RateLimits,
				)
			}
		}
	}
}
