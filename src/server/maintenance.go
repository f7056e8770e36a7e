package server

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	db "mindbridge/src/repository"
)

// PruneRevokedTokens drops expired revocations every interval until ctx ends.
func PruneRevokedTokens(ctx context.Context, store db.Store, clock clockwork.Clock, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.Chan():
			n, err := store.PruneRevoked(ctx, now)
			if err != nil {
				logger.Warn("prune revoked tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned revoked tokens", zap.Int("count", n))
			}
		}
	}
}
