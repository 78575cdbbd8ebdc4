package server

import (
	"context"
	"time"

	"github.com/avolve/avolve-billing/internal/metrics"
	"github.com/avolve/avolve-billing/internal/registry"
	"github.com/rs/zerolog/log"
)

func runTierMetrics(ctx context.Context, store registry.ProfileStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateTierGauges(ctx, store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateTierGauges(ctx, store)
		}
	}
}

func updateTierGauges(ctx context.Context, store registry.ProfileStore) {
	counts, err := store.CountByTier(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to update tier metrics")
		}
		return
	}
	metrics.RecordTierCounts(counts)
}
