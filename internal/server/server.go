// Package server hosts the billing HTTP API: checkout and portal sessions,
// the Stripe webhook, entitlement queries and the feature gate.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/avolve/avolve-billing/internal/auth"
	"github.com/avolve/avolve-billing/internal/config"
	"github.com/avolve/avolve-billing/internal/email"
	"github.com/avolve/avolve-billing/internal/registry"
	"github.com/avolve/avolve-billing/internal/stripe"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout     = 30 * time.Second
	tierMetricsInterval = 30 * time.Second
	limiterSweepEvery   = 5 * time.Minute
)

// OpenStore opens the profile store selected by cfg: Postgres when a
// database URL is set, SQLite under the data directory otherwise.
func OpenStore(ctx context.Context, cfg *config.Config) (registry.ProfileStore, error) {
	if cfg.UsesPostgres() {
		store, err := registry.OpenPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres profile store: %w", err)
		}
		log.Info().Msg("Profile store: postgres")
		return store, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := registry.NewSQLiteStore(cfg.SQLitePath())
	if err != nil {
		return nil, fmt.Errorf("open sqlite profile store: %w", err)
	}
	log.Info().Str("path", cfg.SQLitePath()).Msg("Profile store: sqlite")
	return store, nil
}

func newEmailSender(cfg *config.Config) email.Sender {
	if cfg.PostmarkServerToken != "" {
		log.Info().Msg("Email sender configured (Postmark)")
		return email.NewPostmarkSender(cfg.PostmarkServerToken)
	}
	log.Info().Msg("Email sender: log-only (set POSTMARK_SERVER_TOKEN to enable)")
	return email.NewLogSender(func(to, subject, body string) {
		log.Info().
			Str("to", to).
			Str("subject", subject).
			Int("body_bytes", len(body)).
			Msg("Email (log-only, no email provider configured)")
	})
}

// NewDeps assembles the production dependency graph around store.
func NewDeps(cfg *config.Config, store registry.ProfileStore, version string) *Deps {
	stripe.Configure(cfg.StripeAPIKey)

	notifier := stripe.NewEmailNotifier(newEmailSender(cfg), cfg.EmailFrom, cfg.BaseURL)
	reconciler := stripe.NewReconciler(store, notifier)

	return &Deps{
		Config:   cfg,
		Store:    store,
		Verifier: auth.NewVerifier(cfg.SupabaseJWTSecret, cfg.SupabaseIssuer()),
		Checkout: stripe.NewCheckout(store, cfg.Prices, cfg.BaseURL),
		Portal:   stripe.NewPortal(store, cfg.BaseURL),
		Webhook:  stripe.NewWebhookHandler(cfg.StripeWebhookSecret, cfg.Prices, reconciler),
		Version:  version,

		WebhookLimiter:  NewRateLimiter(120, time.Minute, cfg.TrustedProxies...),
		CheckoutLimiter: NewRateLimiter(20, time.Minute, cfg.TrustedProxies...),
	}
}

// Run serves the billing API until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	log.Info().Str("version", version).Str("env", cfg.Env).Msg("Starting Avolve billing service")

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	deps := NewDeps(cfg, store, version)
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Billing API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		runTierMetrics(gctx, store, tierMetricsInterval)
		return nil
	})

	g.Go(func() error {
		runLimiterSweep(gctx, limiterSweepEvery, deps.WebhookLimiter, deps.CheckoutLimiter)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down billing API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Billing service stopped")
	return err
}

func runLimiterSweep(ctx context.Context, every time.Duration, limiters ...*RateLimiter) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rl := range limiters {
				rl.Sweep()
			}
		}
	}
}
