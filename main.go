/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Slot proxy entry point: wires config → logger →
             peer pool → status-update ingestion → proxy/admin
             HTTP listeners → background purge sweep, supervised
             by an errgroup so any subsystem's failure triggers a
             coordinated shutdown of the rest.
Root Cause:  §6.1/§4.7/§4.8 wiring, §4.1's purge policy needing a
             periodic caller outside request handling (§5 "No
             reentrancy").
Context:     Graceful-shutdown-on-signal structure grounded on
             gateway main.go's config → logger → redis → router →
             http.Server → signal.Notify → Shutdown(ctx) sequence,
             generalized from a single HTTP server to several
             goroutines supervised by golang.org/x/sync/errgroup
             (giantswarm-k8senv's use of the same package for
             coordinated goroutine lifecycles).
Suitability: L3 — wiring and lifecycle, no business logic.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AlfredDev/alfred/services/slotproxy/adminapi"
	"github.com/AlfredDev/alfred/services/slotproxy/config"
	"github.com/AlfredDev/alfred/services/slotproxy/ingest"
	"github.com/AlfredDev/alfred/services/slotproxy/logger"
	"github.com/AlfredDev/alfred/services/slotproxy/peerpool"
	"github.com/AlfredDev/alfred/services/slotproxy/proxy"
)

const purgeSweepInterval = 15 * time.Second

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("slotproxy starting")

	pool := peerpool.New(cfg.QuarantineDuration, cfg.StalePeerDuration)

	sub, err := ingest.New(cfg, pool, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct status-update subscriber")
	}
	if err := sub.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — if the status-update subscription also fails, slotproxy shuts down")
	} else {
		log.Info().Msg("redis connected")
	}
	defer sub.Close()

	proxyHandler := proxy.NewHandler(pool, log, cfg.RewriteHostHeader, cfg.SlotsEndpointEnable)
	proxySrv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      proxyHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses run indefinitely
		IdleTimeout:  120 * time.Second,
	}

	adminSrv := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      adminapi.NewRouter(pool, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("slotproxy listening")
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin surface listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := sub.Run(gctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("status-update subscriber stopped")
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(purgeSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if removed := pool.PurgeStale(time.Now()); len(removed) > 0 {
					log.Info().Strs("agents", removed).Msg("purged stale peers")
				}
			}
		}
	})

	<-gctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("proxy server graceful shutdown failed")
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server graceful shutdown failed")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("slotproxy stopped with error")
		return
	}
	log.Info().Msg("slotproxy stopped gracefully")
}
