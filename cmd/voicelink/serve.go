package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	router "github.com/dkeye/voicelink/internal/adapters/http"
	"github.com/dkeye/voicelink/internal/adapters/ws"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/domain"
)

func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	hub := ws.NewHub(log.Logger)
	a.client.Observe(hub)
	a.registry.OnChange(func(list domain.DeviceList) {
		hub.OnDevices(list, a.registry.Selected())
	})
	if _, err := a.registry.Enumerate(ctx); err != nil {
		log.Warn().Err(err).Msg("initial device enumeration failed")
	}

	ctl := ws.NewController(hub, a.client, a.registry, ws.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}, log.Logger)

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Session:  a.client,
		Devices:  a.registry,
		Tones:    a.audio,
		Resetter: a.exchange,
		WS:       ctl,
		Hub:      hub,
		Metrics:  a.stats.Handler(),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("voicelink started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
