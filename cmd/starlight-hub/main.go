package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/starlight-protocol/starlight-hub/internal/config"
	"github.com/starlight-protocol/starlight-hub/internal/hub"
	"github.com/starlight-protocol/starlight-hub/internal/pagedriver"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	driverFactory := pagedriver.NewRodDriver(pagedriver.RodOptions{
		Headless:    envBool("STARLIGHT_BROWSER_HEADLESS", true),
		BrowserPath: os.Getenv("STARLIGHT_BROWSER_PATH"),
		ProxyURL:    os.Getenv("STARLIGHT_BROWSER_PROXY_URL"),
	}, log)

	h, err := hub.New(cfg, driverFactory, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct hub")
	}

	ctx, cancelMission := context.WithCancel(context.Background())
	defer cancelMission()
	h.Start(ctx)

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: h.Router(),
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled() {
			err = httpServer.ListenAndServeTLS(cfg.Security.SSL.CertPath, cfg.Security.SSL.KeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	log.Info().Int("port", cfg.Port).Bool("tls", cfg.TLSEnabled()).Bool("auth", cfg.AuthEnabled()).Msg("starlight-hub listening")

	select {
	case sig := <-shutdownCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}

	h.Shutdown("server_stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
		os.Exit(1)
	}

	log.Info().Msg("starlight-hub shutdown complete")
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
