package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"vending-controller/internal/config"
	"vending-controller/internal/logging"
	"vending-controller/internal/metrics"
	"vending-controller/internal/middleware"
	"vending-controller/internal/server"
	"vending-controller/internal/store"
)

func main() {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if _, err := logging.Configure("vending-relay", cfg.LogLevel, false); err != nil {
		log.Fatal().Err(err).Msg("configure logging")
	}

	gin.SetMode(cfg.GinMode)
	metrics.RegisterMetrics()
	st := store.NewWithOptions(store.Options{StateFile: cfg.StateFile, MaxEvents: cfg.MaxEvents})

	var limiter *middleware.RateLimiter
	if cfg.PublishRateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.PublishRateLimit, cfg.PublishRateWindow)
	}
	router := server.NewRelayRouter(server.RelayDeps{Store: st, PublishLimiter: limiter})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Int("events", st.Len()).Str("addr", cfg.Addr()).Msg("relay starting")
	tls := server.TLSFiles{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile}
	if err := server.Run(ctx, server.NewHTTPServer(cfg.Addr(), router), tls); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
}
