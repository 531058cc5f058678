package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"vending-controller/internal/auth"
	"vending-controller/internal/handler"
	"vending-controller/internal/hub"
	"vending-controller/internal/logging"
	"vending-controller/internal/metrics"
	"vending-controller/internal/middleware"
	"vending-controller/internal/store"
)

type RelayDeps struct {
	Store          *store.Store
	Hub            *hub.Hub
	PublishLimiter *middleware.RateLimiter
}

// NewRelayRouter serves the development relay: the websocket endpoint on "/"
// plus health and metrics.
func NewRelayRouter(deps RelayDeps) *gin.Engine {
	if deps.Hub == nil {
		deps.Hub = hub.New()
	}
	if deps.Store == nil {
		deps.Store = store.New()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.RequestLogger(log.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "events": deps.Store.Len()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	relayHandler := &handler.RelayHandler{Hub: deps.Hub, Store: deps.Store, PublishLimiter: deps.PublishLimiter}
	r.GET("/", relayHandler.Serve)

	return r
}

type AdminDeps struct {
	Component   string
	TokenConfig auth.TokenConfig
	RateLimit   int
	Machines    handler.MachineSource
	Cursor      handler.CursorSource
}

// NewAdminRouter serves a coordinator's admin API. Machine and cursor routes
// are only mounted when their source is set.
func NewAdminRouter(deps AdminDeps) *gin.Engine {
	metrics.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.RequestLogger(log.Logger))
	r.Use(metrics.RequestMetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	versionHandler := &handler.VersionHandler{Component: deps.Component}
	r.GET("/v1/version", versionHandler.Get)

	protected := r.Group("/v1")
	if deps.RateLimit > 0 {
		protected.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(deps.RateLimit, time.Minute)))
	}
	protected.Use(middleware.RequireAuth(deps.TokenConfig, auth.ScopeAdmin))

	if deps.Machines != nil {
		machineHandler := &handler.MachineHandler{Source: deps.Machines}
		protected.GET("/machines", machineHandler.List)
		protected.GET("/machines/:pubkey", machineHandler.Get)
	}
	if deps.Cursor != nil {
		cursorHandler := &handler.CursorHandler{Source: deps.Cursor}
		protected.GET("/cursor", cursorHandler.Get)
	}

	return r
}
