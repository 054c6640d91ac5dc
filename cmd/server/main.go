package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/quantrail/rebalance-api/internal/auth"
	"github.com/quantrail/rebalance-api/internal/broker"
	"github.com/quantrail/rebalance-api/internal/config"
	"github.com/quantrail/rebalance-api/internal/database"
	"github.com/quantrail/rebalance-api/internal/events"
	"github.com/quantrail/rebalance-api/internal/executor"
	"github.com/quantrail/rebalance-api/internal/fractional"
	"github.com/quantrail/rebalance-api/internal/funds"
	"github.com/quantrail/rebalance-api/internal/notify"
	"github.com/quantrail/rebalance-api/internal/reconcile"
	"github.com/quantrail/rebalance-api/internal/tracker"
	"github.com/quantrail/rebalance-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// runTimeout caps one full rebalance run, both phases included.
const runTimeout = 15 * time.Minute

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the rebalance API server with graceful shutdown
// support. It sets up the broker gateway, execution services, database
// connections, and API routes.
func main() {
	cfg := config.Load()

	// Initialize database
	db, err := database.NewDatabase(cfg.DSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Order updates flow through one bus per process; the tracker subscribes
	// per order and the broker side publishes.
	bus := events.NewBus()
	defer bus.Close()

	gateway := broker.NewMockBroker(bus)

	// When a broker stream endpoint is configured, pipe its push updates
	// into the bus. The tracker still polls as a fallback, so a stream
	// outage degrades latency, not correctness.
	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	if cfg.BrokerStreamURL != "" {
		stream := broker.NewUpdateStream(cfg.BrokerStreamURL, bus)
		if err := stream.Start(streamCtx); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to connect broker update stream")
		}
		defer stream.Close()
	}

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	trk := tracker.NewTracker(bus, gateway, cfg.StatusQueryRetries)
	fundsMgr := funds.NewManager(gateway, cfg.ReservationBuffer)
	resolver := fractional.NewResolver()
	reconciler := reconcile.NewReconciler(gateway, db, cfg.DriftEpsilon, cfg.DriftAlertLimit)
	reconcileHandlers := reconcile.NewGinHandlers(reconciler)

	coordinator := executor.NewCoordinator(
		cfg, gateway, trk, fundsMgr, resolver, reconciler, db, notify.NewLogNotifier())
	executorHandlers := executor.NewGinHandlers(coordinator, runTimeout)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, executorHandlers, reconcileHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Rebalance and order routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	executorHandlers *executor.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Rebalance routes
		rebalance := v1.Group("/rebalance")
		rebalance.Use(middleware.JWTAuth(jwtSecret))
		{
			rebalance.POST("", executorHandlers.SubmitRebalanceHandler())
			rebalance.GET("/:run_id", executorHandlers.GetRunHandler())
			rebalance.GET("/:run_id/orders", executorHandlers.GetRunOrdersHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.GET("/:order_id", executorHandlers.GetOrderHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.GET("/drift", reconcileHandlers.GetDriftHandler())
			internal.POST("/reconcile/:symbol", reconcileHandlers.ForceReconcileHandler())
		}
	}
}
