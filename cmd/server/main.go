package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/bank"
	"github.com/ksred/klear-exchange/internal/chart"
	"github.com/ksred/klear-exchange/internal/config"
	"github.com/ksred/klear-exchange/internal/database"
	"github.com/ksred/klear-exchange/internal/events"
	"github.com/ksred/klear-exchange/internal/orderbook"
	"github.com/ksred/klear-exchange/internal/reservation"
	"github.com/ksred/klear-exchange/internal/settlement"
	"github.com/ksred/klear-exchange/internal/trading"
	"github.com/ksred/klear-exchange/pkg/middleware"
)

// setupLogging enables pretty printing outside production and debug level
// when requested
func setupLogging(cfg config.Config) {
	if !cfg.Production() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// newGateway connects to the bank, or runs the in-process ledger when no
// endpoint is configured
func newGateway(cfg config.Bank) bank.Gateway {
	var gateway bank.Gateway
	if cfg.Endpoint == "" {
		sim := bank.NewSimulated()
		sim.Opening = map[bank.Asset]int64{
			bank.Cash: cfg.OpeningCash,
			bank.Coin: cfg.OpeningCoin,
		}
		zlog.Warn().
			Int64("opening_cash", cfg.OpeningCash).
			Int64("opening_coin", cfg.OpeningCoin).
			Msg("BANK_ENDPOINT not set, using the simulated bank")
		gateway = sim
	} else {
		gateway = bank.NewHTTPClient(cfg.Endpoint, cfg.AppID, cfg.Timeout)
	}
	return bank.NewRetrying(gateway, cfg.Timeout, cfg.MaxRetries, cfg.Backoff)
}

func main() {
	cfg := config.Load("")
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Events go to the log, to websocket subscribers and, when configured, to Kafka
	hub := events.NewHub()
	publisher := events.Multi{events.LogPublisher{}, hub}
	var kafkaPublisher *events.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		publisher = append(publisher, kafkaPublisher)
	}

	gateway := newGateway(cfg.Bank)
	store := orderbook.NewStore(db)
	reservations := reservation.NewManager(gateway)

	authService := auth.NewService(db, gateway, cfg.JWTSecret, auth.WithPublisher(publisher))
	settlementService := settlement.NewService(db, store, reservations, authService)
	tradingService := trading.NewService(db, store, reservations, settlementService, authService, publisher)
	chartService := chart.NewService(store)

	matcher := trading.NewMatcher(tradingService, cfg.MatchInterval)
	matcher.Start(ctx)

	processor := settlement.NewProcessor(settlementService, cfg.ReconcileInterval)
	go processor.Start(ctx)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if !cfg.Production() {
		router.Use(gin.Logger())
	}

	setupRoutes(router, cfg, middleware.NewRateLimiter(ctx),
		auth.NewGinHandlers(authService),
		trading.NewGinHandlers(tradingService, matcher),
		chart.NewGinHandlers(chartService),
		settlement.NewGinHandlers(settlementService),
		hub,
	)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-API-Key"},
			AllowCredentials: true,
		}).Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding requests 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	if err := matcher.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		zlog.Error().Err(err).Msg("matcher stopped with error")
	}
	hub.Close()
	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			zlog.Error().Err(err).Msg("failed to flush kafka writer")
		}
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes groups the API by audience:
// - auth: public signup and token issue
// - orders: JWT protected
// - market data and the event stream: public, user aware when a token is sent
// - internal: operator endpoints behind the API key
func setupRoutes(
	router *gin.Engine,
	cfg config.Config,
	limiter *middleware.RateLimiter,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	chartHandlers *chart.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
	hub *events.Hub,
) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.Use(limiter.Handler())
		{
			authGroup.POST("/signup", authHandlers.SignupHandler())
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(cfg.JWTSecret), limiter.Handler())
		{
			orders.POST("", tradingHandlers.CreateOrderHandler())
			orders.GET("", tradingHandlers.ListOrdersHandler())
			orders.GET("/open", tradingHandlers.OpenOrdersHandler())
			orders.GET("/history", tradingHandlers.OrderHistoryHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
		}

		market := v1.Group("")
		market.Use(middleware.OptionalJWT(cfg.JWTSecret), limiter.Handler())
		{
			market.GET("/info", tradingHandlers.InfoHandler())
			market.GET("/book", tradingHandlers.BookHandler())
			market.GET("/candles", chartHandlers.CandlesHandler())
		}

		v1.GET("/stream", middleware.OptionalJWT(cfg.JWTSecret), hub.Handler())
	}

	internal := router.Group("/internal")
	internal.Use(middleware.InternalAuth(cfg.InternalAPIKey))
	{
		internal.POST("/matching/run", tradingHandlers.RunMatchingHandler())
		internal.GET("/settlement/report", settlementHandlers.ReportHandler())
		internal.POST("/settlement/failures/:failure_id/resolve", settlementHandlers.ResolveHandler())
	}
}
