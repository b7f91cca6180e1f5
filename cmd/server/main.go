package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-markets/internal/amm"
	"github.com/ksred/klear-markets/internal/auth"
	"github.com/ksred/klear-markets/internal/config"
	"github.com/ksred/klear-markets/internal/database"
	"github.com/ksred/klear-markets/internal/duel"
	"github.com/ksred/klear-markets/internal/events"
	"github.com/ksred/klear-markets/internal/ledger"
	"github.com/ksred/klear-markets/internal/pricefeed"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/ksred/klear-markets/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures pretty logging outside production. DEBUG=true lowers
// the level to debug.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

type handlers struct {
	auth   *auth.GinHandlers
	duels  *duel.GinHandlers
	pools  *amm.GinHandlers
	ledger *ledger.GinHandlers
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.Database.DSN, cfg.Server.Debug)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.TokenTTL())
	if cfg.Auth.InternalAPIKey != "" {
		authService.RegisterAPICredentials(cfg.Auth.InternalAPIKey, cfg.Auth.InternalAPISecret,
			types.Address(cfg.Auth.InternalAddress), auth.RoleInternal)
	}
	for _, acct := range cfg.Auth.Accounts {
		authService.RegisterAPICredentials(acct.APIKey, acct.APISecret, types.Address(acct.Address), acct.Roles...)
	}
	zlog.Info().Int("accounts", len(cfg.Auth.Accounts)).Msg("API accounts registered")

	// With no redis the dispatcher already logs every event, so the
	// post-commit emitter stays quiet.
	pub, toLog := publisher(ctx, cfg)
	var emitter events.Emitter = events.NewLogEmitter(zlog.With().Str("component", "events").Logger())
	if toLog {
		emitter = events.Discard{}
	}
	clock := &ledger.SystemClock{}

	duelService := duel.NewService(db, clock, duelPolicy(cfg), emitter)
	poolService := amm.NewService(db, clock, poolPolicy(cfg), emitter)

	if keeperCfg := cfg.Duel.Keeper; keeperCfg.Enabled {
		interval, _ := keeperCfg.KeeperInterval()
		feed := pricefeed.NewFeed(pricefeed.Config{
			Reference:     keeperCfg.ReferencePrice,
			VolatilityBps: keeperCfg.VolatilityBps,
			Seed:          time.Now().UnixNano(),
		}, pricefeed.DefaultVenues())
		keeper := duel.NewKeeper(duelService, feed, duel.KeeperConfig{
			Interval:         interval,
			Address:          types.Address(keeperCfg.Address),
			CountdownSeconds: keeperCfg.CountdownSeconds,
			DurationSeconds:  keeperCfg.DurationSeconds,
		})
		go keeper.Start(ctx)
	}

	dispatcher := events.NewDispatcher(db, pub, dispatcherConfig(cfg))
	go dispatcher.Start(ctx)

	limiter := middleware.NewRateLimiter(middleware.Limits{
		AuthPerMinute:  float64(cfg.Server.AuthPerMinute),
		TradePerMinute: float64(cfg.Server.TradePerMinute),
		ReadPerMinute:  float64(cfg.Server.ReadPerMinute),
	})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup(10 * time.Minute)
			}
		}
	}()

	router := gin.Default()
	router.Use(limiter.Handler())
	setupRoutes(router, authService, handlers{
		auth:   auth.NewGinHandlers(authService),
		duels:  duel.NewGinHandlers(duelService),
		pools:  amm.NewGinHandlers(poolService),
		ledger: ledger.NewGinHandlers(ledger.NewDatabase(db)),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// duelPolicy adds the keeper to the resolvers when it is enabled.
func duelPolicy(cfg *config.Config) duel.Policy {
	resolvers := addresses(cfg.Duel.Resolvers)
	if cfg.Duel.Keeper.Enabled {
		resolvers = append(resolvers, types.Address(cfg.Duel.Keeper.Address))
	}
	return duel.Policy{
		FeeBps:         cfg.Duel.FeeBps,
		CancelCooldown: cfg.Duel.CancelCooldownSeconds,
		FeeCollector:   types.Address(cfg.Duel.FeeCollector),
		Resolvers:      resolvers,
	}
}

func poolPolicy(cfg *config.Config) amm.Policy {
	return amm.Policy{
		BaseLiquidity:  cfg.Pool.BaseLiquidity,
		DefaultFeeBps:  cfg.Pool.DefaultFeeBps,
		MaxFeeBps:      cfg.Pool.MaxFeeBps,
		MaxQuestionLen: cfg.Pool.MaxQuestionLen,
		Resolvers:      addresses(cfg.Pool.Resolvers),
	}
}

func addresses(in []string) []types.Address {
	out := make([]types.Address, 0, len(in))
	for _, s := range in {
		out = append(out, types.Address(s))
	}
	return out
}

// publisher uses redis when an address is configured and falls back to
// logging so the outbox still drains. The flag reports the fallback.
func publisher(ctx context.Context, cfg *config.Config) (events.Publisher, bool) {
	logger := zlog.With().Str("component", "dispatcher").Logger()
	if cfg.Events.RedisAddr == "" {
		return events.NewLogPublisher(logger), true
	}
	rdb, err := events.DialRedis(ctx, cfg.Events.RedisAddr, cfg.Events.RedisPassword, cfg.Events.RedisDB)
	if err != nil {
		logger.Error().Err(err).Str("addr", cfg.Events.RedisAddr).Msg("redis unavailable, publishing to log")
		return events.NewLogPublisher(logger), true
	}
	return events.NewRedisPublisher(rdb), false
}

func dispatcherConfig(cfg *config.Config) events.DispatcherConfig {
	interval, _ := cfg.Events.Interval()
	return events.DispatcherConfig{
		Interval:      interval,
		BatchSize:     cfg.Events.BatchSize,
		MaxTries:      cfg.Events.MaxRetries,
		MaxAttempts:   cfg.Events.MaxAttempts,
		ChannelPrefix: cfg.Events.ChannelPrefix,
	}
}

// setupRoutes groups endpoints by access level:
//   - auth: public token exchange
//   - duels, pools, positions, trades: JWT, the token's address is the actor
//   - internal: JWT with the internal role
func setupRoutes(router *gin.Engine, authService *auth.Service, h handlers) {
	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", h.auth.GenerateTokenHandler())
		}

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(authService))

		duels := protected.Group("/duels")
		{
			duels.POST("", h.duels.CreateDuelHandler())
			duels.GET("", h.duels.ListDuelsHandler())
			duels.GET("/:duel_id", h.duels.GetDuelHandler())
			duels.POST("/:duel_id/join", h.duels.JoinDuelHandler())
			duels.POST("/:duel_id/start", h.duels.StartDuelHandler())
			duels.POST("/:duel_id/resolve", h.duels.ResolveDuelHandler())
			duels.POST("/:duel_id/cancel", h.duels.CancelDuelHandler())
		}

		pools := protected.Group("/pools")
		{
			pools.POST("", h.pools.CreatePoolHandler())
			pools.GET("", h.pools.ListPoolsHandler())
			pools.GET("/:pool_id", h.pools.GetPoolHandler())
			pools.GET("/:pool_id/quote", h.pools.QuoteHandler())
			pools.GET("/:pool_id/trades", h.pools.PoolTradesHandler())
			pools.GET("/:pool_id/position", h.pools.GetPositionHandler())
			pools.POST("/:pool_id/buy", h.pools.BuyHandler())
			pools.POST("/:pool_id/sell", h.pools.SellHandler())
			pools.POST("/:pool_id/resolve", h.pools.ResolveHandler())
			pools.POST("/:pool_id/claim", h.pools.ClaimHandler())
			pools.PUT("/:pool_id/status", h.pools.UpdateStatusHandler())
		}

		protected.GET("/positions", h.pools.ListPositionsHandler())
		protected.GET("/trades", h.pools.UserTradesHandler())
		protected.GET("/balance", h.ledger.MyBalanceHandler())

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(authService))
		{
			internal.POST("/auth/accounts", h.auth.RegisterAccountHandler())
			internal.POST("/ledger/deposit", h.ledger.DepositHandler())
			internal.GET("/ledger/balances/:address", h.ledger.BalanceHandler())
			internal.GET("/pools/:pool_id/reconcile", h.pools.ReconcileHandler())
		}
	}
}
