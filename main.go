package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"msgcommerce-backend/audit"
	"msgcommerce-backend/config"
	"msgcommerce-backend/controllers"
	"msgcommerce-backend/database"
	"msgcommerce-backend/middlewares"
	"msgcommerce-backend/ratelimit"
	"msgcommerce-backend/routes"
	"msgcommerce-backend/security"
	"msgcommerce-backend/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := utils.NewLogger(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Database
	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		return err
	}
	defer database.Close(db, log)

	session, err := database.NewSession(cfg.Database.TenantVariable, cfg.Database.AdminVariable)
	if err != nil {
		return err
	}
	if err := database.Migrate(db, session); err != nil {
		return err
	}

	// ---- Redis (optional; every consumer has a local fallback)
	rdb, err := database.ConnectRedis(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}

	// ---- Security primitives
	tokens, err := security.NewTokenVerifier(security.TokenConfig{
		Secret:     cfg.Token.Secret,
		Algorithms: cfg.Token.Algorithms,
		Issuer:     cfg.Token.Issuer,
		Audience:   cfg.Token.Audience,
		ClockSkew:  cfg.Token.ClockSkew,
		AdminRoles: cfg.Token.AdminRoles,
	})
	if err != nil {
		return err
	}
	cookies, err := security.NewCookieSealer(cfg.Cookie.Key)
	if err != nil {
		return err
	}
	trusted, err := security.NewIPMatcher(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	if cfg.Webhook.Secret == "" {
		log.Warn().Msg("webhook secret not configured, every webhook delivery will be rejected")
	}

	// ---- Rate limits and admin lockout
	attemptPolicy := ratelimit.AttemptPolicy{
		MaxFailures: cfg.Admin.MaxFailures,
		Window:      cfg.Admin.FailureWindow,
		Block:       cfg.Admin.BlockDuration,
	}
	var (
		primaryStore    ratelimit.Store
		primaryAttempts ratelimit.AttemptTracker
		guard           *middlewares.IdempotencyGuard
		redisClient     redis.UniversalClient
	)
	if rdb != nil {
		defer rdb.Close()
		redisClient = rdb
		primaryStore = ratelimit.NewRedisStore(rdb)
		primaryAttempts = ratelimit.NewRedisAttempts(rdb, attemptPolicy)
		guard = middlewares.NewIdempotencyGuard(rdb, cfg.Idempotency, cfg.Server.TraceHeader, log)
	}
	limiter := ratelimit.NewLimiter(
		ratelimit.NewFallbackStore(primaryStore, ratelimit.NewMemoryStore(), log),
		cfg.RateLimit.KeyPrefix,
		tierPolicies(cfg.RateLimit),
	)
	attempts := ratelimit.NewFallbackAttempts(primaryAttempts, ratelimit.NewMemoryAttempts(attemptPolicy), log)

	// ---- Audit (best-effort)
	auditW := audit.NewWriter(audit.GormSink{DB: db}, 1024, log)
	defer auditW.Close()

	adminGuard, err := middlewares.NewAdminGuard(cfg.Admin, attempts, auditW, log)
	if err != nil {
		return err
	}

	pipeline := middlewares.NewPipeline(middlewares.Options{
		Config:  cfg,
		Log:     log,
		DB:      db,
		Session: session,
		Resolver: &middlewares.TenantResolver{
			Header:     cfg.Tenant.Header,
			Tokens:     tokens,
			Cookies:    cookies,
			CookieName: cfg.Cookie.Name,
		},
		Limiter:   limiter,
		Guard:     guard,
		Signature: security.NewVerifier(cfg.Webhook.Secret),
		Admin:     adminGuard,
		Audit:     auditW,
		Trusted:   trusted,
	})

	// ---- Fiber app with global error handler + body limit
	app := fiber.New(fiber.Config{
		ErrorHandler:          middlewares.NewErrorHandler(log),
		BodyLimit:             cfg.Server.BodyLimitBytes,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{Header: cfg.Server.TraceHeader}))

	// ---- CORS
	allowedOrigins := cfg.Server.AllowedOrigins
	if allowedOrigins == "" {
		allowedOrigins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  allowedOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, Idempotency-Key, " + cfg.Tenant.Header + ", " + cfg.Server.TraceHeader,
		ExposeHeaders: "Retry-After, " + cfg.Server.TraceHeader,
	}))

	// ---- Request pipeline, then routes
	app.Use(pipeline.Handler())
	routes.Register(app, cfg,
		&controllers.Webhook{DB: db, Session: session, VerifyToken: cfg.Webhook.VerifyToken, Log: log},
		&controllers.Admin{DB: db, Redis: redisClient, Guard: adminGuard},
	)

	// ---- Start
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("api server starting")
		errCh <- app.Listen(":" + strconv.Itoa(cfg.Server.Port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	return app.ShutdownWithTimeout(10 * time.Second)
}

func tierPolicies(rl config.RateLimitConfig) map[ratelimit.Tier]ratelimit.Policy {
	out := make(map[ratelimit.Tier]ratelimit.Policy, 4)
	for _, t := range []ratelimit.Tier{ratelimit.TierGeneral, ratelimit.TierMerchant, ratelimit.TierWebhook, ratelimit.TierMessaging} {
		tc, _ := rl.Tier(string(t))
		out[t] = ratelimit.Policy{Points: tc.Points, Window: tc.Window}
	}
	return out
}
