package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/caseload/caseload/internal/config"
	"github.com/caseload/caseload/internal/domain/caseload"
	"github.com/caseload/caseload/internal/platform/auth"
	"github.com/caseload/caseload/internal/platform/db"
	"github.com/caseload/caseload/internal/platform/middleware"
	"github.com/caseload/caseload/internal/platform/telemetry"
)

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.IsDev() {
		logger.Warn().Msg("development mode: requests without a token act as an admin")
	}

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  "caseload-server",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: !cfg.IsProduction(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer tp.Shutdown(context.Background())
	if tp.Exporting() {
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("exporting traces")
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("failed to open store")
	}
	defer st.Close()
	logger.Info().Str("driver", st.driver).Msg("connected to store")

	svc, err := newService(st, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build caseload service")
	}

	idem, closeIdem, err := newIdempotencyStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open idempotency store")
	}
	defer closeIdem()

	e := newServer(cfg, st, svc, idem, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newIdempotencyStore picks Redis when REDIS_URL is set and an in-process
// store otherwise. A zero IDEMPOTENCY_TTL disables replay.
func newIdempotencyStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (middleware.IdempotencyStore, func(), error) {
	if cfg.IdempotencyTTL == 0 {
		return nil, func() {}, nil
	}
	if cfg.RedisURL != "" {
		rdb, err := middleware.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Msg("idempotency responses stored in redis")
		return middleware.NewRedisIdempotencyStore(rdb, ""), func() { rdb.Close() }, nil
	}
	mem := middleware.NewMemoryIdempotencyStore()
	mem.StartCleanup(ctx, time.Minute)
	return mem, func() {}, nil
}

func newServer(cfg *config.Config, st *store, svc *caseload.Service, idem middleware.IdempotencyStore, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Clinic-ID", middleware.IdempotencyKeyHeader},
	}))

	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	// development accepts header and default clinics; otherwise only the claim counts
	clinicMW := db.ClaimClinicMiddleware(st.pool)
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
		clinicMW = db.ClinicMiddleware(st.pool, cfg.DefaultClinicID)
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(st.pinger(), st.stats()))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	// clinic resolution and the audit trail only apply to the API
	api := e.Group("/api/v1",
		clinicMW,
		middleware.Audit(logger),
	)

	var transferMW []echo.MiddlewareFunc
	if idem != nil {
		transferMW = append(transferMW, middleware.Idempotency(idem, cfg.IdempotencyTTL, logger))
	}
	caseload.NewHandler(svc).RegisterRoutes(api, transferMW...)

	return e
}
