package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"

	"github.com/snoozeyoulose/backend/internal/auth"
	"github.com/snoozeyoulose/backend/internal/config"
	"github.com/snoozeyoulose/backend/internal/handlers"
	"github.com/snoozeyoulose/backend/internal/ledger"
	"github.com/snoozeyoulose/backend/internal/middleware"
	"github.com/snoozeyoulose/backend/internal/notify"
	"github.com/snoozeyoulose/backend/internal/ratelimit"
	"github.com/snoozeyoulose/backend/internal/repository"
	"github.com/snoozeyoulose/backend/internal/router"
	"github.com/snoozeyoulose/backend/internal/services"
)

// buildHandler wires repositories, the escrow engine, and handlers into the
// HTTP surface. The engine is returned too: the sweep worker drives it.
func buildHandler(
	cfg *config.Config,
	pool *pgxpool.Pool,
	limiter ratelimit.Limiter,
	dispatcher notify.Dispatcher,
	logger *slog.Logger,
) (http.Handler, *services.Engine) {
	userRepo := repository.NewUserRepo(pool)
	alarmRepo := repository.NewAlarmRepo(pool)
	fundingRepo := repository.NewFundingRepo(pool)
	verificationRepo := repository.NewVerificationRepo(pool)
	ledgerRepo := ledger.NewRepository()

	engCfg := services.DefaultEngineConfig()
	engCfg.MinStakeCents = cfg.MinStakeCents
	engCfg.MaxStakeCents = cfg.MaxStakeCents
	engCfg.MinLeadTime = cfg.MinLeadTime
	engCfg.MaxLeadTime = cfg.MaxLeadTime
	engCfg.ResponseWindow = cfg.ResponseWindow

	engine := services.NewEngine(ledgerRepo, alarmRepo, userRepo, fundingRepo, limiter, dispatcher, engCfg, logger)
	engine.VoiceGatherURL = cfg.PublicBaseURL + "/webhooks/voice"

	authSvc := auth.NewService(verificationRepo, userRepo, limiter, dispatcher,
		[]byte(cfg.JWTSecret), auth.DefaultConfig(), logger)
	authHandler := auth.NewHandler(authSvc, logger)

	alarmHandler := &handlers.AlarmHandler{
		Pool:   pool,
		Alarms: alarmRepo,
		Escrow: engine,
		Logger: logger,
	}
	webhookHandler := &handlers.WebhookHandler{
		Pool:          pool,
		Users:         userRepo,
		Alarms:        alarmRepo,
		Escrow:        engine,
		Funding:       engine,
		Logger:        logger,
		FundingSecret: cfg.FundingWebhookSecret,
		TwilioToken:   cfg.TwilioAuthToken,
		PublicBaseURL: cfg.PublicBaseURL,
		// With no Twilio credentials (local dev) inbound requests carry no
		// signature to check.
		SkipSigCheck: cfg.TwilioAccountSID == "",
	}

	authMW := middleware.JWTAuth(authSvc, userRepo)
	apiRouter := router.New(authHandler, &handlers.UserHandler{}, alarmHandler, webhookHandler, authMW)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	return corsHandler, engine
}
