package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"subpilot/agentconfig"
	"subpilot/config"
	controller "subpilot/controllers"
	"subpilot/executor"
	"subpilot/ledger"
	"subpilot/middleware"
	"subpilot/models"
	"subpilot/routes"
	"subpilot/utils"
	"subpilot/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := utils.NewLogger(cfg.Environment)
	cfg.Log(logger)

	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.WithError(err).Warn("Sentry disabled")
	}
	defer sentry.Flush(2 * time.Second)

	db, err := config.ConnectDB(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := config.CloseDB(db); err != nil {
			logger.WithError(err).Error("Failed to close database")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var storage fiber.Storage
	if cfg.Redis.Enabled {
		redisStorage := middleware.NewRedisStorage(middleware.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisStorage.Ping(ctx); err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisStorage.Close()
		storage = redisStorage
	}

	// Billing stays nil without a key so billing actions fail instead of
	// calling Stripe unauthenticated.
	var billing executor.Billing
	if cfg.StripeSecretKey != "" {
		billing = utils.NewStripeBilling(cfg.StripeSecretKey)
	}
	mailer := utils.NewMailer(utils.SMTPConfig{
		Host:      cfg.SMTP.Host,
		Port:      cfg.SMTP.Port,
		Username:  cfg.SMTP.Username,
		Password:  cfg.SMTP.Password,
		FromEmail: cfg.SMTP.FromEmail,
		FromName:  cfg.SMTP.FromName,
	})

	actionLedger := ledger.New(db)
	configs := agentconfig.NewStore(db)
	exec := executor.New(actionLedger, db, mailer, billing, utils.NewSubscriberTagger(db), logger, executor.Options{
		Timeout:     cfg.ExecutorTimeout,
		Concurrency: cfg.ExecutorConcurrency,
	})
	engine := worker.NewEngine(db, actionLedger, configs, exec, logger, worker.EngineOptions{
		Concurrency:    cfg.PassConcurrency,
		SubjectTimeout: cfg.SubjectTimeout,
	})
	scheduler := worker.NewScheduler(cfg.CronSecret, logger,
		worker.NewOnboarding(engine),
		worker.NewRecovery(engine),
		worker.NewRetention(engine),
	)

	if cfg.Cron.InProcess {
		runner := worker.NewCronRunner(scheduler, cfg.CronSecret, 10*time.Minute, logger)
		for seq, spec := range map[models.SequenceType]string{
			models.SequenceOnboarding: cfg.Cron.Onboarding,
			models.SequenceRecovery:   cfg.Cron.Recovery,
			models.SequenceRetention:  cfg.Cron.Retention,
		} {
			if err := runner.Register(seq, spec); err != nil {
				logger.Fatalf("Failed to schedule sequences: %v", err)
			}
		}
		runner.Start(ctx)
		defer runner.Stop()
	}

	app := fiber.New(fiber.Config{
		AppName:      "subpilot",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	})
	app.Use(recover.New())
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           3600,
	}))

	routes.SetupRoutes(app, routes.Handlers{
		Auth:      controller.NewAuthController(db, logger),
		Agents:    controller.NewAgentController(configs, logger),
		Actions:   controller.NewActionController(actionLedger, exec, logger),
		Dashboard: controller.NewDashboardController(db, configs, actionLedger, logger),
		Cron:      controller.NewCronController(scheduler, logger),
		Payments:  controller.NewPaymentController(db, cfg.StripeWebhookSecret, logger),
	}, routes.Options{
		DB:        db,
		JWTSecret: cfg.JWTSecret,
		RateLimit: cfg.RateLimitApprovals,
		Storage:   storage,
		Logger:    logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down server")
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	logger.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
