package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"

	"mailtriage/config"
	controller "mailtriage/controllers"
	"mailtriage/decision"
	"mailtriage/mailbox"
	"mailtriage/middleware"
	"mailtriage/pipeline"
	"mailtriage/routes"
	"mailtriage/store"
	"mailtriage/tasks"
	"mailtriage/utils"
	"mailtriage/worker"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	utils.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger := utils.Logger("main")

	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.WithError(err).Warn("Sentry disabled")
	}
	defer sentry.Flush(2 * time.Second)

	// Initialize database connection
	db, err := config.ConnectDB()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	repo := store.New(db)

	source := newMailSource(cfg)
	completer := decision.NewOpenAICompleter(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL)
	engine := decision.NewEngine(completer, cfg.CompletionTimeout, utils.Logger("decision"))
	sink := tasks.NewNotionSink(cfg.Notion.Token, cfg.Notion.DatabaseID, utils.Logger("tasks"))

	var (
		locker         pipeline.Locker
		limiterStorage fiber.Storage
	)
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		cancel()

		locker = pipeline.NewRedisLocker(redisClient, pipeline.DefaultLockTTL)
		limiterStorage = middleware.NewRedisStorage(redisClient)
	}

	triage := pipeline.New(pipeline.Deps{
		Source:      source,
		Decider:     engine,
		Sink:        sink,
		Locker:      locker,
		Ledger:      repo,
		Analyzer:    engine,
		Emails:      repo,
		CallTimeout: cfg.RemoteCallTimeout,
		Logger:      utils.Logger("pipeline"),
	})
	hub := worker.NewProgressHub()
	triage.AddObserver(hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	autoProcessWorker := worker.NewAutoProcessWorker(ctx, triage, repo, hub, cfg.AutoProcessInterval, cfg.AutoProcessMaxResults, utils.Logger("worker"))
	go autoProcessWorker.Start(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{AppName: "mailtriage"})

	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowedOrigins = cfg.CORSAllowedOrigins
	app.Use(middleware.CORS(corsConfig))

	routes.SetupRoutes(app, routes.Controllers{
		Email:       controller.NewEmailController(source, repo, triage, cfg.RemoteCallTimeout, utils.Logger("emails")),
		AI:          controller.NewAIController(engine, repo, utils.Logger("ai")),
		AutoProcess: controller.NewAutoProcessController(autoProcessWorker, triage, repo, hub, utils.Logger("auto_process")),
		AILimiter:   middleware.AIRateLimiter(cfg.RateLimitAI, limiterStorage),
	})

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	// Start server
	logger.Infof("🚀 Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.WithError(err).Fatal("Failed to start server")
	}

	autoProcessWorker.Wait()
}

func newMailSource(cfg config.Config) mailbox.Source {
	logger := utils.Logger("mailbox")
	if cfg.MailProvider == config.ProviderIMAP {
		return mailbox.NewIMAPSource(mailbox.IMAPCredentials{
			Host:       cfg.IMAP.Host,
			Port:       cfg.IMAP.Port,
			Username:   cfg.IMAP.Username,
			Password:   cfg.IMAP.Password,
			Encryption: cfg.IMAP.Encryption,
			Mailbox:    cfg.IMAP.Mailbox,
		}, logger)
	}
	return mailbox.NewGmailSource(mailbox.GmailCredentials{
		ClientID:     cfg.Gmail.ClientID,
		ClientSecret: cfg.Gmail.ClientSecret,
		RefreshToken: cfg.Gmail.RefreshToken,
	}, logger)
}
