package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/tufibra/evidencia/handlers"
	"github.com/tufibra/evidencia/internal/config"
	"github.com/tufibra/evidencia/services"
	"github.com/tufibra/evidencia/sheets"
	"github.com/tufibra/evidencia/telegram"
	"github.com/tufibra/evidencia/workers"
)

func main() {
	log.Println("Starting evidence bot...")

	configPath := os.Getenv("EVIDENCIA_CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}
	if config.App.BotToken == "" {
		log.Fatal("BOT_TOKEN environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}
	log.Println("  Connected to database successfully")

	// Redis is optional: without it, chat config reads go straight to Postgres.
	var rdb *redis.Client
	if config.App.RedisURL != "" {
		opts, err := redis.ParseURL(config.App.RedisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unreachable, continuing without cache: %v", err)
			rdb = nil
		} else {
			log.Println("  Connected to Redis successfully")
		}
	}

	// The spreadsheet is optional at startup: the outbox keeps accumulating
	// rows until the store comes back.
	var store sheets.Store
	if config.App.GoogleCredsJSON != "" && config.App.SheetID != "" {
		client, err := sheets.NewClient(context.Background(), config.App.GoogleCredsJSON, config.App.SheetID)
		if err != nil {
			log.Printf("Sheets client unavailable, outbox will retry: %v", err)
		} else if err := client.Init(); err != nil {
			log.Printf("Sheets init failed, outbox will retry: %v", err)
			store = client
		} else {
			log.Println("  Connected to spreadsheet successfully")
			store = client
		}
	} else {
		log.Println("  No spreadsheet configured; outbox entries will accumulate")
	}

	bot := telegram.NewClient(config.App.BotToken)

	caseService := services.NewCaseService(pg)
	stepService := services.NewStepService(pg)
	outboxService := services.NewOutboxService(pg, config.App.OutboxMaxAttempts)
	routingService := services.NewRoutingService(pg, config.App.PairingTokenTTL, config.App.RoutingCacheTTL)
	rosterService := services.NewRosterService(store, config.App.RosterCacheTTL)
	chatConfigService := services.NewChatConfigService(pg, rdb)
	pendingService := services.NewPendingInputService(pg)

	if err := routingService.LoadStaticFallback(config.App.RoutingJSON); err != nil {
		log.Fatalf("Failed to load static routing: %v", err)
	}
	if err := routingService.RefreshCache(); err != nil {
		log.Printf("Initial routing refresh failed, fallback only: %v", err)
	}

	workflow := &services.Workflow{
		Cases:      caseService,
		Steps:      stepService,
		Outbox:     outboxService,
		Routing:    routingService,
		Roster:     rosterService,
		ChatConfig: chatConfigService,
		Pending:    pendingService,
		Bot:        bot,
		BotVersion: config.App.BotVersion,
	}

	if store != nil {
		outboxWorker := workers.NewOutboxWorker(outboxService, store, config.App.OutboxDrainInterval)
		go outboxWorker.Start()
	}
	refreshWorker := workers.NewRefreshWorker(rosterService, routingService, config.App.CacheRefreshInterval)
	go refreshWorker.Start()

	webhookHandler := handlers.NewWebhookHandler(workflow, config.App.WebhookSecret)
	opsHandler := handlers.NewOpsHandler(outboxService, routingService)
	opsAuth := handlers.NewOpsAuthMiddleware(config.App.OpsJWTSecret)

	r := gin.Default()
	r.GET("/healthz", func(c *gin.Context) {
		if err := pg.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": config.App.BotVersion})
	})
	r.POST("/webhook/telegram", webhookHandler.HandleTelegramWebhook)

	ops := r.Group("/ops", opsAuth.RequireToken())
	{
		ops.GET("/outbox", opsHandler.ListOutbox)
		ops.POST("/outbox/:id/retry", opsHandler.RetryOutboxEntry)
		ops.GET("/routing", opsHandler.ListRouting)
	}

	addr := ":" + config.App.Port
	log.Printf("Listening on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
