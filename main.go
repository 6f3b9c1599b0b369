package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	api "inboxpilot-backend/cmd/api"
	accountdomain "inboxpilot-backend/internal/account/domain"
	accountrepo "inboxpilot-backend/internal/account/repository"
	accountusecase "inboxpilot-backend/internal/account/usecase"
	aidomain "inboxpilot-backend/internal/ai/domain"
	airepo "inboxpilot-backend/internal/ai/repository"
	aiusecase "inboxpilot-backend/internal/ai/usecase"
	"inboxpilot-backend/internal/cli"
	emaildelivery "inboxpilot-backend/internal/email/delivery"
	emaildomain "inboxpilot-backend/internal/email/domain"
	emailrepo "inboxpilot-backend/internal/email/repository"
	emailusecase "inboxpilot-backend/internal/email/usecase"
	followupdelivery "inboxpilot-backend/internal/followup/delivery"
	followupdomain "inboxpilot-backend/internal/followup/domain"
	followuprepo "inboxpilot-backend/internal/followup/repository"
	followupusecase "inboxpilot-backend/internal/followup/usecase"
	"inboxpilot-backend/internal/notification"
	notificationdomain "inboxpilot-backend/internal/notification/domain"
	notificationrepo "inboxpilot-backend/internal/notification/repository"
	"inboxpilot-backend/internal/worker"
	"inboxpilot-backend/pkg/ai"
	"inboxpilot-backend/pkg/config"
	"inboxpilot-backend/pkg/database"
	"inboxpilot-backend/pkg/fcm"
	"inboxpilot-backend/pkg/gmail"
	"inboxpilot-backend/pkg/outlook"
	"inboxpilot-backend/pkg/provider"
	"inboxpilot-backend/pkg/queue"
	"inboxpilot-backend/pkg/utils/crypto"

	"gorm.io/gorm"
)

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&accountdomain.Account{},
		&emaildomain.Message{},
		&emaildomain.Thread{},
		&followupdomain.Rule{},
		&aidomain.StyleProfile{},
		&aidomain.Draft{},
		&notificationdomain.DeviceToken{},
	); err != nil {
		return err
	}
	return queue.Migrate(db)
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewConnection(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := migrate(db); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	enc, err := crypto.NewEncryptor(cfg.EncryptionMasterKey)
	if err != nil {
		log.Fatal("Failed to initialize token encryption:", err)
	}

	// Provider adapters, selected per account by their kind tag
	providers := provider.NewRegistry(
		gmail.NewService(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURI, cfg.ProviderTimeout),
		outlook.NewService(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftRedirectURI, cfg.MicrosoftTenant, cfg.ProviderTimeout),
	)

	// Repositories
	accountRepository := accountrepo.NewAccountRepository(db)
	messageRepository := emailrepo.NewMessageRepository(db)
	ruleRepository := followuprepo.NewRuleRepository(db)
	followUpRepository := followuprepo.NewFollowUpRepository(db)
	styleRepository := airepo.NewStyleProfileRepository(db)
	draftRepository := airepo.NewDraftRepository(db)
	deviceRepository := notificationrepo.NewDeviceTokenRepository(db)

	// AI backend
	var cache ai.Cache = ai.NewMemoryCache()
	if cfg.RedisURL != "" {
		redisCache, err := ai.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Printf("[WARN] Redis cache unavailable, using in-process cache: %v", err)
		} else {
			cache = redisCache
		}
	}
	aiSettings := ai.NewRuntimeSettings(cfg.OllamaBaseURL, cfg.OllamaModel)
	aiClient, err := ai.NewClient(ai.Config{
		Provider:     ai.ProviderType(cfg.AIProvider),
		GeminiAPIKey: cfg.GeminiApiKey,
		MaxTokens:    cfg.AIMaxTokens,
		Temperature:  cfg.AITemperature,
		Timeout:      cfg.AITimeout,
		Settings:     aiSettings,
		Cache:        cache,
	})
	if err != nil {
		log.Fatal("Failed to initialize AI client:", err)
	}

	// Use cases
	vault := accountusecase.NewCredentialVault(accountRepository, providers, enc)
	accountUc := accountusecase.NewAccountUsecase(accountRepository, providers, vault)
	syncEngine := emailusecase.NewSyncEngine(accountRepository, messageRepository, vault, providers, cfg.TriageBatchSize)
	messageUc := emailusecase.NewMessageUsecase(messageRepository, accountRepository, vault, providers)
	triageUc := aiusecase.NewTriageUsecase(messageRepository, aiClient, cfg.TriageCacheTTL, cfg.SummaryCacheTTL)
	styleUc := aiusecase.NewStyleUsecase(accountRepository, messageRepository, styleRepository, aiClient)
	draftUc := aiusecase.NewDraftUsecase(messageRepository, styleRepository, draftRepository, aiClient)

	policy := followupdomain.DefaultPolicy()
	policy.DefaultCategories = nil
	for _, c := range cfg.FollowUpDefaultCategories {
		policy.DefaultCategories = append(policy.DefaultCategories, aidomain.Category(c))
	}
	followUpUc := followupusecase.NewFollowUpUsecase(ruleRepository, followUpRepository, messageRepository, accountRepository, policy)

	// Job orchestrator and the pipeline's queues
	orch := queue.NewOrchestrator(db)
	pipeline, err := worker.NewService(orch, worker.Deps{
		Accounts:  accountRepository,
		Messages:  messageRepository,
		Sync:      syncEngine,
		Triage:    triageUc,
		Style:     styleUc,
		FollowUps: followUpUc,
	}, worker.Options{
		HistoryLookbackDays: cfg.HistoryLookbackDays,
		Retention: queue.Retention{
			Completed: cfg.JobRetentionCompleted,
			Failed:    cfg.JobRetentionFailed,
		},
	})
	if err != nil {
		log.Fatal("Failed to register queues:", err)
	}
	syncEngine.SetTriageScheduler(pipeline)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Operator commands
	if len(os.Args) > 1 {
		err := cli.Execute(ctx, cli.Deps{
			Pipeline:     pipeline,
			Sync:         syncEngine,
			FollowUps:    followUpUc,
			Migrate:      func() error { return migrate(db) },
			LookbackDays: cfg.HistoryLookbackDays,
		}, os.Args[1:])
		if err != nil {
			os.Exit(1)
		}
		return
	}

	// Push notifications (optional)
	if cfg.FirebaseCredentials != "" {
		fcmClient, err := fcm.NewClient(ctx, cfg.FirebaseCredentials)
		if err != nil {
			log.Printf("[WARN] Failed to initialize FCM client (push notifications disabled): %v", err)
		} else {
			followUpUc.SetNotifier(notification.NewDueNotifier(deviceRepository, fcmClient))
		}
	}

	if cfg.GoogleProjectID != "" {
		topicName := cfg.GooglePubSubTopic
		if parts := strings.Split(topicName, "/"); len(parts) > 1 {
			topicName = parts[len(parts)-1]
		}
		if topicName == "" {
			topicName = "gmail-updates"
		}
		listener := notification.NewPushListener(accountRepository, pipeline)
		if err := listener.Connect(ctx, cfg.GoogleProjectID, topicName, cfg.GoogleCredentials); err != nil {
			log.Printf("[ERROR] Failed to initialize Gmail push listener: %v", err)
		} else {
			defer listener.Close()
			go func() {
				if err := listener.Start(ctx); err != nil {
					log.Printf("[PubSub] Listener stopped: %v", err)
				}
			}()
		}
	} else {
		log.Printf("[WARN] GOOGLE_PROJECT_ID not configured, Gmail push disabled")
	}

	// Workers and recurring schedules
	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start job orchestrator:", err)
	}
	if err := pipeline.RegisterRecurring(ctx); err != nil {
		log.Printf("[ERROR] Failed to register recurring jobs: %v", err)
	}

	// HTTP surface
	handler := api.NewHandler(
		pipeline,
		accountUc,
		deviceRepository,
		emaildelivery.NewMessageHandler(messageUc, triageUc, draftUc),
		followupdelivery.NewFollowUpHandler(followUpUc),
		api.NewSettingsHandler(aiSettings, aiClient),
	)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler.Router()}
	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] HTTP shutdown: %v", err)
	}
	orch.Stop()
}
