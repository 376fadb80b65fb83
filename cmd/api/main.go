package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/classifier"
	"github.com/pactstake/settlement/internal/config"
	"github.com/pactstake/settlement/internal/handlers"
	"github.com/pactstake/settlement/internal/logger"
	"github.com/pactstake/settlement/internal/media"
	"github.com/pactstake/settlement/internal/notify"
	"github.com/pactstake/settlement/internal/payments"
	"github.com/pactstake/settlement/internal/ratelimit"
	"github.com/pactstake/settlement/internal/services"
	"github.com/pactstake/settlement/internal/storage"
	"go.uber.org/zap"
)

func main() {
	config.LoadDotEnv()

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.toml"
	}

	cfg, cfgErr := config.Load(configPath)
	if cfgErr != nil {
		cfg = config.DefaultConfig()
	}

	zl, err := logger.Init(logger.Config{Level: cfg.Log.Level, Dev: cfg.Log.Dev, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	log := zl.Sugar()

	if cfgErr != nil {
		log.Warnw("using default configuration", "path", configPath, "error", cfgErr)
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	if !cfg.Log.Dev {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := storage.New(ctx, cfg.Database.DatabaseURL())
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalw("migrations failed", "error", err)
	}

	views := storage.NewSQLViews(db)
	defer views.Close()

	limiter, closeLimiter, err := newLimiter(cfg, log)
	if err != nil {
		log.Fatalw("failed to init rate limiter", "error", err)
	}
	defer closeLimiter()

	dispatcher := newDispatcher(cfg, db, log)
	defer dispatcher.Close()

	// Initialize services
	env := &services.Env{
		Store:    db,
		Settings: services.SettingsFromConfig(cfg),
		Notifier: dispatcher,
		Log:      log,
	}
	ledger := services.NewLedger(env)

	var processor payments.Processor = payments.Sandbox{}
	if cfg.Payments.BaseURL != "" {
		processor = payments.NewHTTPProcessor(cfg.Payments.BaseURL, cfg.Payments.APIKey, cfg.Payments.Timeout())
	} else {
		log.Warn("payments.base_url is empty, deposits and withdrawals use the sandbox processor")
	}

	var classifierClient classifier.Client
	if cfg.Classifier.BaseURL != "" {
		classifierClient = classifier.NewHTTPClient(cfg.Classifier.BaseURL, cfg.Classifier.APIKey, cfg.Classifier.Timeout())
	}
	advisory := classifier.NewAdvisory(classifierClient, cfg.Classifier.Timeout(), log)

	objects := media.NewFileObjectStore(cfg.Media.Dir, cfg.Media.BaseURL)

	accountService := services.NewAccountService(env, ledger, processor)
	challengeService := services.NewChallengeService(env, ledger, advisory)
	participationService := services.NewParticipationService(env, ledger, objects)
	validationService := services.NewValidationService(env, ledger)
	disputeService := services.NewDisputeService(env, ledger)
	payoutService := services.NewPayoutService(env, ledger)

	if n, err := payoutService.ResumeStalled(ctx); err != nil {
		log.Errorw("failed to resume stalled distributions", "error", err)
	} else if n > 0 {
		log.Infow("resumed stalled distributions", "count", n)
	}

	go runMaintenance(ctx, challengeService, participationService, limiter, log)

	router := handlers.NewRouter(handlers.Deps{
		Accounts:       accountService,
		Challenges:     challengeService,
		Participations: participationService,
		Validation:     validationService,
		Disputes:       disputeService,
		Payouts:        payoutService,
		Views:          views,
		Limiter:        limiter,
		Log:            log,
		JWTSecret:      cfg.JWTSecret,
		ServiceKeys:    cfg.ServiceKeys,
		MediaDir:       objects.Dir(),
		MediaBaseURL:   cfg.Media.BaseURL,
		MaxMediaBytes:  cfg.Media.MaxSizeBytes,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("server forced to shutdown", "error", err)
		}
	}()

	log.Infow("settlement API starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalw("failed to start server", "error", err)
	}

	log.Info("server exited")
}

func newLimiter(cfg *config.Config, log *zap.SugaredLogger) (*ratelimit.Limiter, func(), error) {
	rules, fallback := cfg.RateLimits.Rules()

	var (
		store   ratelimit.Store
		closeFn = func() {}
	)
	switch cfg.RateLimitStore.Backend {
	case "sqlite":
		s, err := ratelimit.NewSQLiteStore(cfg.RateLimitStore.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store = s
		closeFn = func() { _ = s.Close() }
	default:
		store = ratelimit.NewMemoryStore()
	}
	return ratelimit.New(store, rules, fallback, ratelimit.WithLogger(log)), closeFn, nil
}

func newDispatcher(cfg *config.Config, db *storage.DB, log *zap.SugaredLogger) *notify.Dispatcher {
	sinks := []notify.Sink{notify.LogSink{Log: log}}
	if cfg.Notify.TelegramEnabled && cfg.TelegramToken != "" {
		bot, err := notify.NewTelegramBot(cfg.TelegramToken)
		if err != nil {
			log.Warnw("telegram notifications disabled", "error", err)
		} else {
			sinks = append(sinks, notify.NewTelegramSink(bot, chatResolver(db)))
		}
	}
	return notify.NewDispatcher(log, cfg.Notify.QueueSize, sinks...)
}

func chatResolver(store storage.Store) notify.ChatResolver {
	return func(ctx context.Context, userID uuid.UUID) (*int64, error) {
		var chatID *int64
		err := store.WithTx(ctx, func(tx storage.Tx) error {
			u, err := tx.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			chatID = u.TelegramChatID
			return nil
		})
		return chatID, err
	}
}

// runMaintenance activates pacts whose start date passed, expires participants
// who missed the proof window and trims stale rate limit attempts.
func runMaintenance(ctx context.Context, challenges *services.ChallengeService, participations *services.ParticipationService, limiter *ratelimit.Limiter, log *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := challenges.ActivateDue(ctx); err != nil {
				log.Warnw("failed to activate due pacts", "error", err)
			}
			if _, err := participations.ExpireNoShows(ctx); err != nil {
				log.Warnw("failed to expire participations without proof", "error", err)
			}
			if _, err := limiter.Purge(ctx); err != nil {
				log.Warnw("failed to purge rate limit attempts", "error", err)
			}
		}
	}
}
