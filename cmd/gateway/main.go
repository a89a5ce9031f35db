package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/ai"
	"github.com/lalithlochan/comms/internal/api"
	"github.com/lalithlochan/comms/internal/campaign"
	"github.com/lalithlochan/comms/internal/circuitbreaker"
	"github.com/lalithlochan/comms/internal/config"
	"github.com/lalithlochan/comms/internal/db"
	"github.com/lalithlochan/comms/internal/dispatch"
	"github.com/lalithlochan/comms/internal/groups"
	"github.com/lalithlochan/comms/internal/messaging"
	"github.com/lalithlochan/comms/internal/metrics"
	"github.com/lalithlochan/comms/internal/observ"
	"github.com/lalithlochan/comms/internal/realtime"
	"github.com/lalithlochan/comms/internal/redis"
	"github.com/lalithlochan/comms/internal/sqs"
	"github.com/lalithlochan/comms/internal/webhook"
	"github.com/lalithlochan/comms/internal/whatsapp"
	"github.com/lalithlochan/comms/internal/worker"
)

// handlerTimeout cancels request contexts; the server write deadline sits
// above it so timed-out handlers can still write their 503.
const handlerTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting comms gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs API idempotency and rate limiting; the gateway runs without it.
	var idempotencyService *redis.IdempotencyService
	var rateLimiter api.RateLimiter
	if cfg.RedisEnabled {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			idempotencyService = redis.NewIdempotencyService(redisClient, logger)
			rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  120,
				Window: time.Minute,
			})
		}
	}

	// Realtime fan-out. A nil publisher drops events.
	var publisher *realtime.Publisher
	if cfg.NATSURL != "" {
		publisher, err = realtime.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("nats unavailable, realtime events disabled", zap.Error(err))
		}
		defer publisher.Close()
	}

	senders := buildSenders(ctx, cfg, logger)
	if cfg.IsDevelopment() {
		withLogFallback(senders, logger)
	}

	// WhatsApp Cloud API
	var waClient *whatsapp.Client
	deliverers := map[string]messaging.Deliverer{}
	if cfg.WhatsAppEnabled() {
		waClient = whatsapp.NewClient(whatsapp.Config{
			Token:             cfg.WhatsAppToken,
			PhoneNumberID:     cfg.WhatsAppPhoneNumberID,
			BusinessAccountID: cfg.WhatsAppBusinessAccountID,
			APIVersion:        cfg.WhatsAppAPIVersion,
		}, logger)
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("whatsapp"), logger)
		deliverers[db.ConversationWhatsApp] = messaging.NewWhatsAppDeliverer(waClient, breaker)
	} else {
		logger.Warn("whatsapp not configured, replies stay internal")
	}

	groupManager := groups.NewManager(repo, logger)
	router := messaging.NewRouter(repo, groupManager, deliverers, publisher, logger)
	dispatcher := dispatch.NewDispatcher(repo, senders, publisher, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// Campaign emails go through SQS; the queue worker sends them with the
	// email channel sender.
	var emailQueue campaign.EmailQueue
	if cfg.SQSEmailQueueURL != "" && senders[db.ChannelEmail] != nil {
		sqsCfg := sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSEmailQueueURL}

		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, email campaigns disabled", zap.Error(err))
		} else {
			producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
			if err != nil {
				logger.Warn("sqs producer unavailable, email campaigns disabled", zap.Error(err))
			} else {
				emailQueue = producer
				go worker.NewEmailQueueWorker(consumer, senders[db.ChannelEmail], logger).Start(workerCtx)
				logger.Info("email queue worker started")
			}
		}
	} else {
		logger.Warn("email queue or email sender not configured, email campaigns disabled")
	}

	var templates campaign.TemplateSender
	if waClient != nil {
		templates = waClient
	}
	campaignSenders := buildCampaignSenders(senders, templates, emailQueue)

	processor := campaign.NewProcessor(repo, campaignSenders, logger)
	go worker.NewScheduler(processor, worker.Config{
		PollInterval: cfg.CampaignPollInterval,
	}, logger).Start(workerCtx)

	logger.Info("campaign scheduler started",
		zap.Duration("poll_interval", cfg.CampaignPollInterval),
		zap.Int("campaign_types", len(campaignSenders)),
	)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(handlerTimeout))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// Provider webhooks
	ingress := webhook.NewIngress(logger,
		webhook.NewLytexProvider(cfg.LytexWebhookSecret, repo, logger),
		webhook.NewWhatsAppProvider(cfg.WhatsAppAppSecret, cfg.WhatsAppVerifyToken, router, logger),
	)
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{
				"authorization", "x-client-info", "apikey", "content-type",
				webhook.LytexSignatureHeader, "x-hub-signature-256",
			},
			OptionsPassthrough: true,
		}))
		r.Use(httprate.LimitByIP(cfg.WebhookRateLimit, time.Minute))
		ingress.Routes(r)
	})

	// API routes
	svc := api.Services{
		Messages:      router,
		Notifications: dispatcher,
		Groups:        groupManager,
		Campaigns:     processor,
	}
	if waClient != nil {
		svc.Templates = waClient
	}

	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, svc, idempotencyService)
	} else {
		handler = api.NewHandler(logger, svc)
	}

	var aiHandler *ai.Handler
	if cfg.AIEnabled {
		client, err := ai.NewClient(ai.Config{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		}, logger)
		if err != nil {
			logger.Warn("ai assistant unavailable", zap.Error(err))
		} else {
			aiHandler = ai.NewHandler(ai.NewAssistant(client, logger), logger)
		}
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.Auth(cfg.SupabaseJWTSecret, cfg.SupabaseServiceRoleKey, logger))
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

		handler.Routes(r)

		if aiHandler != nil {
			r.Post("/ai/validate-document", aiHandler.HandleValidateDocument)
			r.Post("/ai/suggest-content", aiHandler.HandleSuggestContent)
		}
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := newServer(cfg.Port, r)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop background workers before draining requests
		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func newServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: handlerTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// buildSenders returns one sender per configured notification channel, each
// behind its own circuit breaker. Channels whose provider cannot be set up are
// left out of the map.
func buildSenders(ctx context.Context, cfg *config.Config, logger *zap.Logger) map[string]worker.Sender {
	senders := map[string]worker.Sender{}

	protect := func(name string, s worker.Sender) worker.Sender {
		return circuitbreaker.NewProtectedSender(s, circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger), logger)
	}

	if cfg.SESFromEmail != "" {
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			logger.Warn("SES sender unavailable", zap.Error(err))
		} else {
			senders[db.ChannelEmail] = protect("ses", ses)
		}
	}

	sns, err := worker.NewSNSSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable", zap.Error(err))
	} else {
		senders[db.ChannelSMS] = protect("sns", sns)
	}

	if cfg.PushGatewayURL != "" {
		senders[db.ChannelPush] = protect("push", worker.NewPushSender(logger, worker.PushConfig{
			Endpoint: cfg.PushGatewayURL,
			Timeout:  time.Duration(cfg.PushTimeout) * time.Second,
		}))
	}

	logger.Info("initialized notification channels",
		zap.Bool("email_enabled", senders[db.ChannelEmail] != nil),
		zap.Bool("sms_enabled", senders[db.ChannelSMS] != nil),
		zap.Bool("push_enabled", senders[db.ChannelPush] != nil),
	)

	return senders
}

// withLogFallback fills every missing channel with the log sender. Only used
// in development: elsewhere a logged delivery would be reported as sent.
func withLogFallback(senders map[string]worker.Sender, logger *zap.Logger) {
	fallback := worker.NewLogSender(logger)
	for _, ch := range []string{db.ChannelEmail, db.ChannelSMS, db.ChannelPush} {
		if senders[ch] == nil {
			logger.Warn("channel not configured, deliveries are logged only", zap.String("channel", ch))
			senders[ch] = fallback
		}
	}
}

// buildCampaignSenders maps campaign types to bulk senders. A type with no
// backing sender is left out, so its campaigns fail as unsupported and stay
// active instead of being marked sent.
func buildCampaignSenders(senders map[string]worker.Sender, templates campaign.TemplateSender, emailQueue campaign.EmailQueue) map[string]campaign.BulkSender {
	out := map[string]campaign.BulkSender{}
	if sms := senders[db.ChannelSMS]; sms != nil {
		out[db.CampaignSMS] = campaign.NewSMSSender(sms)
	}
	if templates != nil {
		out[db.CampaignWhatsApp] = campaign.NewWhatsAppSender(templates, "pt_BR")
	}
	if emailQueue != nil && senders[db.ChannelEmail] != nil {
		out[db.CampaignEmail] = campaign.NewEmailSender(emailQueue)
	}
	return out
}
