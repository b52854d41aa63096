// cmd/api/main.go
// Main entry point for the realtime messaging service
// This file bootstraps all components and starts the server

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/edustat/edustat-backend/internal/auth"
	"github.com/edustat/edustat-backend/internal/common/database"
	"github.com/edustat/edustat-backend/internal/common/logger"
	"github.com/edustat/edustat-backend/internal/common/utils"
	"github.com/edustat/edustat-backend/internal/config"
	"github.com/edustat/edustat-backend/internal/messaging"
	"github.com/edustat/edustat-backend/internal/notification"
)

var startTime = time.Now()

func main() {
	// 1. Load environment variables
	envErr := godotenv.Load()

	// 2. Load configuration
	cfg := config.Load()
	if err := logger.Init(cfg.Environment, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Log

	if envErr != nil {
		log.Info("no .env file found, using environment variables")
	}

	// 3. Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatal("configuration validation failed", zap.Error(err))
	}
	log.Info("configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.String("message_store", cfg.MessageStore),
	)

	// 4. Message store
	var repo messaging.Repository
	switch cfg.MessageStore {
	case "postgres":
		db, err := database.NewPostgresDBFromURL(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("failed to connect to PostgreSQL", zap.Error(err))
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = messaging.Migrate(migrateCtx, db)
		cancel()
		if err != nil {
			log.Fatal("failed to run migrations", zap.Error(err))
		}
		repo = messaging.NewPostgresRepository(db)
		log.Info("connected to PostgreSQL")
	default:
		repo = messaging.NewMemoryRepository(messaging.WithSyntheticUsers())
		log.Warn("using in-memory message store (development mode)")
	}

	// 5. Connect to Redis (optional)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		client, err := database.NewRedisClientFromURL(cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, continuing without it", zap.Error(err))
		} else {
			redisClient = client
			defer redisClient.Close()
			log.Info("connected to Redis")
		}
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 6. Realtime core
	presence := messaging.NewPresenceRegistry(cfg.PresenceDebounce)
	hub := messaging.NewHub(presence, cfg.SendQueueSize)
	presence.SetPublisher(hub)

	if redisClient != nil {
		mirror := messaging.NewRedisPresenceMirror(redisClient, cfg.PresenceMirrorTTL)
		go presence.RunMirror(ctx, mirror, cfg.PresenceMirrorTTL/2)
	}

	seq := messaging.NewSequencer(hub, cfg.SequencerGapTimeout)
	emitter := messaging.NewEmitter(hub, seq)
	dir := messaging.NewDirectory(repo, emitter, cfg.GroupPinPolicy)

	typing := messaging.NewTypingBroadcaster(hub, cfg.TypingTimeout)
	hub.SetTyping(typing)

	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	// 7. Pipeline dependencies
	opts := []messaging.PipelineOption{
		messaging.WithTyping(typing),
		messaging.WithPresence(presence),
	}

	if verifier := newAttachmentVerifier(cfg, log); verifier != nil {
		opts = append(opts, messaging.WithAttachmentVerifier(verifier))
	}
	if notifier := newOfflineNotifier(cfg, redisClient, log); notifier != nil {
		opts = append(opts, messaging.WithNotifier(notifier))
	}

	pipeline := messaging.NewPipeline(repo, dir, emitter, messaging.PipelineConfig{
		UndoWindow:       cfg.UndoWindow,
		MaxContentLength: cfg.MaxContentLength,
	}, opts...)

	dispatcher := messaging.NewDispatcher(hub, pipeline, typing, presence)
	handler := messaging.NewHandler(pipeline, hub, dispatcher, presence, repo, messaging.HandlerConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		SendQueueSize:  cfg.SendQueueSize,
		RateLimit:      cfg.SocketRateLimit,
		RateBurst:      cfg.SocketRateBurst,
	})
	authMiddleware := auth.NewMiddleware(cfg.JWTSecret)

	// 8. Setup routes
	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Use(loggingMiddleware)

	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	messaging.RegisterRoutes(router, handler, authMiddleware.Authenticate)
	messaging.RegisterHealthCheck(router, handler)

	// 9. Create and start HTTP server. No write timeout: sockets are long lived
	// and the write pump sets its own deadlines.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     corsMiddleware(cfg.AllowedOrigins)(router),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Closing the hub closes every session
	stop()
	<-hubDone
	typing.Close()
	presence.Close()
	seq.Close()
	pipeline.Wait()

	log.Info("server exited gracefully")
}

func newAttachmentVerifier(cfg *config.Config, log *zap.Logger) messaging.AttachmentVerifier {
	if cfg.UseS3 {
		awsSession, err := session.NewSession(&aws.Config{
			Region: aws.String(cfg.AWSRegion),
		})
		if err != nil {
			log.Warn("AWS session creation failed, attachment objects are not checked", zap.Error(err))
		} else {
			log.Info("verifying attachments against S3", zap.String("bucket", cfg.S3BucketName))
			return messaging.NewS3AttachmentVerifier(awsSession, cfg.S3BucketName, cfg.MediaBaseURL)
		}
	}
	if cfg.MediaBaseURL != "" {
		return messaging.NewPrefixAttachmentVerifier(cfg.MediaBaseURL)
	}
	return nil
}

func newOfflineNotifier(cfg *config.Config, redisClient *redis.Client, log *zap.Logger) notification.Notifier {
	if !cfg.EnableOfflineEmail {
		return nil
	}

	var emailService notification.EmailService
	switch cfg.EmailProvider {
	case "sendgrid":
		sg, err := notification.NewSendGridEmailService(cfg.SendGridAPIKey, cfg.EmailFrom, "EduStat")
		if err != nil {
			log.Warn("sendgrid unavailable, using mock email service", zap.Error(err))
			emailService = notification.NewMockEmailService()
		} else {
			emailService = sg
		}
	default:
		emailService = notification.NewMockEmailService()
		log.Info("using mock email service (development mode)")
	}

	var cooldown notification.Cooldown
	if redisClient != nil {
		cooldown = notification.NewRedisCooldown(redisClient)
	} else {
		cooldown = notification.NewMemoryCooldown()
	}
	return notification.NewEmailNotifier(emailService, cooldown, cfg.OfflineNoticeCooldown, cfg.AppURL)
}

// healthCheck returns server health status
func healthCheck(w http.ResponseWriter, r *http.Request) {
	utils.SuccessResponse(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(startTime).String(),
	}, http.StatusOK)
}

// loggingMiddleware logs every request with its status and latency
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Log.Info("http_request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// corsMiddleware handles CORS for the configured origins. It wraps the
// router so preflight requests never reach route matching.
func corsMiddleware(allowed []string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == "*" || o == origin {
					if o == "*" {
						w.Header().Set("Access-Control-Allow-Origin", "*")
					} else {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						w.Header().Add("Vary", "Origin")
					}
					break
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
