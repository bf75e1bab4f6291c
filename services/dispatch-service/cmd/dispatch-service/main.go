package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/libs/config"
	"github.com/md-rashed-zaman/reachflow/libs/consumer"
	"github.com/md-rashed-zaman/reachflow/libs/db"
	"github.com/md-rashed-zaman/reachflow/libs/httpx"
	"github.com/md-rashed-zaman/reachflow/libs/inbox"
	"github.com/md-rashed-zaman/reachflow/libs/kafkax"
	otelx "github.com/md-rashed-zaman/reachflow/libs/otel"
	"github.com/md-rashed-zaman/reachflow/libs/outbox"
	"github.com/md-rashed-zaman/reachflow/libs/runtime"
	"github.com/md-rashed-zaman/reachflow/services/dispatch-service/internal/dispatch"
	"github.com/md-rashed-zaman/reachflow/services/dispatch-service/internal/storage"
	"github.com/md-rashed-zaman/reachflow/services/dispatch-service/internal/transport"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "dispatch-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	brokers := config.String("KAFKA_BROKERS", "")
	inboxRepo := inbox.NewRepository(pool)
	outboxRepo := outbox.NewRepository()
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	dispatcher := dispatch.New(newMessageSender(logger), newCallPlacer(logger), storage.NewRepository(pool, outboxRepo), clock.Real(), logger, dispatch.Config{
		FailSuffix: config.String("DISPATCH_FAIL_SUFFIX", ""),
	})

	groupID := config.String("KAFKA_GROUP_ID", "dispatch-service")
	// Carrier sends are not idempotent, so a failed handler is not retried by default.
	handlerAttempts := uint(max(config.Int("DISPATCH_HANDLER_ATTEMPTS", 1), 1))
	messageConsumer := consumer.New(logger, inboxRepo, consumer.Config{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       dispatch.TopicMessageRequested,
		MaxAttempts: handlerAttempts,
	}, dispatcher.HandleMessage)
	go messageConsumer.Run(ctx)

	callConsumer := consumer.New(logger, inboxRepo, consumer.Config{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       dispatch.TopicCallRequested,
		MaxAttempts: handlerAttempts,
	}, dispatcher.HandleCall)
	go callConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	handler = otelhttp.NewHandler(handler, "dispatch")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func newMessageSender(logger *slog.Logger) transport.MessageSender {
	url := config.String("SMS_WEBHOOK_URL", "")
	token := config.String("SMS_WEBHOOK_TOKEN", "")
	switch strings.ToLower(config.String("SMS_PROVIDER", "noop")) {
	case "noop":
		logger.Warn("sms provider is noop; messages are not delivered")
		return transport.NewNoopSender()
	default:
		return transport.NewWebhookSender(url, token)
	}
}

func newCallPlacer(logger *slog.Logger) transport.CallPlacer {
	url := config.String("VOICE_WEBHOOK_URL", "")
	token := config.String("VOICE_WEBHOOK_TOKEN", "")
	switch strings.ToLower(config.String("VOICE_PROVIDER", "noop")) {
	case "noop":
		logger.Warn("voice provider is noop; calls are not placed")
		return transport.NewNoopPlacer()
	default:
		return transport.NewWebhookPlacer(url, token)
	}
}
