package main

import (
	"context"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/libs/config"
	"github.com/md-rashed-zaman/reachflow/libs/db"
	"github.com/md-rashed-zaman/reachflow/libs/httpx"
	"github.com/md-rashed-zaman/reachflow/libs/kafkax"
	otelx "github.com/md-rashed-zaman/reachflow/libs/otel"
	"github.com/md-rashed-zaman/reachflow/libs/outbox"
	"github.com/md-rashed-zaman/reachflow/libs/runtime"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
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

	pool, err := db.Open(ctx, dbURL, db.PoolConfig{MaxConns: int32(config.Int("DB_MAX_CONNS", 10))})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	brokers := config.String("KAFKA_BROKERS", "")
	outboxRepo := outbox.NewRepository()
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	repo := storage.NewBookingRepository(pool, outboxRepo)
	svc := booking.NewService(repo, clock.Real(), logger, booking.Config{
		MaxRangeDays: config.Int("SLOT_MAX_RANGE_DAYS", booking.DefaultMaxRangeDays),
	})
	bookingHandler := handlers.NewBookingHandler(svc, logger)
	adminHandler := handlers.NewAdminHandler(svc, logger)

	rateLimitMW, closeLimiter := newRateLimiter(logger)
	defer closeLimiter()

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.Handle("/api/v1/public/slots", rateLimitMW(http.HandlerFunc(bookingHandler.Slots)))
	mux.Handle("/api/v1/public/book", rateLimitMW(http.HandlerFunc(bookingHandler.Book)))
	mux.HandleFunc("/api/v1/bookings/cancel", bookingHandler.Cancel)
	mux.HandleFunc("/api/v1/event-types", adminHandler.PutEventType)
	mux.HandleFunc("/api/v1/availability", adminHandler.PutAvailability)

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,PUT,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Content-Type,X-Request-Id,Idempotency-Key,X-Tenant-Id")),
			MaxAge:         config.Duration("CORS_MAX_AGE", 10*time.Minute),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
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
