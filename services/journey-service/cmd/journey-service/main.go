package main

import (
	"context"
	"net/http"
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
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/delivery"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/dids"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/handlers"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/journey"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/scheduler"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "journey-service"

func main() {
	service := config.String("SERVICE_NAME", serviceName)
	port, err := config.Port("PORT", "8087")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9097")
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

	pool, err := db.Open(ctx, dbURL, db.PoolConfig{MaxConns: int32(config.Int("DB_MAX_CONNS", 20))})
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

	clk := clock.Real()
	journeyRepo := storage.NewJourneyRepository(pool)
	enrollmentRepo := storage.NewEnrollmentRepository(pool, outboxRepo)
	didRepo := storage.NewDIDRepository(pool)
	deliveryRepo := storage.NewDeliveryRepository(pool)

	allocator := dids.NewAllocator(didRepo, clk, logger)
	sweeper := dids.NewSweeper(didRepo, allocator, clk, logger, dids.SweeperConfig{
		Interval:  config.Duration("DID_SWEEP_INTERVAL", time.Minute),
		MaxHold:   config.Duration("DID_MAX_HOLD", 30*time.Minute),
		BatchSize: config.Int("DID_SWEEP_BATCH_SIZE", 100),
	})
	go sweeper.Run(ctx)

	executor := journey.NewExecutor(allocator, journey.RetryPolicy{
		Base:       config.Duration("CALL_RETRY_BASE", 30*time.Second),
		Max:        config.Duration("CALL_RETRY_MAX", 10*time.Minute),
		AlertEvery: config.Int("CALL_RETRY_ALERT_EVERY", 20),
	}, logger)
	sched := scheduler.NewScheduler(enrollmentRepo, executor, allocator, clk, logger, scheduler.Config{
		Interval:  config.Duration("SCHEDULER_INTERVAL", 2*time.Second),
		LeaseTTL:  config.Duration("SCHEDULER_LEASE_TTL", 2*time.Minute),
		Workers:   config.Int("SCHEDULER_WORKERS", 8),
		BatchSize: config.Int("SCHEDULER_BATCH_SIZE", 100),
		MaxHops:   config.Int("SCHEDULER_MAX_HOPS", 16),
		Owner:     config.String("SCHEDULER_OWNER", ""),
	})
	if config.Bool("SCHEDULER_ENABLED", true) {
		logger.Info("scheduler starting", "owner", sched.Owner())
		go sched.Run(ctx)
	}

	inboxRepo := inbox.NewRepository(pool)
	deliveryHandler := delivery.NewHandler(deliveryRepo, allocator, logger)
	groupID := config.String("KAFKA_GROUP_ID", serviceName)
	for _, topic := range []string{delivery.TopicMessageReported, delivery.TopicCallReported} {
		c := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}, deliveryHandler.Handle)
		go c.Run(ctx)
	}

	if err := startHealthServer(ctx, logger, grpcPort); err != nil {
		logger.Error("grpc health server failed", "err", err)
		panic(err)
	}

	journeyHandler := handlers.NewJourneyHandler(journeyRepo, enrollmentRepo, clk, logger)
	didHandler := handlers.NewDIDHandler(didRepo, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.HandleFunc("/api/v1/journeys", journeyHandler.Journeys)
	mux.HandleFunc("/api/v1/journeys/cancel", journeyHandler.CancelJourney)
	mux.HandleFunc("/api/v1/contacts", journeyHandler.PutContact)
	mux.HandleFunc("/api/v1/enrollments", journeyHandler.Enrollments)
	mux.HandleFunc("/api/v1/admin/dids/import", didHandler.Import)
	mux.HandleFunc("/api/v1/admin/dids/disable", didHandler.Disable)
	mux.HandleFunc("/api/v1/admin/dids", didHandler.List)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(4<<20),
	)
	handler = otelhttp.NewHandler(handler, "journey")
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
