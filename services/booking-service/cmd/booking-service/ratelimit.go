package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/config"
	"github.com/md-rashed-zaman/reachflow/libs/httpx"
	"github.com/redis/go-redis/v9"
)

// newRateLimiter guards the public endpoints. Redis is used when REDIS_ADDR is set so
// several replicas share one budget; otherwise each process counts on its own.
func newRateLimiter(logger *slog.Logger) (httpx.Middleware, func()) {
	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)

	addr := strings.TrimSpace(config.String("REDIS_ADDR", ""))
	if addr == "" {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
		return rl.Middleware(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       config.Int("REDIS_DB", 0),
	})
	rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl:booking"))
	logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	return rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true)), func() { _ = rdb.Close() }
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
