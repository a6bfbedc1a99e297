// Command upstream runs a lightweight OpenAI-compatible mock of the upstream
// gateway. It is used for end-to-end and load testing of the rotator without
// real credentials.
//
// The behaviour of each request depends on the bearer key presented:
//
//	sk-dead…    → 401 invalid key
//	sk-banned…  → 403 forbidden
//	sk-limited… → 429 with Retry-After: MOCK_RETRY_AFTER (default 2)
//	sk-flaky…   → 500 on every request
//	anything    → 200 chat completion (subject to MOCK_ERROR_RATE)
//
// Point the rotator at it with UPSTREAM_BASE_URL=http://localhost:19001/v1.
//
// Environment overrides:
//
//	PORT              listen port (default 19001)
//	MOCK_LATENCY_MS   artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   fraction [0,1] of good-key requests that return 500 (default 0)
//	MOCK_RETRY_AFTER  Retry-After seconds sent with 429s (default 2)
//	MOCK_WORDS        words in a completion (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	LatencyMS  int
	ErrorRate  float64
	RetryAfter int
	Words      int
}

func loadConfig() Config {
	c := Config{RetryAfter: 2, Words: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_RETRY_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.RetryAfter = n
		}
	}
	if v := os.Getenv("MOCK_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Words = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	addr := ":" + portFromEnv("PORT", 19001)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newHandler(cfg, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("mock upstream listening",
			slog.String("addr", addr),
			slog.Int("latency_ms", cfg.LatencyMS),
			slog.Float64("error_rate", cfg.ErrorRate),
			slog.Int("retry_after", cfg.RetryAfter),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Print readiness
	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstream")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("mock upstream stopped")
}
