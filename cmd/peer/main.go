package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-widget/peer"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// REDIS_URL is optional; sessions stay in memory without it.
	redisURL := os.Getenv("REDIS_URL")
	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}
	catalogPath := os.Getenv("CATALOG_PATH")
	var allowedOrigins []string
	if s := os.Getenv("ALLOWED_ORIGINS"); s != "" {
		allowedOrigins = strings.Split(s, ",")
	}
	var replyDelay time.Duration
	if s := os.Getenv("REPLY_DELAY"); s != "" {
		replyDelay, err = time.ParseDuration(s)
		if err != nil {
			logger.Fatal("invalid REPLY_DELAY", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store peer.Store = peer.NewMemoryStore()
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		// Verify Redis connection
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis")
		store = peer.NewRedisStore(rdb)
	}

	catalog, err := peer.DefaultCatalog()
	if catalogPath != "" {
		catalog, err = peer.LoadCatalog(catalogPath)
	}
	if err != nil {
		logger.Fatal("failed to load catalog", zap.Error(err))
	}
	logger.Info("catalog loaded", zap.Int("products", catalog.Len()))

	handler := peer.NewHandler(peer.Options{
		Store:          store,
		Catalog:        catalog,
		Logger:         logger,
		AllowedOrigins: allowedOrigins,
		ReplyDelay:     replyDelay,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws/chat/", handler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: mux,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("peer listening", zap.String("port", port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
