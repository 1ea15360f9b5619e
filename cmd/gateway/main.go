package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/latticesync/collab/internal/adminapi"
	"github.com/latticesync/collab/internal/auth"
	"github.com/latticesync/collab/internal/config"
	"github.com/latticesync/collab/internal/crdt"
	"github.com/latticesync/collab/internal/docapi"
	"github.com/latticesync/collab/internal/gateway"
	"github.com/latticesync/collab/internal/redisstream"
	"github.com/latticesync/collab/internal/storage"
	"github.com/latticesync/collab/internal/subscription"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("🚫 %v", err)
		os.Exit(1)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("🚫 invalid REDIS_URL %q: %v", cfg.RedisURL, err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("🚫 cannot reach Redis at %s: %v", cfg.RedisURL, err)
		os.Exit(2)
	}
	defer rdb.Close()

	st, err := storage.Open(cfg.Storage, cfg.StoragePath)
	if err != nil {
		log.Printf("🚫 failed to open storage driver %q: %v", cfg.Storage, err)
		os.Exit(1)
	}
	defer st.Destroy()

	streamCfg := redisstream.Config{
		Prefix:       cfg.Prefix,
		ReadBlock:    cfg.ReadBlock,
		WorkerBlock:  cfg.WorkerBlock,
		StreamMaxLen: cfg.StreamMaxLen,
		ClaimMinIdle: cfg.RedisWorkerTimeout,
	}
	stream := redisstream.New(rdb, streamCfg)

	factory := crdt.NewLogDocFactory()
	api := docapi.New(st, stream, factory, cfg.RedisMinMessageLifetime)

	table := subscription.NewTable(stream, api)
	table.Start(ctx)
	defer table.Stop()

	var checker auth.Checker = auth.AllowAll{}
	if cfg.AuthPublicKey != "" {
		log.Println("⚠️  AUTH_PUBLIC_KEY is set but no external verifier is wired in; falling back to AllowAll")
	}

	srv := gateway.NewServer(table, api, checker, factory)
	admin := adminapi.New(table)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", admin.HealthHandler)
	mux.HandleFunc("/api/stats", admin.StatsHandler)
	mux.HandleFunc("/", srv.ServeWS)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("🌸 gateway shutting down...")
		cancel()
		httpSrv.Close()
	}()

	log.Printf("🌸 gateway starting on :%s", cfg.Port)
	log.Printf("📁 storage driver: %s", cfg.Storage)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /{room}?token={token}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("🚫 ListenAndServe: %v", err)
	}
}
