package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/latticesync/collab/internal/config"
	"github.com/latticesync/collab/internal/crdt"
	"github.com/latticesync/collab/internal/docapi"
	"github.com/latticesync/collab/internal/redisstream"
	"github.com/latticesync/collab/internal/storage"
	"github.com/latticesync/collab/internal/worker"
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

	pool := poolSize()
	wcfg := worker.Config{
		RedisMinMessageLifetime: cfg.RedisMinMessageLifetime,
		PollInterval:            1 * time.Second,
	}

	for i := 0; i < pool; i++ {
		w := worker.New("worker-"+uuid.NewString(), stream, st, api, wcfg)
		go w.Run(ctx)
	}

	log.Printf("🗜️ worker pool started: %d goroutines, storage=%s", pool, cfg.Storage)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("🗜️ worker pool shutting down...")
	cancel()
}

func poolSize() int {
	raw := os.Getenv("WORKER_POOL_SIZE")
	if raw == "" {
		return 4
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 4
	}
	return n
}
