package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"renderd/internal/api"
	"renderd/internal/cache"
	"renderd/internal/config"
	"renderd/internal/memmon"
	"renderd/internal/pool"
	"renderd/internal/ratelimit"
	"renderd/internal/render"
	"renderd/internal/scheduler"
	"renderd/internal/store"
	"renderd/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var engine render.Engine
	switch cfg.EngineKind {
	case "remote":
		engine = render.NewRemoteEngine(cfg.EngineURL, cfg.RenderTimeout+5*time.Second)
	default:
		engine = render.NewLocalEngine()
	}

	p, err := pool.New(ctx, engine, pool.Config{
		Size:           cfg.PoolSize,
		Min:            cfg.PoolMin,
		Max:            cfg.PoolMax,
		AcquireTimeout: cfg.AcquireTimeout,
		MaxHold:        cfg.MaxHoldTime,
		IdleRecycleAge: cfg.IdleRecycleAge,
		SweepInterval:  cfg.PoolSweepInterval,
	})
	if err != nil {
		log.Fatalf("init pool: %v", err)
	}
	defer p.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	var tier2 cache.BlobStore
	switch cfg.CacheBackend {
	case "s3":
		tier2, err = cache.NewS3Store(ctx, cfg)
		if err != nil {
			log.Fatalf("init s3 cache backend: %v", err)
		}
	case "redis":
		if redisClient == nil {
			log.Fatalf("redis cache backend requires REDIS_ADDR")
		}
		tier2 = cache.NewRedisStore(redisClient, cfg.Tier2Retention)
	default:
		tier2, err = cache.NewFSStore(cfg.CacheDir)
		if err != nil {
			log.Fatalf("init fs cache backend: %v", err)
		}
	}

	contentCache := cache.New(tier2, cache.Options{
		MaxItems:           cfg.CacheMaxItems,
		MaxBytes:           cfg.CacheMaxBytes,
		TTL:                cfg.CacheTTL,
		SweepInterval:      cfg.CacheSweepInterval,
		Tier2Retention:     cfg.Tier2Retention,
		Tier2SweepInterval: cfg.Tier2SweepInterval,
	})

	var recorder scheduler.Recorder
	var history *store.Store
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		recorder = st
		history = st
	}

	sched := scheduler.New(p, contentCache, recorder, scheduler.Config{
		Concurrency:   cfg.Concurrency,
		QueueMax:      cfg.QueueMax,
		MaxRetries:    cfg.MaxRetries,
		RenderTimeout: cfg.RenderTimeout,
		JobRetention:  cfg.JobRetention,
	})

	var limiter *ratelimit.TokenBucket
	if redisClient != nil && cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.New(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	monitor := memmon.New(memmon.Config{
		Interval:  cfg.MemCheckInterval,
		SoftLimit: cfg.MemSoftLimit,
		HardLimit: cfg.MemHardLimit,
		Cooldown:  cfg.MemCooldown,
	}, nil, contentCache, p)

	go p.Run(ctx)
	go contentCache.Run(ctx)
	go sched.Run(ctx)
	go monitor.Run(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	server := api.New(cfg, sched, contentCache, p, limiter)
	if history != nil {
		server.WithHistory(history)
	}
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("renderd listening on :%s (engine=%s pool=%d concurrency=%d cache=%s)",
		cfg.HTTPPort, cfg.EngineKind, cfg.PoolSize, cfg.Concurrency, cfg.CacheBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	contentCache.FlushPersist(shutdownCtx)
}
