// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rocketshoes/cartservice/pkg/cart"
	"github.com/rocketshoes/cartservice/pkg/client"
	"github.com/rocketshoes/cartservice/pkg/events"
	"github.com/rocketshoes/cartservice/pkg/session"
	"github.com/rocketshoes/cartservice/pkg/storage"
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Level = logrus.InfoLevel
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := loadConfig()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warnf("invalid LOG_LEVEL %q, keeping %s", cfg.LogLevel, log.Level)
	}

	initPropagation()
	if cfg.EnableTracing {
		mustMapEnv(&cfg.CollectorAddr, "COLLECTOR_SERVICE_ADDR")
		shutdown := startTelemetry(ctx, cfg.CollectorAddr)
		defer shutdown()
	}

	if !cfg.DisableProfiler {
		log.Info("Profiling enabled.")
		go initProfiling(serviceName, serviceVersion)
	} else {
		log.Info("Profiling disabled.")
	}

	var rdb *redis.Client
	if cfg.redisEnabled() {
		var err error
		rdb, err = storage.NewRedisClient(ctx, cfg.Redis, log)
		if err != nil {
			if cfg.StorageBackend == "redis" {
				log.Fatalf("failed to connect to redis: %v", err)
			}
			log.Warnf("redis unavailable, product cache, rate limiter and dead letters disabled: %v", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	slots, err := openSlots(cfg, rdb)
	if err != nil {
		log.Fatalf("failed to open cart storage: %v", err)
	}

	api := client.NewAPI(cfg.APIBaseURL, &http.Client{}, cfg.APITimeout, log)
	var catalog cart.ProductCatalog = api
	var stock cart.StockService = api
	if rdb != nil {
		cached := client.NewCachedCatalog(api, rdb, cfg.ProductCacheTTL, log)
		catalog = cached
		// a product gone from the stock API is dropped from the cache too
		stock = cached.WatchStock(api)
	}

	wg := &sync.WaitGroup{}
	var hooks []session.Hook
	if cfg.RocketMQNameServer != "" {
		p, err := events.NewProducer(cfg.RocketMQNameServer, defaultEventGroup, log)
		if err != nil {
			log.Warnf("Failed to start RocketMQ producer: %v (cart events disabled)", err)
		} else {
			defer p.Shutdown()
			pub := events.NewPublisher(p, cfg.CartEventsTopic, rdb, log)
			pub.Start(ctx, wg)
			hooks = append(hooks, pub.Hook)
		}
	}

	registry := session.NewRegistry(slots, cfg.StorageKey, stock, catalog, log,
		session.WithCapacity(cfg.SessionCacheSize),
		session.WithIdleTimeout(cfg.SessionIdleTTL),
		session.WithHooks(hooks...),
	)
	cs := newCartServer(registry, api, log)
	limiter := NewLimiter(rdb, rateLimits{
		GlobalRPS:   cfg.GlobalRPS,
		GlobalBurst: cfg.GlobalBurst,
		IPRPS:       cfg.IPRPS,
		IPBurst:     cfg.IPBurst,
	}, log)

	var handler http.Handler = cs.routes(limiter)
	handler = &logHandler{log: log, next: handler}
	handler = ensureSessionID(handler, cfg.SingleSharedSession)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("cart service listening on %s (storage=%s)", srv.Addr, cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to serve: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("Gracefully shutting down...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
	// Notify workers to stop
	cancel()
	// Wait for workers to cleanup
	wg.Wait()
}

// openSlots picks the snapshot backend named by STORAGE_BACKEND.
func openSlots(cfg config, rdb *redis.Client) (storage.Factory, error) {
	switch cfg.StorageBackend {
	case "file":
		return storage.NewFileFactory(cfg.StorageDir)
	case "memory":
		log.Warn("memory storage: carts are lost on restart")
		return storage.NewMemory().Factory(), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("STORAGE_BACKEND=redis needs REDIS_ADDR or REDIS_SENTINEL_ADDRS")
		}
		return storage.NewRedisFactory(rdb), nil
	case "mysql":
		dsn := cfg.MySQLAddr
		if dsn == "" {
			dsn = "root:root_password@tcp(127.0.0.1:3307)/cart_db?parseTime=true"
			log.Info("Tried to connect to MySQL, but MYSQL_ADDR is not set. Using default address.")
		}
		db, err := storage.OpenMySQL(dsn)
		if err != nil {
			return nil, err
		}
		log.Info("connected to mysql")
		return storage.NewGormFactory(db)
	default:
		return nil, errors.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
}
