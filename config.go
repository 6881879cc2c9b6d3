package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rocketshoes/cartservice/pkg/session"
	"github.com/rocketshoes/cartservice/pkg/storage"
)

const (
	defaultPort       = "8080"
	defaultAPIBaseURL = "http://localhost:3333"
	defaultEventGroup = "cart_events_producer_group"
)

type config struct {
	Port       string
	APIBaseURL string
	APITimeout time.Duration

	// file, redis, mysql or memory
	StorageBackend string
	StorageDir     string
	StorageKey     string

	Redis     storage.RedisConfig
	MySQLAddr string

	ProductCacheTTL time.Duration

	SessionCacheSize int
	SessionIdleTTL   time.Duration

	RocketMQNameServer string
	CartEventsTopic    string

	EnableTracing   bool
	CollectorAddr   string
	DisableProfiler bool

	GlobalRPS   float64
	GlobalBurst int
	IPRPS       float64
	IPBurst     int

	SingleSharedSession bool
	LogLevel            string
}

func loadConfig() config {
	cfg := config{
		Port:               getEnv("PORT", defaultPort),
		APIBaseURL:         getEnv("API_BASE_URL", defaultAPIBaseURL),
		APITimeout:         getEnvDuration("API_TIMEOUT", 3*time.Second),
		StorageBackend:     strings.ToLower(getEnv("STORAGE_BACKEND", "file")),
		StorageDir:         getEnv("STORAGE_DIR", "./data"),
		StorageKey:         getEnv("CART_STORAGE_KEY", storage.DefaultKey),
		MySQLAddr:          os.Getenv("MYSQL_ADDR"),
		ProductCacheTTL:    getEnvDuration("PRODUCT_CACHE_TTL", 10*time.Minute),
		SessionCacheSize:   getEnvInt("SESSION_CACHE_SIZE", session.DefaultCapacity),
		SessionIdleTTL:     getEnvDuration("SESSION_IDLE_TTL", session.DefaultIdleTimeout),
		RocketMQNameServer: os.Getenv("ROCKETMQ_NAMESERVER"),
		CartEventsTopic:    getEnv("CART_EVENTS_TOPIC", "cart_events"),
		EnableTracing:      os.Getenv("ENABLE_TRACING") == "1",
		CollectorAddr:      os.Getenv("COLLECTOR_SERVICE_ADDR"),
		DisableProfiler:    os.Getenv("DISABLE_PROFILER") != "",
		GlobalRPS:          getEnvFloat("RATELIMIT_GLOBAL_RPS", 1000.0),
		GlobalBurst:        getEnvInt("RATELIMIT_GLOBAL_BURST", 1000),
		IPRPS:              getEnvFloat("RATELIMIT_IP_RPS", 5.0),
		IPBurst:            getEnvInt("RATELIMIT_IP_BURST", 10),
		// Hard coded user id, shared across sessions
		SingleSharedSession: os.Getenv("ENABLE_SINGLE_SHARED_SESSION") == "true",
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	cfg.Redis = storage.RedisConfig{
		Addr:       os.Getenv("REDIS_ADDR"),
		MasterName: os.Getenv("REDIS_MASTER_NAME"),
		DB:         getEnvInt("REDIS_DB", 0),
	}
	if s := os.Getenv("REDIS_SENTINEL_ADDRS"); s != "" {
		cfg.Redis.SentinelAddrs = strings.Split(s, ",")
	}
	return cfg
}

// redisEnabled reports whether any redis endpoint is configured. Redis backs
// the product cache, the rate limiter and the dead letter stream as well as
// the redis slot backend.
func (c config) redisEnabled() bool {
	return c.Redis.Addr != "" || len(c.Redis.SentinelAddrs) > 0
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func mustMapEnv(target *string, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		panic(fmt.Sprintf("environment variable %q not set", envKey))
	}
	*target = v
}
