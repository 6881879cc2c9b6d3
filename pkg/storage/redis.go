package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	redisotel "github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/sirupsen/logrus"
)

type RedisConfig struct {
	Addr          string
	SentinelAddrs []string
	MasterName    string
	DB            int
	// MaxRetries bounds the startup ping loop.
	MaxRetries int
}

// NewRedisClient builds a sentinel client when sentinels are configured and a
// single-node client otherwise, then pings with exponential backoff until the
// server answers.
func NewRedisClient(ctx context.Context, cfg RedisConfig, log logrus.FieldLogger) (*redis.Client, error) {
	var rdb *redis.Client

	if len(cfg.SentinelAddrs) > 0 {
		// [模式 A] 哨兵模式
		masterName := cfg.MasterName
		if masterName == "" {
			masterName = "mymaster"
		}
		log.Infof("Initializing Redis in Sentinel Mode. Master: %s, DB: %d", masterName, cfg.DB)

		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    masterName,
			SentinelAddrs: cfg.SentinelAddrs,
			DB:            cfg.DB,
		})
	} else {
		// [模式 B] 单机模式
		log.Infof("Initializing Redis in Single Node Mode. Addr: %s, DB: %d", cfg.Addr, cfg.DB)

		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Addr,
			DB:   cfg.DB,
		})
	}

	if err := redisotel.InstrumentTracing(rdb); err != nil {
		log.Warnf("failed to instrument redis tracing: %v", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()

		if err == nil {
			log.Info("connected to redis")
			return rdb, nil
		}

		if i == maxRetries-1 {
			rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis after %d retries: %w", maxRetries, err)
		}

		backoff := time.Duration(1<<i) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		log.Warnf("redis not ready, retry in %v... (%d/%d)", backoff, i+1, maxRetries)
		select {
		case <-ctx.Done():
			rdb.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return rdb, nil
}

// RedisSlot keeps the snapshot as a plain string value under its key.
type RedisSlot struct {
	rdb *redis.Client
	key string
}

func NewRedisFactory(rdb *redis.Client) Factory {
	return func(key string) Slot { return &RedisSlot{rdb: rdb, key: key} }
}

func (s *RedisSlot) Load(ctx context.Context) (model.Cart, error) {
	val, err := s.rdb.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return model.Cart{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis GET %s", s.key)
	}
	return decode(val)
}

func (s *RedisSlot) Save(ctx context.Context, c model.Cart) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return errors.Wrapf(err, "redis SET %s", s.key)
	}
	return nil
}

func (s *RedisSlot) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return errors.Wrapf(err, "redis DEL %s", s.key)
	}
	return nil
}
