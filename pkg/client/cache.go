package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

type ProductFetcher interface {
	GetProduct(ctx context.Context, productID int) (model.Product, error)
}

// CachedCatalog keeps product display data in redis. Stock is never cached;
// only the catalog goes through here.
type CachedCatalog struct {
	next ProductFetcher
	rdb  *redis.Client
	sf   singleflight.Group
	cb   *gobreaker.CircuitBreaker
	ttl  time.Duration
	log  logrus.FieldLogger
}

func NewCachedCatalog(next ProductFetcher, rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *CachedCatalog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedCatalog{
		next: next,
		rdb:  rdb,
		cb:   newBreaker("ProductCache", log),
		ttl:  ttl,
		log:  log,
	}
}

func productKey(id int) string {
	return fmt.Sprintf("product:%d", id)
}

func (c *CachedCatalog) GetProduct(ctx context.Context, productID int) (model.Product, error) {
	key := productKey(productID)

	// 熔断器
	val, err := c.cb.Execute(func() (interface{}, error) {
		res, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		// cache down: go straight to the API
		c.log.Warnf("[GetProduct] circuit breaker open or redis error: %v", err)
		return c.next.GetProduct(ctx, productID)
	}

	if val != nil {
		var product model.Product
		if err := json.Unmarshal([]byte(val.(string)), &product); err == nil {
			return product, nil
		}
		c.log.Errorf("[GetProduct] failed to unmarshal product %s from redis", key)
	}

	// 未命中缓存，聚合相同的读请求，回写redis
	result, err, shared := c.sf.Do(key, func() (interface{}, error) {
		product, err := c.next.GetProduct(ctx, productID)
		if err != nil {
			return nil, err
		}

		data, _ := json.Marshal(product)
		ttl := c.ttl + time.Duration(rand.Intn(60))*time.Second
		if err := c.rdb.Set(ctx, key, string(data), ttl).Err(); err != nil {
			c.log.Errorf("[GetProduct] failed to write cache for redis key %s: %v", key, err)
		}
		return product, nil
	})
	if err != nil {
		return model.Product{}, err
	}
	if shared {
		c.log.Debugf("shared product fetch for id: %d", productID)
	}
	return result.(model.Product), nil
}

// Invalidate drops the cached product.
func (c *CachedCatalog) Invalidate(ctx context.Context, productID int) error {
	return c.rdb.Del(ctx, productKey(productID)).Err()
}

// WatchStock wraps a stock source so that a product the stock API no longer
// knows is also dropped from the cache.
func (c *CachedCatalog) WatchStock(next StockFetcher) StockFetcher {
	return &watchedStock{next: next, catalog: c}
}

type watchedStock struct {
	next    StockFetcher
	catalog *CachedCatalog
}

func (w *watchedStock) GetStock(ctx context.Context, productID int) (model.Stock, error) {
	st, err := w.next.GetStock(ctx, productID)
	if errors.Is(err, ErrNotFound) {
		if ierr := w.catalog.Invalidate(ctx, productID); ierr != nil {
			w.catalog.log.Errorf("[GetStock] failed to invalidate cached product %d: %v", productID, ierr)
		}
	}
	return st, err
}
