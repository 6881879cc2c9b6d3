package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/rocketshoes/cartservice/pkg/cart"
	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/rocketshoes/cartservice/pkg/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCapacity    = 10000
	DefaultIdleTimeout = 30 * time.Minute
)

// Hook runs once for every store the registry opens, before it is handed out.
type Hook func(sessionID string, s *cart.Store)

type Option func(*Registry)

// WithCapacity bounds how many carts stay open; the least recently used one
// is closed first.
func WithCapacity(n int) Option {
	return func(r *Registry) { r.capacity = n }
}

// WithIdleTimeout closes carts nobody touched for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idle = d }
}

func WithHooks(hooks ...Hook) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, hooks...) }
}

// Registry keeps the open cart.Store of recently active sessions. Stores are
// opened lazily from the slot under storage.SessionKey(prefix, sessionID).
// Every mutation writes the slot, so a closed store reopens with the same
// cart.
type Registry struct {
	slots    storage.Factory
	prefix   string
	stock    cart.StockService
	catalog  cart.ProductCatalog
	log      logrus.FieldLogger
	hooks    []Hook
	capacity int
	idle     time.Duration

	stores *expirable.LRU[string, *cart.Store]
	sf     singleflight.Group
}

func NewRegistry(slots storage.Factory, prefix string, stock cart.StockService, catalog cart.ProductCatalog, log logrus.FieldLogger, opts ...Option) *Registry {
	if prefix == "" {
		prefix = storage.DefaultKey
	}
	r := &Registry{
		slots:    slots,
		prefix:   prefix,
		stock:    stock,
		catalog:  catalog,
		log:      log,
		capacity: DefaultCapacity,
		idle:     DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.stores = expirable.NewLRU[string, *cart.Store](r.capacity, func(sessionID string, _ *cart.Store) {
		r.log.WithField("session", sessionID).Debug("cart closed")
	}, r.idle)
	return r
}

// Get returns the store for sessionID, opening it on first use. Concurrent
// first requests for the same session share one open.
func (r *Registry) Get(ctx context.Context, sessionID string) (*cart.Store, error) {
	if s, ok := r.stores.Get(sessionID); ok {
		// re-adding restarts the idle timer
		r.stores.Add(sessionID, s)
		return s, nil
	}

	// the open is shared, so it must outlive the request that started it
	openCtx := context.WithoutCancel(ctx)
	v, err, _ := r.sf.Do(sessionID, func() (interface{}, error) {
		if s, ok := r.stores.Peek(sessionID); ok {
			return s, nil
		}

		log := r.log.WithField("session", sessionID)
		s, err := cart.Open(openCtx, r.stock, r.catalog, r.slot(sessionID), cart.WithLogger(log))
		if err != nil {
			return nil, errors.Wrapf(err, "open cart for session %s", sessionID)
		}
		for _, hook := range r.hooks {
			hook(sessionID, s)
		}

		r.stores.Add(sessionID, s)
		log.WithField("items", len(s.Cart())).Debug("cart opened")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cart.Store), nil
}

// Peek returns the cart of sessionID without opening a store for it. Read
// only traffic, such as clients that never keep the session cookie, does not
// grow the registry.
func (r *Registry) Peek(ctx context.Context, sessionID string) (model.Cart, error) {
	if s, ok := r.stores.Get(sessionID); ok {
		return s.Cart(), nil
	}
	c, err := r.slot(sessionID).Load(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "load cart for session %s", sessionID)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid cart snapshot for session %s", sessionID)
	}
	return c, nil
}

// Len reports how many carts are open.
func (r *Registry) Len() int {
	return r.stores.Len()
}

func (r *Registry) slot(sessionID string) storage.Slot {
	return r.slots(storage.SessionKey(r.prefix, sessionID))
}
