package cart

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rocketshoes/cartservice/pkg/cart"

const (
	opAdd    = "add"
	opRemove = "remove"
	opUpdate = "update"
	opClear  = "clear"
)

// Store owns one cart. Mutations are serialised; reads never wait on the
// stock or catalog services.
type Store struct {
	stock   StockService
	catalog ProductCatalog
	slot    Slot
	notify  Notifier
	log     logrus.FieldLogger
	tracer  trace.Tracer
	ops     metric.Int64Counter

	// opMu is held for the whole of a mutation, remote calls included.
	opMu sync.Mutex

	mu     sync.RWMutex
	cart   model.Cart
	subs   map[int]func(model.Cart)
	order  []int
	nextID int
}

type Option func(*Store)

func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notify = n }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

// Open restores the cart from slot (empty when the slot has never been
// written) and returns a Store ready for use.
func Open(ctx context.Context, stock StockService, catalog ProductCatalog, slot Slot, opts ...Option) (*Store, error) {
	s := &Store{
		stock:   stock,
		catalog: catalog,
		slot:    slot,
		log:     logrus.StandardLogger(),
		tracer:  otel.Tracer(instrumentationName),
		subs:    make(map[int]func(model.Cart)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notify == nil {
		s.notify = logNotifier{log: s.log}
	}

	ops, err := otel.Meter(instrumentationName).Int64Counter(
		"cart_operations_total",
		metric.WithUnit("{ops}"),
		metric.WithDescription("Cart mutations by operation and result."),
	)
	if err != nil {
		s.log.Warnf("failed to register cart metrics: %v", err)
	}
	s.ops = ops

	initial, err := slot.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not restore cart snapshot")
	}
	if err := initial.Validate(); err != nil {
		return nil, errors.Wrap(err, "cart snapshot is invalid")
	}
	s.cart = initial.Clone()
	return s, nil
}

// Cart returns a copy of the current cart.
func (s *Store) Cart() model.Cart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cart.Clone()
}

// Subscribe registers fn to receive the cart after every successful
// mutation. fn runs while the mutation lock is held and must not call back
// into the Store's mutating methods.
func (s *Store) Subscribe(fn func(model.Cart)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// AddProduct adds one unit of productID, appending a new line when the
// product is not in the cart yet.
func (s *Store) AddProduct(ctx context.Context, productID int) (err error) {
	ctx, done := s.begin(ctx, opAdd, productID)
	defer func() { done(err) }()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer s.recoverInto(ctx, &err, opAdd, productID, MsgAddFailed)

	current := s.Cart()
	existing, found := current.Find(productID)
	requested := existing.Amount + 1

	stock, err := s.stock.GetStock(ctx, productID)
	if err != nil {
		return s.reject(ctx, &Error{Op: opAdd, ProductID: productID, Kind: ErrStockUnavailable, Err: err, Message: MsgAddFailed})
	}
	if requested > stock.Amount {
		return s.reject(ctx, &Error{Op: opAdd, ProductID: productID, Kind: ErrOutOfStock, Message: MsgOutOfStock})
	}

	var next model.Cart
	if found {
		next = withAmount(current, productID, requested)
	} else {
		product, err := s.catalog.GetProduct(ctx, productID)
		if err != nil {
			return s.reject(ctx, &Error{Op: opAdd, ProductID: productID, Kind: ErrProductUnavailable, Err: err, Message: MsgAddFailed})
		}
		product.ID = productID
		next = append(current.Clone(), model.LineItem{Product: product, Amount: 1})
	}

	if err := s.commit(ctx, next); err != nil {
		return s.reject(ctx, &Error{Op: opAdd, ProductID: productID, Kind: ErrPersistence, Err: err, Message: MsgAddFailed})
	}
	return nil
}

// RemoveProduct drops the line for productID wherever it sits in the cart.
func (s *Store) RemoveProduct(ctx context.Context, productID int) (err error) {
	ctx, done := s.begin(ctx, opRemove, productID)
	defer func() { done(err) }()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer s.recoverInto(ctx, &err, opRemove, productID, MsgRemoveFailed)

	current := s.Cart()
	i := current.Index(productID)
	if i < 0 {
		return s.reject(ctx, &Error{Op: opRemove, ProductID: productID, Kind: ErrNotFound, Message: MsgRemoveFailed})
	}

	next := make(model.Cart, 0, len(current)-1)
	next = append(next, current[:i]...)
	next = append(next, current[i+1:]...)

	if err := s.commit(ctx, next); err != nil {
		return s.reject(ctx, &Error{Op: opRemove, ProductID: productID, Kind: ErrPersistence, Err: err, Message: MsgRemoveFailed})
	}
	return nil
}

// UpdateProductAmount sets the amount of a product already in the cart.
// Non-positive amounts are ignored; decrementing to zero goes through
// RemoveProduct.
func (s *Store) UpdateProductAmount(ctx context.Context, productID, amount int) (err error) {
	if amount <= 0 {
		return nil
	}

	ctx, done := s.begin(ctx, opUpdate, productID)
	defer func() { done(err) }()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer s.recoverInto(ctx, &err, opUpdate, productID, MsgUpdateFailed)

	stock, err := s.stock.GetStock(ctx, productID)
	if err != nil {
		return s.reject(ctx, &Error{Op: opUpdate, ProductID: productID, Kind: ErrStockUnavailable, Err: err, Message: MsgUpdateFailed})
	}
	if amount > stock.Amount {
		return s.reject(ctx, &Error{Op: opUpdate, ProductID: productID, Kind: ErrOutOfStock, Message: MsgOutOfStock})
	}

	current := s.Cart()
	if current.Index(productID) < 0 {
		// the storefront shows the out-of-stock text here too
		return s.reject(ctx, &Error{Op: opUpdate, ProductID: productID, Kind: ErrNotFound, Message: MsgOutOfStock, alias: ErrOutOfStock})
	}

	if err := s.commit(ctx, withAmount(current, productID, amount)); err != nil {
		return s.reject(ctx, &Error{Op: opUpdate, ProductID: productID, Kind: ErrPersistence, Err: err, Message: MsgUpdateFailed})
	}
	return nil
}

// Clear empties the cart and drops or overwrites the snapshot.
func (s *Store) Clear(ctx context.Context) (err error) {
	ctx, done := s.begin(ctx, opClear, 0)
	defer func() { done(err) }()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer s.recoverInto(ctx, &err, opClear, 0, MsgClearFailed)

	if err := s.commitWith(ctx, model.Cart{}, s.clearSlot); err != nil {
		return s.reject(ctx, &Error{Op: opClear, Kind: ErrPersistence, Err: err, Message: MsgClearFailed})
	}
	return nil
}

// withAmount rebuilds c with productID's amount replaced.
func withAmount(c model.Cart, productID, amount int) model.Cart {
	next := c.Clone()
	next[next.Index(productID)].Amount = amount
	return next
}

// commit swaps next in, writes the snapshot, then notifies subscribers. A
// failed write restores the previous cart.
func (s *Store) commit(ctx context.Context, next model.Cart) error {
	return s.commitWith(ctx, next, func(ctx context.Context) error {
		return s.slot.Save(ctx, next.Clone())
	})
}

func (s *Store) clearSlot(ctx context.Context) error {
	if c, ok := s.slot.(Clearer); ok {
		return c.Clear(ctx)
	}
	return s.slot.Save(ctx, model.Cart{})
}

// commitWith swaps in next, persists it with write and rolls back when the
// write fails.
func (s *Store) commitWith(ctx context.Context, next model.Cart, write func(context.Context) error) error {
	s.mu.Lock()
	prev := s.cart
	s.cart = next
	s.mu.Unlock()

	saved := false
	defer func() {
		if !saved {
			s.mu.Lock()
			s.cart = prev
			s.mu.Unlock()
		}
	}()
	if err := write(ctx); err != nil {
		return err
	}
	saved = true

	s.publish(next)
	return nil
}

func (s *Store) publish(c model.Cart) {
	s.mu.RLock()
	fns := make([]func(model.Cart), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.subs[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorf("cart subscriber panicked: %v", r)
				}
			}()
			fn(c.Clone())
		}()
	}
}

func (s *Store) reject(ctx context.Context, e *Error) error {
	s.log.WithFields(logrus.Fields{
		"op":      e.Op,
		"product": e.ProductID,
		"kind":    Kind(e),
	}).WithError(e.Err).Warn("cart operation rejected")
	s.notify.Error(ctx, e.Message)
	return e
}

func (s *Store) recoverInto(ctx context.Context, err *error, op string, productID int, msg string) {
	if r := recover(); r != nil {
		*err = s.reject(ctx, &Error{Op: op, ProductID: productID, Kind: ErrInternal, Err: fmt.Errorf("panic: %v", r), Message: msg})
	}
}

// begin starts the span for op and returns the func that ends it.
func (s *Store) begin(ctx context.Context, op string, productID int) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "cart."+op, trace.WithAttributes(
		attribute.String("cart.op", op),
		attribute.Int("product.id", productID),
	))
	return ctx, func(err error) {
		result := "ok"
		if err != nil {
			result = Kind(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		if s.ops != nil {
			s.ops.Add(ctx, 1, metric.WithAttributes(
				attribute.String("op", op),
				attribute.String("result", result),
			))
		}
		span.End()
	}
}
