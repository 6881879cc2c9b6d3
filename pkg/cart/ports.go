package cart

import (
	"context"

	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/sirupsen/logrus"
)

type StockService interface {
	GetStock(ctx context.Context, productID int) (model.Stock, error)
}

type ProductCatalog interface {
	GetProduct(ctx context.Context, productID int) (model.Product, error)
}

// Slot is the durable key holding the full cart snapshot.
type Slot interface {
	Load(ctx context.Context) (model.Cart, error)
	Save(ctx context.Context, c model.Cart) error
}

// Clearer is implemented by slots that can drop their key outright. Clear
// uses it instead of saving an empty snapshot.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Notifier receives the user-visible message of every rejected operation.
type Notifier interface {
	Error(ctx context.Context, msg string)
}

type NotifierFunc func(ctx context.Context, msg string)

func (f NotifierFunc) Error(ctx context.Context, msg string) { f(ctx, msg) }

type logNotifier struct {
	log logrus.FieldLogger
}

func (n logNotifier) Error(_ context.Context, msg string) {
	n.log.WithField("notice", msg).Info("cart notice")
}
