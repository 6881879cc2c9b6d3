package cart

import (
	"fmt"

	"github.com/pkg/errors"
)

// User-visible messages, as shown by the storefront.
const (
	MsgOutOfStock    = "Quantidade solicitada fora de estoque"
	MsgAddFailed     = "Erro na adição do produto"
	MsgRemoveFailed  = "Erro na remoção do produto"
	MsgUpdateFailed  = "Erro na alteração de quantidade do produto"
	MsgClearFailed   = "Erro ao esvaziar o carrinho"
	msgUnknownFailed = "Erro inesperado no carrinho"
)

var (
	ErrStockUnavailable   = errors.New("stock unavailable")
	ErrProductUnavailable = errors.New("product unavailable")
	ErrOutOfStock         = errors.New("requested amount out of stock")
	ErrNotFound           = errors.New("product not in cart")
	ErrPersistence        = errors.New("cart snapshot not written")
	ErrInternal           = errors.New("unexpected cart failure")
)

// Error describes a rejected cart operation. Kind is one of the Err* values
// above and is what errors.Is matches; Err is the underlying cause, if any.
type Error struct {
	Op        string
	ProductID int
	Kind      error
	Err       error
	// Message is the text shown to the user.
	Message string

	alias error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s product %d: %v", e.Op, e.ProductID, e.Kind)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Is(target error) bool {
	return target == e.Kind || (e.alias != nil && target == e.alias)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind maps err to a short machine-readable name. nil maps to "".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, ErrStockUnavailable):
		return "stock_unavailable"
	case errors.Is(err, ErrProductUnavailable):
		return "product_unavailable"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	default:
		return "internal"
	}
}

// UserMessage returns the text the storefront shows for err.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return msgUnknownFailed
}
