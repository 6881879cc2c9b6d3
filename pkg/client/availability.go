package client

import (
	"context"
	"sync"

	"github.com/rocketshoes/cartservice/pkg/model"
	"golang.org/x/sync/errgroup"
)

type StockFetcher interface {
	GetStock(ctx context.Context, productID int) (model.Stock, error)
}

// Availability fetches stock for every id concurrently, at most limit calls
// in flight. Products whose lookup fails are left out of the result; the
// first error is returned alongside whatever was collected.
func Availability(ctx context.Context, stock StockFetcher, ids []int, limit int) (map[int]int, error) {
	if limit <= 0 {
		limit = 4
	}

	var (
		mu  sync.Mutex
		out = make(map[int]int, len(ids))
	)
	var g errgroup.Group
	g.SetLimit(limit)

	for _, id := range ids {
		g.Go(func() error {
			s, err := stock.GetStock(ctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = s.Amount
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return out, err
}
