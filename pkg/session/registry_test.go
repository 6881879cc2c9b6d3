package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rocketshoes/cartservice/pkg/cart"
	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/rocketshoes/cartservice/pkg/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/sync/errgroup"
)

type stock map[int]int

func (s stock) GetStock(ctx context.Context, id int) (model.Stock, error) {
	return model.Stock{ID: id, Amount: s[id]}, nil
}

type catalog struct{}

func (catalog) GetProduct(ctx context.Context, id int) (model.Product, error) {
	return model.Product{ID: id, Title: "Tênis", Price: model.NewMoney(decimal.NewFromInt(100))}, nil
}

func TestRegistryOpensOneStorePerSession(t *testing.T) {
	log, _ := test.NewNullLogger()
	mem := storage.NewMemory()

	var mu sync.Mutex
	opened := map[string]int{}
	hook := func(id string, s *cart.Store) {
		mu.Lock()
		opened[id]++
		mu.Unlock()
	}
	reg := NewRegistry(mem.Factory(), "", stock{1: 10}, catalog{}, log, WithHooks(hook))

	g, ctx := errgroup.WithContext(context.Background())
	stores := make([]*cart.Store, 20)
	for i := range stores {
		g.Go(func() error {
			s, err := reg.Get(ctx, "alice")
			stores[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Get failed: %v", err)
	}
	for _, s := range stores {
		if s != stores[0] {
			t.Fatal("expected the same store for one session")
		}
	}
	if opened["alice"] != 1 {
		t.Fatalf("expected hook to run once, ran %d times", opened["alice"])
	}

	bob, err := reg.Get(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if bob == stores[0] {
		t.Fatal("sessions must not share a store")
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 stores, got %d", reg.Len())
	}
}

func TestRegistryRestoresFromSlot(t *testing.T) {
	log, _ := test.NewNullLogger()
	mem := storage.NewMemory()
	ctx := context.Background()

	first := NewRegistry(mem.Factory(), "", stock{1: 10}, catalog{}, log)
	s, err := first.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddProduct(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if mem.Raw(storage.SessionKey(storage.DefaultKey, "alice")) == nil {
		t.Fatal("expected snapshot under the session key")
	}

	// a fresh process sees the persisted cart
	second := NewRegistry(mem.Factory(), "", stock{1: 10}, catalog{}, log)
	restored, err := second.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got := restored.Cart(); len(got) != 1 || got[0].ID != 1 || got[0].Amount != 1 {
		t.Fatalf("unexpected restored cart %+v", got)
	}
}

func TestRegistryOpenError(t *testing.T) {
	log, _ := test.NewNullLogger()
	mem := storage.NewMemory()
	ctx := context.Background()

	// amount 0 violates the cart invariants
	bad := mem.Factory()(storage.SessionKey("shop", "eve"))
	if err := bad.Save(ctx, model.Cart{{Product: model.Product{ID: 1}, Amount: 0}}); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(mem.Factory(), "shop", stock{}, catalog{}, log)
	if _, err := reg.Get(ctx, "eve"); err == nil {
		t.Fatal("expected error for invalid snapshot")
	}
	if reg.Len() != 0 {
		t.Fatal("failed opens must not be cached")
	}
}

func TestRegistryEvictsLeastRecentlyUsed(t *testing.T) {
	log, _ := test.NewNullLogger()
	mem := storage.NewMemory()
	ctx := context.Background()
	reg := NewRegistry(mem.Factory(), "", stock{1: 10}, catalog{}, log, WithCapacity(3))

	alice, err := reg.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.AddProduct(ctx, 1); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 50; i++ {
		if _, err := reg.Get(ctx, fmt.Sprintf("guest-%d", i)); err != nil {
			t.Fatal(err)
		}
		if reg.Len() > 3 {
			t.Fatalf("registry grew past its capacity: %d", reg.Len())
		}
	}

	reopened, err := reg.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if reopened == alice {
		t.Fatal("expected alice to have been evicted")
	}
	if got := reopened.Cart(); len(got) != 1 || got[0].ID != 1 || got[0].Amount != 1 {
		t.Fatalf("evicted cart did not survive, got %+v", got)
	}
}

func TestRegistryClosesIdleStores(t *testing.T) {
	log, _ := test.NewNullLogger()
	mem := storage.NewMemory()
	ctx := context.Background()
	reg := NewRegistry(mem.Factory(), "", stock{1: 10}, catalog{}, log, WithIdleTimeout(30*time.Millisecond))

	first, err := reg.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := first.AddProduct(ctx, 1); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	second, err := reg.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("expected the idle store to be closed")
	}
	if got := second.Cart(); len(got) != 1 || got[0].Amount != 1 {
		t.Fatalf("unexpected cart after reopen %+v", got)
	}
}

func TestRegistryPeekDoesNotOpen(t *testing.T) {
	log, _ := test.NewNullLogger()
	mem := storage.NewMemory()
	ctx := context.Background()
	reg := NewRegistry(mem.Factory(), "", stock{1: 10}, catalog{}, log)

	for i := 0; i < 100; i++ {
		c, err := reg.Peek(ctx, fmt.Sprintf("visitor-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if len(c) != 0 {
			t.Fatalf("expected empty cart, got %+v", c)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("Peek must not open stores, got %d", reg.Len())
	}

	s, err := reg.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddProduct(ctx, 1); err != nil {
		t.Fatal(err)
	}
	c, err := reg.Peek(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(c) != 1 || c[0].Amount != 1 {
		t.Fatalf("unexpected cart %+v", c)
	}

	// persisted but not open
	other := NewRegistry(mem.Factory(), "", stock{1: 10}, catalog{}, log)
	if c, err := other.Peek(ctx, "alice"); err != nil || len(c) != 1 {
		t.Fatalf("expected persisted cart, got %+v, %v", c, err)
	}
	if other.Len() != 0 {
		t.Fatal("Peek must not open stores")
	}
}

// ctxSlot fails like a network backend once its context is done.
type ctxSlot struct {
	storage.Slot
}

func (s ctxSlot) Load(ctx context.Context) (model.Cart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Slot.Load(ctx)
}

func TestRegistryOpenOutlivesCallerContext(t *testing.T) {
	log, _ := test.NewNullLogger()
	mem := storage.NewMemory()
	slots := func(key string) storage.Slot { return ctxSlot{mem.Factory()(key)} }
	reg := NewRegistry(slots, "", stock{1: 10}, catalog{}, log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := reg.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("a cancelled caller must not fail the shared open: %v", err)
	}
	again, err := reg.Get(context.Background(), "alice")
	if err != nil || again != s {
		t.Fatalf("expected the opened store to be cached, got %v", err)
	}
}
