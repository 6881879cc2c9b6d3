package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/go-cmp/cmp"
	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"gorm.io/gorm"
)

var decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

func sampleCart() model.Cart {
	return model.Cart{
		{Product: model.Product{ID: 1, Title: "Tênis de Caminhada Leve Confortável", Price: model.MustMoney("179.9"), Image: "1.jpg"}, Amount: 2},
		{Product: model.Product{ID: 3, Title: "Tênis Adidas Duramo Lite 2.0", Price: model.MustMoney("219.9"), Image: "3.jpg"}, Amount: 1},
	}
}

func backends(t *testing.T) map[string]Factory {
	t.Helper()

	fileFactory, err := NewFileFactory(filepath.Join(t.TempDir(), "carts"))
	if err != nil {
		t.Fatal(err)
	}

	mr := miniredis.RunT(t)
	log, _ := test.NewNullLogger()
	rdb, err := NewRedisClient(context.Background(), RedisConfig{Addr: mr.Addr(), MaxRetries: 1}, log)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cart.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	gormFactory, err := NewGormFactory(db)
	if err != nil {
		t.Fatal(err)
	}

	return map[string]Factory{
		"memory": NewMemory().Factory(),
		"file":   fileFactory,
		"redis":  NewRedisFactory(rdb),
		"gorm":   gormFactory,
	}
}

func TestSlots(t *testing.T) {
	ctx := context.Background()

	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			slot := factory(SessionKey(DefaultKey, "abc"))

			got, err := slot.Load(ctx)
			if err != nil {
				t.Fatalf("Load on empty slot: %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Fatalf("expected empty non-nil cart, got %#v", got)
			}

			if err := slot.Save(ctx, sampleCart()); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err = slot.Load(ctx)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(sampleCart(), got, decimalEqual); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}

			// overwrite wholesale
			if err := slot.Save(ctx, sampleCart()[1:]); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, _ = slot.Load(ctx)
			if diff := cmp.Diff(sampleCart()[1:], got, decimalEqual); diff != "" {
				t.Fatalf("overwrite mismatch (-want +got):\n%s", diff)
			}

			other, err := factory(SessionKey(DefaultKey, "other")).Load(ctx)
			if err != nil || len(other) != 0 {
				t.Fatalf("keys are not isolated: %v %v", other, err)
			}

			if err := slot.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			got, _ = slot.Load(ctx)
			if len(got) != 0 {
				t.Fatalf("expected empty after Clear, got %v", got)
			}
			if err := slot.Clear(ctx); err != nil {
				t.Fatalf("second Clear: %v", err)
			}
		})
	}
}

func TestRedisSlotStoresJSONArray(t *testing.T) {
	mr := miniredis.RunT(t)
	log, _ := test.NewNullLogger()
	rdb, err := NewRedisClient(context.Background(), RedisConfig{Addr: mr.Addr(), MaxRetries: 1}, log)
	if err != nil {
		t.Fatal(err)
	}
	defer rdb.Close()

	slot := NewRedisFactory(rdb)(DefaultKey)
	if err := slot.Save(context.Background(), sampleCart()[:1]); err != nil {
		t.Fatal(err)
	}

	raw, err := mr.Get(DefaultKey)
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"id":1,"title":"Tênis de Caminhada Leve Confortável","price":179.9,"image":"1.jpg","amount":2}]`
	if raw != want {
		t.Fatalf("got %s\nwant %s", raw, want)
	}
}

func TestRedisClientGivesUp(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	log, _ := test.NewNullLogger()
	if _, err := NewRedisClient(context.Background(), RedisConfig{Addr: addr, MaxRetries: 1}, log); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestFileSlotCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	factory, err := NewFileFactory(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, fileName(DefaultKey)), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := factory(DefaultKey).Load(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFileName(t *testing.T) {
	if got := fileName("@RocketShoes:cart:1f2e"); got != "_RocketShoes_cart_1f2e.json" {
		t.Fatalf("unexpected file name %q", got)
	}
}
