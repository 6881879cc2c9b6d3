package model

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

var decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

func sample() Cart {
	return Cart{
		{Product: Product{ID: 1, Title: "Tênis de Caminhada", Price: MustMoney("179.9"), Image: "a.jpg"}, Amount: 2},
		{Product: Product{ID: 2, Title: "Tênis VR Caminhada", Price: MustMoney("139.9"), Image: "b.jpg"}, Amount: 1},
	}
}

func TestCartIndex(t *testing.T) {
	c := sample()

	t.Run("first position is found", func(t *testing.T) {
		if got := c.Index(1); got != 0 {
			t.Fatalf("expected 0, got %d", got)
		}
	})

	t.Run("missing -> -1", func(t *testing.T) {
		if got := c.Index(42); got != -1 {
			t.Fatalf("expected -1, got %d", got)
		}
		if _, ok := c.Find(42); ok {
			t.Fatal("expected Find to report missing")
		}
	})
}

func TestCartCloneIsIndependent(t *testing.T) {
	c := sample()
	cp := c.Clone()
	cp[0].Amount = 99

	if c[0].Amount != 2 {
		t.Fatalf("clone aliases original: amount=%d", c[0].Amount)
	}

	var empty Cart
	data, err := json.Marshal(empty.Clone())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]" {
		t.Fatalf("expected [], got %s", data)
	}
}

func TestCartTotals(t *testing.T) {
	c := sample()
	if c.Size() != 3 {
		t.Fatalf("expected size 3, got %d", c.Size())
	}
	want := decimal.RequireFromString("499.7")
	if !c.Total().Equal(want) {
		t.Fatalf("expected total %s, got %s", want, c.Total())
	}
}

func TestCartJSONShape(t *testing.T) {
	data, err := json.Marshal(sample()[:1])
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"id":1,"title":"Tênis de Caminhada","price":179.9,"image":"a.jpg","amount":2}]`
	if string(data) != want {
		t.Fatalf("got %s\nwant %s", data, want)
	}

	var back Cart
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sample()[:1], back, decimalEqual); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCartValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		if err := sample().Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("zero amount", func(t *testing.T) {
		c := sample()
		c[1].Amount = 0
		if err := c.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("duplicate product", func(t *testing.T) {
		c := append(sample(), sample()[0])
		if err := c.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})
}
