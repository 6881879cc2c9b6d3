package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeProducer struct {
	mu   sync.Mutex
	sent []*primitive.Message
	err  error
}

func (f *fakeProducer) SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msgs...)
	return &primitive.SendResult{Status: primitive.SendOK}, nil
}

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func sampleCart() model.Cart {
	return model.Cart{
		{Product: model.Product{ID: 1, Price: model.MustMoney("139.9")}, Amount: 2},
		{Product: model.Product{ID: 3, Price: model.MustMoney("99.9")}, Amount: 1},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewCartUpdated(t *testing.T) {
	ev := NewCartUpdated("s1", sampleCart())
	if ev.Type != TagUpdated || ev.SessionID != "s1" || ev.Size != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !ev.Total.Equal(decimal.RequireFromString("379.7")) {
		t.Fatalf("unexpected total %s", ev.Total)
	}
	want := []Item{{ProductID: 1, Amount: 2}, {ProductID: 3, Amount: 1}}
	if diff := cmp.Diff(want, ev.Items); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}

	empty := NewCartUpdated("s2", model.Cart{})
	data, _ := json.Marshal(empty)
	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	if items, ok := raw["items"].([]interface{}); !ok || len(items) != 0 {
		t.Fatalf("empty cart must encode items as [], got %s", data)
	}
}

func TestPublisherSends(t *testing.T) {
	log, _ := test.NewNullLogger()
	prod := &fakeProducer{}
	p := NewPublisher(prod, "cart_events", nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	p.Start(ctx, &wg)

	p.Enqueue(NewCartUpdated("s1", sampleCart()))
	waitFor(t, func() bool { return prod.count() == 1 })
	cancel()
	wg.Wait()

	msg := prod.sent[0]
	if msg.Topic != "cart_events" || msg.GetTags() != TagUpdated || msg.GetKeys() != "s1" {
		t.Fatalf("unexpected message topic=%s tags=%s keys=%s", msg.Topic, msg.GetTags(), msg.GetKeys())
	}
	var got CartUpdated
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "s1" || got.Size != 3 {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestPublisherDeadLetter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	log, _ := test.NewNullLogger()

	prod := &fakeProducer{err: errors.New("broker down")}
	p := NewPublisher(prod, "cart_events", rdb, log)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	p.Start(ctx, &wg)
	p.Enqueue(NewCartUpdated("s9", sampleCart()))

	waitFor(t, func() bool {
		n, _ := rdb.XLen(context.Background(), DeadStreamKey).Result()
		return n == 1
	})
	cancel()
	wg.Wait()

	entries, err := rdb.XRange(context.Background(), DeadStreamKey, "-", "+").Result()
	if err != nil {
		t.Fatal(err)
	}
	v := entries[0].Values
	if v["session_id"] != "s9" || v["topic"] != "cart_events" || v["error_reason"] != "broker down" {
		t.Fatalf("unexpected dead letter %+v", v)
	}
}

func TestPublisherQueueFull(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	log, _ := test.NewNullLogger()

	// not started, so nothing drains the queue
	p := NewPublisher(&fakeProducer{}, "cart_events", rdb, log)
	for i := 0; i < defaultBuffer+2; i++ {
		p.Enqueue(NewCartUpdated("s1", model.Cart{}))
	}
	n, err := rdb.XLen(context.Background(), DeadStreamKey).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 overflow dead letters, got %d", n)
	}
}

func TestResolve(t *testing.T) {
	got, err := resolve("127.0.0.1:9876")
	if err != nil || got != "127.0.0.1:9876" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := resolve("no-port"); err == nil {
		t.Fatal("expected error for address without port")
	}
}
