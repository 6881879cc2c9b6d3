package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rocketshoes/cartservice/pkg/cart"
	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	DeadStreamKey = "mq:dead:letter"
	TagUpdated    = "cart.updated"

	defaultBuffer = 256
)

// MQProducer is the subset of rocketmq.Producer the publisher needs.
type MQProducer interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

type Item struct {
	ProductID int `json:"product_id"`
	Amount    int `json:"amount"`
}

type CartUpdated struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Size      int         `json:"size"`
	Total     model.Money `json:"total"`
	Items     []Item      `json:"items"`
	At        time.Time   `json:"at"`
}

func NewCartUpdated(sessionID string, c model.Cart) CartUpdated {
	items := make([]Item, 0, len(c))
	for _, li := range c {
		items = append(items, Item{ProductID: li.ID, Amount: li.Amount})
	}
	return CartUpdated{
		Type:      TagUpdated,
		SessionID: sessionID,
		Size:      c.Size(),
		Total:     c.Total(),
		Items:     items,
		At:        time.Now().UTC(),
	}
}

// Publisher forwards cart changes to RocketMQ from a single background
// worker. Events that cannot be delivered land in the redis dead letter
// stream; rdb may be nil, in which case they are only logged.
type Publisher struct {
	producer MQProducer
	topic    string
	rdb      *redis.Client
	cb       *gobreaker.CircuitBreaker
	log      logrus.FieldLogger
	queue    chan CartUpdated
}

func NewPublisher(producer MQProducer, topic string, rdb *redis.Client, log logrus.FieldLogger) *Publisher {
	st := gobreaker.Settings{
		Name:        "RocketMQ-CartEvents",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		rdb:      rdb,
		cb:       gobreaker.NewCircuitBreaker(st),
		log:      log,
		queue:    make(chan CartUpdated, defaultBuffer),
	}
}

// Hook subscribes the publisher to a freshly opened store.
func (p *Publisher) Hook(sessionID string, s *cart.Store) {
	s.Subscribe(func(c model.Cart) {
		p.Enqueue(NewCartUpdated(sessionID, c))
	})
}

// Enqueue never blocks the caller. A full queue sends the event straight to
// the dead letter stream.
func (p *Publisher) Enqueue(ev CartUpdated) {
	select {
	case p.queue <- ev:
	default:
		p.deadLetter(context.Background(), ev, "queue_full")
	}
}

// Start runs the send loop until ctx is cancelled, then drains what is left.
func (p *Publisher) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.log.Infof("[CartEvents] publishing to topic %s", p.topic)
		for {
			select {
			case ev := <-p.queue:
				p.send(ctx, ev)
			case <-ctx.Done():
				p.drain()
				p.log.Info("[CartEvents] Shutting down...")
				return
			}
		}
	}()
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-p.queue:
			p.send(ctx, ev)
		default:
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, ev CartUpdated) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Errorf("[CartEvents] marshal event for session %s: %v", ev.SessionID, err)
		return
	}

	msg := primitive.NewMessage(p.topic, body)
	msg.WithKeys([]string{ev.SessionID})
	msg.WithTag(TagUpdated)

	_, err = p.cb.Execute(func() (interface{}, error) {
		res, err := p.producer.SendSync(ctx, msg)
		if err != nil {
			return nil, err
		}
		if res.Status != primitive.SendOK {
			return nil, errors.Errorf("send status %v", res.Status)
		}
		return res, nil
	})
	if err != nil {
		p.log.Errorf("[CartEvents] failed to send event for session %s: %v", ev.SessionID, err)
		p.deadLetter(ctx, ev, err.Error())
		return
	}
	p.log.WithField("session", ev.SessionID).Debug("cart event sent")
}

func (p *Publisher) deadLetter(ctx context.Context, ev CartUpdated, reason string) {
	if p.rdb == nil {
		p.log.Warnf("[DeadLetter] dropping cart event for session %s (reason=%s)", ev.SessionID, reason)
		return
	}
	body, _ := json.Marshal(ev)
	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadStreamKey,
		Values: map[string]interface{}{
			"topic":        p.topic,
			"session_id":   ev.SessionID,
			"payload":      string(body),
			"error_reason": reason,
			"created_at":   time.Now().UnixMilli(),
		},
	}).Err()
	if err != nil {
		p.log.Errorf("[DeadLetter] Failed to write dead letter (session=%s): %v", ev.SessionID, err)
		return
	}
	p.log.Warnf("[DeadLetter] cart event sent to dead stream (session=%s, reason=%s)", ev.SessionID, reason)
}
