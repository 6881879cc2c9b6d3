package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound is returned when the API answers 404.
var ErrNotFound = errors.New("resource not found")

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// API talks to the storefront REST API: GET /stock/{id} and
// GET /products/{id}. Every call goes through one circuit breaker and a
// per-call timeout.
type API struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	tracer  trace.Tracer
	log     logrus.FieldLogger
}

func NewAPI(baseURL string, httpClient *http.Client, timeout time.Duration, log logrus.FieldLogger) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		cb:      newBreaker("StorefrontAPI", log),
		timeout: timeout,
		tracer:  otel.Tracer("github.com/rocketshoes/cartservice/pkg/client"),
		log:     log,
	}
}

// WithBreaker returns a client sharing a's transport but tripping its own
// breaker, so failures on one path do not open the circuit for another.
func (a *API) WithBreaker(name string) *API {
	c := *a
	c.cb = newBreaker(name, a.log)
	return &c
}

// 外嵌熔断器
func newBreaker(name string, log logrus.FieldLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
		// a missing product is an answer, not an outage
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	})
}

func (a *API) GetStock(ctx context.Context, productID int) (model.Stock, error) {
	var stock model.Stock
	if err := a.get(ctx, fmt.Sprintf("/stock/%d", productID), &stock); err != nil {
		return model.Stock{}, errors.Wrapf(err, "could not retrieve stock for product %d", productID)
	}
	return stock, nil
}

func (a *API) GetProduct(ctx context.Context, productID int) (model.Product, error) {
	var product model.Product
	if err := a.get(ctx, fmt.Sprintf("/products/%d", productID), &product); err != nil {
		return model.Product{}, errors.Wrapf(err, "could not retrieve product %d", productID)
	}
	return product, nil
}

func (a *API) get(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	url := a.baseURL + path
	ctx, span := a.tracer.Start(ctx, "GET "+path, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)))
	defer span.End()

	_, err := a.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create request")
		}
		req.Header.Set("Accept", "application/json")
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		res, err := a.http.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, "failed to send request")
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode > 299 {
			io.Copy(io.Discard, res.Body)
			return nil, &StatusError{Code: res.StatusCode, URL: url}
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return nil, errors.Wrap(err, "failed to decode response")
		}
		return nil, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
