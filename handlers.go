// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rocketshoes/cartservice/pkg/cart"
	"github.com/rocketshoes/cartservice/pkg/client"
	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/sirupsen/logrus"
)

// stockLookupLimit bounds concurrent stock calls when rendering the cart.
const stockLookupLimit = 4

// CartRegistry hands out the cart of a session. Peek reads it without
// keeping a store open.
type CartRegistry interface {
	Get(ctx context.Context, sessionID string) (*cart.Store, error)
	Peek(ctx context.Context, sessionID string) (model.Cart, error)
}

type cartServer struct {
	carts CartRegistry
	stock client.StockFetcher
	log   logrus.FieldLogger
}

// newCartServer renders stock through its own breaker, so a failing stock
// lookup on GET /cart cannot open the circuit mutations go through.
func newCartServer(carts CartRegistry, api *client.API, log logrus.FieldLogger) *cartServer {
	return &cartServer{carts: carts, stock: api.WithBreaker("StorefrontAPI-CartView"), log: log}
}

type lineView struct {
	model.LineItem
	Subtotal model.Money `json:"subtotal"`
	// Stock is the most that can be ordered, absent when the lookup failed.
	Stock *int `json:"stock,omitempty"`
}

type cartView struct {
	Items []lineView  `json:"items"`
	Size  int         `json:"size"`
	Total model.Money `json:"total"`
}

func (cs *cartServer) routes(limiter *Limiter) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/_healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/cart", cs.viewCartHandler).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/cart/items", limiter.GlobalAndIPLimiter(http.HandlerFunc(cs.addToCartHandler))).Methods(http.MethodPost)
	r.Handle("/cart/items/{id:[0-9]+}", limiter.GlobalAndIPLimiter(http.HandlerFunc(cs.removeFromCartHandler))).Methods(http.MethodDelete)
	r.Handle("/cart/items/{id:[0-9]+}", limiter.GlobalAndIPLimiter(http.HandlerFunc(cs.updateAmountHandler))).Methods(http.MethodPut)
	r.Handle("/cart/empty", limiter.GlobalAndIPLimiter(http.HandlerFunc(cs.emptyCartHandler))).Methods(http.MethodPost)
	return r
}

func (cs *cartServer) viewCartHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, cs.log)
	c, err := cs.carts.Peek(r.Context(), sessionID(r))
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve cart"), http.StatusInternalServerError)
		return
	}
	cs.renderCart(w, r, log, http.StatusOK, c)
}

func (cs *cartServer) addToCartHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, cs.log)

	var payload addToCartPayload
	if err := decodePayload(r, &payload); err != nil {
		renderHTTPError(log, r, w, err, http.StatusUnprocessableEntity)
		return
	}
	log.WithField("product", payload.ProductID).Debug("adding to cart")

	store, err := cs.carts.Get(r.Context(), sessionID(r))
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve cart"), http.StatusInternalServerError)
		return
	}
	if err := store.AddProduct(r.Context(), payload.ProductID); err != nil {
		renderCartError(log, r, w, err)
		return
	}
	cs.renderCart(w, r, log, http.StatusOK, store.Cart())
}

func (cs *cartServer) removeFromCartHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, cs.log)
	id, err := productIDVar(r)
	if err != nil {
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	}
	log.WithField("product", id).Debug("removing from cart")

	store, err := cs.carts.Get(r.Context(), sessionID(r))
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve cart"), http.StatusInternalServerError)
		return
	}
	if err := store.RemoveProduct(r.Context(), id); err != nil {
		renderCartError(log, r, w, err)
		return
	}
	cs.renderCart(w, r, log, http.StatusOK, store.Cart())
}

func (cs *cartServer) updateAmountHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, cs.log)
	id, err := productIDVar(r)
	if err != nil {
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	}
	var payload updateAmountPayload
	if err := decodePayload(r, &payload); err != nil {
		renderHTTPError(log, r, w, err, http.StatusUnprocessableEntity)
		return
	}
	log.WithField("product", id).WithField("amount", *payload.Amount).Debug("updating amount")

	store, err := cs.carts.Get(r.Context(), sessionID(r))
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve cart"), http.StatusInternalServerError)
		return
	}
	if err := store.UpdateProductAmount(r.Context(), id, *payload.Amount); err != nil {
		renderCartError(log, r, w, err)
		return
	}
	cs.renderCart(w, r, log, http.StatusOK, store.Cart())
}

func (cs *cartServer) emptyCartHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, cs.log)
	log.Debug("emptying cart")

	store, err := cs.carts.Get(r.Context(), sessionID(r))
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve cart"), http.StatusInternalServerError)
		return
	}
	if err := store.Clear(r.Context()); err != nil {
		renderCartError(log, r, w, err)
		return
	}
	cs.renderCart(w, r, log, http.StatusOK, store.Cart())
}

// renderCart writes the cart with totals and, where the stock API answers,
// the orderable maximum per line.
func (cs *cartServer) renderCart(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, code int, c model.Cart) {
	view := cartView{
		Items: make([]lineView, len(c)),
		Size:  c.Size(),
		Total: c.Total(),
	}

	ids := make([]int, len(c))
	for i, item := range c {
		ids[i] = item.ID
	}
	stock, err := client.Availability(r.Context(), cs.stock, ids, stockLookupLimit)
	if err != nil {
		log.WithField("error", err).Warn("could not retrieve stock for every cart item")
	}

	for i, item := range c {
		view.Items[i] = lineView{LineItem: item, Subtotal: item.Subtotal()}
		if amount, ok := stock[item.ID]; ok {
			view.Items[i].Stock = &amount
		}
	}
	writeJSON(w, code, view)
}

func productIDVar(r *http.Request) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid product id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

func statusForCartError(err error) int {
	switch cart.Kind(err) {
	case "out_of_stock":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	case "stock_unavailable", "product_unavailable":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func renderCartError(log logrus.FieldLogger, r *http.Request, w http.ResponseWriter, err error) {
	code := statusForCartError(err)
	log.WithField("error", err).WithField("kind", cart.Kind(err)).Warn("cart operation rejected")
	writeJSON(w, code, errorBody(code, cart.UserMessage(err), cart.Kind(err), err.Error()))
}

func renderHTTPError(log logrus.FieldLogger, r *http.Request, w http.ResponseWriter, err error, code int) {
	log.WithField("error", err).Error("request error")
	writeJSON(w, code, errorBody(code, err.Error(), "", ""))
}

func errorBody(code int, message, kind, detail string) map[string]interface{} {
	body := map[string]interface{}{
		"message":     message,
		"status_code": code,
		"status":      http.StatusText(code),
	}
	if kind != "" {
		body["kind"] = kind
	}
	if detail != "" {
		body["error"] = detail
	}
	return body
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("failed to write response")
	}
}
