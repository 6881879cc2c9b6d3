package model

import "github.com/shopspring/decimal"

// Money is a decimal amount that encodes as a bare JSON number, the way the
// storefront API and the saved snapshots write prices.
type Money struct {
	decimal.Decimal
}

func NewMoney(d decimal.Decimal) Money {
	return Money{Decimal: d}
}

// MustMoney parses s and panics on malformed input.
func MustMoney(s string) Money {
	return Money{Decimal: decimal.RequireFromString(s)}
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal.String()), nil
}

// UnmarshalJSON accepts both 179.9 and "179.9".
func (m *Money) UnmarshalJSON(data []byte) error {
	return m.Decimal.UnmarshalJSON(data)
}

// Product is the display data served by the storefront's /products endpoint.
type Product struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Price Money  `json:"price"`
	Image string `json:"image"`
}

// Stock is the available quantity served by the /stock endpoint.
type Stock struct {
	ID     int `json:"id"`
	Amount int `json:"amount"`
}
