package orderbook

import (
	"fmt"
	"strings"
	"time"
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// ParseSide accepts "buy" or "sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return Buy, fmt.Errorf("unknown side %q", s)
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	side, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Order is a plain limit order. Price and side are fixed at creation;
// only Quantity changes, and only downwards.
type Order struct {
	ID       uint64 `json:"id"`
	Side     Side   `json:"side"`
	Price    int64  `json:"price"`
	Quantity int64  `json:"quantity"`
}

// Valid reports whether the order may enter the book.
func (o Order) Valid() bool {
	return o.ID != 0 && o.Price > 0 && o.Quantity > 0 && (o.Side == Buy || o.Side == Sell)
}

type Trade struct {
	ID          string    `json:"id"`
	Price       int64     `json:"price"`
	Quantity    int64     `json:"quantity"`
	BuyOrderID  uint64    `json:"buy_order_id"`
	SellOrderID uint64    `json:"sell_order_id"`
	Taker       Side      `json:"taker"`
	Timestamp   time.Time `json:"timestamp"`
}

// Quote is the head of one side of the book.
type Quote struct {
	Price    int64  `json:"price"`
	OrderID  uint64 `json:"order_id"`
	Quantity int64  `json:"quantity"` // remaining quantity of the head order
	Volume   int64  `json:"volume"`   // total remaining quantity at this price
	Orders   int    `json:"orders"`
}
