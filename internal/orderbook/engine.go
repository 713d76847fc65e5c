package orderbook

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PriceRule decides the execution price of a crossing pair.
type PriceRule int

const (
	// AskPrice executes at the resting ask's price: the sell side is
	// always treated as the price-setting maker. This is the default.
	AskPrice PriceRule = iota
	// BidPrice executes at the best bid's price.
	BidPrice
	// MakerPrice executes at the price of whichever order rested first.
	MakerPrice
)

func (r PriceRule) String() string {
	switch r {
	case BidPrice:
		return "bid"
	case MakerPrice:
		return "maker"
	default:
		return "ask"
	}
}

// ParsePriceRule accepts "ask", "bid" or "maker".
func ParsePriceRule(s string) (PriceRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ask":
		return AskPrice, nil
	case "bid":
		return BidPrice, nil
	case "maker":
		return MakerPrice, nil
	}
	return AskPrice, fmt.Errorf("unknown price rule %q", s)
}

// Engine is a single-instrument limit order book with price-time
// priority matching. Every call that can mutate the book holds the
// exclusive lock for its whole duration; queries take the read lock.
type Engine struct {
	mu      sync.RWMutex
	book    *book
	rule    PriceRule
	onTrade func(Trade)
}

func New() *Engine {
	return &Engine{
		book: newBook(),
		rule: AskPrice,
	}
}

// SetPriceRule changes how execution prices are chosen.
func (e *Engine) SetPriceRule(rule PriceRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rule = rule
}

func (e *Engine) PriceRule() PriceRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rule
}

// OnTrade installs the trade hook, replacing any previous one. The hook
// runs synchronously inside Match while the engine lock is held, so it
// must not call back into the engine.
func (e *Engine) OnTrade(fn func(Trade)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrade = fn
}

// AddOrder appends the order to the tail of its price level. It reports
// false and changes nothing when the id is already in the book or the
// order is not valid. No matching happens here; call Match afterwards.
func (e *Engine) AddOrder(o Order) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !o.Valid() {
		return false
	}
	return e.book.insert(o)
}

// CancelOrder removes a resting order. Unknown ids are a no-op.
func (e *Engine) CancelOrder(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.remove(id)
}

// Match executes trades while the best bid crosses the best ask and
// returns the number of trades executed. Each iteration fills at least
// one head order completely, so the loop is bounded by the number of
// resting orders.
func (e *Engine) Match() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	trades := 0
	for {
		bids, ok := e.book.best(Buy)
		if !ok {
			break
		}
		asks, ok := e.book.best(Sell)
		if !ok {
			break
		}
		if bids.price < asks.price {
			break
		}

		buy, sell := bids.head, asks.head
		qty := min(buy.order.Quantity, sell.order.Quantity)

		trade := Trade{
			ID:          uuid.NewString(),
			Price:       e.executionPrice(buy, sell),
			Quantity:    qty,
			BuyOrderID:  buy.order.ID,
			SellOrderID: sell.order.ID,
			Taker:       Buy,
			Timestamp:   time.Now(),
		}
		if buy.seq < sell.seq {
			trade.Taker = Sell
		}
		if e.onTrade != nil {
			e.onTrade(trade)
		}

		bids.fill(buy, qty)
		asks.fill(sell, qty)
		buyID, buyLeft := buy.order.ID, buy.order.Quantity
		sellID, sellLeft := sell.order.ID, sell.order.Quantity

		// Removal may delete either level, so only ids are used from here.
		if buyLeft == 0 {
			e.book.remove(buyID)
		}
		if sellLeft == 0 {
			e.book.remove(sellID)
		}
		trades++
	}
	return trades
}

func (e *Engine) executionPrice(buy, sell *entry) int64 {
	switch e.rule {
	case BidPrice:
		return buy.order.Price
	case MakerPrice:
		if buy.seq < sell.seq {
			return buy.order.Price
		}
		return sell.order.Price
	default:
		return sell.order.Price
	}
}

// BestBid returns the highest bid level, or false if there are no bids.
func (e *Engine) BestBid() (Quote, bool) {
	return e.best(Buy)
}

// BestAsk returns the lowest ask level, or false if there are no asks.
func (e *Engine) BestAsk() (Quote, bool) {
	return e.best(Sell)
}

func (e *Engine) best(side Side) (Quote, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	level, ok := e.book.best(side)
	if !ok {
		return Quote{}, false
	}
	return level.quote(), true
}

// Order returns a copy of a resting order.
func (e *Engine) Order(id uint64) (Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, ok := e.book.orders[id]
	if !ok {
		return Order{}, false
	}
	return entry.order, true
}

// Len returns the number of resting orders.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.book.orders)
}

// BookSnapshot is an aggregated view of the top of both sides.
type BookSnapshot struct {
	Bids      []LevelSnapshot `json:"bids"`
	Asks      []LevelSnapshot `json:"asks"`
	Orders    int             `json:"orders"`
	Timestamp time.Time       `json:"timestamp"`
}

type LevelSnapshot struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int   `json:"orders"`
}

// Snapshot returns up to depth levels per side; depth <= 0 means all.
func (e *Engine) Snapshot(depth int) BookSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return BookSnapshot{
		Bids:      e.book.depth(Buy, depth),
		Asks:      e.book.depth(Sell, depth),
		Orders:    len(e.book.orders),
		Timestamp: time.Now(),
	}
}

// Validate checks the cross-references between levels and the locator.
func (e *Engine) Validate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.validate()
}
