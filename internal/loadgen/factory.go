package loadgen

import (
	"math/rand"

	"lobster/internal/orderbook"
)

// DefaultSeed keeps generated books identical between benchmark runs.
const DefaultSeed = 42

// Factory produces a deterministic stream of orders in a tight price
// band so that a large share of them cross.
type Factory struct {
	MinPrice    int64
	MaxPrice    int64
	MinQuantity int64
	MaxQuantity int64

	rng *rand.Rand
}

// NewFactory returns a factory pricing orders in [80, 120] with
// quantities in [1, 100].
func NewFactory(seed int64) *Factory {
	return &Factory{
		MinPrice:    80,
		MaxPrice:    120,
		MinQuantity: 1,
		MaxQuantity: 100,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Generate returns count orders with ids 1..count, alternating buy and
// sell starting with a buy.
func (f *Factory) Generate(count int) []orderbook.Order {
	orders := make([]orderbook.Order, 0, count)
	for i := 0; i < count; i++ {
		side := orderbook.Buy
		if i%2 == 1 {
			side = orderbook.Sell
		}
		orders = append(orders, orderbook.Order{
			ID:       uint64(i + 1),
			Side:     side,
			Price:    between(f.rng, f.MinPrice, f.MaxPrice),
			Quantity: between(f.rng, f.MinQuantity, f.MaxQuantity),
		})
	}
	return orders
}

// between returns a uniform value in [lo, hi].
func between(rng *rand.Rand, lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Int63n(hi-lo+1)
}
