package loadgen

import (
	"math/rand"
	"time"

	"lobster/internal/orderbook"
	"lobster/internal/protocol"
)

// Intent is an order as a client would type it: no id yet, the server
// assigns one on acceptance.
type Intent struct {
	Side     orderbook.Side
	Quantity int64
	Price    int64
}

// Command renders the intent as a wire command line, without newline.
func (i Intent) Command() string {
	return protocol.FormatOrder(i.Side, i.Quantity, i.Price)
}

// Strategy generates a flow of order intents.
type Strategy interface {
	Name() string
	Next() Intent
}

// MarketMaking quotes around a drifting mid price and periodically
// crosses the spread.
type MarketMaking struct {
	Mid            int64
	Spread         int64
	MinQuantity    int64
	MaxQuantity    int64
	Volatility     float64
	AggressionRate int
	DriftEvery     time.Duration

	count     int
	lastDrift time.Time
	rng       *rand.Rand
	now       func() time.Time
}

func NewMarketMaking(rng *rand.Rand) *MarketMaking {
	return &MarketMaking{
		Mid:            100,
		Spread:         2,
		MinQuantity:    10,
		MaxQuantity:    500,
		Volatility:     0.02,
		AggressionRate: 5,
		DriftEvery:     2 * time.Second,
		lastDrift:      time.Now(),
		rng:            rng,
		now:            time.Now,
	}
}

func (m *MarketMaking) Name() string { return "market_making" }

func (m *MarketMaking) Next() Intent {
	if now := m.now(); now.Sub(m.lastDrift) > m.DriftEvery {
		drift := m.rng.NormFloat64() * float64(m.Mid) * m.Volatility
		m.Mid = clamp(int64(float64(m.Mid)+drift), 50, 150)
		m.lastDrift = now
	}

	side := orderbook.Buy
	if m.count%2 == 1 {
		side = orderbook.Sell
	}
	m.count++

	var price int64
	if m.AggressionRate > 0 && m.count%m.AggressionRate == 0 {
		offset := between(m.rng, 1, 3)
		if side == orderbook.Buy {
			price = m.Mid + offset
		} else {
			price = m.Mid - offset
		}
	} else {
		offset := between(m.rng, 0, m.Spread)
		if side == orderbook.Buy {
			price = m.Mid - offset
		} else {
			price = m.Mid + offset
		}
	}

	return Intent{
		Side:     side,
		Quantity: between(m.rng, m.MinQuantity, m.MaxQuantity),
		Price:    price,
	}
}

// Momentum follows a trend that reverses every 10 to 30 steps. Every
// fourth order, and a random fifth of the rest, trades against it.
type Momentum struct {
	Price         int64
	TrendStrength float64

	direction int64
	steps     int
	maxSteps  int
	count     int
	rng       *rand.Rand
}

func NewMomentum(rng *rand.Rand) *Momentum {
	return &Momentum{
		Price:         100,
		TrendStrength: 0.6,
		direction:     1,
		maxSteps:      int(between(rng, 10, 30)),
		rng:           rng,
	}
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Next() Intent {
	m.count++
	m.steps++
	if m.steps >= m.maxSteps {
		m.direction = -m.direction
		m.steps = 0
		m.maxSteps = int(between(m.rng, 10, 30))
	}

	if m.rng.Float64() < m.TrendStrength {
		m.Price = clamp(m.Price+m.direction, 50, 150)
	}

	side := orderbook.Buy
	if m.direction < 0 {
		side = orderbook.Sell
	}
	if m.count%4 == 0 || m.rng.Float64() < 0.2 {
		side = side.Opposite()
	}

	return Intent{
		Side:     side,
		Quantity: between(m.rng, 50, 200),
		Price:    m.Price,
	}
}

// Arbitrage alternates sides and always prices through the mid, so
// nearly every pair of orders trades.
type Arbitrage struct {
	Mid int64

	index int
	rng   *rand.Rand
}

func NewArbitrage(rng *rand.Rand) *Arbitrage {
	return &Arbitrage{Mid: 100, rng: rng}
}

func (a *Arbitrage) Name() string { return "arbitrage" }

func (a *Arbitrage) Next() Intent {
	a.index++
	side := orderbook.Sell
	if a.index%2 == 0 {
		side = orderbook.Buy
	}

	var price int64
	if side == orderbook.Buy {
		price = a.Mid + between(a.rng, 0, 2)
	} else {
		price = a.Mid - between(a.rng, 0, 2)
	}

	if a.index%20 == 0 {
		a.Mid = clamp(a.Mid+between(a.rng, -2, 2), 90, 110)
	}

	return Intent{
		Side:     side,
		Quantity: between(a.rng, 100, 500),
		Price:    price,
	}
}

func clamp(v, lo, hi int64) int64 {
	return max(lo, min(hi, v))
}
