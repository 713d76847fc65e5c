package loadgen

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

const (
	MinRate = 1.0
	MaxRate = 1000.0
)

// Sink receives each generated intent, typically a Client or an
// in-process engine adapter.
type Sink func(ctx context.Context, in Intent) error

// Stats are running totals since the last reset.
type Stats struct {
	Strategy  string
	Generated int64
	Volume    int64
	Rate      float64
}

// Driver paces a switchable strategy at a target rate.
type Driver struct {
	mu sync.Mutex

	strategies map[string]Strategy
	current    string
	rate       float64
	generated  int64
	volume     int64
}

// NewDriver registers the market_making, momentum and arbitrage
// strategies with a shared seeded source. market_making is active.
func NewDriver(rate float64, seed int64) *Driver {
	rng := rand.New(rand.NewSource(seed))
	d := &Driver{
		strategies: make(map[string]Strategy),
		current:    "market_making",
	}
	for _, s := range []Strategy{NewMarketMaking(rng), NewMomentum(rng), NewArbitrage(rng)} {
		d.strategies[s.Name()] = s
	}
	d.SetRate(rate)
	return d
}

// Strategies lists registered strategy names.
func (d *Driver) Strategies() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.strategies))
	for name := range d.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Driver) SetStrategy(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.strategies[name]; !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	d.current = name
	return nil
}

// SetRate sets orders per second, clamped to [MinRate, MaxRate].
func (d *Driver) SetRate(rate float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rate = max(MinRate, min(MaxRate, rate))
}

func (d *Driver) delay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(float64(time.Second) / d.rate)
}

// Next generates one intent from the active strategy.
func (d *Driver) Next() Intent {
	d.mu.Lock()
	defer d.mu.Unlock()
	in := d.strategies[d.current].Next()
	d.generated++
	d.volume += in.Quantity
	return in
}

func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Strategy:  d.current,
		Generated: d.generated,
		Volume:    d.volume,
		Rate:      d.rate,
	}
}

func (d *Driver) ResetStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generated = 0
	d.volume = 0
}

// Run feeds intents to sink until ctx is done, the sink fails, or limit
// intents were sent (limit <= 0 means no limit).
func (d *Driver) Run(ctx context.Context, limit int, sink Sink) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for sent := 0; limit <= 0 || sent < limit; sent++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if err := sink(ctx, d.Next()); err != nil {
			return err
		}
		timer.Reset(d.delay())
	}
	return nil
}
