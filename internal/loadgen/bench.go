package loadgen

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"lobster/internal/orderbook"
)

// EngineResult is the outcome of one in-process engine run.
type EngineResult struct {
	Orders   int
	Trades   int
	Resting  int
	Duration time.Duration
}

func (r EngineResult) PerOrder() time.Duration {
	if r.Orders == 0 {
		return 0
	}
	return r.Duration / time.Duration(r.Orders)
}

// Throughput is orders per second.
func (r EngineResult) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Orders) / r.Duration.Seconds()
}

// BenchEngine adds and matches warmup on a scratch engine, then times
// orders on a fresh one. With check set, the book is validated after
// every order; that dominates the timing and is meant for soak runs.
func BenchEngine(warmup, orders []orderbook.Order, check bool) (EngineResult, error) {
	scratch := orderbook.New()
	for _, o := range warmup {
		scratch.AddOrder(o)
		scratch.Match()
	}

	engine := orderbook.New()
	res := EngineResult{Orders: len(orders)}
	start := time.Now()
	for _, o := range orders {
		if !engine.AddOrder(o) {
			return res, fmt.Errorf("order %d refused", o.ID)
		}
		res.Trades += engine.Match()
		if check {
			if err := engine.Validate(); err != nil {
				return res, fmt.Errorf("after order %d: %w", o.ID, err)
			}
		}
	}
	res.Duration = time.Since(start)
	res.Resting = engine.Len()
	return res, nil
}

// LatencyResult summarizes round trip times.
type LatencyResult struct {
	Samples int
	Min     time.Duration
	Avg     time.Duration
	P99     time.Duration
	Max     time.Duration
}

// Summarize sorts samples in place.
func Summarize(samples []time.Duration) LatencyResult {
	if len(samples) == 0 {
		return LatencyResult{}
	}
	slices.Sort(samples)

	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return LatencyResult{
		Samples: len(samples),
		Min:     samples[0],
		Avg:     total / time.Duration(len(samples)),
		P99:     samples[len(samples)*99/100],
		Max:     samples[len(samples)-1],
	}
}

var errNoReply = errors.New("empty reply")

// MeasureLatency sends line warmup times untimed, then n times timed,
// each waiting for the reply.
func MeasureLatency(c *Client, line string, warmup, n int) (LatencyResult, error) {
	for i := 0; i < warmup; i++ {
		if _, err := roundTrip(c, line); err != nil {
			return LatencyResult{}, fmt.Errorf("warmup %d: %w", i, err)
		}
	}

	samples := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		d, err := roundTrip(c, line)
		if err != nil {
			return LatencyResult{}, fmt.Errorf("iteration %d: %w", i, err)
		}
		samples = append(samples, d)
	}
	return Summarize(samples), nil
}

func roundTrip(c *Client, line string) (time.Duration, error) {
	start := time.Now()
	reply, err := c.Send(line)
	if err != nil {
		return 0, err
	}
	if reply == "" {
		return 0, errNoReply
	}
	return time.Since(start), nil
}
