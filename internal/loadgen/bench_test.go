package loadgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	samples := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Microsecond)
	}

	res := Summarize(samples)
	assert.Equal(t, 100, res.Samples)
	assert.Equal(t, time.Microsecond, res.Min)
	assert.Equal(t, 100*time.Microsecond, res.Max)
	assert.Equal(t, 100*time.Microsecond, res.P99)
	assert.Equal(t, 50500*time.Nanosecond, res.Avg)
}

func TestSummarizeEmpty(t *testing.T) {
	assert.Equal(t, LatencyResult{}, Summarize(nil))
}

func TestBenchEngine(t *testing.T) {
	warmup := NewFactory(DefaultSeed).Generate(100)
	orders := NewFactory(DefaultSeed).Generate(2000)

	res, err := BenchEngine(warmup, orders, true)
	require.NoError(t, err)

	assert.Equal(t, 2000, res.Orders)
	assert.Positive(t, res.Trades)
	assert.Less(t, res.Resting, 2000)
	assert.Positive(t, res.Duration)
	assert.Positive(t, res.Throughput())
	assert.Equal(t, res.Duration/2000, res.PerOrder())
}

func TestBenchEngineRefusesDuplicateIDs(t *testing.T) {
	orders := NewFactory(1).Generate(3)
	orders[2].ID = orders[0].ID
	orders[0].Price, orders[1].Price = 10, 20 // nothing crosses, so order 1 still rests

	_, err := BenchEngine(nil, orders, false)
	assert.Error(t, err)
}
