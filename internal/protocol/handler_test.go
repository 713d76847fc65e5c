package protocol

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobster/internal/metrics"
	"lobster/internal/orderbook"
)

type handlerEnv struct {
	handler *Handler
	engine  *orderbook.Engine
	metrics *metrics.Metrics
	trades  []orderbook.Trade
}

func setupHandler(t *testing.T) *handlerEnv {
	t.Helper()
	env := &handlerEnv{
		engine:  orderbook.New(),
		metrics: metrics.New(nil),
	}
	env.engine.OnTrade(func(tr orderbook.Trade) {
		env.trades = append(env.trades, tr)
	})
	env.handler = NewHandler(env.engine, NewSequencer(0), env.metrics, nil)
	return env
}

func (e *handlerEnv) send(t *testing.T, line, want string) {
	t.Helper()
	assert.Equal(t, want, e.handler.Handle(line), "reply to %q", line)
	require.NoError(t, e.engine.Validate())
}

func TestHandlerFullCross(t *testing.T) {
	env := setupHandler(t)

	env.send(t, "B 100 10", "Order 1 placed.")
	env.send(t, "S 100 10", "Order 2 placed.")

	require.Len(t, env.trades, 1)
	assert.Equal(t, int64(10), env.trades[0].Price)
	assert.Equal(t, int64(100), env.trades[0].Quantity)
	assert.Equal(t, 0, env.engine.Len())
}

func TestHandlerPartialFill(t *testing.T) {
	env := setupHandler(t)

	env.send(t, "B 50 10", "Order 1 placed.")
	env.send(t, "S 30 10", "Order 2 placed.")

	require.Len(t, env.trades, 1)
	assert.Equal(t, int64(30), env.trades[0].Quantity)
	assert.Equal(t, int64(10), env.trades[0].Price)

	rest, ok := env.engine.Order(1)
	require.True(t, ok)
	assert.Equal(t, int64(20), rest.Quantity)
}

func TestHandlerNoCross(t *testing.T) {
	env := setupHandler(t)

	env.send(t, "B 10 9", "Order 1 placed.")
	env.send(t, "S 10 11", "Order 2 placed.")

	assert.Empty(t, env.trades)
	assert.Equal(t, 2, env.engine.Len())
}

func TestHandlerCancelThenSell(t *testing.T) {
	env := setupHandler(t)

	env.send(t, "B 10 10", "Order 1 placed.")
	env.send(t, "C 1", "Order 1 canceled.")
	env.send(t, "S 10 10", "Order 2 placed.")

	assert.Empty(t, env.trades)
	_, ok := env.engine.BestBid()
	assert.False(t, ok)
}

func TestHandlerInvalidDoesNotConsumeID(t *testing.T) {
	env := setupHandler(t)

	env.send(t, "B 1 1", "Order 1 placed.")
	env.send(t, "X 5 5", InvalidOrder)
	env.send(t, "B 0 5", InvalidOrder)
	env.send(t, "C 0", InvalidOrder)
	env.send(t, "S 5 100", "Order 2 placed.")

	assert.Equal(t, uint64(2), env.handler.ids.Current())
	assert.Equal(t, 2, env.engine.Len())
	assert.Equal(t, 3.0, testutil.ToFloat64(env.metrics.OrdersRejected))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.OrdersPlaced))
}

func TestHandlerInvalidLeavesBookUntouched(t *testing.T) {
	env := setupHandler(t)
	env.send(t, "S 10 10", "Order 1 placed.")
	before := env.engine.Snapshot(0)

	env.send(t, "X 5 5", InvalidOrder)

	after := env.engine.Snapshot(0)
	assert.Equal(t, before.Bids, after.Bids)
	assert.Equal(t, before.Asks, after.Asks)
}

func TestHandlerCancelUnknownID(t *testing.T) {
	env := setupHandler(t)

	env.send(t, "C 99", "Order 99 canceled.")
	env.send(t, "C 99", "Order 99 canceled.")

	assert.Equal(t, 0, env.engine.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.OrdersCanceled))
}

func TestHandlerBlankLine(t *testing.T) {
	env := setupHandler(t)

	assert.Equal(t, "", env.handler.Handle(""))
	assert.Equal(t, "", env.handler.Handle("   "))
	assert.Equal(t, uint64(0), env.handler.ids.Current())
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.OrdersRejected))
}

func TestHandlerPlaceAndCancel(t *testing.T) {
	env := setupHandler(t)

	_, err := env.handler.Place(orderbook.Buy, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = env.handler.Place(orderbook.Side(5), 1, 10)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	id, err := env.handler.Place(orderbook.Sell, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	assert.ErrorIs(t, env.handler.Cancel(0), ErrInvalidOrder)
	require.NoError(t, env.handler.Cancel(id))
	assert.Equal(t, 0, env.engine.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.OrdersCanceled))

	// A second cancel of the same id is answered but removes nothing.
	require.NoError(t, env.handler.Cancel(id))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.OrdersCanceled))
}

func TestSequencerConcurrent(t *testing.T) {
	seq := NewSequencer(0)
	const workers, per = 8, 1000

	var mu sync.Mutex
	seen := make(map[uint64]bool, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]uint64, 0, per)
			for i := 0; i < per; i++ {
				ids = append(ids, seq.Next())
			}
			mu.Lock()
			for _, id := range ids {
				seen[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*per)
	assert.Equal(t, uint64(workers*per), seq.Current())
	assert.False(t, seen[0], "ids start at 1")
}

func TestSequencerStart(t *testing.T) {
	seq := NewSequencer(41)
	assert.Equal(t, uint64(42), seq.Next())
}
