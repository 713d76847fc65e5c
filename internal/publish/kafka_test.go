package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"lobster/internal/orderbook"
)

type fakeWriter struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	err     error
	closed  bool
	release chan struct{} // when set, writes wait for it
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) written() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func sampleTrade() orderbook.Trade {
	return orderbook.Trade{
		ID:          "0b7c6a52-5a8e-4d0e-9a43-0f1d1e7f9c11",
		Price:       10,
		Quantity:    30,
		BuyOrderID:  1,
		SellOrderID: 2,
		Taker:       orderbook.Sell,
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEncode(t *testing.T) {
	tr := sampleTrade()
	msg, err := Encode(tr)
	require.NoError(t, err)

	assert.Equal(t, tr.ID, string(msg.Key))
	assert.Equal(t, tr.Timestamp, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "taker", msg.Headers[0].Key)
	assert.Equal(t, "sell", string(msg.Headers[0].Value))

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "sell", body["taker"])
	assert.EqualValues(t, 10, body["price"])
	assert.EqualValues(t, 30, body["quantity"])
	assert.EqualValues(t, 1, body["buy_order_id"])
	assert.EqualValues(t, 2, body["sell_order_id"])
}

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, Config{}, zap.NewNop())

	p.Publish(sampleTrade())
	require.NoError(t, p.Close())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, sampleTrade().ID, string(w.msgs[0].Key))
	assert.True(t, w.closed)
	assert.Zero(t, p.Dropped())
}

func TestCloseWritesQueuedTrades(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, Config{Buffer: 64}, zap.NewNop())

	for i := 0; i < 50; i++ {
		p.Publish(sampleTrade())
	}
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.Equal(t, 50, w.written())
	assert.Zero(t, p.Dropped())

	p.Publish(sampleTrade())
	assert.Equal(t, uint64(1), p.Dropped())
	assert.Equal(t, 50, w.written())
}

func TestPublishLogsWriterError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	w := &fakeWriter{err: errors.New("broker down")}
	p := newPublisher(w, Config{}, zap.New(core))

	p.Publish(sampleTrade())
	require.NoError(t, p.Close())

	entries := logs.FilterMessage("write trades").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0].ContextMap()["messages"])
}

func TestPublishDropsWhenWriterStalls(t *testing.T) {
	w := &fakeWriter{release: make(chan struct{})}
	p := newPublisher(w, Config{Buffer: 4, WriteTimeout: time.Minute}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			p.Publish(sampleTrade())
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish waited on a stalled writer")
	}

	// At most one batch is in flight and Buffer trades are queued.
	assert.GreaterOrEqual(t, p.Dropped(), uint64(1000-maxBatch-4))

	close(w.release)
	require.NoError(t, p.Close())
	assert.Equal(t, uint64(1000), p.Dropped()+uint64(w.written()))
}

func TestPublishDoesNotWaitForSilentBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	// Accept connections and never answer them.
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	p := New(Config{
		Brokers:      []string{ln.Addr().String()},
		Buffer:       8,
		WriteTimeout: 200 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { p.Close() })
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			p.Publish(sampleTrade())
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish waited on an unresponsive broker")
	}
	assert.NotZero(t, p.Dropped())
}

func TestNewDefaultsTopic(t *testing.T) {
	p := New(Config{Brokers: []string{"127.0.0.1:9092"}}, nil)
	t.Cleanup(func() { p.Close() })

	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, DefaultTopic, w.Topic)
	assert.True(t, w.Async)
	assert.Equal(t, DefaultBuffer, cap(p.in))
	assert.Equal(t, DefaultWriteTimeout, p.timeout)
}
