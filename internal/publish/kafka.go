// Package publish streams executed trades to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"lobster/internal/orderbook"
)

const (
	DefaultTopic        = "lobster.trades"
	DefaultBuffer       = 16384
	DefaultWriteTimeout = 10 * time.Second

	maxBatch = 256
)

type Config struct {
	Brokers      []string
	Topic        string
	Buffer       int           // queued trades before Publish starts dropping
	WriteTimeout time.Duration // bound on one write, and on the final drain
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher sends one message per trade, keyed by trade id. Publish only
// queues; a single goroutine hands batches to the writer. When the queue
// is full, trades are dropped and counted, so Publish is safe to call
// with the engine lock held.
type Publisher struct {
	writer  messageWriter
	log     *zap.Logger
	timeout time.Duration

	in      chan orderbook.Trade
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

func New(cfg Config, log *zap.Logger) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("kafka")

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Error("deliver trades", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return newPublisher(w, cfg, log)
}

func newPublisher(w messageWriter, cfg Config, log *zap.Logger) *Publisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{
		writer:  w,
		log:     log,
		timeout: cfg.WriteTimeout,
		in:      make(chan orderbook.Trade, cfg.Buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish queues a trade for delivery without waiting.
func (p *Publisher) Publish(t orderbook.Trade) {
	select {
	case <-p.stop:
		p.drop(1)
		return
	default:
	}
	select {
	case p.in <- t:
	default:
		p.drop(1)
	}
}

func (p *Publisher) drop(n uint64) {
	if total := p.dropped.Add(n); total == n || total/1000 != (total-n)/1000 {
		p.log.Warn("trade queue full, dropping", zap.Uint64("dropped", total))
	}
}

// Dropped returns how many trades were never handed to the writer.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Publisher) run() {
	defer close(p.done)

	batch := make([]kafka.Message, 0, maxBatch)
	for {
		select {
		case t := <-p.in:
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			p.write(ctx, p.collect(batch[:0], t))
			cancel()
		case <-p.stop:
			p.drain(batch)
			return
		}
	}
}

// drain writes what is still queued, sharing one timeout across all
// batches. Whatever is left once it expires is dropped.
func (p *Publisher) drain(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	for {
		select {
		case t := <-p.in:
			if ctx.Err() != nil {
				p.drop(1)
				continue
			}
			p.write(ctx, p.collect(batch[:0], t))
		default:
			return
		}
	}
}

// collect fills batch with first and whatever else is queued, up to
// maxBatch messages.
func (p *Publisher) collect(batch []kafka.Message, first orderbook.Trade) []kafka.Message {
	batch = p.appendTrade(batch, first)
	for len(batch) < maxBatch {
		select {
		case t := <-p.in:
			batch = p.appendTrade(batch, t)
		default:
			return batch
		}
	}
	return batch
}

func (p *Publisher) appendTrade(batch []kafka.Message, t orderbook.Trade) []kafka.Message {
	msg, err := Encode(t)
	if err != nil {
		p.log.Error("encode trade", zap.String("trade_id", t.ID), zap.Error(err))
		return batch
	}
	return append(batch, msg)
}

func (p *Publisher) write(ctx context.Context, msgs []kafka.Message) {
	if len(msgs) == 0 {
		return
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.log.Error("write trades", zap.Int("messages", len(msgs)), zap.Error(err))
	}
}

// Close stops accepting trades, writes the queued ones and closes the
// writer, which flushes its own pending batches.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
		p.closeErr = p.writer.Close()
	})
	return p.closeErr
}

// Encode builds the Kafka message for a trade: JSON value, trade id key
// and the taker side as a header.
func Encode(t orderbook.Trade) (kafka.Message, error) {
	value, err := json.Marshal(t)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(t.ID),
		Value: value,
		Time:  t.Timestamp,
		Headers: []kafka.Header{
			{Key: "taker", Value: []byte(t.Taker.String())},
		},
	}, nil
}
