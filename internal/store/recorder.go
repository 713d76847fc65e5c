package store

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lobster/internal/orderbook"
)

type RecorderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int // queued trades before Record starts dropping
}

// Recorder batches trades from the engine's trade hook into the store.
// Record never blocks, so it is safe to call with the engine lock held.
type Recorder struct {
	store   *Store
	cfg     RecorderConfig
	log     *zap.Logger
	in      chan orderbook.Trade
	dropped atomic.Uint64
}

func NewRecorder(st *Store, cfg RecorderConfig, log *zap.Logger) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64 * cfg.BatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		store: st,
		cfg:   cfg,
		log:   log.Named("recorder"),
		in:    make(chan orderbook.Trade, cfg.Buffer),
	}
}

// Record queues a trade. When the queue is full the trade is dropped
// and counted.
func (r *Recorder) Record(t orderbook.Trade) {
	select {
	case r.in <- t:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.log.Warn("trade queue full, dropping", zap.Uint64("dropped", n))
		}
	}
}

// Dropped returns how many trades were discarded.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run writes batches until ctx is canceled, then drains the queue and
// writes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]orderbook.Trade, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Writes use a fresh context so the final flush survives shutdown.
		if err := r.store.RecordTrades(context.Background(), batch); err != nil {
			r.log.Error("record trades", zap.Int("trades", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case t := <-r.in:
			batch = append(batch, t)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case t := <-r.in:
					batch = append(batch, t)
					if len(batch) >= r.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return nil
				}
			}
		}
	}
}
