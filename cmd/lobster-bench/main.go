// Command lobster-bench measures the matching engine in process, the
// round trip latency of a running server, or floods a server with
// strategy-generated orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lobster/internal/loadgen"
)

func main() {
	mode := flag.String("mode", "engine", "engine, latency or flood")
	addr := flag.String("addr", "127.0.0.1:54321", "server address for latency and flood")
	orders := flag.Int("orders", 1_000_000, "timed orders for engine mode")
	warmup := flag.Int("warmup", 10_000, "untimed orders before measuring in engine mode")
	pingWarmup := flag.Int("ping-warmup", 1_000, "untimed round trips in latency mode")
	iterations := flag.Int("iterations", 10_000, "timed round trips for latency mode")
	check := flag.Bool("check", false, "validate the book after every order in engine mode")
	seed := flag.Int64("seed", loadgen.DefaultSeed, "random seed")
	strategy := flag.String("strategy", "market_making", "flood strategy")
	rate := flag.Float64("rate", loadgen.MaxRate, "flood orders per second")
	count := flag.Int("count", 0, "flood order count, 0 runs until interrupted")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "engine":
		err = benchEngine(*seed, *warmup, *orders, *check)
	case "latency":
		err = benchLatency(ctx, *addr, *pingWarmup, *iterations)
	case "flood":
		err = flood(ctx, *addr, *strategy, *rate, *count, *seed)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatalf("%s: %v", *mode, err)
	}
}

func benchEngine(seed int64, warmup, n int, check bool) error {
	fmt.Println("Generating orders...")
	timed := loadgen.NewFactory(seed).Generate(n)
	warm := loadgen.NewFactory(seed).Generate(warmup)
	fmt.Printf("Generated %d timed orders and %d warmup orders.\n", len(timed), len(warm))

	fmt.Println("Running benchmark...")
	res, err := loadgen.BenchEngine(warm, timed, check)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("=== Benchmark Results ===")
	fmt.Printf("Orders:          %d\n", res.Orders)
	fmt.Printf("Trades:          %d\n", res.Trades)
	fmt.Printf("Resting:         %d\n", res.Resting)
	fmt.Printf("Total Duration:  %v\n", res.Duration)
	fmt.Printf("Average Latency: %v per order\n", res.PerOrder())
	fmt.Printf("Throughput:      %.0f orders/second\n", res.Throughput())
	if check {
		fmt.Println("Book validated after every order.")
	}
	return nil
}

func benchLatency(ctx context.Context, addr string, warmup, n int) error {
	fmt.Printf("Connecting to %s...\n", addr)
	c, err := loadgen.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Printf("Connected. Running %d warmup and %d timed round trips...\n", warmup, n)

	res, err := loadgen.MeasureLatency(c, "B 100 10", warmup, n)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("=== Benchmark Results ===")
	fmt.Printf("Min Latency: %v\n", res.Min)
	fmt.Printf("Avg Latency: %v\n", res.Avg)
	fmt.Printf("P99 Latency: %v\n", res.P99)
	fmt.Printf("Max Latency: %v\n", res.Max)
	return nil
}

func flood(ctx context.Context, addr, strategy string, rate float64, count int, seed int64) error {
	d := loadgen.NewDriver(rate, seed)
	if err := d.SetStrategy(strategy); err != nil {
		return fmt.Errorf("%w (have %v)", err, d.Strategies())
	}

	c, err := loadgen.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				st := d.Stats()
				fmt.Printf("%s: %d orders, %d volume, target %.0f/s\n", st.Strategy, st.Generated, st.Volume, st.Rate)
			}
		}
	}()

	err = d.Run(ctx, count, c.Sink())
	close(done)
	if ctx.Err() != nil {
		err = nil
	}

	st := d.Stats()
	fmt.Printf("Sent %d orders (%d volume) using %s\n", st.Generated, st.Volume, st.Strategy)
	return err
}
