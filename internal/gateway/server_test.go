package gateway_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"lobster/internal/gateway"
	"lobster/internal/metrics"
	"lobster/internal/orderbook"
	"lobster/internal/protocol"
)

type testEnv struct {
	addr    string
	engine  *orderbook.Engine
	metrics *metrics.Metrics
	cancel  context.CancelFunc
	done    chan error
}

func setupTestEnv(t *testing.T, cfg gateway.Config) *testEnv {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	engine := orderbook.New()
	m := metrics.New(nil)
	handler := protocol.NewHandler(engine, protocol.NewSequencer(0), m, nil)
	srv := gateway.New(cfg, handler, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		addr:    ln.Addr().String(),
		engine:  engine,
		metrics: m,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { env.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() { env.shutdown(t) })
	return env
}

func (e *testEnv) shutdown(t *testing.T) {
	t.Helper()
	e.cancel()
	select {
	case err, ok := <-e.done:
		if ok && err != nil {
			t.Errorf("Serve returned %v", err)
		}
		close(e.done)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) write(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(c.conn, s); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *client) readLine(t *testing.T) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func (c *client) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		if got := c.readLine(t); got != w {
			t.Fatalf("got %q, want %q", got, w)
		}
	}
}

// expectClosed reads until the server closes the connection.
func (c *client) expectClosed(t *testing.T) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(c.r); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatal("connection still open")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScenariosOverTCP(t *testing.T) {
	env := setupTestEnv(t, gateway.Config{})
	c := dial(t, env.addr)

	c.write(t, "B 100 10\n")
	c.expect(t, "Order 1 placed.")
	c.write(t, "S 100 10\n")
	c.expect(t, "Order 2 placed.")

	c.write(t, "B 50 10\nS 30 10\n")
	c.expect(t, "Order 3 placed.", "Order 4 placed.")
	if q, ok := env.engine.Order(3); !ok || q.Quantity != 20 {
		t.Fatalf("order 3 = %+v, %v; want 20 remaining", q, ok)
	}

	c.write(t, "C 3\r\n")
	c.expect(t, "Order 3 canceled.")

	c.write(t, "X 5 5\n")
	c.expect(t, "Invalid Order")
	c.write(t, "B 1 1\n")
	c.expect(t, "Order 5 placed.")
}

func TestPipelinedCommandsAndBlankLines(t *testing.T) {
	env := setupTestEnv(t, gateway.Config{})
	c := dial(t, env.addr)

	c.write(t, "B 1 1\n\n   \nB 1 2\nC 1\nB 7\n")
	c.expect(t, "Order 1 placed.", "Order 2 placed.", "Order 1 canceled.", "Invalid Order")

	if n := env.engine.Len(); n != 1 {
		t.Fatalf("resting orders = %d, want 1", n)
	}
}

func TestLineAtLimitIsAccepted(t *testing.T) {
	env := setupTestEnv(t, gateway.Config{MaxLineBytes: 64})
	c := dial(t, env.addr)

	line := "B 1 1" + strings.Repeat(" ", 64-len("B 1 1"))
	c.write(t, line+"\n")
	c.expect(t, "Order 1 placed.")
}

func TestLongLineClosesConnection(t *testing.T) {
	env := setupTestEnv(t, gateway.Config{MaxLineBytes: 64})
	c := dial(t, env.addr)

	c.write(t, "B 1 1\n")
	c.expect(t, "Order 1 placed.")

	c.write(t, strings.Repeat("B", 65)+"\n")
	c.expectClosed(t)

	waitFor(t, "line_too_long close", func() bool {
		return testutil.ToFloat64(env.metrics.ConnectionsClosed.WithLabelValues(metrics.ReasonLongLine)) == 1
	})

	// The server keeps serving other clients.
	other := dial(t, env.addr)
	other.write(t, "S 1 5\n")
	other.expect(t, "Order 2 placed.")
}

func TestUnterminatedLineAtEOFIsDiscarded(t *testing.T) {
	env := setupTestEnv(t, gateway.Config{})
	c := dial(t, env.addr)

	c.write(t, "B 1 1\nB 3 3")
	c.expect(t, "Order 1 placed.")
	c.conn.(*net.TCPConn).CloseWrite()
	c.expectClosed(t)

	waitFor(t, "eof close", func() bool {
		return testutil.ToFloat64(env.metrics.ConnectionsClosed.WithLabelValues(metrics.ReasonEOF)) == 1
	})
	if n := env.engine.Len(); n != 1 {
		t.Fatalf("resting orders = %d, want 1", n)
	}

	// The fragment did not take an order id.
	other := dial(t, env.addr)
	other.write(t, "S 1 5\n")
	other.expect(t, "Order 2 placed.")
}

func TestCRLFLineAtLimitIsAccepted(t *testing.T) {
	env := setupTestEnv(t, gateway.Config{MaxLineBytes: 64})
	c := dial(t, env.addr)

	line := "B 1 1" + strings.Repeat(" ", 64-len("B 1 1"))
	c.write(t, line+"\r\n")
	c.expect(t, "Order 1 placed.")

	c.write(t, line+" \r\n")
	c.expectClosed(t)
}

func TestConcurrentClients(t *testing.T) {
	env := setupTestEnv(t, gateway.Config{})

	const clients, perClient = 8, 50
	ids := make(chan string, clients*perClient)

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		c := dial(t, env.addr)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := bufio.NewReader(c.conn)
			for j := 0; j < perClient; j++ {
				// Distinct bid prices never cross.
				fmt.Fprintf(c.conn, "B 1 %d\n", 1+i*perClient+j)
				c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				line, err := r.ReadString('\n')
				if err != nil {
					t.Errorf("client %d: %v", i, err)
					return
				}
				ids <- strings.TrimSpace(line)
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for reply := range ids {
		var id uint64
		if _, err := fmt.Sscanf(reply, "Order %d placed.", &id); err != nil {
			t.Fatalf("unexpected reply %q", reply)
		}
		if seen[reply] {
			t.Fatalf("duplicate reply %q", reply)
		}
		seen[reply] = true
	}
	if len(seen) != clients*perClient {
		t.Fatalf("got %d distinct ids, want %d", len(seen), clients*perClient)
	}
	if n := env.engine.Len(); n != clients*perClient {
		t.Fatalf("resting orders = %d, want %d", n, clients*perClient)
	}
	if err := env.engine.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	env := setupTestEnv(t, gateway.Config{})
	c := dial(t, env.addr)
	c.write(t, "B 1 1\n")
	c.expect(t, "Order 1 placed.")

	env.cancel()
	c.expectClosed(t)

	waitFor(t, "shutdown close", func() bool {
		return testutil.ToFloat64(env.metrics.ConnectionsClosed.WithLabelValues(metrics.ReasonShutdown)) == 1
	})
	if got := testutil.ToFloat64(env.metrics.ConnectionsActive); got != 0 {
		t.Fatalf("active connections = %v, want 0", got)
	}
}

func TestAcceptLimit(t *testing.T) {
	env := setupTestEnv(t, gateway.Config{AcceptLimit: 1, AcceptWindow: time.Minute})

	first := dial(t, env.addr)
	first.write(t, "B 1 1\n")
	first.expect(t, "Order 1 placed.")

	second := dial(t, env.addr)
	second.expectClosed(t)

	waitFor(t, "rate limited close", func() bool {
		return testutil.ToFloat64(env.metrics.ConnectionsClosed.WithLabelValues(metrics.ReasonLimited)) == 1
	})

	// The admitted connection is unaffected.
	first.write(t, "C 1\n")
	first.expect(t, "Order 1 canceled.")
}
