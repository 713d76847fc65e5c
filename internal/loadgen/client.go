package loadgen

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"lobster/internal/protocol"
)

// Client speaks the line protocol over one TCP connection. Calls are
// serialized: each command waits for its reply.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Dial connects with Nagle disabled, as latency measurements need.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set TCP_NODELAY: %w", err)
		}
	}
	return &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}, nil
}

// Send writes one command line and returns the reply line without its
// terminator.
func (c *Client) Send(line string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.w.WriteString(line + "\n"); err != nil {
		return "", err
	}
	if err := c.w.Flush(); err != nil {
		return "", err
	}
	reply, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

// Place submits an order and returns the id the server assigned.
func (c *Client) Place(in Intent) (uint64, error) {
	line, err := c.Send(in.Command())
	if err != nil {
		return 0, err
	}
	reply, err := protocol.ParseReply(line)
	if err != nil {
		return 0, err
	}
	if reply.Kind != protocol.ReplyPlaced {
		return 0, protocol.ErrInvalidOrder
	}
	return reply.OrderID, nil
}

func (c *Client) Cancel(id uint64) error {
	line, err := c.Send(protocol.FormatCancel(id))
	if err != nil {
		return err
	}
	reply, err := protocol.ParseReply(line)
	if err != nil {
		return err
	}
	if reply.Kind != protocol.ReplyCanceled {
		return protocol.ErrInvalidOrder
	}
	return nil
}

// Sink adapts the client for Driver.Run.
func (c *Client) Sink() Sink {
	return func(_ context.Context, in Intent) error {
		_, err := c.Place(in)
		return err
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
