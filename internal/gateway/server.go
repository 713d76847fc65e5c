// Package gateway serves the line protocol over TCP. Each connection is
// read by its own goroutine; commands from all connections are
// serialized by the engine lock.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"lobster/internal/metrics"
)

// DefaultMaxLineBytes is the longest accepted command line, excluding
// its "\n" or "\r\n" terminator.
const DefaultMaxLineBytes = 1024

// LineHandler answers one command line. An empty reply means nothing is
// written back.
type LineHandler interface {
	Handle(line string) string
}

type Config struct {
	Addr         string
	MaxLineBytes int
	AcceptLimit  int           // connections per IP per AcceptWindow, 0 disables
	AcceptWindow time.Duration
}

type Server struct {
	cfg     Config
	handler LineHandler
	metrics *metrics.Metrics
	log     *zap.Logger
	limiter *AcceptLimiter

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func New(cfg Config, handler LineHandler, m *metrics.Metrics, log *zap.Logger) *Server {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.AcceptWindow <= 0 {
		cfg.AcceptWindow = time.Minute
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		metrics: m,
		log:     log.Named("gateway"),
		limiter: NewAcceptLimiter(cfg.AcceptLimit, cfg.AcceptWindow),
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on cfg.Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx is canceled or the listener
// fails. On cancellation it closes every open connection and waits for
// their goroutines before returning nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.limiter.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	var serveErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("accept", zap.Error(err))
				time.Sleep(5 * time.Millisecond)
				continue
			}
			serveErr = fmt.Errorf("accept: %w", err)
			ln.Close()
			break
		}

		s.metrics.ConnectionOpened()
		if !s.limiter.Allow(remoteIP(conn)) {
			s.log.Warn("connection rate limited", zap.Stringer("remote", conn.RemoteAddr()))
			conn.Close()
			s.metrics.ConnectionClosed(metrics.ReasonLimited)
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}

	s.closeAll()
	s.wg.Wait()
	s.log.Info("stopped")
	return serveErr
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	remote := conn.RemoteAddr().String()
	s.log.Debug("connection opened", zap.String("remote", remote))

	reason := s.readLoop(conn)
	if ctx.Err() != nil {
		reason = metrics.ReasonShutdown
	}

	s.untrack(conn)
	conn.Close()
	s.metrics.ConnectionClosed(reason)
	s.log.Debug("connection closed", zap.String("remote", remote), zap.String("reason", reason))
}

// readLoop handles lines until the connection ends and returns why.
// Bytes after the last newline when the peer closes are not a command
// and are discarded.
func (s *Server) readLoop(conn net.Conn) string {
	// Room for a full line plus its "\r\n" terminator.
	r := bufio.NewReaderSize(conn, s.cfg.MaxLineBytes+2)
	w := bufio.NewWriter(conn)
	defer w.Flush()

	for {
		line, err := r.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return s.lineTooLong(conn)
			}
			if len(line) > 0 {
				s.log.Debug("discarding unterminated input", zap.Stringer("remote", conn.RemoteAddr()),
					zap.Int("bytes", len(line)))
			}
			if errors.Is(err, io.EOF) {
				return metrics.ReasonEOF
			}
			return metrics.ReasonError
		}

		cmd := bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'})
		if len(cmd) > s.cfg.MaxLineBytes {
			return s.lineTooLong(conn)
		}
		if reply := s.handler.Handle(string(cmd)); reply != "" {
			if _, werr := w.WriteString(reply + "\n"); werr != nil {
				return metrics.ReasonError
			}
		}
		// Flush once no complete pipelined line is waiting.
		if pending, _ := r.Peek(r.Buffered()); bytes.IndexByte(pending, '\n') < 0 {
			if ferr := w.Flush(); ferr != nil {
				return metrics.ReasonError
			}
		}
	}
}

func (s *Server) lineTooLong(conn net.Conn) string {
	s.log.Warn("line too long", zap.Stringer("remote", conn.RemoteAddr()),
		zap.Int("max", s.cfg.MaxLineBytes))
	return metrics.ReasonLongLine
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
