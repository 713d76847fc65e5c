// Package api serves the JSON and WebSocket view of the book.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lobster/internal/orderbook"
	"lobster/internal/protocol"
	"lobster/internal/store"
)

const (
	defaultDepth  = 10
	defaultTrades = 50
	maxTrades     = 1000
)

type Options struct {
	// CORSOrigins lists allowed origins; empty allows all.
	CORSOrigins []string
	// Gatherer, when set, is exposed on /metrics.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type Server struct {
	engine   *orderbook.Engine
	orders   *protocol.Handler
	store    *store.Store
	hub      *Hub
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer wires the API to the engine. Orders placed here go through
// the same handler, and therefore the same id sequence, as TCP clients.
// st may be nil, in which case the trade endpoints report 503.
func NewServer(engine *orderbook.Engine, orders *protocol.Handler, st *store.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.Named("api")
	s := &Server{
		engine: engine,
		orders: orders,
		store:  st,
		hub:    NewHub(log),
		opts:   opts,
		log:    log,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// Hub returns the WebSocket hub, for wiring into the trade hook.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) checkCORSOrigin(origin string) bool {
	if len(s.opts.CORSOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.opts.CORSOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	allowedOrigins := s.opts.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/book", s.getBook)
		r.Get("/bbo", s.getBBO)
		r.Post("/orders", s.submitOrder)
		r.Get("/orders/{id}", s.getOrder)
		r.Delete("/orders/{id}", s.cancelOrder)
		r.Get("/trades", s.getTrades)
		r.Get("/stats", s.getStats)
	})

	r.Get("/ws", s.handleWebSocket)

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// intParam reads a positive integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return n, nil
}

func orderID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("order id must be a positive integer")
	}
	return id, nil
}

type HealthResponse struct {
	Status string              `json:"status"`
	Schema *store.SchemaStatus `json:"schema,omitempty"`
}

// health reports ok, plus the trade store's schema version when a store
// is attached. A store that cannot be read or has pending migrations
// makes the service unavailable.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	schema, err := s.store.Schema(r.Context())
	if err != nil {
		s.log.Error("read schema status", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "store unavailable"})
		return
	}
	if !schema.Current() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "schema outdated", Schema: &schema})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Schema: &schema})
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	depth, err := intParam(r, "depth", defaultDepth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot(depth))
}

type BBOResponse struct {
	Bid *orderbook.Quote `json:"bid"`
	Ask *orderbook.Quote `json:"ask"`
}

func (s *Server) getBBO(w http.ResponseWriter, r *http.Request) {
	var resp BBOResponse
	if q, ok := s.engine.BestBid(); ok {
		resp.Bid = &q
	}
	if q, ok := s.engine.BestAsk(); ok {
		resp.Ask = &q
	}
	writeJSON(w, http.StatusOK, resp)
}

type OrderRequest struct {
	Side     string `json:"side"` // "buy" or "sell"
	Quantity int64  `json:"quantity"`
	Price    int64  `json:"price"`
}

type OrderResponse struct {
	OrderID uint64           `json:"order_id"`
	Resting *orderbook.Order `json:"resting"`
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be 'buy' or 'sell'")
		return
	}

	id, err := s.orders.Place(side, req.Quantity, req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.InvalidOrder)
		return
	}

	resp := OrderResponse{OrderID: id}
	if o, ok := s.engine.Order(id); ok {
		resp.Resting = &o
	}
	writeJSON(w, http.StatusCreated, resp)
}

type OrderStatus struct {
	OrderID uint64            `json:"order_id"`
	Resting *orderbook.Order  `json:"resting"`
	Fills   []orderbook.Trade `json:"fills"`
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := OrderStatus{OrderID: id, Fills: []orderbook.Trade{}}
	if o, ok := s.engine.Order(id); ok {
		status.Resting = &o
	}
	if s.store != nil {
		fills, err := s.store.TradesForOrder(r.Context(), id)
		if err != nil {
			s.log.Error("load fills", zap.Uint64("order_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load fills")
			return
		}
		status.Fills = fills
	}
	if status.Resting == nil && len(status.Fills) == 0 {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// cancelOrder mirrors the TCP protocol: any positive id is acknowledged,
// whether or not it was resting.
func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.orders.Cancel(id); err != nil {
		writeError(w, http.StatusBadRequest, protocol.InvalidOrder)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "status": "canceled"})
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "trade store disabled")
		return
	}
	limit, err := intParam(r, "limit", defaultTrades)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit = min(limit, maxTrades)

	trades, err := s.store.RecentTrades(r.Context(), limit)
	if err != nil {
		s.log.Error("load trades", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load trades")
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

type StatsResponse struct {
	store.TradeStats
	RestingOrders int `json:"resting_orders"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "trade store disabled")
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.log.Error("load stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{TradeStats: stats, RestingOrders: s.engine.Len()})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	// Queue the initial book before registering so it is the first frame.
	snap := s.engine.Snapshot(defaultDepth)
	data, ok := s.hub.encode(Message{Type: "book", Book: &snap})
	if !ok {
		conn.Close()
		return
	}
	client.send <- data

	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// RunBookBroadcast pushes a book snapshot to WebSocket clients every
// interval until ctx is canceled.
func (s *Server) RunBookBroadcast(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.Len() > 0 {
				s.hub.BroadcastBook(s.engine.Snapshot(defaultDepth))
			}
		}
	}
}

// Shutdown disconnects WebSocket clients.
func (s *Server) Shutdown() {
	s.hub.Stop()
}
