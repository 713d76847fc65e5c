package protocol

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"lobster/internal/metrics"
	"lobster/internal/orderbook"
)

// Handler turns commands into engine calls. It owns the order id
// sequence so the engine stays free of identity generation. The id
// counter advances only for valid submissions.
type Handler struct {
	engine  *orderbook.Engine
	ids     *Sequencer
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewHandler(engine *orderbook.Engine, ids *Sequencer, m *metrics.Metrics, log *zap.Logger) *Handler {
	if ids == nil {
		ids = NewSequencer(0)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:  engine,
		ids:     ids,
		metrics: m,
		log:     log,
	}
}

// Handle executes one command line and returns the reply without a
// trailing newline. Blank lines return "" and expect no reply.
func (h *Handler) Handle(line string) string {
	start := time.Now()
	defer h.metrics.ObserveCommand(start)

	reply := h.dispatch(line)
	if reply != "" {
		h.log.Debug("command", zap.String("command", line), zap.String("reply", reply))
	}
	return reply
}

func (h *Handler) dispatch(line string) string {
	cmd, err := Parse(line)
	if errors.Is(err, ErrEmptyCommand) {
		return ""
	}
	if err != nil {
		h.metrics.OrdersRejected.Inc()
		return InvalidOrder
	}

	switch cmd.Type {
	case CmdCancel:
		h.cancel(cmd.OrderID)
		return FormatCanceled(cmd.OrderID)
	default:
		return FormatPlaced(h.place(cmd.Side(), cmd.Quantity, cmd.Price))
	}
}

// Place validates and submits a limit order, then runs matching. It
// returns the assigned id, or ErrInvalidOrder without consuming an id.
func (h *Handler) Place(side orderbook.Side, quantity, price int64) (uint64, error) {
	if (side != orderbook.Buy && side != orderbook.Sell) || !ValidOrder(quantity, price) {
		h.metrics.OrdersRejected.Inc()
		return 0, ErrInvalidOrder
	}
	return h.place(side, quantity, price), nil
}

func (h *Handler) place(side orderbook.Side, quantity, price int64) uint64 {
	id := h.ids.Next()
	order := orderbook.Order{ID: id, Side: side, Price: price, Quantity: quantity}
	if !h.engine.AddOrder(order) {
		// Ids come from our own sequence, so this is a bug, not bad input.
		h.log.Error("engine refused fresh order", zap.Uint64("order_id", id))
	}
	h.metrics.OrdersPlaced.Inc()
	h.engine.Match()
	return id
}

// Cancel removes an order. Unknown ids are accepted silently; only a
// zero id is invalid.
func (h *Handler) Cancel(id uint64) error {
	if id == 0 {
		h.metrics.OrdersRejected.Inc()
		return ErrInvalidOrder
	}
	h.cancel(id)
	return nil
}

func (h *Handler) cancel(id uint64) {
	if h.engine.CancelOrder(id) {
		h.metrics.OrdersCanceled.Inc()
	}
	h.engine.Match()
}
