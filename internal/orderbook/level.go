package orderbook

// entry is the book-owned copy of a resting order. It doubles as the
// queue node of its price level.
type entry struct {
	order Order
	seq   uint64 // arrival sequence inside the book, used by MakerPrice
	prev  *entry
	next  *entry
}

// priceLevel holds all resting orders at one price in arrival order.
type priceLevel struct {
	price  int64
	head   *entry
	tail   *entry
	volume int64
	count  int
}

func (pl *priceLevel) push(e *entry) {
	if pl.tail == nil {
		pl.head = e
		pl.tail = e
	} else {
		pl.tail.next = e
		e.prev = pl.tail
		pl.tail = e
	}
	pl.volume += e.order.Quantity
	pl.count++
}

func (pl *priceLevel) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		pl.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		pl.tail = e.prev
	}
	e.prev, e.next = nil, nil
	pl.volume -= e.order.Quantity
	pl.count--
}

// fill reduces the quantity of e, which must belong to pl.
func (pl *priceLevel) fill(e *entry, qty int64) {
	e.order.Quantity -= qty
	pl.volume -= qty
}

func (pl *priceLevel) empty() bool {
	return pl.head == nil
}

func (pl *priceLevel) quote() Quote {
	return Quote{
		Price:    pl.price,
		OrderID:  pl.head.order.ID,
		Quantity: pl.head.order.Quantity,
		Volume:   pl.volume,
		Orders:   pl.count,
	}
}
