package orderbook

import (
	"fmt"

	"github.com/google/btree"
)

const btreeDegree = 32

// book is the unsynchronized index behind Engine: one btree of price
// levels per side plus a locator from order id to its queue entry.
//
// Both trees are ordered so that Min() is the best price: bids compare
// descending, asks ascending.
type book struct {
	bids    *btree.BTreeG[*priceLevel]
	asks    *btree.BTreeG[*priceLevel]
	orders  map[uint64]*entry
	nextSeq uint64
}

func newBook() *book {
	return &book{
		bids: btree.NewG(btreeDegree, func(a, b *priceLevel) bool {
			return a.price > b.price
		}),
		asks: btree.NewG(btreeDegree, func(a, b *priceLevel) bool {
			return a.price < b.price
		}),
		orders: make(map[uint64]*entry),
	}
}

func (b *book) levels(side Side) *btree.BTreeG[*priceLevel] {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

// level looks a price level up by key. Callers must not keep the result
// across an operation that can delete the level.
func (b *book) level(side Side, price int64) (*priceLevel, bool) {
	return b.levels(side).Get(&priceLevel{price: price})
}

func (b *book) best(side Side) (*priceLevel, bool) {
	return b.levels(side).Min()
}

func (b *book) insert(o Order) bool {
	if _, exists := b.orders[o.ID]; exists {
		return false
	}

	b.nextSeq++
	e := &entry{order: o, seq: b.nextSeq}

	level, ok := b.level(o.Side, o.Price)
	if !ok {
		level = &priceLevel{price: o.Price}
		b.levels(o.Side).ReplaceOrInsert(level)
	}
	level.push(e)
	b.orders[o.ID] = e
	return true
}

// remove unlinks an order from its level, drops the level if it is now
// empty and finally forgets the locator entry.
func (b *book) remove(id uint64) bool {
	e, ok := b.orders[id]
	if !ok {
		return false
	}

	side, price := e.order.Side, e.order.Price
	level, ok := b.level(side, price)
	if !ok {
		panic(fmt.Sprintf("orderbook: order %d located at missing %s level %d", id, side, price))
	}
	level.unlink(e)
	if level.empty() {
		b.levels(side).Delete(level)
	}
	delete(b.orders, id)
	return true
}

func (b *book) depth(side Side, n int) []LevelSnapshot {
	tree := b.levels(side)
	size := tree.Len()
	if n > 0 && n < size {
		size = n
	}
	out := make([]LevelSnapshot, 0, size)
	tree.Ascend(func(pl *priceLevel) bool {
		if len(out) == size {
			return false
		}
		out = append(out, LevelSnapshot{
			Price:    pl.price,
			Quantity: pl.volume,
			Orders:   pl.count,
		})
		return true
	})
	return out
}

// validate walks every structure and returns the first inconsistency.
func (b *book) validate() error {
	seen := 0
	for _, side := range []Side{Buy, Sell} {
		var err error
		last := int64(-1)
		b.levels(side).Ascend(func(pl *priceLevel) bool {
			if last >= 0 && ((side == Buy && pl.price >= last) || (side == Sell && pl.price <= last)) {
				err = fmt.Errorf("%s level %d out of order after %d", side, pl.price, last)
				return false
			}
			last = pl.price
			if pl.empty() {
				err = fmt.Errorf("%s level %d is empty", side, pl.price)
				return false
			}

			var volume int64
			count := 0
			var prev *entry
			for e := pl.head; e != nil; e = e.next {
				if e.prev != prev {
					err = fmt.Errorf("order %d: broken back link", e.order.ID)
					return false
				}
				if e.order.Quantity <= 0 {
					err = fmt.Errorf("order %d rests with quantity %d", e.order.ID, e.order.Quantity)
					return false
				}
				if e.order.Side != side || e.order.Price != pl.price {
					err = fmt.Errorf("order %d (%s %d) queued at %s level %d",
						e.order.ID, e.order.Side, e.order.Price, side, pl.price)
					return false
				}
				if b.orders[e.order.ID] != e {
					err = fmt.Errorf("order %d has no matching locator entry", e.order.ID)
					return false
				}
				volume += e.order.Quantity
				count++
				prev = e
			}
			if pl.tail != prev {
				err = fmt.Errorf("%s level %d: tail does not point at last order", side, pl.price)
				return false
			}
			if volume != pl.volume || count != pl.count {
				err = fmt.Errorf("%s level %d: cached volume/count %d/%d, actual %d/%d",
					side, pl.price, pl.volume, pl.count, volume, count)
				return false
			}
			seen += count
			return true
		})
		if err != nil {
			return err
		}
	}
	if seen != len(b.orders) {
		return fmt.Errorf("locator holds %d orders, levels hold %d", len(b.orders), seen)
	}
	return nil
}
