package book

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/quantfabric/datacore/internal/model"
	"github.com/quantfabric/datacore/pkg/errs"
)

// BookOrder is one discrete resting order at a level (MBO books).
type BookOrder struct {
	ID   string
	Size decimal.Decimal
}

// Level is one price level. Size is the aggregate size at the price; for
// MBO books Orders additionally holds the discrete orders in arrival
// order and Size is kept equal to their sum.
type Level struct {
	Price  decimal.Decimal
	Size   decimal.Decimal
	Orders []BookOrder
}

func (l *Level) findOrder(id string) int {
	for i := range l.Orders {
		if l.Orders[i].ID == id {
			return i
		}
	}
	return -1
}

// Ladder is one side of a book: a price-sorted set of levels, bids
// descending and asks ascending, so the minimum element is always the
// top of book. A cached best pointer is updated incrementally on every
// mutation, making top-of-book queries constant time.
type Ladder struct {
	side     model.Side
	bookType model.BookType
	less     func(a, b *Level) bool
	tree     *btree.BTreeG[*Level]
	orders   map[string]*Level // MBO: order id -> owning level
	best     *Level
}

// NewLadder returns an empty ladder for the given side and granularity.
func NewLadder(side model.Side, bookType model.BookType) *Ladder {
	less := func(a, b *Level) bool { return a.Price.LessThan(b.Price) }
	if side == model.SideBid {
		less = func(a, b *Level) bool { return a.Price.GreaterThan(b.Price) }
	}
	return &Ladder{
		side:     side,
		bookType: bookType,
		less:     less,
		tree:     btree.NewBTreeG(less),
		orders:   make(map[string]*Level),
	}
}

// Best returns the cached top-of-book level, or nil when empty.
func (l *Ladder) Best() *Level { return l.best }

// Depth returns the number of price levels.
func (l *Ladder) Depth() int { return l.tree.Len() }

func (l *Ladder) level(price decimal.Decimal) (*Level, bool) {
	return l.tree.Get(&Level{Price: price})
}

// better reports whether price a beats price b on this side.
func (l *Ladder) better(a, b decimal.Decimal) bool {
	if l.side == model.SideBid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

func (l *Ladder) insertLevel(lvl *Level) {
	l.tree.Set(lvl)
	if l.best == nil || l.better(lvl.Price, l.best.Price) {
		l.best = lvl
	}
}

func (l *Ladder) removeLevel(lvl *Level) {
	l.tree.Delete(lvl)
	for i := range lvl.Orders {
		delete(l.orders, lvl.Orders[i].ID)
	}
	if l.best == lvl {
		if top, ok := l.tree.Min(); ok {
			l.best = top
		} else {
			l.best = nil
		}
	}
}

// Add inserts size at a price. MBP aggregates onto the level; MBO
// appends a discrete order, which must carry an unused order id.
func (l *Ladder) Add(price, size decimal.Decimal, orderID string) error {
	if l.bookType == model.BookMBO {
		if orderID == "" {
			return errs.ErrInvalidDelta
		}
		if _, exists := l.orders[orderID]; exists {
			return errs.ErrInvalidDelta
		}
	}

	lvl, ok := l.level(price)
	if !ok {
		lvl = &Level{Price: price, Size: decimal.Zero}
		l.insertLevel(lvl)
	}
	lvl.Size = lvl.Size.Add(size)
	if l.bookType == model.BookMBO {
		lvl.Orders = append(lvl.Orders, BookOrder{ID: orderID, Size: size})
		l.orders[orderID] = lvl
	}
	return nil
}

// Update replaces the size at an existing price (MBP) or of an existing
// order (MBO). A missing level or order id is an invalid delta. A zero
// size removes the level or order.
func (l *Ladder) Update(price, size decimal.Decimal, orderID string) error {
	if l.bookType == model.BookMBO {
		lvl, ok := l.orders[orderID]
		if !ok {
			return errs.ErrInvalidDelta
		}
		i := lvl.findOrder(orderID)
		if size.IsZero() {
			return l.deleteOrder(lvl, i)
		}
		lvl.Size = lvl.Size.Sub(lvl.Orders[i].Size).Add(size)
		lvl.Orders[i].Size = size
		return nil
	}

	lvl, ok := l.level(price)
	if !ok {
		return errs.ErrInvalidDelta
	}
	if size.IsZero() {
		l.removeLevel(lvl)
		return nil
	}
	lvl.Size = size
	return nil
}

// Delete removes a level (MBP) or a discrete order (MBO). Levels left
// empty are removed entirely.
func (l *Ladder) Delete(price decimal.Decimal, orderID string) error {
	if l.bookType == model.BookMBO {
		lvl, ok := l.orders[orderID]
		if !ok {
			return errs.ErrInvalidDelta
		}
		return l.deleteOrder(lvl, lvl.findOrder(orderID))
	}

	lvl, ok := l.level(price)
	if !ok {
		return errs.ErrInvalidDelta
	}
	l.removeLevel(lvl)
	return nil
}

func (l *Ladder) deleteOrder(lvl *Level, i int) error {
	if i < 0 {
		return errs.ErrInvalidDelta
	}
	order := lvl.Orders[i]
	lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
	lvl.Size = lvl.Size.Sub(order.Size)
	delete(l.orders, order.ID)
	if len(lvl.Orders) == 0 {
		l.removeLevel(lvl)
	}
	return nil
}

// Clear discards all levels.
func (l *Ladder) Clear() {
	l.tree = btree.NewBTreeG(l.less)
	l.orders = make(map[string]*Level)
	l.best = nil
}

// Levels returns up to depth levels from the top of book. depth <= 0
// returns all levels.
func (l *Ladder) Levels(depth int) []model.BookLevel {
	if depth <= 0 {
		depth = l.tree.Len()
	}
	out := make([]model.BookLevel, 0, depth)
	l.tree.Scan(func(lvl *Level) bool {
		out = append(out, model.BookLevel{
			Price:  lvl.Price,
			Size:   lvl.Size,
			Orders: len(lvl.Orders),
		})
		return len(out) < depth
	})
	return out
}
