package lighter

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rickgao/lighter-stream/internal/codec"
)

// Book is a local order book built from order_book updates. The first update
// on a subscription is a full snapshot; later ones change individual levels.
// Safe for concurrent use.
type Book struct {
	mu     sync.RWMutex
	asks   map[string]PriceLevel
	bids   map[string]PriceLevel
	offset int64
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		asks: make(map[string]PriceLevel),
		bids: make(map[string]PriceLevel),
	}
}

// Reset clears the book. Call it when the subscription is replayed after a
// reconnect, since the server sends a fresh snapshot.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.asks)
	clear(b.bids)
	b.offset = 0
}

// Apply merges an update into the book. Updates with an offset older than
// the last applied one are ignored and Apply returns false.
func (b *Book) Apply(ob OrderBook) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ob.Offset != 0 && ob.Offset < b.offset {
		return false
	}
	applyLevels(b.asks, ob.Asks)
	applyLevels(b.bids, ob.Bids)
	if ob.Offset != 0 {
		b.offset = ob.Offset
	}
	return true
}

// Handle applies an order_book event. A subscribed frame carries a fresh
// snapshot, so the book is cleared before it is applied; this keeps the book
// correct across reconnects.
func (b *Book) Handle(ev codec.Event) error {
	u, err := DecodeOrderBook(ev)
	if err != nil {
		return err
	}
	if ev.Kind == codec.KindSubscribed {
		b.Reset()
	}
	b.Apply(u.OrderBook)
	return nil
}

func applyLevels(side map[string]PriceLevel, levels []PriceLevel) {
	for _, l := range levels {
		k := l.Price.String()
		if l.Size.IsZero() {
			delete(side, k)
			continue
		}
		side[k] = l
	}
}

// Asks returns ask levels sorted by ascending price.
func (b *Book) Asks() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sorted(b.asks, false)
}

// Bids returns bid levels sorted by descending price.
func (b *Book) Bids() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sorted(b.bids, true)
}

// BestBid returns the highest bid, if any.
func (b *Book) BestBid() (PriceLevel, bool) {
	bids := b.Bids()
	if len(bids) == 0 {
		return PriceLevel{}, false
	}
	return bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *Book) BestAsk() (PriceLevel, bool) {
	asks := b.Asks()
	if len(asks) == 0 {
		return PriceLevel{}, false
	}
	return asks[0], true
}

// Spread returns best ask minus best bid. ok is false if either side is empty.
func (b *Book) Spread() (spread decimal.Decimal, ok bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Offset returns the offset of the last applied update.
func (b *Book) Offset() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.offset
}

func sorted(side map[string]PriceLevel, desc bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(side))
	for _, l := range side {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
