package stream

import (
	"github.com/rickgao/lighter-stream/internal/codec"
	"github.com/rickgao/lighter-stream/internal/lighter"
)

// Event kinds a Handler sees. Subscribed frames carry the initial snapshot.
const (
	KindSubscribed = codec.KindSubscribed
	KindUpdate     = codec.KindUpdate
)

// Typed payloads for the public channels and the account order channels.
type (
	PriceLevel        = lighter.PriceLevel
	OrderBook         = lighter.OrderBook
	OrderBookUpdate   = lighter.OrderBookUpdate
	Trade             = lighter.Trade
	TradeUpdate       = lighter.TradeUpdate
	MarketStats       = lighter.MarketStats
	MarketStatsUpdate = lighter.MarketStatsUpdate
	HeightUpdate      = lighter.HeightUpdate
	Order             = lighter.Order
	OrdersUpdate      = lighter.OrdersUpdate
	Book              = lighter.Book
)

// Payload decoders. Each rejects events from another channel.
var (
	DecodeOrderBook   = lighter.DecodeOrderBook
	DecodeTrades      = lighter.DecodeTrades
	DecodeMarketStats = lighter.DecodeMarketStats
	DecodeHeight      = lighter.DecodeHeight
	DecodeOrders      = lighter.DecodeOrders
)

// NewBook creates an empty local order book.
func NewBook() *Book { return lighter.NewBook() }

// BookHandler returns a Handler that keeps book in sync with an order_book
// subscription, resetting it whenever the subscription is replayed.
func BookHandler(book *Book) Handler {
	return book.Handle
}
