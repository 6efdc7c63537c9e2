package lighter

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/lighter-stream/internal/codec"
)

func event(t *testing.T, raw string) codec.Event {
	t.Helper()
	ev, err := codec.Decode([]byte(raw), time.Now())
	require.NoError(t, err)
	return ev
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDecodeOrderBook(t *testing.T) {
	ev := event(t, `{
		"channel": "order_book:0",
		"offset": 41692864,
		"order_book": {
			"code": 0,
			"asks": [{"price": "3327.46", "size": "29.0915"}],
			"bids": [{"price": "3327.28", "size": "0.0001"}, {"price": "3326.90", "size": "5"}],
			"offset": 41692864
		},
		"timestamp": 1722339755000,
		"type": "update/order_book"
	}`)

	u, err := DecodeOrderBook(ev)
	require.NoError(t, err)

	assert.Equal(t, int64(41692864), u.OrderBook.Offset)
	require.Len(t, u.OrderBook.Asks, 1)
	assert.True(t, u.OrderBook.Asks[0].Price.Equal(d("3327.46")))
	assert.True(t, u.OrderBook.Asks[0].Size.Equal(d("29.0915")))
	assert.Len(t, u.OrderBook.Bids, 2)
}

func TestDecodeTrades(t *testing.T) {
	ev := event(t, `{
		"channel": "trade:0",
		"trades": [{
			"trade_id": 14154,
			"tx_hash": "0xabc",
			"type": "trade",
			"market_id": 0,
			"size": "0.1187",
			"price": "3335.65",
			"usd_amount": "395.94",
			"ask_id": 1,
			"bid_id": 2,
			"is_maker_ask": true,
			"block_height": 2204468,
			"timestamp": 1722339755
		}],
		"type": "update/trade"
	}`)

	u, err := DecodeTrades(ev)
	require.NoError(t, err)
	require.Len(t, u.Trades, 1)

	tr := u.Trades[0]
	assert.Equal(t, int64(14154), tr.TradeID)
	assert.True(t, tr.Price.Equal(d("3335.65")))
	assert.True(t, tr.IsMakerAsk)
}

func TestDecodeMarketStats(t *testing.T) {
	ev := event(t, `{
		"channel": "market_stats:1",
		"market_stats": {
			"market_id": 1,
			"index_price": "64010.12",
			"mark_price": "64012.00",
			"open_interest": "230.55",
			"current_funding_rate": "-0.0012",
			"daily_price_change": 1.25
		},
		"type": "update/market_stats"
	}`)

	u, err := DecodeMarketStats(ev)
	require.NoError(t, err)
	assert.Equal(t, 1, u.MarketStats.MarketID)
	assert.True(t, u.MarketStats.MarkPrice.Equal(d("64012")))
	assert.True(t, u.MarketStats.CurrentFundingRate.IsNegative())
	assert.True(t, u.MarketStats.DailyPriceChange.Equal(d("1.25")))
}

func TestDecodeHeight(t *testing.T) {
	u, err := DecodeHeight(event(t, `{"channel":"height","height":2204468,"type":"update/height"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2204468), u.Height)
}

func TestDecodeOrders(t *testing.T) {
	ev := event(t, `{
		"channel": "account_all_orders:42",
		"account": 42,
		"orders": {
			"0": [{"order_index": 1, "market_index": 0, "status": "open", "initial_base_amount": "1.0", "remaining_base_amount": "0.4"}],
			"3": [{"order_index": 2, "market_index": 3, "status": "filled", "initial_base_amount": "2", "remaining_base_amount": "0"}]
		},
		"type": "update/account_all_orders"
	}`)

	u, err := DecodeOrders(ev)
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.Account)
	assert.Len(t, u.All(), 2)
	require.Len(t, u.Orders["3"], 1)
	assert.True(t, u.Orders["3"][0].Filled())
}

func TestDecode_WrongChannel(t *testing.T) {
	ev := event(t, `{"channel":"trade:0","trades":[],"type":"update/trade"}`)

	_, err := DecodeOrderBook(ev)
	assert.Error(t, err)

	_, err = DecodeOrders(ev)
	assert.Error(t, err)
}

func TestDecode_BadPayload(t *testing.T) {
	ev := event(t, `{"channel":"order_book:0","order_book":{"asks":[{"price":"abc","size":"1"}]},"type":"update/order_book"}`)
	_, err := DecodeOrderBook(ev)
	assert.Error(t, err)
}

func TestOrder_Filled(t *testing.T) {
	tests := []struct {
		name   string
		order  Order
		filled bool
		active bool
	}{
		{
			name:   "server says filled",
			order:  Order{Status: StatusFilled, InitialBaseAmount: d("1"), RemainingBaseAmount: d("0")},
			filled: true,
		},
		{
			name:   "open with size left",
			order:  Order{Status: StatusOpen, InitialBaseAmount: d("1"), RemainingBaseAmount: d("0.5")},
			active: true,
		},
		{
			name:   "open with nothing left",
			order:  Order{Status: StatusOpen, InitialBaseAmount: d("1"), RemainingBaseAmount: d("0")},
			filled: true,
			active: true,
		},
		{
			name:  "canceled with nothing left",
			order: Order{Status: "canceled-post-only", InitialBaseAmount: d("1"), RemainingBaseAmount: d("0")},
		},
		{
			name:   "pending",
			order:  Order{Status: StatusPending},
			active: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.filled, tt.order.Filled())
			assert.Equal(t, tt.active, tt.order.Active(), "Active follows the declared status only")
		})
	}
}

func TestBook_Apply(t *testing.T) {
	b := NewBook()

	ok := b.Apply(OrderBook{
		Asks:   []PriceLevel{{Price: d("101"), Size: d("1")}, {Price: d("100.5"), Size: d("2")}},
		Bids:   []PriceLevel{{Price: d("99"), Size: d("3")}, {Price: d("99.5"), Size: d("1")}},
		Offset: 10,
	})
	require.True(t, ok)

	ask, _ := b.BestAsk()
	bid, _ := b.BestBid()
	assert.True(t, ask.Price.Equal(d("100.5")))
	assert.True(t, bid.Price.Equal(d("99.5")))

	spread, ok := b.Spread()
	require.True(t, ok)
	assert.True(t, spread.Equal(d("1")))

	// Zero size removes; "100.50" is the same level as "100.5".
	b.Apply(OrderBook{Asks: []PriceLevel{{Price: d("100.50"), Size: d("0")}}, Offset: 11})
	ask, _ = b.BestAsk()
	assert.True(t, ask.Price.Equal(d("101")))
	assert.Len(t, b.Asks(), 1)

	// Stale offset ignored.
	assert.False(t, b.Apply(OrderBook{Bids: []PriceLevel{{Price: d("200"), Size: d("1")}}, Offset: 5}))
	bid, _ = b.BestBid()
	assert.True(t, bid.Price.Equal(d("99.5")))
	assert.Equal(t, int64(11), b.Offset())

	bids := b.Bids()
	require.Len(t, bids, 2)
	assert.True(t, bids[0].Price.GreaterThan(bids[1].Price))
}

func TestBook_Reset(t *testing.T) {
	b := NewBook()
	b.Apply(OrderBook{Asks: []PriceLevel{{Price: d("1"), Size: d("1")}}, Offset: 7})
	b.Reset()

	_, ok := b.BestAsk()
	assert.False(t, ok)
	_, ok = b.Spread()
	assert.False(t, ok)
	assert.Zero(t, b.Offset())
}

func TestBook_HandleResetsOnSubscribed(t *testing.T) {
	b := NewBook()

	require.NoError(t, b.Handle(event(t, `{"channel":"order_book:0","type":"subscribed/order_book",
		"order_book":{"asks":[{"price":"101","size":"1"}],"bids":[{"price":"99","size":"2"}],"offset":500}}`)))
	require.NoError(t, b.Handle(event(t, `{"channel":"order_book:0","type":"update/order_book",
		"order_book":{"asks":[{"price":"100.5","size":"3"}],"bids":[],"offset":501}}`)))
	assert.Len(t, b.Asks(), 2)

	// After a reconnect the server restarts offsets with a new snapshot.
	require.NoError(t, b.Handle(event(t, `{"channel":"order_book:0","type":"subscribed/order_book",
		"order_book":{"asks":[{"price":"102","size":"1"}],"bids":[],"offset":7}}`)))

	asks := b.Asks()
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Price.Equal(d("102")))
	assert.Empty(t, b.Bids())
	assert.Equal(t, int64(7), b.Offset())

	assert.Error(t, b.Handle(event(t, `{"channel":"trade:0","trades":[],"type":"update/trade"}`)))
}
