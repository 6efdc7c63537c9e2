package lighter

import (
	"fmt"

	"github.com/rickgao/lighter-stream/internal/channel"
	"github.com/rickgao/lighter-stream/internal/codec"
)

// DecodeOrderBook decodes an order_book event.
func DecodeOrderBook(ev codec.Event) (OrderBookUpdate, error) {
	var u OrderBookUpdate
	return u, decode(ev, channel.OrderBook, &u)
}

// DecodeTrades decodes a trade event.
func DecodeTrades(ev codec.Event) (TradeUpdate, error) {
	var u TradeUpdate
	return u, decode(ev, channel.Trade, &u)
}

// DecodeMarketStats decodes a market_stats event.
func DecodeMarketStats(ev codec.Event) (MarketStatsUpdate, error) {
	var u MarketStatsUpdate
	return u, decode(ev, channel.MarketStats, &u)
}

// DecodeHeight decodes a height event.
func DecodeHeight(ev codec.Event) (HeightUpdate, error) {
	var u HeightUpdate
	return u, decode(ev, channel.Height, &u)
}

// DecodeOrders decodes an account_all_orders or account_orders event.
func DecodeOrders(ev codec.Event) (OrdersUpdate, error) {
	var u OrdersUpdate
	switch ev.Channel.Channel {
	case channel.AccountAllOrders, channel.AccountOrders:
	default:
		return u, fmt.Errorf("decode orders: unexpected channel %q", ev.Channel.String())
	}
	if err := ev.Decode(&u); err != nil {
		return u, fmt.Errorf("decode orders: %w", err)
	}
	return u, nil
}

func decode(ev codec.Event, want string, v any) error {
	if ev.Channel.Channel != want {
		return fmt.Errorf("decode %s: unexpected channel %q", want, ev.Channel.String())
	}
	if err := ev.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}
