package lighter

import (
	"strings"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Market Data
// -----------------------------------------------------------------------------

// PriceLevel is one side entry of an order book update. A zero size removes
// the level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is the body of an order_book update. Updates after the initial
// snapshot carry only changed levels.
type OrderBook struct {
	Code   int          `json:"code"`
	Asks   []PriceLevel `json:"asks"`
	Bids   []PriceLevel `json:"bids"`
	Offset int64        `json:"offset"`
}

// OrderBookUpdate is an order_book frame.
type OrderBookUpdate struct {
	Channel   string    `json:"channel"`
	Offset    int64     `json:"offset"`
	OrderBook OrderBook `json:"order_book"`
	Timestamp int64     `json:"timestamp"` // ms since epoch
}

// Trade is a single fill.
type Trade struct {
	TradeID       int64           `json:"trade_id"`
	TxHash        string          `json:"tx_hash"`
	Type          string          `json:"type"`
	MarketID      int             `json:"market_id"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	USDAmount     decimal.Decimal `json:"usd_amount"`
	AskID         int64           `json:"ask_id"`
	BidID         int64           `json:"bid_id"`
	AskAccountID  int64           `json:"ask_account_id"`
	BidAccountID  int64           `json:"bid_account_id"`
	IsMakerAsk    bool            `json:"is_maker_ask"`
	BlockHeight   int64           `json:"block_height"`
	Timestamp     int64           `json:"timestamp"`
	TakerFee      decimal.Decimal `json:"taker_fee"`
	MakerFee      decimal.Decimal `json:"maker_fee"`
	TakerPosition decimal.Decimal `json:"taker_position_size_before"`
}

// TradeUpdate is a trade frame.
type TradeUpdate struct {
	Channel string  `json:"channel"`
	Trades  []Trade `json:"trades"`
}

// MarketStats is a per-market ticker snapshot.
type MarketStats struct {
	MarketID              int             `json:"market_id"`
	IndexPrice            decimal.Decimal `json:"index_price"`
	MarkPrice             decimal.Decimal `json:"mark_price"`
	OpenInterest          decimal.Decimal `json:"open_interest"`
	LastTradePrice        decimal.Decimal `json:"last_trade_price"`
	CurrentFundingRate    decimal.Decimal `json:"current_funding_rate"`
	FundingRate           decimal.Decimal `json:"funding_rate"`
	FundingTimestamp      int64           `json:"funding_timestamp"`
	DailyBaseTokenVolume  decimal.Decimal `json:"daily_base_token_volume"`
	DailyQuoteTokenVolume decimal.Decimal `json:"daily_quote_token_volume"`
	DailyPriceLow         decimal.Decimal `json:"daily_price_low"`
	DailyPriceHigh        decimal.Decimal `json:"daily_price_high"`
	DailyPriceChange      decimal.Decimal `json:"daily_price_change"`
}

// MarketStatsUpdate is a market_stats frame.
type MarketStatsUpdate struct {
	Channel     string      `json:"channel"`
	MarketStats MarketStats `json:"market_stats"`
}

// HeightUpdate is a height frame.
type HeightUpdate struct {
	Channel string `json:"channel"`
	Height  int64  `json:"height"`
}

// -----------------------------------------------------------------------------
// Account Data
// -----------------------------------------------------------------------------

// Order statuses as declared by the server.
const (
	StatusOpen     = "open"
	StatusPending  = "pending"
	StatusFilled   = "filled"
	StatusCanceled = "canceled"
)

// Order is an account order as streamed on account_all_orders and
// account_orders.
type Order struct {
	OrderIndex          int64           `json:"order_index"`
	ClientOrderIndex    int64           `json:"client_order_index"`
	OrderID             string          `json:"order_id"`
	MarketIndex         int             `json:"market_index"`
	OwnerAccountIndex   int64           `json:"owner_account_index"`
	InitialBaseAmount   decimal.Decimal `json:"initial_base_amount"`
	Price               decimal.Decimal `json:"price"`
	RemainingBaseAmount decimal.Decimal `json:"remaining_base_amount"`
	FilledBaseAmount    decimal.Decimal `json:"filled_base_amount"`
	FilledQuoteAmount   decimal.Decimal `json:"filled_quote_amount"`
	IsAsk               bool            `json:"is_ask"`
	Side                string          `json:"side"`
	Type                string          `json:"type"`
	TimeInForce         string          `json:"time_in_force"`
	ReduceOnly          bool            `json:"reduce_only"`
	TriggerPrice        decimal.Decimal `json:"trigger_price"`
	OrderExpiry         int64           `json:"order_expiry"`
	Status              string          `json:"status"`
	TriggerStatus       string          `json:"trigger_status"`
	Timestamp           int64           `json:"timestamp"`
}

// Filled is a presentation flag: the server declared the order filled, or an
// open order has no remaining size. Status stays authoritative; callers that
// need lifecycle decisions should branch on Status.
func (o Order) Filled() bool {
	if strings.HasPrefix(o.Status, StatusFilled) {
		return true
	}
	if strings.HasPrefix(o.Status, StatusCanceled) {
		return false
	}
	return o.InitialBaseAmount.IsPositive() && o.RemainingBaseAmount.IsZero()
}

// Active reports whether the server still considers the order resting.
func (o Order) Active() bool {
	return o.Status == StatusOpen || o.Status == StatusPending
}

// OrdersUpdate is an account_all_orders or account_orders frame. Orders are
// keyed by market index as a string, the way the venue sends them.
type OrdersUpdate struct {
	Channel string             `json:"channel"`
	Account int64              `json:"account"`
	Orders  map[string][]Order `json:"orders"`
}

// All returns every order in the update.
func (u OrdersUpdate) All() []Order {
	var out []Order
	for _, orders := range u.Orders {
		out = append(out, orders...)
	}
	return out
}
