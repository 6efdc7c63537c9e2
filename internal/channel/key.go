// Package channel defines the typed identity of a logical stream subscription.
//
// The venue is inconsistent about separators: subscribe frames use
// "order_book/1" while update frames echo "order_book:1". Key normalizes both
// into one comparable value so callers never deal with the raw strings.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Well-known Lighter channel names.
const (
	OrderBook        = "order_book"
	Trade            = "trade"
	MarketStats      = "market_stats"
	Height           = "height"
	AccountAll       = "account_all"
	AccountAllOrders = "account_all_orders"
	AccountOrders    = "account_orders"
	AccountTx        = "account_tx"
	UserStats        = "user_stats"
	PoolData         = "pool_data"
)

// Separator is the canonical separator between channel name and parameter.
const Separator = "/"

// ErrInvalidKey is returned for empty or malformed channel strings.
var ErrInvalidKey = errors.New("invalid channel key")

// Key identifies one logical subscription: a channel name and its parameter
// (market index, account index, or "market/account" for account_orders).
// The zero value is not a valid key.
type Key struct {
	Channel   string
	Parameter string
}

// New builds a Key after validating the channel name.
func New(channelName, parameter string) (Key, error) {
	channelName = strings.TrimSpace(channelName)
	parameter = strings.TrimSpace(parameter)
	if channelName == "" {
		return Key{}, fmt.Errorf("%w: empty channel name", ErrInvalidKey)
	}
	if strings.ContainsAny(channelName, ":/") {
		return Key{}, fmt.Errorf("%w: channel name %q contains a separator", ErrInvalidKey, channelName)
	}
	return Key{Channel: channelName, Parameter: normalizeParam(parameter)}, nil
}

// Parse accepts both the wire form ("order_book:1") and the canonical form
// ("order_book/1"). Only the first separator splits name from parameter; any
// separators inside the parameter are normalized to "/".
func Parse(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, fmt.Errorf("%w: empty string", ErrInvalidKey)
	}

	idx := strings.IndexAny(s, ":/")
	if idx < 0 {
		return New(s, "")
	}
	if idx == 0 {
		return Key{}, fmt.Errorf("%w: %q has no channel name", ErrInvalidKey, s)
	}
	return New(s[:idx], s[idx+1:])
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// String returns the canonical "channel/parameter" form, which is also what
// subscribe frames carry.
func (k Key) String() string {
	if k.Parameter == "" {
		return k.Channel
	}
	return k.Channel + Separator + k.Parameter
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool {
	return k.Channel == "" && k.Parameter == ""
}

// Account returns the account component of the parameter: the last segment,
// so both "account_all/42" and "account_orders/0/42" yield "42".
func (k Key) Account() string {
	if i := strings.LastIndex(k.Parameter, Separator); i >= 0 {
		return k.Parameter[i+1:]
	}
	return k.Parameter
}

func normalizeParam(p string) string {
	return strings.ReplaceAll(p, ":", Separator)
}
