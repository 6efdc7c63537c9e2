// Package lighter holds typed payloads for Lighter stream updates.
//
// Prices and sizes arrive as decimal strings and are decoded into
// decimal.Decimal. Server-declared fields such as Order.Status are
// authoritative; helpers like Order.Filled are for display only.
package lighter
