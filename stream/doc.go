// Package stream is a resilient client for the Lighter websocket API.
//
// A Client multiplexes any number of channel subscriptions over one
// connection. Subscriptions live in a registry that survives reconnects: after
// every reconnect each channel is subscribed again exactly once, preceded by
// an auth frame for account channels. Handlers for the same channel run in
// registration order on the client's event goroutine, so they should return
// quickly and hand long work to their own goroutines.
//
//	c, _ := stream.New(stream.Options{URL: stream.MainnetURL})
//	c.Subscribe("order_book", "1", func(ev stream.Event) error {
//		book, err := lighter.DecodeOrderBook(ev)
//		...
//	})
//	if err := c.Connect(ctx); err != nil { ... }
package stream
