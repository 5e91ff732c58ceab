// Package notifier delivers run summaries to operators.
//
// It subscribes to run lifecycle events on the bus and pushes one message
// per terminal run through a queue + worker pool with rate limiting and
// bounded retry. Delivery is strictly fire-and-forget: a failed send is
// logged and dropped, it never affects the run that produced it.
//
// Transport is behind the Sender interface; the telegram adapter is the
// production implementation.
package notifier
