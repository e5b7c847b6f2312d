// Package notifier delivers operator notifications such as "Stream F Frozen".
//
// Notify only enqueues. Workers deliver each message through every configured
// transport.Sender under a shared rate limit, retrying with backoff. A
// delivery that still fails is logged and published on the event bus; it
// never reaches the caller.
//
// # Dedup
//
// With a dedup window set, an identical text is suppressed until the window
// passes. It is off by default: a feed that flaps should announce every
// transition.
//
// # History
//
// The service keeps a small in-memory history of recent deliveries for
// operator visibility.
package notifier
