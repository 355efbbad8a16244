// Package channels implements a typed channel-based event hub connecting
// the evaluation pipeline to the notification and observability consumers.
//
// Each event kind has its own Go channel, providing:
//
//   - Type safety: No runtime type assertions needed
//   - Clear contracts: Each event type has its own channel
//   - Better debugging: Channel traces show exact event types
//   - Zero dependencies: Pure Go channels, no external libraries
//
// # Delivery semantics
//
// Alert signals are delivered reliably: publishing blocks until the
// notifier drains the channel or shutdown begins. State-change and
// probe-trouble events are best-effort observability; they are dropped
// when their buffers are full rather than stalling an evaluation.
//
// # Graceful Shutdown
//
// The hub supports context-based cancellation and graceful shutdown:
//
//	hub := channels.NewEventChannels(cfg)
//	defer hub.Close()
//
//	select {
//	case <-hub.Done():
//	    // shutdown initiated
//	}
package channels
