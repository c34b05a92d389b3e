// Package delivery coordinates message acknowledgement for at-least-once consumers.
//
// It is the broker-independent core of gostream. Broker adapters (see the
// broker/... packages) turn their native deliveries into [Message] values;
// consumers wrap every delivery in a [Context] which performs exactly one
// terminal action when the handler finishes.
//
// # Terminal actions
//
// A handler returns an error. The error is translated into an [Outcome]:
//
//	nil                  → ack
//	delivery.Ack(err)    → ack, error suppressed
//	delivery.Skip(err)   → no broker call, error suppressed
//	delivery.Nack(err)   → nack, or reject once the retry budget is exhausted
//	delivery.Reject(err) → reject, error suppressed
//	any other error      → nack, or reject once exhausted; error returned
//
// # Retry budget
//
// A [Watcher] counts attempts per message id. Three variants exist:
// [EndlessWatcher] never exhausts, [OneTryWatcher] is exhausted from the
// start, and [CounterWatcher] exhausts after MaxTries retries. The
// rediswatch subpackage provides a counter shared across replicas.
//
// # Quick Start
//
//	watcher := delivery.NewWatcher(delivery.RetryConfig{
//		Mode:     delivery.RetryCounter,
//		MaxTries: 3,
//	})
//
//	dc := delivery.NewContext(msg, watcher, delivery.Options{"multiple": false})
//	err := dc.Run(ctx, func(ctx context.Context, msg delivery.Message) error {
//		if len(msg.Data()) == 0 {
//			return delivery.Reject(errors.New("empty payload"))
//		}
//		return process(ctx, msg.Data())
//	})
package delivery
