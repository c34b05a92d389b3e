package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxsml/gostream/delivery"
)

// Timeout bounds the handler duration. A handler exceeding d sees a
// cancelled context; the message is settled regardless.
func Timeout(d time.Duration) Middleware {
	return func(next delivery.HandlerFunc) delivery.HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, msg delivery.Message) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, msg)
		}
	}
}

// Logging logs every handled message at debug level and handler errors at
// warn level.
func Logging(logger delivery.Logger) Middleware {
	return func(next delivery.HandlerFunc) delivery.HandlerFunc {
		return func(ctx context.Context, msg delivery.Message) error {
			start := time.Now()
			err := next(ctx, msg)
			outcome := delivery.OutcomeOf(err)
			if outcome == delivery.OutcomeFailure {
				logger.Warn("Handler failed",
					"message_id", msg.ID(),
					"error", err,
					"duration", time.Since(start))
				return err
			}
			logger.Debug("Handler finished",
				"message_id", msg.ID(),
				"outcome", outcome.String(),
				"duration", time.Since(start))
			return err
		}
	}
}

// JSON adapts a typed handler. The payload is decoded into T; a payload that
// does not decode is rejected since redelivery cannot fix it.
func JSON[T any](handle func(ctx context.Context, v T, msg delivery.Message) error) delivery.HandlerFunc {
	return func(ctx context.Context, msg delivery.Message) error {
		var v T
		if err := json.Unmarshal(msg.Data(), &v); err != nil {
			return delivery.Reject(fmt.Errorf("decode %T: %w", v, err))
		}
		return handle(ctx, v, msg)
	}
}
