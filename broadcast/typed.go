package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
)

// SubscribeJSON subscribes a handler that receives the payload decoded into T.
// A payload that does not decode counts as a handler failure.
func SubscribeJSON[T any](b *Broadcaster, event string, handler func(ctx context.Context, v T) error) *Subscription {
	return b.Subscribe(event, func(ctx context.Context, payload json.RawMessage) error {
		var v T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("decode %q payload: %w", event, err)
			}
		}
		return handler(ctx, v)
	})
}
