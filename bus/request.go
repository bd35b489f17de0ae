package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request emits an event carrying a unique reply topic and waits for a
// single response emitted to that topic. The reply subscription is removed
// on every exit path. Returns ErrRequestTimeout when no response arrives
// within timeout and ErrClosed when the bus is shutting down.
func (b *Bus) Request(ctx context.Context, topic string, payload any, source string, timeout time.Duration) (any, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replyTopic := fmt.Sprintf("%s.reply.%s", topic, uuid.NewString())
	replyCh := make(chan any, 1)

	subID := b.Subscribe(replyTopic, func(_ context.Context, ev Event) error {
		select {
		case replyCh <- ev.Payload:
		default:
			// A second response to the same request is dropped.
		}
		return nil
	}, 0)
	defer b.Unsubscribe(subID)

	if err := b.emit(ctx, topic, payload, source, replyTopic, true); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond emits the response payload to the reply topic carried by a
// request event. Events without a reply topic are a no-op.
func (b *Bus) Respond(ctx context.Context, req Event, payload any, source string) {
	if req.ReplyTo == "" {
		return
	}
	b.Emit(ctx, req.ReplyTo, payload, source)
}
