package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_RoundTrip(t *testing.T) {
	b := New()

	b.Subscribe("ping", func(ctx context.Context, ev Event) error {
		b.Respond(ctx, ev, "pong:"+ev.Payload.(string), "responder")
		return nil
	}, 0)

	resp, err := b.Request(context.Background(), "ping", "hello", "caller", time.Second)

	require.NoError(t, err)
	assert.Equal(t, "pong:hello", resp)
}

func TestRequest_Timeout(t *testing.T) {
	b := New()

	// No responder subscribed.
	_, err := b.Request(context.Background(), "ping", "hello", "caller", 20*time.Millisecond)

	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestRequest_ReplySubscriptionCleanedUp(t *testing.T) {
	b := New()

	b.Subscribe("ping", func(ctx context.Context, ev Event) error {
		b.Respond(ctx, ev, "ok", "responder")
		return nil
	}, 0)

	_, err := b.Request(context.Background(), "ping", nil, "caller", time.Second)
	require.NoError(t, err)

	// Only the ping handler remains.
	b.mu.RLock()
	defer b.mu.RUnlock()
	assert.Len(t, b.byID, 1)
}

func TestRespond_NoReplyTopicIsNoop(t *testing.T) {
	b := New()
	b.Respond(context.Background(), Event{Topic: "t"}, "x", "s")
}
