package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_InvokesAllHandlersInPriorityOrder(t *testing.T) {
	b := New()
	var got []string

	b.Subscribe("t", func(_ context.Context, _ Event) error {
		got = append(got, "high")
		return nil
	}, 100)
	b.Subscribe("t", func(_ context.Context, _ Event) error {
		got = append(got, "low-a")
		return nil
	}, 0)
	b.Subscribe("t", func(_ context.Context, _ Event) error {
		got = append(got, "low-b")
		return nil
	}, 0)

	b.Emit(context.Background(), "t", "payload", "test")

	// Ascending priority, ties by insertion order.
	assert.Equal(t, []string{"low-a", "low-b", "high"}, got)
}

func TestEmit_IsolatesHandlerErrors(t *testing.T) {
	b := New()
	var h1, h3 int

	b.Subscribe("t", func(_ context.Context, _ Event) error { h1++; return nil }, 0)
	b.Subscribe("t", func(_ context.Context, _ Event) error { return errors.New("boom") }, 1)
	b.Subscribe("t", func(_ context.Context, _ Event) error { h3++; return nil }, 2)

	b.Emit(context.Background(), "t", nil, "test")

	assert.Equal(t, 1, h1)
	assert.Equal(t, 1, h3)

	stats := b.Stats()["t"]
	assert.Equal(t, uint64(1), stats.Emits)
	assert.Equal(t, uint64(2), stats.Successes)
	assert.Equal(t, uint64(1), stats.Errors)
	require.Len(t, stats.RecentErrors, 1)
	assert.Contains(t, stats.RecentErrors[0].Message, "boom")
}

func TestEmit_IsolatesHandlerPanics(t *testing.T) {
	b := New()
	var after int

	b.Subscribe("t", func(_ context.Context, _ Event) error { panic("bad handler") }, 0)
	b.Subscribe("t", func(_ context.Context, _ Event) error { after++; return nil }, 1)

	b.Emit(context.Background(), "t", nil, "test")

	assert.Equal(t, 1, after)
	assert.Equal(t, uint64(1), b.Stats()["t"].Errors)
}

func TestEmitStrict_StopsOnFirstError(t *testing.T) {
	b := New()
	var h3 int

	b.Subscribe("t", func(_ context.Context, _ Event) error { return errors.New("boom") }, 0)
	b.Subscribe("t", func(_ context.Context, _ Event) error { h3++; return nil }, 1)

	err := b.EmitStrict(context.Background(), "t", nil, "test")

	require.Error(t, err)
	assert.Equal(t, 0, h3)
}

func TestUnsubscribe_IsIdempotent(t *testing.T) {
	b := New()
	var calls int

	id := b.Subscribe("t", func(_ context.Context, _ Event) error { calls++; return nil }, 0)
	b.Unsubscribe(id)
	b.Unsubscribe(id)
	b.Unsubscribe(SubscriptionID("unknown"))

	b.Emit(context.Background(), "t", nil, "test")
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, b.SubscriberCount("t"))
}

func TestEmit_SnapshotSemantics(t *testing.T) {
	b := New()
	var second int

	// A handler that unsubscribes its sibling mid-dispatch: the sibling
	// was subscribed at emit time, so it must still be invoked.
	var siblingID SubscriptionID
	b.Subscribe("t", func(_ context.Context, _ Event) error {
		b.Unsubscribe(siblingID)
		return nil
	}, 0)
	siblingID = b.Subscribe("t", func(_ context.Context, _ Event) error {
		second++
		return nil
	}, 1)

	b.Emit(context.Background(), "t", nil, "test")
	assert.Equal(t, 1, second)

	b.Emit(context.Background(), "t", nil, "test")
	assert.Equal(t, 1, second)
}

func TestClose_DropsLaterEmits(t *testing.T) {
	b := New()
	var calls int
	b.Subscribe("t", func(_ context.Context, _ Event) error { calls++; return nil }, 0)

	b.Close()
	b.Close() // idempotent

	b.Emit(context.Background(), "t", nil, "test")
	assert.Equal(t, 0, calls)

	_, err := b.Request(context.Background(), "t", nil, "test", 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEmit_ConcurrentWithSubscribe(t *testing.T) {
	b := New()
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			id := b.Subscribe("t", func(_ context.Context, _ Event) error { return nil }, i)
			b.Unsubscribe(id)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b.Emit(context.Background(), "t", i, "test")
		}
	}()
	go func() { wg.Wait(); close(done) }()
	<-done
}

func TestValidation_LogsOnlyNeverRejects(t *testing.T) {
	b := New(WithValidation())
	b.RegisterPayloadType("t", "")

	var calls int
	b.Subscribe("t", func(_ context.Context, ev Event) error {
		calls++
		return nil
	}, 0)

	// Wrong payload type still delivers.
	b.Emit(context.Background(), "t", 42, "test")
	assert.Equal(t, 1, calls)
}
