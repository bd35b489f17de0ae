package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sentinel errors for bus operations.
var (
	// ErrClosed is returned by Request (and logged by Emit) after Close.
	ErrClosed = errors.New("event bus closed")

	// ErrRequestTimeout is returned by Request when no response arrives
	// within the caller's timeout.
	ErrRequestTimeout = errors.New("bus request timed out")
)

// Event is the envelope delivered to handlers.
type Event struct {
	// Topic the event was emitted on.
	Topic string
	// Payload is the typed event payload.
	Payload any
	// Source names the component that emitted the event.
	Source string
	// Seq is a monotonically increasing per-bus sequence number.
	Seq uint64
	// ReplyTo, when non-empty, is the topic a Request caller is awaiting.
	ReplyTo string
}

// Handler processes one event. A non-nil error is counted and, with
// isolation enabled, logged without affecting sibling handlers.
type Handler func(ctx context.Context, ev Event) error

// SubscriptionID identifies a subscription for later removal.
type SubscriptionID string

type subscription struct {
	id       SubscriptionID
	topic    string
	priority int
	order    uint64
	handler  Handler
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithValidation enables payload-type validation. Mismatches are logged,
// never rejected.
func WithValidation() Option {
	return func(b *Bus) { b.validate = true }
}

// Bus is the process-local named-topic pub/sub hub.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscription
	byID   map[SubscriptionID]*subscription

	payloadTypes map[string]reflect.Type
	validate     bool

	stats  *statistics
	seq    atomic.Uint64
	order  atomic.Uint64
	closed atomic.Bool

	// inflight tracks running dispatches so Close can let them finish.
	inflight sync.WaitGroup

	logger *zap.Logger
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:       make(map[string][]*subscription),
		byID:         make(map[SubscriptionID]*subscription),
		payloadTypes: make(map[string]reflect.Type),
		stats:        newStatistics(),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "bus"))
	return b
}

// RegisterPayloadType declares the expected payload type for a topic.
// Only consulted when validation is enabled.
func (b *Bus) RegisterPayloadType(topic string, prototype any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloadTypes[topic] = reflect.TypeOf(prototype)
}

// Subscribe registers a handler on a topic. Handlers fire in ascending
// priority, ties broken by subscription order. The returned ID is stable
// and opaque.
func (b *Bus) Subscribe(topic string, handler Handler, priority int) SubscriptionID {
	sub := &subscription{
		id:       SubscriptionID(uuid.NewString()),
		topic:    topic,
		priority: priority,
		order:    b.order.Add(1),
		handler:  handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := append(b.topics[topic], sub)
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority < subs[j].priority
		}
		return subs[i].order < subs[j].order
	})
	b.topics[topic] = subs
	b.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Unknown IDs are a no-op.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s.id == id {
			b.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Emit delivers the payload to every handler subscribed at call time.
// Handler errors are isolated: logged, counted, and siblings still run.
// After Close, the event is dropped with a warning.
func (b *Bus) Emit(ctx context.Context, topic string, payload any, source string) {
	b.emit(ctx, topic, payload, source, "", true)
}

// EmitStrict delivers like Emit but without error isolation: the first
// handler error aborts the dispatch and is returned.
func (b *Bus) EmitStrict(ctx context.Context, topic string, payload any, source string) error {
	return b.emit(ctx, topic, payload, source, "", false)
}

func (b *Bus) emit(ctx context.Context, topic string, payload any, source, replyTo string, isolate bool) error {
	if b.closed.Load() {
		b.logger.Warn("emit on closed bus dropped",
			zap.String("topic", topic),
			zap.String("source", source))
		return ErrClosed
	}
	b.inflight.Add(1)
	defer b.inflight.Done()

	if b.validate {
		b.checkPayloadType(topic, payload)
	}

	ev := Event{
		Topic:   topic,
		Payload: payload,
		Source:  source,
		Seq:     b.seq.Add(1),
		ReplyTo: replyTo,
	}

	// Snapshot under the read lock so handlers running during a
	// subscribe/unsubscribe see a consistent list.
	b.mu.RLock()
	subs := make([]*subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	b.stats.recordEmit(topic)

	for _, sub := range subs {
		if err := b.invoke(ctx, sub, ev); err != nil {
			b.stats.recordError(topic, err)
			if !isolate {
				return err
			}
			b.logger.Error("handler failed",
				zap.String("topic", topic),
				zap.String("subscription", string(sub.id)),
				zap.Error(err))
			continue
		}
		b.stats.recordSuccess(topic)
	}
	return nil
}

// invoke runs one handler, converting panics into errors so a panicking
// subscriber is indistinguishable from an erroring one.
func (b *Bus) invoke(ctx context.Context, sub *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}

func (b *Bus) checkPayloadType(topic string, payload any) {
	b.mu.RLock()
	want, registered := b.payloadTypes[topic]
	b.mu.RUnlock()
	if !registered {
		b.logger.Debug("emit on unregistered topic", zap.String("topic", topic))
		return
	}
	if got := reflect.TypeOf(payload); got != want {
		b.logger.Warn("payload type mismatch",
			zap.String("topic", topic),
			zap.Stringer("want", want),
			zap.Stringer("got", got))
	}
}

// SubscriberCount returns the number of handlers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Stats returns a snapshot of per-topic dispatch statistics.
func (b *Bus) Stats() map[string]TopicStats {
	return b.stats.snapshot()
}

// Close stops the bus. In-flight dispatches complete; later emits are
// dropped and later Requests fail with ErrClosed. Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.inflight.Wait()
	b.logger.Info("event bus closed")
}
