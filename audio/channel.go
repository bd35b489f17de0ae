// Package audio provides the one-producer/many-consumer broadcast channel
// that carries synthesized speech from the TTS output to lip-sync and
// playback consumers. Each subscriber has its own bounded buffer with
// drop-oldest overflow so one slow consumer never stalls the stream.
package audio

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Sentinel errors for channel operations.
var (
	ErrStreamActive     = errors.New("audio stream already active")
	ErrSubscriberExists = errors.New("audio subscriber name already registered")
	ErrChannelClosed    = errors.New("audio channel closed")
)

// StreamInfo describes one audio stream.
type StreamInfo struct {
	// Format is the sample encoding (e.g. "pcm_s16le", "mp3").
	Format string
	// SampleRate in Hz; zero when the format carries its own header.
	SampleRate int
	Channels   int
	// Text is the text being spoken, for subtitle-style consumers.
	Text string
}

// Consumer receives one stream's lifecycle callbacks. Callbacks run on the
// subscriber's own dispatch goroutine; they may block without affecting
// the producer or sibling subscribers.
type Consumer struct {
	OnStart func(info StreamInfo)
	OnChunk func(chunk []byte)
	OnEnd   func()
}

type event struct {
	start *StreamInfo
	chunk []byte
	end   bool
}

type subscriber struct {
	name string
	ch   chan event
	done chan struct{}
}

// Channel is the broadcast hub. One producer streams at a time; every
// subscriber observes the same sequence of start/chunk/end events.
type Channel struct {
	mu        sync.Mutex
	subs      map[string]*subscriber
	streaming bool
	closed    bool
	bufSize   int
	logger    *zap.Logger
}

// NewChannel creates a channel whose subscribers buffer up to bufSize
// events each. bufSize <= 0 selects the default of 64.
func NewChannel(bufSize int, logger *zap.Logger) *Channel {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		subs:    make(map[string]*subscriber),
		bufSize: bufSize,
		logger:  logger.With(zap.String("component", "audio_channel")),
	}
}

// Subscribe registers a named consumer. The name must be unique.
func (c *Channel) Subscribe(name string, consumer Consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if _, exists := c.subs[name]; exists {
		return ErrSubscriberExists
	}
	sub := &subscriber{
		name: name,
		ch:   make(chan event, c.bufSize),
		done: make(chan struct{}),
	}
	c.subs[name] = sub
	go c.dispatch(sub, consumer)
	return nil
}

// Unsubscribe removes a consumer. Unknown names are a no-op.
func (c *Channel) Unsubscribe(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[name]
	if !ok {
		return
	}
	delete(c.subs, name)
	close(sub.done)
}

func (c *Channel) dispatch(sub *subscriber, consumer Consumer) {
	for {
		select {
		case ev := <-sub.ch:
			switch {
			case ev.start != nil:
				if consumer.OnStart != nil {
					consumer.OnStart(*ev.start)
				}
			case ev.end:
				if consumer.OnEnd != nil {
					consumer.OnEnd()
				}
			default:
				if consumer.OnChunk != nil {
					consumer.OnChunk(ev.chunk)
				}
			}
		case <-sub.done:
			return
		}
	}
}

// send fans one event out to every subscriber, dropping the oldest
// buffered event for a subscriber whose buffer is full.
func (c *Channel) send(ev event) {
	c.mu.Lock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		for {
			select {
			case sub.ch <- ev:
			default:
				select {
				case <-sub.ch:
					c.logger.Warn("audio subscriber overflow, dropping oldest",
						zap.String("subscriber", sub.name))
				default:
				}
				continue
			}
			break
		}
	}
}

// StreamWriter is the producer handle for one stream.
type StreamWriter struct {
	c      *Channel
	closed bool
	mu     sync.Mutex
}

// StartStream begins a new stream. Only one stream may be active.
func (c *Channel) StartStream(info StreamInfo) (*StreamWriter, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if c.streaming {
		c.mu.Unlock()
		return nil, ErrStreamActive
	}
	c.streaming = true
	c.mu.Unlock()

	c.send(event{start: &info})
	return &StreamWriter{c: c}, nil
}

// Write broadcasts one audio chunk.
func (w *StreamWriter) Write(chunk []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	// Copy: the producer may reuse its buffer.
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	w.c.send(event{chunk: buf})
}

// Close ends the stream, delivering OnEnd to every subscriber. Idempotent.
func (w *StreamWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.c.send(event{end: true})

	w.c.mu.Lock()
	w.c.streaming = false
	w.c.mu.Unlock()
}

// SubscriberCount returns the number of registered consumers.
func (c *Channel) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close shuts the channel down and detaches every subscriber.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for name, sub := range c.subs {
		close(sub.done)
		delete(c.subs, name)
	}
}
