package bus

import (
	"sync"
	"time"
)

// recentErrorCap bounds the per-topic ring of recent handler errors.
const recentErrorCap = 10

// TopicStats is a snapshot of dispatch counters for one topic.
type TopicStats struct {
	Emits     uint64
	Successes uint64
	Errors    uint64
	// RecentErrors holds at most the last 10 handler errors, oldest first.
	RecentErrors []RecordedError
}

// RecordedError is one captured handler failure.
type RecordedError struct {
	Time    time.Time
	Message string
}

type topicCounters struct {
	emits     uint64
	successes uint64
	errors    uint64
	recent    []RecordedError
}

type statistics struct {
	mu     sync.Mutex
	topics map[string]*topicCounters
}

func newStatistics() *statistics {
	return &statistics{topics: make(map[string]*topicCounters)}
}

func (s *statistics) counters(topic string) *topicCounters {
	c, ok := s.topics[topic]
	if !ok {
		c = &topicCounters{}
		s.topics[topic] = c
	}
	return c
}

func (s *statistics) recordEmit(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(topic).emits++
}

func (s *statistics) recordSuccess(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(topic).successes++
}

func (s *statistics) recordError(topic string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(topic)
	c.errors++
	c.recent = append(c.recent, RecordedError{Time: time.Now(), Message: err.Error()})
	if len(c.recent) > recentErrorCap {
		c.recent = c.recent[len(c.recent)-recentErrorCap:]
	}
}

func (s *statistics) snapshot() map[string]TopicStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TopicStats, len(s.topics))
	for topic, c := range s.topics {
		out[topic] = TopicStats{
			Emits:        c.emits,
			Successes:    c.successes,
			Errors:       c.errors,
			RecentErrors: append([]RecordedError(nil), c.recent...),
		}
	}
	return out
}
