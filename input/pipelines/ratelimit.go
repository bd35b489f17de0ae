package pipelines

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/vtubeflow/types"
)

// RateLimitConfig configures the rate-limit stage.
type RateLimitConfig struct {
	// GlobalRate caps messages per window across all users. Zero
	// disables the global cap.
	GlobalRate int
	// UserRate caps messages per window per user ID. Zero disables the
	// per-user cap.
	UserRate int
	// Window is the sliding window length.
	Window time.Duration
}

// DefaultRateLimitConfig allows 60 messages globally and 5 per user per
// minute.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{GlobalRate: 60, UserRate: 5, Window: time.Minute}
}

// RateLimit drops messages beyond a sliding-window rate, one window
// globally and one per user.
type RateLimit struct {
	cfg RateLimitConfig

	mu     sync.Mutex
	global *window
	byUser map[string]*window

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimit creates the stage.
func NewRateLimit(cfg RateLimitConfig) *RateLimit {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &RateLimit{
		cfg:    cfg,
		global: &window{},
		byUser: make(map[string]*window),
		now:    time.Now,
	}
}

// Name implements pipeline.Stage.
func (r *RateLimit) Name() string { return "ratelimit" }

// Process implements pipeline.Stage. Every arrival is counted, accepted
// or not. Arrival-counting keeps drops monotone: a stream with extra
// messages can only drop more of the shared ones, never fewer.
func (r *RateLimit) Process(_ context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.cfg.Window)

	accept := true
	if r.cfg.GlobalRate > 0 && r.global.countSince(cutoff) >= r.cfg.GlobalRate {
		accept = false
	}
	r.global.add(now, cutoff)

	if userID, ok := msg.UserID(); ok && r.cfg.UserRate > 0 {
		uw := r.byUser[userID]
		if uw == nil {
			uw = &window{}
			r.byUser[userID] = uw
		}
		if uw.countSince(cutoff) >= r.cfg.UserRate {
			accept = false
		}
		uw.add(now, cutoff)
	}

	if !accept {
		return nil, false, nil
	}
	return msg, true, nil
}

// window is a pruned list of arrival timestamps (accepted or dropped).
type window struct {
	stamps []time.Time
}

func (w *window) countSince(cutoff time.Time) int {
	n := 0
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

func (w *window) add(now, cutoff time.Time) {
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = append(kept, now)
}
