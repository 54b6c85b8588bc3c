// Package ratelimit enforces per-session message and submission quotas.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Window is a sliding-window counter: at most max events per window.
type Window struct {
	window time.Duration
	max    int
	times  []time.Time
}

// NewWindow builds a counter allowing max events per window.
func NewWindow(max int, window time.Duration) *Window {
	return &Window{window: window, max: max}
}

// Allow records an event at now if the quota permits and reports whether it
// was admitted.
func (w *Window) Allow(now time.Time) bool {
	w.prune(now)
	if len(w.times) >= w.max {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// Remaining returns how many events the window still admits at now.
func (w *Window) Remaining(now time.Time) int {
	w.prune(now)
	left := w.max - len(w.times)
	if left < 0 {
		return 0
	}
	return left
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// SessionLimits bundles the quotas of a single session: a token bucket for
// message rate and sliding windows for shares and submissions, plus a strike
// counter driving forced closure.
type SessionLimits struct {
	mu          sync.Mutex
	messages    *rate.Limiter
	shares      *Window
	submits     *Window
	strikes     int
	strikeLimit int
}

// New builds session limits from the configured per-minute/per-second quotas.
func New(messagesPerSecond, sharesPerMinute, submitsPerMinute, strikeLimit int) *SessionLimits {
	return &SessionLimits{
		messages:    rate.NewLimiter(rate.Limit(messagesPerSecond), messagesPerSecond),
		shares:      NewWindow(sharesPerMinute, time.Minute),
		submits:     NewWindow(submitsPerMinute, time.Minute),
		strikeLimit: strikeLimit,
	}
}

// AllowMessage consumes one message token; false means the message must be
// dropped, not queued.
func (l *SessionLimits) AllowMessage() bool {
	return l.messages.Allow()
}

// AllowShare admits one accepted share into the per-minute window.
func (l *SessionLimits) AllowShare(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shares.Allow(now)
}

// AllowSubmit admits one submission into the per-minute window.
func (l *SessionLimits) AllowSubmit(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits.Allow(now)
}

// RemainingSubmits reports the submission quota left at now.
func (l *SessionLimits) RemainingSubmits(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits.Remaining(now)
}

// Strike records one violation and reports whether the session has exceeded
// its strike budget and must be closed.
func (l *SessionLimits) Strike() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.strikes++
	return l.strikes >= l.strikeLimit
}

// Strikes returns the violation count so far.
func (l *SessionLimits) Strikes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.strikes
}
