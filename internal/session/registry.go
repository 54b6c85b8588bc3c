package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roundnews/MoneroWebCoordinator/internal/job"
	"github.com/roundnews/MoneroWebCoordinator/internal/metrics"
	"github.com/roundnews/MoneroWebCoordinator/internal/nonce"
	"github.com/roundnews/MoneroWebCoordinator/internal/ratelimit"
)

var (
	// ErrLimitExceeded means the global or per-address connection cap is hit.
	ErrLimitExceeded = errors.New("connection limit exceeded")
	// ErrClosed means the session is gone or shutting down.
	ErrClosed = errors.New("session closed")
)

// ReleaseFunc returns a nonce range to the allocator when a job ends.
type ReleaseFunc func(generation uint64, r nonce.Range)

// Limits are the admission caps and quota parameters applied to new sessions.
type Limits struct {
	MaxConnections    int
	MaxPerIP          int
	MessagesPerSecond int
	SharesPerMinute   int
	SubmitsPerMinute  int
	StrikeLimit       int
	IdleTimeout       time.Duration
}

// Registry owns the session map and per-address connection accounting.
type Registry struct {
	limits   Limits
	release  ReleaseFunc
	recorder metrics.Recorder
	seq      atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*Session
	perIP    map[string]int
}

// NewRegistry builds a registry. release is called with the range of every
// job that ends, whatever the cause.
func NewRegistry(limits Limits, release ReleaseFunc, recorder metrics.Recorder) *Registry {
	if recorder == nil {
		recorder = metrics.Default
	}
	return &Registry{
		limits:   limits,
		release:  release,
		recorder: recorder,
		sessions: make(map[string]*Session),
		perIP:    make(map[string]int),
	}
}

// Register admits a new session for the given source address, enforcing the
// global and per-address caps before any state is created.
func (r *Registry) Register(remoteIP string) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.limits.MaxConnections {
		r.mu.Unlock()
		r.recorder.ConnRejected("global_limit")
		return nil, fmt.Errorf("%w: global cap %d", ErrLimitExceeded, r.limits.MaxConnections)
	}
	if r.perIP[remoteIP] >= r.limits.MaxPerIP {
		r.mu.Unlock()
		r.recorder.ConnRejected("per_ip_limit")
		return nil, fmt.Errorf("%w: per-address cap %d", ErrLimitExceeded, r.limits.MaxPerIP)
	}
	now := time.Now()
	sess := &Session{
		ID:          fmt.Sprintf("s%012x", r.seq.Add(1)),
		RemoteIP:    remoteIP,
		ConnectedAt: now,
		Limits: ratelimit.New(
			r.limits.MessagesPerSecond,
			r.limits.SharesPerMinute,
			r.limits.SubmitsPerMinute,
			r.limits.StrikeLimit,
		),
		state:        Connecting,
		lastActivity: now,
	}
	r.sessions[sess.ID] = sess
	r.perIP[remoteIP]++
	r.mu.Unlock()

	r.recorder.ConnOpened()
	return sess, nil
}

// Get looks a session up by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SetJob installs a job on the session, releasing the previous job's range.
// Returns false when the session is gone or closing; the caller still owns
// j's range in that case.
func (r *Registry) SetJob(id string, j *job.Job) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	prev, ok := s.trySetJob(j)
	if !ok {
		return false
	}
	if prev != nil {
		r.release(prev.Generation, prev.Range)
	}
	return true
}

// Close releases the session's range, removes it from the accounting maps,
// and transitions it to Closed. Idempotent; the release happens before Close
// returns so a fast reconnect cannot race with stale-range reuse.
func (r *Registry) Close(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	if n := r.perIP[s.RemoteIP]; n <= 1 {
		delete(r.perIP, s.RemoteIP)
	} else {
		r.perIP[s.RemoteIP] = n - 1
	}
	r.mu.Unlock()

	s.setState(Closing)
	if prev := s.swapJob(nil); prev != nil {
		r.release(prev.Generation, prev.Range)
	}
	s.setState(Closed)
	r.recorder.ConnClosed()
	log.Printf("session %s closed (%s)", id, reason)
}

// SweepIdle closes sessions silent beyond the idle timeout and returns their ids.
func (r *Registry) SweepIdle(now time.Time) []string {
	r.mu.Lock()
	var idle []string
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity()) > r.limits.IdleTimeout {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()
	for _, id := range idle {
		r.Close(id, "idle timeout")
	}
	return idle
}

// ExpireJobs releases the ranges of jobs past their ttl, independent of
// session liveness, and returns how many expired.
func (r *Registry) ExpireJobs(now time.Time) int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	expired := 0
	for _, s := range sessions {
		if j := s.takeExpiredJob(now); j != nil {
			r.release(j.Generation, j.Range)
			r.recorder.JobExpired()
			expired++
		}
	}
	return expired
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Each calls fn for every registered session.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		fn(s)
	}
}
