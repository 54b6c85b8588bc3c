// Package session tracks connected worker identity, lifecycle, and the job
// each worker currently holds.
package session

import (
	"sync"
	"time"

	"github.com/roundnews/MoneroWebCoordinator/internal/job"
	"github.com/roundnews/MoneroWebCoordinator/internal/ratelimit"
)

// State is the session lifecycle.
type State int

const (
	Connecting State = iota
	Active
	RateLimited
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case RateLimited:
		return "rate_limited"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Session is one connected worker.
type Session struct {
	ID          string
	RemoteIP    string
	ConnectedAt time.Time
	Limits      *ratelimit.SessionLimits

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	currentJob   *job.Job
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Activate marks the session ready for jobs after the transport handshake.
func (s *Session) Activate() { s.setState(Active) }

// MarkRateLimited flags the session as over quota.
func (s *Session) MarkRateLimited() { s.setState(RateLimited) }

// ClearRateLimited returns an over-quota session to Active.
func (s *Session) ClearRateLimited() {
	s.mu.Lock()
	if s.state == RateLimited {
		s.state = Active
	}
	s.mu.Unlock()
}

// Touch records activity for the idle sweep.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last message from the worker.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CurrentJob returns the outstanding job, if any.
func (s *Session) CurrentJob() *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentJob
}

// swapJob installs a new job and returns the previous one for release.
func (s *Session) swapJob(j *job.Job) *job.Job {
	s.mu.Lock()
	prev := s.currentJob
	s.currentJob = j
	s.mu.Unlock()
	return prev
}

// trySetJob installs a job unless the session is shutting down. The state
// check and the swap share the lock so a concurrent Close cannot slip in
// between them and strand the new job's range.
func (s *Session) trySetJob(j *job.Job) (prev *job.Job, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closing || s.state == Closed {
		return nil, false
	}
	prev = s.currentJob
	s.currentJob = j
	return prev, true
}

// takeExpiredJob removes and returns the current job only if its ttl has
// elapsed, so a concurrently assigned fresh job is never torn down.
func (s *Session) takeExpiredJob(now time.Time) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentJob == nil || !s.currentJob.Expired(now) {
		return nil
	}
	j := s.currentJob
	s.currentJob = nil
	return j
}
