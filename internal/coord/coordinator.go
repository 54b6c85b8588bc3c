// Package coord wires the template store, nonce allocator, session registry,
// validator, and block forwarder into the work-distribution engine. It is
// transport-independent: the websocket layer calls in, and job pushes go out
// through the Transport interface.
package coord

import (
	"context"
	"encoding/binary"
	"log"
	"sync/atomic"
	"time"

	"github.com/roundnews/MoneroWebCoordinator/internal/forward"
	"github.com/roundnews/MoneroWebCoordinator/internal/job"
	"github.com/roundnews/MoneroWebCoordinator/internal/metrics"
	"github.com/roundnews/MoneroWebCoordinator/internal/nonce"
	"github.com/roundnews/MoneroWebCoordinator/internal/session"
	"github.com/roundnews/MoneroWebCoordinator/internal/template"
	"github.com/roundnews/MoneroWebCoordinator/internal/validate"
)

// Transport delivers coordinator-initiated events to a connected worker.
type Transport interface {
	PushJob(sessionID string, j *job.Job)
	CloseSession(sessionID, reason string)
}

// noopTransport stands in until the real transport registers.
type noopTransport struct{}

func (noopTransport) PushJob(string, *job.Job)    {}
func (noopTransport) CloseSession(string, string) {}

// Options carries the work-distribution parameters.
type Options struct {
	ShareDifficulty uint64
	JobTTL          time.Duration
	StaleGrace      time.Duration
	Recorder        metrics.Recorder
}

// Coordinator is the engine tying the core components together.
type Coordinator struct {
	store     *template.Store
	alloc     *nonce.Allocator
	registry  *session.Registry
	validator *validate.Validator
	forwarder *forward.Forwarder
	opts      Options
	transport atomic.Value // transportBox
	jobSeq    atomic.Uint64
	shareTgt  [32]byte
}

// New builds the coordinator and subscribes it to template publications.
func New(store *template.Store, alloc *nonce.Allocator, registry *session.Registry, validator *validate.Validator, forwarder *forward.Forwarder, opts Options) *Coordinator {
	if opts.Recorder == nil {
		opts.Recorder = metrics.Default
	}
	c := &Coordinator{
		store:     store,
		alloc:     alloc,
		registry:  registry,
		validator: validator,
		forwarder: forwarder,
		opts:      opts,
		shareTgt:  validate.TargetFromDifficulty(opts.ShareDifficulty),
	}
	c.transport.Store(transportBox{noopTransport{}})
	store.Subscribe(c.onTemplate)
	return c
}

// transportBox keeps atomic.Value stores consistently typed across the
// different Transport implementations.
type transportBox struct {
	t Transport
}

// SetTransport registers the transport used for job pushes and closures.
func (c *Coordinator) SetTransport(t Transport) {
	c.transport.Store(transportBox{t})
}

func (c *Coordinator) getTransport() Transport {
	return c.transport.Load().(transportBox).t
}

// Connect admits a worker connection and returns its session.
func (c *Coordinator) Connect(remoteIP string) (*session.Session, error) {
	return c.registry.Register(remoteIP)
}

// Activate marks a session ready after the transport handshake.
func (c *Coordinator) Activate(sessionID string) {
	if s, ok := c.registry.Get(sessionID); ok {
		s.Activate()
		s.Touch()
	}
}

// Disconnect tears a session down, releasing its nonce range before returning.
func (c *Coordinator) Disconnect(sessionID, reason string) {
	c.registry.Close(sessionID, reason)
}

// AssignJob mints a job for the session against the current template
// generation. The previous job's range is released by the registry swap.
func (c *Coordinator) AssignJob(sessionID string) (*job.Job, error) {
	if !c.store.Healthy() {
		return nil, template.ErrNoTemplate
	}
	tmpl := c.store.Current()
	r, err := c.alloc.Allocate(tmpl.Generation)
	if err != nil {
		return nil, err
	}
	j := job.New(
		c.jobSeq.Add(1),
		tmpl,
		r,
		c.shareTgt,
		validate.TargetFromDifficulty(tmpl.Difficulty),
		c.opts.JobTTL,
	)
	if !c.registry.SetJob(sessionID, j) {
		// Session vanished between lookup and assignment.
		c.alloc.Release(tmpl.Generation, r)
		return nil, session.ErrClosed
	}
	c.opts.Recorder.JobIssued()
	return j, nil
}

// Submit runs the full submission pipeline: quota check, validation,
// accounting, and block forwarding. The submit-quota check short-circuits
// before any proof work; a validated block candidate is forwarded regardless
// of quota state.
func (c *Coordinator) Submit(sessionID string, sub validate.Submission) validate.Result {
	s, ok := c.registry.Get(sessionID)
	if !ok {
		return validate.Result{Kind: validate.Stale, Reason: validate.ReasonUnknownJob}
	}
	s.Touch()
	now := time.Now()

	if !s.Limits.AllowSubmit(now) {
		c.opts.Recorder.RateLimitViolation("submits")
		s.MarkRateLimited()
		c.strike(s)
		return validate.Result{Kind: validate.Rejected, Reason: validate.ReasonRateLimited}
	}
	s.ClearRateLimited()

	j := s.CurrentJob()
	var superseded bool
	var supersededAt time.Time
	if j != nil {
		supersededAt, superseded = c.store.SupersededSince(j.Generation)
	}
	res := c.validator.Validate(j, sub, superseded, supersededAt, now)

	switch res.Kind {
	case validate.AcceptedBlock:
		c.opts.Recorder.BlockCandidate(j.Height)
		log.Printf("block candidate height=%d nonce=%d session=%s", j.Height, sub.Nonce, sessionID)
		cand := forward.Candidate{
			Height:     j.Height,
			Generation: j.Generation,
			Nonce:      sub.Nonce,
			Blob:       stampBlob(j, sub.Nonce),
		}
		// Forwarding is daemon I/O; keep it off the session's message path.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = c.forwarder.Forward(ctx, cand)
		}()
		s.Limits.AllowShare(now)
		c.opts.Recorder.ShareAccepted()
	case validate.Accepted:
		if !s.Limits.AllowShare(now) {
			c.opts.Recorder.RateLimitViolation("shares")
			s.MarkRateLimited()
			c.strike(s)
			return validate.Result{Kind: validate.Rejected, Reason: validate.ReasonRateLimited}
		}
		c.opts.Recorder.ShareAccepted()
	case validate.Stale:
		c.opts.Recorder.ShareStale()
	case validate.Rejected:
		c.opts.Recorder.ShareRejected(string(res.Reason))
		c.strike(s)
	}
	return res
}

func (c *Coordinator) strike(s *session.Session) {
	if s.Limits.Strike() {
		c.getTransport().CloseSession(s.ID, "strike limit exceeded")
		c.registry.Close(s.ID, "strike limit exceeded")
	}
}

// onTemplate reacts to a published generation: open its free-list, retire
// older generations once the grace window lapses, and push fresh jobs to
// every active session.
func (c *Coordinator) onTemplate(tmpl *template.Template) {
	c.alloc.Open(tmpl.Generation, tmpl.ReservedOffset, tmpl.ReserveSize)
	gen := tmpl.Generation
	time.AfterFunc(c.opts.StaleGrace, func() {
		c.alloc.RetireOlderThan(gen)
	})

	t := c.getTransport()
	c.registry.Each(func(s *session.Session) {
		switch s.State() {
		case session.Active, session.RateLimited:
		default:
			return
		}
		j, err := c.AssignJob(s.ID)
		if err != nil {
			log.Printf("job reassign for %s failed: %v", s.ID, err)
			return
		}
		t.PushJob(s.ID, j)
	})
}

// Maintain runs one sweep of idle sessions and expired jobs; scheduled
// periodically by the daemon.
func (c *Coordinator) Maintain() {
	now := time.Now()
	for _, id := range c.registry.SweepIdle(now) {
		c.getTransport().CloseSession(id, "idle timeout")
	}
	c.registry.ExpireJobs(now)
}

// Sessions returns the number of connected workers, for the stats API.
func (c *Coordinator) Sessions() int {
	return c.registry.Count()
}

// Healthy reports whether job issuance is currently possible.
func (c *Coordinator) Healthy() bool {
	return c.store.Healthy()
}

// Template returns the current template snapshot, nil before the first
// successful refresh.
func (c *Coordinator) Template() *template.Template {
	return c.store.Current()
}

// stampBlob writes the winning nonce into the job's slice of the reserved
// region, producing the full submission blob.
func stampBlob(j *job.Job, n uint64) []byte {
	blob := make([]byte, len(j.Blob))
	copy(blob, j.Blob)
	var enc [8]byte
	binary.LittleEndian.PutUint64(enc[:], n)
	for i := uint64(0); i < j.Range.Width() && int(j.Range.Start+i) < len(blob) && i < 8; i++ {
		blob[j.Range.Start+i] = enc[i]
	}
	return blob
}
