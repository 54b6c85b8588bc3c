// Package validate classifies worker proof submissions against job and
// template targets.
package validate

import (
	"time"

	"github.com/roundnews/MoneroWebCoordinator/internal/job"
)

// Kind is the closed set of submission outcomes.
type Kind int

const (
	// Accepted is a share: meets the share target but not the network target,
	// or a full hit on a superseded generation inside the grace window.
	Accepted Kind = iota
	// AcceptedBlock meets the network target on the current generation and
	// must be forwarded to the daemon.
	AcceptedBlock
	// Rejected covers invalid submissions; Reason says why.
	Rejected
	// Stale means the referenced job is gone, expired, or past the grace
	// window of a superseded generation.
	Stale
)

// Reason qualifies a Rejected result.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonUnknownJob   Reason = "unknown_job"
	ReasonOutOfRange   Reason = "out_of_range"
	ReasonInvalidProof Reason = "invalid_proof"
	ReasonStaleJob     Reason = "stale_job"
	ReasonRateLimited  Reason = "rate_limit"
)

// Result is the tagged outcome of a validation.
type Result struct {
	Kind   Kind
	Reason Reason
}

// Submission is a worker's proof candidate as handed over by the transport.
type Submission struct {
	JobID  string
	Nonce  uint64
	Result [32]byte
}

// PowFunc is the external proof-of-work verification primitive: it hashes
// the job blob at the given nonce. When nil, the worker-supplied result hash
// is trusted (the blob's reserved-range check still applies).
type PowFunc func(hashingBlob []byte, nonce uint64) ([32]byte, error)

// Validator applies the submission policy. It holds no mutable state and is
// safe for concurrent use.
type Validator struct {
	pow   PowFunc
	grace time.Duration
}

// NewValidator builds a validator with the given PoW primitive and
// stale-generation grace window.
func NewValidator(pow PowFunc, grace time.Duration) *Validator {
	return &Validator{pow: pow, grace: grace}
}

// Validate classifies a submission against the session's current job.
// superseded/supersededAt describe whether the job's template generation has
// been replaced, as reported by the template store.
func (v *Validator) Validate(j *job.Job, sub Submission, superseded bool, supersededAt time.Time, now time.Time) Result {
	if j == nil || j.ID != sub.JobID {
		return Result{Kind: Stale, Reason: ReasonUnknownJob}
	}
	if j.Expired(now) {
		return Result{Kind: Stale, Reason: ReasonStaleJob}
	}
	if superseded && now.Sub(supersededAt) > v.grace {
		return Result{Kind: Stale, Reason: ReasonStaleJob}
	}

	// Collision backstop: a nonce outside the assigned slice is rejected no
	// matter what the proof says.
	if !j.Range.Contains(sub.Nonce) {
		return Result{Kind: Rejected, Reason: ReasonOutOfRange}
	}

	hash := sub.Result
	if v.pow != nil {
		h, err := v.pow(j.HashingBlob, sub.Nonce)
		if err != nil {
			return Result{Kind: Rejected, Reason: ReasonInvalidProof}
		}
		hash = h
	}
	if !MeetsTarget(hash, j.ShareTarget) {
		return Result{Kind: Rejected, Reason: ReasonInvalidProof}
	}

	// A full-difficulty hit only counts as a block on the current generation;
	// within the grace window it still earns a share.
	if !superseded && MeetsTarget(hash, j.NetworkTarget) {
		return Result{Kind: AcceptedBlock}
	}
	return Result{Kind: Accepted}
}
