// Package job defines the unit of work handed to a single worker session.
package job

import (
	"fmt"
	"time"

	"github.com/roundnews/MoneroWebCoordinator/internal/nonce"
	"github.com/roundnews/MoneroWebCoordinator/internal/template"
)

// Job ties one nonce slice of one template generation to one session. A
// session holds at most one job at a time; the previous job's slice is
// released when a new one is issued.
type Job struct {
	ID             string
	Generation     uint64
	Height         uint64
	Range          nonce.Range
	ReservedOffset uint64
	Blob           []byte
	HashingBlob    []byte
	SeedHash       string
	ShareTarget    [32]byte
	NetworkTarget  [32]byte
	IssuedAt       time.Time
	TTL            time.Duration
}

// New builds a job from a template snapshot and an allocated slice. seq is
// the coordinator-wide job counter used to mint the id.
func New(seq uint64, tmpl *template.Template, r nonce.Range, shareTarget, networkTarget [32]byte, ttl time.Duration) *Job {
	return &Job{
		ID:             fmt.Sprintf("%016x", seq),
		Generation:     tmpl.Generation,
		Height:         tmpl.Height,
		Range:          r,
		ReservedOffset: tmpl.ReservedOffset,
		Blob:           tmpl.Blob,
		HashingBlob:    tmpl.HashingBlob,
		SeedHash:       tmpl.SeedHash,
		ShareTarget:    shareTarget,
		NetworkTarget:  networkTarget,
		IssuedAt:       time.Now(),
		TTL:            ttl,
	}
}

// Expired reports whether the job's ttl has elapsed at now.
func (j *Job) Expired(now time.Time) bool {
	return now.After(j.IssuedAt.Add(j.TTL))
}
