// Package forward relays validated full-difficulty candidates to the daemon
// exactly once.
package forward

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/roundnews/MoneroWebCoordinator/internal/metrics"
	"github.com/roundnews/MoneroWebCoordinator/internal/rpc"
)

var (
	// ErrDuplicate means an identical (height, nonce) candidate was already
	// forwarded recently.
	ErrDuplicate = errors.New("duplicate block candidate")
	// ErrRejected means the daemon refused the block, typically because it
	// already has one at that height.
	ErrRejected = errors.New("daemon rejected block")
)

// Submitter is the daemon surface the forwarder needs; satisfied by *rpc.Client.
type Submitter interface {
	SubmitBlock(ctx context.Context, blockBlobHex string) error
}

// Candidate is a validated full-difficulty solution ready for submission.
type Candidate struct {
	Height     uint64
	Generation uint64
	Nonce      uint64
	Blob       []byte
}

// Options configures a Forwarder.
type Options struct {
	Retries     int           // additional attempts after the first
	Backoff     time.Duration // doubled per attempt
	DedupWindow time.Duration // how long a (height, nonce) stays blocked
	Recorder    metrics.Recorder
	OnForwarded func() // fired after every terminal outcome, hooks the template refresh
}

// Forwarder submits candidates with dedup and a bounded retry budget.
type Forwarder struct {
	client Submitter
	opts   Options
	seen   *cache.Cache
}

// New builds a forwarder over the daemon client.
func New(client Submitter, opts Options) *Forwarder {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 2 * time.Minute
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Default
	}
	return &Forwarder{
		client: client,
		opts:   opts,
		seen:   cache.New(opts.DedupWindow, opts.DedupWindow),
	}
}

// Forward submits the candidate. Duplicates by (height, nonce) return
// ErrDuplicate without touching the daemon. Daemon rejection is surfaced as
// ErrRejected and not retried; transient RPC failures retry with doubling
// backoff until the budget runs out, after which the candidate blob is logged
// in full so it can be resubmitted by hand.
func (f *Forwarder) Forward(ctx context.Context, cand Candidate) error {
	key := fmt.Sprintf("%d:%d", cand.Height, cand.Nonce)
	if err := f.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		return ErrDuplicate
	}
	if f.opts.OnForwarded != nil {
		defer f.opts.OnForwarded()
	}

	blobHex := hex.EncodeToString(cand.Blob)
	backoff := f.opts.Backoff
	var last error
retry:
	for attempt := 0; attempt <= f.opts.Retries; attempt++ {
		err := f.client.SubmitBlock(ctx, blobHex)
		if err == nil {
			f.opts.Recorder.BlockForwarded("accepted")
			log.Printf("block forwarded height=%d nonce=%d", cand.Height, cand.Nonce)
			return nil
		}
		var de *rpc.ErrDaemon
		if errors.As(err, &de) {
			f.opts.Recorder.BlockForwarded("rejected")
			log.Printf("block rejected by daemon height=%d nonce=%d: %v", cand.Height, cand.Nonce, err)
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		last = err
		f.opts.Recorder.DaemonRPCFailure("submit_block")
		log.Printf("block submit attempt %d failed height=%d: %v", attempt+1, cand.Height, err)
		if attempt == f.opts.Retries {
			break
		}
		select {
		case <-ctx.Done():
			last = ctx.Err()
			break retry
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	// A found block must never vanish silently; keep the full blob in the
	// log for manual resubmission.
	f.opts.Recorder.BlockForwarded("failed")
	log.Printf("ALERT block forward exhausted retries height=%d nonce=%d blob=%s", cand.Height, cand.Nonce, blobHex)
	return fmt.Errorf("block forward failed after %d attempts: %w", f.opts.Retries+1, last)
}
