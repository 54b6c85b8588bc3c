// Package template caches the daemon block template and publishes immutable
// generation-stamped snapshots.
package template

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roundnews/MoneroWebCoordinator/internal/metrics"
	"github.com/roundnews/MoneroWebCoordinator/internal/rpc"
)

// ErrNoTemplate means no template has been fetched yet, or the store is
// degraded after repeated daemon failures.
var ErrNoTemplate = errors.New("no usable block template")

// Template is an immutable snapshot of one daemon block template. A snapshot
// is superseded by publishing a new generation, never mutated.
type Template struct {
	Generation     uint64
	Height         uint64
	PrevHash       string
	Blob           []byte
	HashingBlob    []byte
	Difficulty     uint64
	ReservedOffset uint64
	ReserveSize    uint64
	SeedHash       string
	FetchedAt      time.Time
}

// Fetcher is the daemon surface the store needs; satisfied by *rpc.Client.
type Fetcher interface {
	GetBlockTemplate(ctx context.Context, walletAddress string, reserveSize int) (*rpc.BlockTemplate, error)
	GetInfo(ctx context.Context) (*rpc.DaemonInfo, error)
}

// Options configures a Store.
type Options struct {
	WalletAddress   string
	ReserveSize     int
	RefreshInterval time.Duration
	StaleGrace      time.Duration
	MaxFailures     int
	Recorder        metrics.Recorder
}

// Store owns the current template snapshot. Reads are lock-free via an
// atomically swapped pointer; a single refresh path publishes generations in
// strictly increasing order.
type Store struct {
	client  Fetcher
	opts    Options
	current atomic.Value // *Template, nil until first refresh

	refreshMu sync.Mutex // serializes Refresh; never held by readers

	mu         sync.Mutex
	generation uint64
	recent     map[uint64]*Template
	superseded map[uint64]time.Time
	failures   int
	degraded   bool
	lastHeight uint64
	subs       []func(*Template)

	kick chan struct{}
}

// NewStore builds a store over the given daemon client.
func NewStore(client Fetcher, opts Options) *Store {
	if opts.Recorder == nil {
		opts.Recorder = metrics.Default
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	s := &Store{
		client:     client,
		opts:       opts,
		recent:     make(map[uint64]*Template),
		superseded: make(map[uint64]time.Time),
		kick:       make(chan struct{}, 1),
	}
	s.current.Store((*Template)(nil))
	return s
}

// Current returns the latest snapshot without blocking on network I/O.
// Nil until the first successful refresh.
func (s *Store) Current() *Template {
	return s.current.Load().(*Template)
}

// Healthy reports whether job issuance is allowed: at least one template is
// cached and the daemon has not failed past the threshold.
func (s *Store) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.degraded && s.Current() != nil
}

// ByGeneration returns a retained snapshot for the grace-window checks.
func (s *Store) ByGeneration(gen uint64) (*Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.recent[gen]
	return t, ok
}

// SupersededSince returns when the generation was replaced by a newer one.
// ok is false while the generation is still current (or unknown).
func (s *Store) SupersededSince(gen uint64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.superseded[gen]
	return at, ok
}

// Subscribe registers a callback invoked after every published generation.
// Callbacks run on the refresh goroutine and must not block.
func (s *Store) Subscribe(fn func(*Template)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// RequestRefresh asks the run loop for an immediate refresh, typically right
// after a block forward so superseded jobs stop going out.
func (s *Store) RequestRefresh() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Refresh fetches a template from the daemon and publishes a new generation
// when height or prev_hash moved. The previous snapshot stays in effect on
// failure. The daemon I/O happens before any store lock is taken.
func (s *Store) Refresh(ctx context.Context) (*Template, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	raw, err := s.client.GetBlockTemplate(ctx, s.opts.WalletAddress, s.opts.ReserveSize)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	tmpl, err := s.fromRPC(raw)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}

	prev := s.Current()
	if prev != nil && prev.Height == tmpl.Height && prev.PrevHash == tmpl.PrevHash {
		s.clearFailures()
		return prev, nil
	}

	now := time.Now()
	s.mu.Lock()
	s.generation++
	tmpl.Generation = s.generation
	s.recent[tmpl.Generation] = tmpl
	if prev != nil {
		s.superseded[prev.Generation] = now
	}
	s.pruneLocked()
	s.failures = 0
	s.degraded = false
	s.lastHeight = tmpl.Height
	subs := make([]func(*Template), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	s.current.Store(tmpl)
	s.opts.Recorder.TemplateRefreshed(tmpl.Generation, tmpl.Height)
	log.Printf("template generation %d published height=%d difficulty=%d", tmpl.Generation, tmpl.Height, tmpl.Difficulty)
	for _, fn := range subs {
		fn(tmpl)
	}
	return tmpl, nil
}

func (s *Store) fromRPC(raw *rpc.BlockTemplate) (*Template, error) {
	blob, err := hex.DecodeString(raw.BlocktemplateBlob)
	if err != nil {
		return nil, fmt.Errorf("template blob decode: %w", err)
	}
	hashing, err := hex.DecodeString(raw.BlockhashingBlob)
	if err != nil {
		return nil, fmt.Errorf("hashing blob decode: %w", err)
	}
	offset := uint64(raw.ReservedOffset)
	size := uint64(s.opts.ReserveSize)
	if offset == 0 || offset+size > uint64(len(blob)) {
		return nil, fmt.Errorf("reserved region [%d,%d) outside blob of %d bytes", offset, offset+size, len(blob))
	}
	return &Template{
		Height:         raw.Height,
		PrevHash:       raw.PrevHash,
		Blob:           blob,
		HashingBlob:    hashing,
		Difficulty:     raw.Difficulty,
		ReservedOffset: offset,
		ReserveSize:    size,
		SeedHash:       raw.SeedHash,
		FetchedAt:      time.Now(),
	}, nil
}

func (s *Store) recordFailure(err error) {
	s.opts.Recorder.DaemonRPCFailure("get_block_template")
	s.mu.Lock()
	s.failures++
	if s.failures >= s.opts.MaxFailures && !s.degraded {
		s.degraded = true
		log.Printf("template store degraded after %d failures, suspending job issuance", s.failures)
	}
	s.mu.Unlock()
	log.Printf("template fetch error: %v", err)
}

func (s *Store) clearFailures() {
	s.mu.Lock()
	s.failures = 0
	s.degraded = false
	s.mu.Unlock()
}

// pruneLocked drops retained generations whose grace window has long passed.
func (s *Store) pruneLocked() {
	cutoff := time.Now().Add(-2 * s.opts.StaleGrace)
	for gen, at := range s.superseded {
		if at.Before(cutoff) && gen != s.generation {
			delete(s.superseded, gen)
			delete(s.recent, gen)
		}
	}
}

// Run polls the daemon until ctx is done. Between full refreshes it watches
// get_info for height changes, so a new network block is picked up within one
// poll interval without refetching identical templates.
func (s *Store) Run(ctx context.Context) {
	if _, err := s.Refresh(ctx); err != nil {
		log.Printf("initial template fetch failed: %v", err)
	}
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			_, _ = s.Refresh(ctx)
		case <-ticker.C:
			info, err := s.client.GetInfo(ctx)
			if err != nil {
				s.opts.Recorder.DaemonRPCFailure("get_info")
				s.mu.Lock()
				s.failures++
				if s.failures >= s.opts.MaxFailures {
					s.degraded = true
				}
				s.mu.Unlock()
				log.Printf("daemon info failed: %v", err)
				continue
			}
			s.mu.Lock()
			moved := info.Height != s.lastHeight
			// A reachable daemon after a failure streak must not leave the
			// store degraded until the next network block.
			recovering := s.failures > 0 || s.degraded
			s.mu.Unlock()
			if moved || recovering || s.Current() == nil {
				_, _ = s.Refresh(ctx)
			}
		}
	}
}
