package template

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roundnews/MoneroWebCoordinator/internal/rpc"
)

type fakeDaemon struct {
	height   uint64
	prevHash string
	fail     bool
	fetches  int
}

func (f *fakeDaemon) GetBlockTemplate(_ context.Context, _ string, reserveSize int) (*rpc.BlockTemplate, error) {
	f.fetches++
	if f.fail {
		return nil, errors.New("connection refused")
	}
	blob := make([]byte, 64)
	return &rpc.BlockTemplate{
		BlocktemplateBlob: hex.EncodeToString(blob),
		BlockhashingBlob:  hex.EncodeToString(blob[:43]),
		Difficulty:        300000,
		Height:            f.height,
		PrevHash:          f.prevHash,
		ReservedOffset:    40,
		SeedHash:          "seed",
		Status:            "OK",
	}, nil
}

func (f *fakeDaemon) GetInfo(context.Context) (*rpc.DaemonInfo, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return &rpc.DaemonInfo{Height: f.height, Status: "OK"}, nil
}

func newTestStore(d Fetcher) *Store {
	return NewStore(d, Options{
		WalletAddress:   "wallet",
		ReserveSize:     8,
		RefreshInterval: time.Second,
		StaleGrace:      100 * time.Millisecond,
		MaxFailures:     3,
	})
}

func TestRefreshPublishesGenerations(t *testing.T) {
	d := &fakeDaemon{height: 100, prevHash: "aa"}
	s := newTestStore(d)

	if s.Current() != nil {
		t.Fatal("current should be nil before first refresh")
	}
	tmpl, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tmpl.Generation != 1 || tmpl.Height != 100 {
		t.Fatalf("unexpected first template: %+v", tmpl)
	}
	if tmpl.ReservedOffset != 40 || tmpl.ReserveSize != 8 {
		t.Fatalf("reserved region wrong: %+v", tmpl)
	}

	// Same height and prev hash: no new generation.
	again, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if again.Generation != 1 {
		t.Fatalf("unchanged template must keep generation 1, got %d", again.Generation)
	}

	// New height: strictly greater generation.
	d.height = 101
	next, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.Generation != 2 {
		t.Fatalf("want generation 2, got %d", next.Generation)
	}
	if s.Current().Generation != 2 {
		t.Fatalf("current not swapped, got %d", s.Current().Generation)
	}
	if _, ok := s.SupersededSince(1); !ok {
		t.Fatal("generation 1 should be marked superseded")
	}
	if _, ok := s.SupersededSince(2); ok {
		t.Fatal("current generation must not be superseded")
	}
}

func TestRefreshFailureKeepsSnapshotAndDegrades(t *testing.T) {
	d := &fakeDaemon{height: 100, prevHash: "aa"}
	s := newTestStore(d)
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	d.fail = true
	for i := 0; i < 3; i++ {
		if _, err := s.Refresh(context.Background()); err == nil {
			t.Fatal("expected refresh failure")
		}
	}
	if s.Current() == nil || s.Current().Height != 100 {
		t.Fatal("previous snapshot must survive fetch failures")
	}
	if s.Healthy() {
		t.Fatal("store should be degraded after repeated failures")
	}

	d.fail = false
	d.height = 101
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !s.Healthy() {
		t.Fatal("successful refresh should clear degraded state")
	}
}

func TestSubscribeSeesEveryGeneration(t *testing.T) {
	d := &fakeDaemon{height: 100, prevHash: "aa"}
	s := newTestStore(d)
	var gens []uint64
	s.Subscribe(func(tmpl *Template) { gens = append(gens, tmpl.Generation) })

	for h := uint64(100); h < 103; h++ {
		d.height = h
		if _, err := s.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	if len(gens) != 3 {
		t.Fatalf("want 3 publishes, got %v", gens)
	}
	for i, g := range gens {
		if g != uint64(i+1) {
			t.Fatalf("generations out of order: %v", gens)
		}
	}
}

func TestReservedRegionValidated(t *testing.T) {
	d := &badRegionDaemon{}
	s := newTestStore(d)
	if _, err := s.Refresh(context.Background()); err == nil {
		t.Fatal("expected error for reserved region outside blob")
	}
}

type badRegionDaemon struct{}

func (badRegionDaemon) GetBlockTemplate(context.Context, string, int) (*rpc.BlockTemplate, error) {
	return &rpc.BlockTemplate{
		BlocktemplateBlob: "00000000", // 4 bytes, cannot hold offset 40
		BlockhashingBlob:  "00",
		Height:            1,
		PrevHash:          "aa",
		ReservedOffset:    40,
		Status:            "OK",
	}, nil
}

func (badRegionDaemon) GetInfo(context.Context) (*rpc.DaemonInfo, error) {
	return &rpc.DaemonInfo{Height: 1, Status: "OK"}, nil
}

// syncDaemon is safe for the concurrent access the run loop makes.
type syncDaemon struct {
	mu     sync.Mutex
	height uint64
	fail   bool
}

func (d *syncDaemon) set(height uint64, fail bool) {
	d.mu.Lock()
	d.height = height
	d.fail = fail
	d.mu.Unlock()
}

func (d *syncDaemon) GetBlockTemplate(context.Context, string, int) (*rpc.BlockTemplate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	blob := make([]byte, 64)
	return &rpc.BlockTemplate{
		BlocktemplateBlob: hex.EncodeToString(blob),
		BlockhashingBlob:  hex.EncodeToString(blob[:43]),
		Difficulty:        300000,
		Height:            d.height,
		PrevHash:          "aa",
		ReservedOffset:    40,
		SeedHash:          "seed",
		Status:            "OK",
	}, nil
}

func (d *syncDaemon) GetInfo(context.Context) (*rpc.DaemonInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	return &rpc.DaemonInfo{Height: d.height, Status: "OK"}, nil
}

func waitForGeneration(t *testing.T, s *Store, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cur := s.Current(); cur != nil && cur.Generation >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("generation %d not reached in time", want)
}

func TestRunKickAndHeightWatch(t *testing.T) {
	d := &syncDaemon{height: 100}
	s := NewStore(d, Options{
		WalletAddress:   "wallet",
		ReserveSize:     8,
		RefreshInterval: 20 * time.Millisecond,
		StaleGrace:      time.Second,
		MaxFailures:     3,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitForGeneration(t, s, 1)

	// The kick channel picks a height change up without waiting for the
	// polling ticker.
	d.set(101, false)
	s.RequestRefresh()
	waitForGeneration(t, s, 2)
	if got := s.Current().Height; got != 101 {
		t.Fatalf("current height after kick: %d", got)
	}

	// The get_info watch alone catches the next block.
	d.set(102, false)
	waitForGeneration(t, s, 3)
	if got := s.Current().Height; got != 102 {
		t.Fatalf("current height after watch: %d", got)
	}
}

func TestRunRecoversFromDegraded(t *testing.T) {
	d := &syncDaemon{height: 100}
	s := NewStore(d, Options{
		WalletAddress:   "wallet",
		ReserveSize:     8,
		RefreshInterval: 10 * time.Millisecond,
		StaleGrace:      time.Second,
		MaxFailures:     2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitForGeneration(t, s, 1)

	d.set(100, true)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Healthy() {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Healthy() {
		t.Fatal("store should degrade while the daemon is down")
	}

	// Daemon comes back at the same height: the store must recover without
	// waiting for the network to find a block.
	d.set(100, false)
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Healthy() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("store did not recover after the daemon came back")
}
