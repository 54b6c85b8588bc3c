package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roundnews/MoneroWebCoordinator/internal/job"
	"github.com/roundnews/MoneroWebCoordinator/internal/nonce"
)

type releaseLog struct {
	released []nonce.Range
}

func (rl *releaseLog) release(_ uint64, r nonce.Range) {
	rl.released = append(rl.released, r)
}

func testLimits() Limits {
	return Limits{
		MaxConnections:    4,
		MaxPerIP:          2,
		MessagesPerSecond: 10,
		SharesPerMinute:   60,
		SubmitsPerMinute:  30,
		StrikeLimit:       3,
		IdleTimeout:       time.Minute,
	}
}

func testableJob(id string, r nonce.Range, ttl time.Duration) *job.Job {
	return &job.Job{ID: id, Generation: 1, Range: r, IssuedAt: time.Now(), TTL: ttl}
}

func TestRegisterEnforcesPerIPCap(t *testing.T) {
	rl := &releaseLog{}
	reg := NewRegistry(testLimits(), rl.release, nil)

	if _, err := reg.Register("10.0.0.1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register("10.0.0.1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register("10.0.0.1"); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("third connection from one address should be refused, got %v", err)
	}
	if _, err := reg.Register("10.0.0.2"); err != nil {
		t.Fatalf("other address should still be admitted: %v", err)
	}
}

func TestRegisterEnforcesGlobalCap(t *testing.T) {
	rl := &releaseLog{}
	reg := NewRegistry(testLimits(), rl.release, nil)
	for i := 0; i < 4; i++ {
		ip := string(rune('a' + i))
		if _, err := reg.Register(ip); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if _, err := reg.Register("z"); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("5th connection should be refused, got %v", err)
	}
}

func TestCloseReleasesRangeAndFreesSlot(t *testing.T) {
	rl := &releaseLog{}
	reg := NewRegistry(testLimits(), rl.release, nil)
	s1, _ := reg.Register("10.0.0.1")
	s2, _ := reg.Register("10.0.0.1")

	r := nonce.Range{Start: 40, End: 42}
	if !reg.SetJob(s1.ID, testableJob("j1", r, time.Minute)) {
		t.Fatal("set job failed")
	}

	reg.Close(s1.ID, "test")
	if len(rl.released) != 1 || rl.released[0] != r {
		t.Fatalf("close must release the job's range, got %v", rl.released)
	}
	if s1.State() != Closed {
		t.Fatalf("state should be Closed, got %v", s1.State())
	}

	// Idempotent.
	reg.Close(s1.ID, "again")
	if len(rl.released) != 1 {
		t.Fatal("double close released twice")
	}

	// The per-address slot opened up synchronously.
	if _, err := reg.Register("10.0.0.1"); err != nil {
		t.Fatalf("slot should be free after close: %v", err)
	}
	_ = s2
}

func TestSetJobReleasesPreviousRange(t *testing.T) {
	rl := &releaseLog{}
	reg := NewRegistry(testLimits(), rl.release, nil)
	s, _ := reg.Register("10.0.0.1")

	r1 := nonce.Range{Start: 40, End: 42}
	r2 := nonce.Range{Start: 42, End: 44}
	reg.SetJob(s.ID, testableJob("j1", r1, time.Minute))
	reg.SetJob(s.ID, testableJob("j2", r2, time.Minute))

	if len(rl.released) != 1 || rl.released[0] != r1 {
		t.Fatalf("previous range should be released on reassignment, got %v", rl.released)
	}
	if s.CurrentJob().ID != "j2" {
		t.Fatalf("current job wrong: %v", s.CurrentJob())
	}
}

func TestSweepIdle(t *testing.T) {
	rl := &releaseLog{}
	reg := NewRegistry(testLimits(), rl.release, nil)
	s1, _ := reg.Register("10.0.0.1")
	s2, _ := reg.Register("10.0.0.2")
	s2.Touch()

	closed := reg.SweepIdle(time.Now().Add(2 * time.Minute))
	if len(closed) != 2 {
		t.Fatalf("both sessions idle past timeout, closed %v", closed)
	}
	if reg.Count() != 0 {
		t.Fatalf("registry should be empty, got %d", reg.Count())
	}
	_ = s1
}

func TestExpireJobs(t *testing.T) {
	rl := &releaseLog{}
	reg := NewRegistry(testLimits(), rl.release, nil)
	s, _ := reg.Register("10.0.0.1")

	r := nonce.Range{Start: 40, End: 42}
	reg.SetJob(s.ID, testableJob("j1", r, time.Millisecond))

	n := reg.ExpireJobs(time.Now().Add(time.Second))
	if n != 1 {
		t.Fatalf("want 1 expired job, got %d", n)
	}
	if len(rl.released) != 1 || rl.released[0] != r {
		t.Fatalf("expiry must release the range, got %v", rl.released)
	}
	if s.CurrentJob() != nil {
		t.Fatal("expired job should be cleared from the session")
	}

	// A live job survives the sweep.
	reg.SetJob(s.ID, testableJob("j2", nonce.Range{Start: 42, End: 44}, time.Hour))
	if n := reg.ExpireJobs(time.Now()); n != 0 {
		t.Fatalf("live job expired early, n=%d", n)
	}
}

func TestSetJobCloseRaceReleasesEveryRange(t *testing.T) {
	var mu sync.Mutex
	var released []nonce.Range
	release := func(_ uint64, r nonce.Range) {
		mu.Lock()
		released = append(released, r)
		mu.Unlock()
	}

	for i := 0; i < 200; i++ {
		mu.Lock()
		released = released[:0]
		mu.Unlock()

		reg := NewRegistry(testLimits(), release, nil)
		s, err := reg.Register("10.0.0.1")
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		r1 := nonce.Range{Start: 40, End: 42}
		r2 := nonce.Range{Start: 42, End: 44}
		reg.SetJob(s.ID, testableJob("j1", r1, time.Minute))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Close(s.ID, "test")
		}()
		go func() {
			defer wg.Done()
			if !reg.SetJob(s.ID, testableJob("j2", r2, time.Minute)) {
				release(1, r2)
			}
		}()
		wg.Wait()

		mu.Lock()
		got := append([]nonce.Range(nil), released...)
		mu.Unlock()
		if len(got) != 2 {
			t.Fatalf("iteration %d: want both ranges released, got %v", i, got)
		}
		seen := map[nonce.Range]bool{}
		for _, r := range got {
			if seen[r] {
				t.Fatalf("iteration %d: range %v released twice", i, r)
			}
			seen[r] = true
		}
		if !seen[r1] || !seen[r2] {
			t.Fatalf("iteration %d: released %v, want %v and %v", i, got, r1, r2)
		}
	}
}
