package validate

import (
	"testing"
	"time"

	"github.com/roundnews/MoneroWebCoordinator/internal/job"
	"github.com/roundnews/MoneroWebCoordinator/internal/nonce"
)

func testJob(shareDiff, netDiff uint64) *job.Job {
	return &job.Job{
		ID:            "000000000000002a",
		Generation:    3,
		Height:        100,
		Range:         nonce.Range{Start: 40, End: 44},
		ShareTarget:   TargetFromDifficulty(shareDiff),
		NetworkTarget: TargetFromDifficulty(netDiff),
		IssuedAt:      time.Now(),
		TTL:           time.Minute,
	}
}

// hashWithDifficulty builds a little-endian hash that meets targets up to
// roughly the given difficulty: value = 2^256 / d approximated through the
// same quotient placement the target conversion uses.
func hashWithDifficulty(d uint64) [32]byte {
	h := TargetFromDifficulty(d)
	// Nudge below the exact threshold so strict comparisons pass.
	for i := 0; i < 32; i++ {
		if h[i] > 0 {
			h[i]--
			break
		}
	}
	return h
}

func TestShareAccepted(t *testing.T) {
	v := NewValidator(nil, 5*time.Second)
	j := testJob(1000, 1_000_000)
	sub := Submission{JobID: j.ID, Nonce: 41, Result: hashWithDifficulty(10_000)}
	res := v.Validate(j, sub, false, time.Time{}, time.Now())
	if res.Kind != Accepted {
		t.Fatalf("want Accepted, got %+v", res)
	}
}

func TestBlockAccepted(t *testing.T) {
	v := NewValidator(nil, 5*time.Second)
	j := testJob(1000, 1_000_000)
	sub := Submission{JobID: j.ID, Nonce: 41, Result: hashWithDifficulty(2_000_000)}
	res := v.Validate(j, sub, false, time.Time{}, time.Now())
	if res.Kind != AcceptedBlock {
		t.Fatalf("want AcceptedBlock, got %+v", res)
	}
}

func TestLowDifficultyRejected(t *testing.T) {
	v := NewValidator(nil, 5*time.Second)
	j := testJob(100_000, 1_000_000)
	sub := Submission{JobID: j.ID, Nonce: 41, Result: hashWithDifficulty(10)}
	res := v.Validate(j, sub, false, time.Time{}, time.Now())
	if res.Kind != Rejected || res.Reason != ReasonInvalidProof {
		t.Fatalf("want Rejected/invalid_proof, got %+v", res)
	}
}

func TestOutOfRangeAlwaysRejected(t *testing.T) {
	v := NewValidator(nil, 5*time.Second)
	j := testJob(1000, 1_000_000)
	// The proof would comfortably satisfy even the network target.
	sub := Submission{JobID: j.ID, Nonce: 44, Result: hashWithDifficulty(10_000_000)}
	res := v.Validate(j, sub, false, time.Time{}, time.Now())
	if res.Kind != Rejected || res.Reason != ReasonOutOfRange {
		t.Fatalf("want Rejected/out_of_range, got %+v", res)
	}
}

func TestUnknownJobStale(t *testing.T) {
	v := NewValidator(nil, 5*time.Second)
	j := testJob(1000, 1_000_000)
	sub := Submission{JobID: "ffffffffffffffff", Nonce: 41, Result: hashWithDifficulty(10_000)}
	if res := v.Validate(j, sub, false, time.Time{}, time.Now()); res.Kind != Stale {
		t.Fatalf("mismatched job id should be Stale, got %+v", res)
	}
	if res := v.Validate(nil, sub, false, time.Time{}, time.Now()); res.Kind != Stale {
		t.Fatalf("nil job should be Stale, got %+v", res)
	}
}

func TestExpiredJobStale(t *testing.T) {
	v := NewValidator(nil, 5*time.Second)
	j := testJob(1000, 1_000_000)
	j.IssuedAt = time.Now().Add(-2 * time.Minute)
	sub := Submission{JobID: j.ID, Nonce: 41, Result: hashWithDifficulty(10_000)}
	if res := v.Validate(j, sub, false, time.Time{}, time.Now()); res.Kind != Stale {
		t.Fatalf("expired job should be Stale, got %+v", res)
	}
}

func TestGraceWindow(t *testing.T) {
	v := NewValidator(nil, 5*time.Second)
	j := testJob(1000, 1_000_000)
	now := time.Now()
	blockHash := hashWithDifficulty(2_000_000)

	// Within the grace window: the share still counts, but a full hit is not
	// a block on a superseded generation.
	res := v.Validate(j, Submission{JobID: j.ID, Nonce: 41, Result: blockHash}, true, now.Add(-time.Second), now)
	if res.Kind != Accepted {
		t.Fatalf("full hit inside grace should downgrade to share, got %+v", res)
	}

	// Past the grace window: stale.
	res = v.Validate(j, Submission{JobID: j.ID, Nonce: 41, Result: blockHash}, true, now.Add(-10*time.Second), now)
	if res.Kind != Stale {
		t.Fatalf("past grace should be Stale, got %+v", res)
	}
}

func TestPowPrimitiveOverridesResult(t *testing.T) {
	// The primitive returns a hash too weak for the share target, so a
	// worker-claimed strong result must not be believed.
	weak := hashWithDifficulty(1)
	pow := func([]byte, uint64) ([32]byte, error) { return weak, nil }
	v := NewValidator(pow, 5*time.Second)
	j := testJob(100_000, 1_000_000)
	sub := Submission{JobID: j.ID, Nonce: 41, Result: hashWithDifficulty(10_000_000)}
	res := v.Validate(j, sub, false, time.Time{}, time.Now())
	if res.Kind != Rejected || res.Reason != ReasonInvalidProof {
		t.Fatalf("want Rejected via pow primitive, got %+v", res)
	}
}
