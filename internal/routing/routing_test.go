package routing

import (
	"math"
	"testing"
	"time"
)

func TestUpdateMaintainsPosterior(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	s.Update("p1", "m", true, 500)
	s.Update("p1", "m", true, 700)
	s.Update("p1", "m", false, -1)

	snap, ok := s.Snapshot("p1", "m")
	if !ok {
		t.Fatal("no snapshot for observed arm")
	}
	if snap.Alpha != 3 || snap.Beta != 2 {
		t.Errorf("alpha/beta = %.1f/%.1f, want 3/2", snap.Alpha, snap.Beta)
	}
	if snap.Samples != 3 || snap.SuccessTotal != 2 || snap.FailureTotal != 1 {
		t.Errorf("samples/success/failure = %d/%d/%d, want 3/2/1",
			snap.Samples, snap.SuccessTotal, snap.FailureTotal)
	}
	want := 3.0 / 5.0
	if math.Abs(snap.Expectation-want) > 1e-9 {
		t.Errorf("expectation = %f, want %f", snap.Expectation, want)
	}

	// EWMA: 0.8*(0.8*800 + 0.2*500) + 0.2*700 = 732. The failed request
	// carried no latency and must not move it.
	if math.Abs(snap.LatencyEWMA-732) > 1e-9 {
		t.Errorf("latency EWMA = %f, want 732", snap.LatencyEWMA)
	}
}

func TestPosteriorNeverBelowPrior(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	for range 100 {
		s.Update("p1", "m", false, 1000)
	}
	// A year of decay shrinks everything back toward the prior.
	now = now.Add(365 * 24 * time.Hour)
	s.Update("p1", "m", false, 1000)

	snap, _ := s.Snapshot("p1", "m")
	if snap.Alpha < 1 || snap.Beta < 1 {
		t.Errorf("posterior fell below prior: alpha=%f beta=%f", snap.Alpha, snap.Beta)
	}
}

func TestDecayShrinksTowardPrior(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	for range 20 {
		s.Update("p1", "m", true, 500)
	}
	before, _ := s.Snapshot("p1", "m")

	// One half-life later a new observation first halves the excess over
	// the prior: alpha becomes 1 + (21-1)/2 + 1 = 12.
	now = now.Add(12 * time.Hour)
	s.Update("p1", "m", true, 500)

	after, _ := s.Snapshot("p1", "m")
	if before.Alpha != 21 {
		t.Fatalf("alpha before decay = %f, want 21", before.Alpha)
	}
	if math.Abs(after.Alpha-12) > 1e-6 {
		t.Errorf("alpha after one half-life = %f, want 12", after.Alpha)
	}
}

func TestScoreRange(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	s.Update("p1", "m", true, 100)

	for range 1000 {
		score := s.Score("p1", "m")
		if score < 0 || score > 1.005 {
			t.Fatalf("score %f out of range [0, 1.005]", score)
		}
	}
}

func TestScorePrefersHealthyArm(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	for range 50 {
		s.Update("good", "m", true, 300)
		s.Update("bad", "m", false, 300)
	}

	goodWins := 0
	const trials = 200
	for range trials {
		if s.Score("good", "m") > s.Score("bad", "m") {
			goodWins++
		}
	}
	// Beta(51,1) vs Beta(1,51): the good arm should win essentially always.
	if goodWins < trials*9/10 {
		t.Errorf("healthy arm won only %d/%d trials", goodWins, trials)
	}
}

func TestHighLatencyPenalizesScore(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	for range 50 {
		s.Update("fast", "m", true, 200)
		s.Update("slow", "m", true, 20000)
	}

	fastWins := 0
	const trials = 200
	for range trials {
		if s.Score("fast", "m") > s.Score("slow", "m") {
			fastWins++
		}
	}
	// Same success posterior; only the latency multiplier separates them.
	if fastWins < trials*7/10 {
		t.Errorf("fast arm won only %d/%d trials", fastWins, trials)
	}
}

func TestUnknownArmExplores(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	if _, ok := s.Snapshot("nobody", "m"); ok {
		t.Error("snapshot exists for unobserved arm")
	}
	score := s.Score("nobody", "m")
	if score < 0 || score > 1 {
		t.Errorf("prior draw %f out of [0, 1]", score)
	}
	// Scoring alone must not materialize arm state.
	if len(s.AllSnapshots()) != 0 {
		t.Error("Score created arm state")
	}
}

func TestBetaSampleMoments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		alpha, beta float64
	}{
		{"uniform", 1, 1},
		{"skewed", 8, 2},
		{"sub unit shape", 0.5, 0.5},
		{"normal approximation", 900, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			const n = 20000
			sum := 0.0
			for range n {
				v := betaSample(tt.alpha, tt.beta)
				if v < 0 || v > 1 {
					t.Fatalf("sample %f out of [0, 1]", v)
				}
				sum += v
			}
			mean := sum / n
			want := tt.alpha / (tt.alpha + tt.beta)
			if math.Abs(mean-want) > 0.02 {
				t.Errorf("sample mean = %f, want %f +/- 0.02", mean, want)
			}
		})
	}
}

func TestGammaSampleMean(t *testing.T) {
	t.Parallel()

	for _, shape := range []float64{0.5, 1, 2.5, 20} {
		const n = 20000
		sum := 0.0
		for range n {
			v := gammaSample(shape)
			if v < 0 {
				t.Fatalf("negative gamma sample %f", v)
			}
			sum += v
		}
		mean := sum / n
		// Gamma(k, 1) has mean k; tolerance scales with the stddev sqrt(k).
		if math.Abs(mean-shape) > 4*math.Sqrt(shape/n)+0.05 {
			t.Errorf("shape %f: sample mean = %f, want ~%f", shape, mean, shape)
		}
	}
}
