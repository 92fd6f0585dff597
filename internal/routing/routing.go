// Package routing scores (provider, model) arms for dispatch using Bayesian
// Thompson sampling.
//
// Each arm keeps a Beta(α, β) posterior over its success rate. Scoring draws
// a sample from the posterior, so better arms win most of the time while
// uncertain arms still get explored. An exponential decay with a 12 hour
// half-life shrinks α and β back toward the uniform prior so stale history
// does not pin routing decisions, and an EWMA of observed latency damps arms
// that are technically succeeding but slow.
package routing

import (
	"math"
	"sync"
	"time"
)

const (
	priorAlpha = 1.0
	priorBeta  = 1.0

	// ewmaWeight is the smoothing factor for the latency EWMA; the seed of
	// 800ms means unmeasured arms count as moderately fast.
	ewmaWeight  = 0.2
	latencySeed = 800.0

	decayHalfLife = 12 * time.Hour

	// Latency penalty: a logistic falloff centered at 3000ms with a 1000ms
	// scale. Below ~2s latency the multiplier stays near 1.
	latencyMidpoint = 3000.0
	latencyScale    = 1000.0

	// jitter breaks exact score ties between cold arms.
	jitter = 0.005
)

type armStats struct {
	alpha        float64
	beta         float64
	latencyEWMA  float64
	lastUpdated  time.Time
	samples      int
	totalSuccess int
	totalFailure int
}

// ArmSnapshot is the exported view of one arm's posterior.
type ArmSnapshot struct {
	Expectation  float64 `json:"expectation"`
	Alpha        float64 `json:"alpha"`
	Beta         float64 `json:"beta"`
	LatencyEWMA  float64 `json:"latency_ewma"`
	Samples      int     `json:"samples"`
	SuccessTotal int     `json:"success_total"`
	FailureTotal int     `json:"failure_total"`
	LastUpdated  int64   `json:"last_updated"` // unix ms, 0 if never updated
}

// Scorer maintains the posterior for every observed arm. Safe for concurrent
// use.
type Scorer struct {
	mu    sync.Mutex
	stats map[string]*armStats
	now   func() time.Time
}

// NewScorer creates an empty scorer.
func NewScorer() *Scorer {
	return &Scorer{
		stats: make(map[string]*armStats),
		now:   time.Now,
	}
}

func armKey(providerID, model string) string {
	return providerID + ":" + model
}

// decay shrinks α and β toward the prior according to the arm's age.
func (s *armStats) decay(now time.Time) {
	if s.lastUpdated.IsZero() {
		return
	}
	age := now.Sub(s.lastUpdated)
	if age <= 0 {
		return
	}
	factor := math.Exp2(-float64(age) / float64(decayHalfLife))
	s.alpha = priorAlpha + (s.alpha-priorAlpha)*factor
	s.beta = priorBeta + (s.beta-priorBeta)*factor
}

// Update records one observed outcome for the arm. latencyMs < 0 means no
// latency was measured (e.g. the request never reached the upstream).
func (s *Scorer) Update(providerID, model string, success bool, latencyMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := armKey(providerID, model)
	arm, ok := s.stats[key]
	if !ok {
		arm = &armStats{alpha: priorAlpha, beta: priorBeta, latencyEWMA: latencySeed}
		s.stats[key] = arm
	}

	arm.decay(now)

	if success {
		arm.alpha++
		arm.totalSuccess++
	} else {
		arm.beta++
		arm.totalFailure++
	}
	if latencyMs >= 0 {
		arm.latencyEWMA = (1-ewmaWeight)*arm.latencyEWMA + ewmaWeight*float64(latencyMs)
	}
	arm.samples++
	arm.lastUpdated = now
}

// Score draws a Thompson sample for the arm. Each call returns a fresh
// random draw; the dispatcher scores all candidates in one decision and
// picks the highest.
func (s *Scorer) Score(providerID, model string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	arm, ok := s.stats[armKey(providerID, model)]
	if !ok {
		// Unobserved arm: pure exploration from the uniform prior.
		return betaSample(priorAlpha, priorBeta)
	}

	arm.decay(s.now())

	sampled := betaSample(arm.alpha, arm.beta)
	latencyMult := 1.0 / (1.0 + math.Exp((arm.latencyEWMA-latencyMidpoint)/latencyScale))
	return sampled*0.8 + sampled*0.2*latencyMult + randFloat()*jitter
}

// Snapshot returns the exported view of one arm, or false if the arm has
// never been observed.
func (s *Scorer) Snapshot(providerID, model string) (ArmSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	arm, ok := s.stats[armKey(providerID, model)]
	if !ok {
		return ArmSnapshot{}, false
	}
	return arm.snapshot(), true
}

// AllSnapshots returns exported views of every arm keyed by
// "providerID:model".
func (s *Scorer) AllSnapshots() map[string]ArmSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]ArmSnapshot, len(s.stats))
	for key, arm := range s.stats {
		out[key] = arm.snapshot()
	}
	return out
}

func (s *armStats) snapshot() ArmSnapshot {
	snap := ArmSnapshot{
		Expectation:  s.alpha / (s.alpha + s.beta),
		Alpha:        s.alpha,
		Beta:         s.beta,
		LatencyEWMA:  s.latencyEWMA,
		Samples:      s.samples,
		SuccessTotal: s.totalSuccess,
		FailureTotal: s.totalFailure,
	}
	if !s.lastUpdated.IsZero() {
		snap.LastUpdated = s.lastUpdated.UnixMilli()
	}
	return snap
}
