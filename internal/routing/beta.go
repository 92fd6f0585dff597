package routing

import (
	"math"
	"math/rand/v2"
)

// normalApproxThreshold is the α+β above which the Beta draw switches to a
// Normal approximation. Long-lived hot arms accumulate large parameters and
// a direct Gamma-based draw gains nothing over the CLT there.
const normalApproxThreshold = 1000.0

func randFloat() float64 { return rand.Float64() }

// betaSample draws from Beta(alpha, beta) via two Gamma draws
// (X/(X+Y) with X~Gamma(alpha), Y~Gamma(beta)).
func betaSample(alpha, beta float64) float64 {
	if alpha <= 0 || beta <= 0 {
		return 0.5
	}
	if alpha+beta > normalApproxThreshold {
		mean := alpha / (alpha + beta)
		variance := alpha * beta / ((alpha + beta) * (alpha + beta) * (alpha + beta + 1))
		v := mean + rand.NormFloat64()*math.Sqrt(variance)
		return math.Min(math.Max(v, 0), 1)
	}

	x := gammaSample(alpha)
	y := gammaSample(beta)
	if x+y == 0 {
		return alpha / (alpha + beta)
	}
	return x / (x + y)
}

// gammaSample draws from Gamma(shape, 1) using the Marsaglia-Tsang
// squeeze method. Shapes below 1 are boosted and corrected with
// U^(1/shape).
func gammaSample(shape float64) float64 {
	if shape < 1 {
		u := rand.Float64()
		for u == 0 {
			u = rand.Float64()
		}
		return gammaSample(shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rand.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rand.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
