package ranking

import "math"

const (
	// MinSeedCitations is the citation count below which co-citation is ignored.
	MinSeedCitations = 5

	// MaxAlpha is the largest co-citation weight.
	MaxAlpha = 0.5

	alphaSteepness = 0.15
	alphaMidpoint  = 30
)

// Sigmoid is the logistic function 1/(1+e^-x).
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// AnchorWeight down-weights heavily cited anchors: 1/(1+ln(1+c)).
func AnchorWeight(citations int) float64 {
	if citations < 0 {
		citations = 0
	}
	return 1 / (1 + math.Log1p(float64(citations)))
}

// CouplingScore is the shared anchor weight as a fraction of the total.
func CouplingScore(shared, total float64) float64 {
	if total <= 0 || shared <= 0 {
		return 0
	}
	return clamp01(shared / total)
}

// CoCitationScore normalizes a co-citation count by the geometric mean of
// the two citation counts, clamped to [0,1]. Missing counts score 0.
func CoCitationScore(coCitations, seedCitations, candidateCitations int) float64 {
	if coCitations <= 0 || seedCitations <= 0 || candidateCitations <= 0 {
		return 0
	}
	v := float64(coCitations) / math.Sqrt(float64(seedCitations)*float64(candidateCitations))
	return clamp01(v)
}

// Alpha is the co-citation weight for a seed with the given citation count.
// It is 0 below MinSeedCitations and rises towards MaxAlpha.
func Alpha(seedCitations int) float64 {
	if seedCitations < MinSeedCitations {
		return 0
	}
	return MaxAlpha * Sigmoid(alphaSteepness*float64(seedCitations-alphaMidpoint))
}

// Combine blends the two signals: (1-alpha)*coupling + alpha*cocitation.
func Combine(alpha, coupling, coCitation float64) float64 {
	return clamp01((1-alpha)*coupling + alpha*coCitation)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
