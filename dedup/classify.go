package dedup

import "math"

// DuplicateType buckets a similarity score.
type DuplicateType string

const (
	TypeExact    DuplicateType = "exact"
	TypeHigh     DuplicateType = "high"
	TypeModerate DuplicateType = "moderate"
	TypeLow      DuplicateType = "low"
	TypeMinimal  DuplicateType = "minimal"
)

// RiskLevel is the plagiarism risk implied by a similarity score.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
	RiskMinimal  RiskLevel = "minimal"
)

// Tier cut points shared by both scales.
const (
	exactCut    = 0.95
	highCut     = 0.85
	moderateCut = 0.75
	lowCut      = 0.65
)

// ClassifyDuplicateType maps a similarity score to its duplicate tier.
func ClassifyDuplicateType(score float64) DuplicateType {
	switch {
	case score >= exactCut:
		return TypeExact
	case score >= highCut:
		return TypeHigh
	case score >= moderateCut:
		return TypeModerate
	case score >= lowCut:
		return TypeLow
	}
	return TypeMinimal
}

// AssessRiskLevel maps a similarity score to a risk level.
func AssessRiskLevel(score float64) RiskLevel {
	switch {
	case score >= exactCut:
		return RiskCritical
	case score >= highCut:
		return RiskHigh
	case score >= moderateCut:
		return RiskMedium
	case score >= lowCut:
		return RiskLow
	}
	return RiskMinimal
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either is a zero vector or their lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// distanceToSimilarity converts an L2 distance to a score in (0, 1].
func distanceToSimilarity(distance float32) float64 {
	if distance < 0 {
		return 0
	}
	return 1 / (1 + float64(distance))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
