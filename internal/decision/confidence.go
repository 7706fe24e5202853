package decision

import "math"

// AuditChecklist is the four-item forecast hygiene checklist.
type AuditChecklist struct {
	BaseRatePresent         bool `json:"base_rate_present"`
	TwoSidedSearch          bool `json:"two_sided_search"`
	IndependenceChecked     bool `json:"independence_checked"`
	InfluenceUnderThreshold bool `json:"influence_under_threshold"`
}

// ForecastCardSummary is the slice of a forecast card that drives scoring.
type ForecastCardSummary struct {
	EvidenceCount int            `json:"evidence_count"`
	Audit         AuditChecklist `json:"audit"`
}

// Confidence bands.
const (
	BandHigh = "HIGH"
	BandMed  = "MED"
	BandLow  = "LOW"
)

// DeriveConfidence scores a forecast card in [0,1]: a 0.35 floor, a
// logarithmic evidence term, and 0.1 per satisfied checklist item.
func DeriveConfidence(card ForecastCardSummary) float64 {
	evidence := card.EvidenceCount
	if evidence < 0 {
		evidence = 0
	}
	score := 0.35 + 0.05*math.Log1p(float64(evidence))
	for _, ok := range []bool{
		card.Audit.BaseRatePresent,
		card.Audit.TwoSidedSearch,
		card.Audit.IndependenceChecked,
		card.Audit.InfluenceUnderThreshold,
	} {
		if ok {
			score += 0.1
		}
	}
	return math.Min(1, math.Max(0, score))
}

// Band buckets a confidence score.
func Band(score float64) string {
	switch {
	case score >= 0.75:
		return BandHigh
	case score >= 0.55:
		return BandMed
	default:
		return BandLow
	}
}
