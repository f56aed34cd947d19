package circuitbreaker

// Severity is an advisory label derived from a breaker's failure history.
// It never gates execution on its own.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Score bands. A score at a threshold belongs to the higher band.
const (
	MediumSeverityScore = 2.5
	HighSeverityScore   = 5.0
)

// Component limits and rate bands used by ScoreSeverity.
const (
	maxThresholdRatio = 2.0

	highFailureRate   = 1.0
	mediumFailureRate = 0.1
	lowFailureRate    = 0.01
)

// SeverityWeights scales each component of the severity score.
type SeverityWeights struct {
	TripCount      float64 `json:"trip_count"`
	ThresholdRatio float64 `json:"threshold_ratio"`
	FailureRate    float64 `json:"failure_rate"`
	FailureRatio   float64 `json:"failure_ratio"`
}

// DefaultSeverityWeights returns the stock weighting.
func DefaultSeverityWeights() SeverityWeights {
	return SeverityWeights{
		TripCount:      1.0,
		ThresholdRatio: 1.5,
		FailureRate:    1.0,
		FailureRatio:   1.0,
	}
}

// SeverityInput is everything the score depends on.
type SeverityInput struct {
	TripCount         int
	RecentFailures    int
	FailureThreshold  int
	FailuresPerSecond float64
	TotalOps          int64
	SuccessOps        int64
}

// ScoreSeverity computes the weighted score and its band. Components:
// trip-count bucket (0-3), recent failures over threshold (0-2), failure
// rate band inside the window (0-3) and overall failure ratio (0-3).
func ScoreSeverity(in SeverityInput, w SeverityWeights) (float64, Severity) {
	score := w.TripCount*tripCountScore(in.TripCount) +
		w.ThresholdRatio*thresholdRatioScore(in.RecentFailures, in.FailureThreshold) +
		w.FailureRate*failureRateScore(in.FailuresPerSecond) +
		w.FailureRatio*failureRatioScore(in.TotalOps, in.SuccessOps)

	return score, SeverityForScore(score)
}

// SeverityForScore maps a score onto its band.
func SeverityForScore(score float64) Severity {
	switch {
	case score >= HighSeverityScore:
		return SeverityHigh
	case score >= MediumSeverityScore:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func tripCountScore(trips int) float64 {
	switch {
	case trips <= 0:
		return 0
	case trips <= 2:
		return 1
	case trips <= 5:
		return 2
	default:
		return 3
	}
}

func thresholdRatioScore(recent, threshold int) float64 {
	if threshold < 1 {
		threshold = 1
	}
	return min(float64(recent)/float64(threshold), maxThresholdRatio)
}

func failureRateScore(perSecond float64) float64 {
	switch {
	case perSecond >= highFailureRate:
		return 3
	case perSecond >= mediumFailureRate:
		return 2
	case perSecond >= lowFailureRate:
		return 1
	default:
		return 0
	}
}

func failureRatioScore(total, successes int64) float64 {
	if total <= 0 {
		return 0
	}
	ratio := float64(successes) / float64(total)
	return (1 - min(ratio, 1)) * 3
}
