package circuitbreaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityForScore_Bands(t *testing.T) {
	tests := []struct {
		score float64
		want  Severity
	}{
		{0, SeverityLow},
		{2.49, SeverityLow},
		{2.5, SeverityMedium},
		{4.99, SeverityMedium},
		{5.0, SeverityHigh},
		{12, SeverityHigh},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityForScore(tt.score), "score %.2f", tt.score)
	}
}

func TestScoreSeverity(t *testing.T) {
	w := DefaultSeverityWeights()

	tests := []struct {
		name      string
		in        SeverityInput
		wantScore float64
		want      Severity
	}{
		{
			name: "no history",
			in:   SeverityInput{FailureThreshold: 5},
			want: SeverityLow,
		},
		{
			name:      "one trip and half the threshold",
			in:        SeverityInput{TripCount: 1, RecentFailures: 2, FailureThreshold: 4},
			wantScore: 1.75,
			want:      SeverityLow,
		},
		{
			name:      "two trips and full threshold lands on medium boundary",
			in:        SeverityInput{TripCount: 2, RecentFailures: 5, FailureThreshold: 5},
			wantScore: 2.5,
			want:      SeverityMedium,
		},
		{
			name:      "threshold ratio is capped at two",
			in:        SeverityInput{TripCount: 3, RecentFailures: 50, FailureThreshold: 5},
			wantScore: 5.0,
			want:      SeverityHigh,
		},
		{
			name:      "failure rate bands",
			in:        SeverityInput{FailuresPerSecond: 0.1, FailureThreshold: 5},
			wantScore: 2,
			want:      SeverityLow,
		},
		{
			name:      "all failures",
			in:        SeverityInput{TotalOps: 10, SuccessOps: 0, FailureThreshold: 5},
			wantScore: 3,
			want:      SeverityMedium,
		},
		{
			name:      "half failures",
			in:        SeverityInput{TripCount: 6, TotalOps: 10, SuccessOps: 5, FailureThreshold: 5},
			wantScore: 4.5,
			want:      SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, severity := ScoreSeverity(tt.in, w)
			assert.InDelta(t, tt.wantScore, score, 1e-9)
			assert.Equal(t, tt.want, severity)
		})
	}
}

func TestScoreSeverity_Components(t *testing.T) {
	assert.Equal(t, 0.0, tripCountScore(0))
	assert.Equal(t, 1.0, tripCountScore(2))
	assert.Equal(t, 2.0, tripCountScore(3))
	assert.Equal(t, 2.0, tripCountScore(5))
	assert.Equal(t, 3.0, tripCountScore(6))

	assert.Equal(t, 0.0, failureRateScore(0.009))
	assert.Equal(t, 1.0, failureRateScore(0.01))
	assert.Equal(t, 2.0, failureRateScore(0.5))
	assert.Equal(t, 3.0, failureRateScore(1))

	assert.Equal(t, 1.0, thresholdRatioScore(3, 0), "non-positive threshold counts as one")
	assert.Equal(t, 0.0, failureRatioScore(0, 0))
}

func TestScoreSeverity_CustomWeights(t *testing.T) {
	in := SeverityInput{TripCount: 1, RecentFailures: 5, FailureThreshold: 5}

	_, severity := ScoreSeverity(in, SeverityWeights{TripCount: 5})
	assert.Equal(t, SeverityHigh, severity)

	score, severity := ScoreSeverity(in, SeverityWeights{})
	assert.Zero(t, score)
	assert.Equal(t, SeverityLow, severity)
}

func TestSeverity_String(t *testing.T) {
	assert.Equal(t, "low", SeverityLow.String())
	assert.Equal(t, "medium", SeverityMedium.String())
	assert.Equal(t, "high", SeverityHigh.String())
	assert.Equal(t, "unknown", Severity(9).String())
}
