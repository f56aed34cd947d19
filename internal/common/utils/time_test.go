package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		hasError bool
	}{
		{"seconds", "30s", 30 * time.Second, false},
		{"minutes", "5m", 5 * time.Minute, false},
		{"milliseconds", "500ms", 500 * time.Millisecond, false},
		{"compound", "1h30m", 90 * time.Minute, false},
		{"decimal", "1.5h", 90 * time.Minute, false},
		{"padded", " 2m ", 2 * time.Minute, false},

		{"single day", "1d", 24 * time.Hour, false},
		{"multiple days", "7d", 7 * 24 * time.Hour, false},
		{"single week", "1w", 7 * 24 * time.Hour, false},
		{"negative day", "-1d", -24 * time.Hour, false},

		{"invalid format", "soon", 0, true},
		{"empty string", "", 0, true},
		{"missing unit", "123", 0, true},
		{"fractional day", "1.5d", 0, true},
		{"unknown unit", "3y", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseDuration(tt.input)

			if tt.hasError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid duration")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{0, "0ms"},
		{250 * time.Millisecond, "250ms"},
		{45 * time.Second, "45s"},
		{12 * time.Minute, "12m"},
		{150 * time.Minute, "2.5h"},
		{36 * time.Hour, "1.5d"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.input))
		})
	}
}

func TestFormatClock(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 3, 999, time.UTC)
	assert.Equal(t, "07:05:03", FormatClock(ts))
}

func TestRemaining(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 90*time.Second, Remaining(now, now.Add(90*time.Second)))
	assert.Zero(t, Remaining(now, now))
	assert.Zero(t, Remaining(now, now.Add(-time.Minute)))
}
