package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnit(t *testing.T) {
	tests := []struct {
		in   string
		want Unit
	}{
		{"", Milliseconds},
		{"ms", Milliseconds},
		{"MS", Milliseconds},
		{"us", Microseconds},
		{"ns", Nanoseconds},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUnit(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseUnit("s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown time unit")
}

func TestUnit_Format(t *testing.T) {
	d := 1234567 * time.Nanosecond

	assert.Equal(t, "1234567", Nanoseconds.Format(d))
	assert.Equal(t, "1234.567", Microseconds.Format(d))
	assert.Equal(t, "1.235", Milliseconds.Format(d))
	assert.Equal(t, "-0.300", Microseconds.Format(-300*time.Nanosecond))
	assert.Equal(t, "MS", Milliseconds.Suffix())
}

func TestLatencyRecord_Interval(t *testing.T) {
	r := &LatencyRecord{
		Intervals: []Interval{
			{Name: "Copy", Duration: 10, Valid: true},
			{Name: "UDP", Duration: 20, Valid: true},
		},
	}

	iv, ok := r.Interval("UDP")
	require.True(t, ok)
	assert.Equal(t, time.Duration(20), iv.Duration)

	_, ok = r.Interval("nope")
	assert.False(t, ok)
	assert.False(t, r.Anomalous())

	r.Anomalies = append(r.Anomalies, "negative UDP")
	assert.True(t, r.Anomalous())
}
