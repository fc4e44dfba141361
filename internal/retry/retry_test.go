package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		seconds []int
		wantErr bool
	}{
		{name: "default", seconds: DefaultSeconds},
		{name: "single step", seconds: []int{5}},
		{name: "empty", seconds: nil, wantErr: true},
		{name: "too long", seconds: []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, wantErr: true},
		{name: "zero delay", seconds: []int{1, 0}, wantErr: true},
		{name: "negative delay", seconds: []int{-3}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.seconds)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.seconds, p.Seconds())
		})
	}
}

func TestNextDelayFollowsPolicy(t *testing.T) {
	p := Default()
	require.Equal(t, MaxLength, p.Len())

	for attempt := 1; attempt <= p.Len(); attempt++ {
		d, ok := p.NextDelay(attempt)
		require.True(t, ok, "attempt %d", attempt)
		assert.Equal(t, time.Duration(DefaultSeconds[attempt-1])*time.Second, d)
	}
}

func TestNextDelayExhausts(t *testing.T) {
	tests := []struct {
		name    string
		seconds []int
		last    time.Duration
	}{
		{name: "single step", seconds: []int{5}, last: 5 * time.Second},
		{name: "default", seconds: DefaultSeconds, last: 1200 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.seconds)
			require.NoError(t, err)

			d, ok := p.NextDelay(len(tt.seconds))
			require.True(t, ok, "the last entry is a delay too")
			assert.Equal(t, tt.last, d)

			_, ok = p.NextDelay(len(tt.seconds) + 1)
			assert.False(t, ok)
			_, ok = p.NextDelay(len(tt.seconds) + 5)
			assert.False(t, ok)
			_, ok = p.NextDelay(0)
			assert.False(t, ok)
		})
	}
}

func TestSecondsIsACopy(t *testing.T) {
	p := Default()
	s := p.Seconds()
	s[0] = 99

	d, ok := p.NextDelay(1)
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
}
