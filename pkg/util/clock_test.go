package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixedClock(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewFixedClock(start)
	require.Equal(t, start, c.Now())

	c.Advance(time.Hour)
	require.Equal(t, start.Add(time.Hour), c.Now())

	fired := <-c.After(time.Minute)
	require.Equal(t, start.Add(time.Hour+time.Minute), fired)

	c.Set(start)
	require.Equal(t, start, c.Now())
}
