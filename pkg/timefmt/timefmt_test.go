package timefmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestElapsed(t *testing.T) {
	require.Equal(t, "0s", Elapsed(0))
	require.Equal(t, "1s", Elapsed(1*time.Second))
	require.Equal(t, "59s", Elapsed(59*time.Second))
	require.Equal(t, "1m00s", Elapsed(60*time.Second))
	require.Equal(t, "1m30s", Elapsed(90*time.Second))
	require.Equal(t, "59m59s", Elapsed(3599*time.Second))
	require.Equal(t, "1h00m", Elapsed(3600*time.Second))
	require.Equal(t, "1h01m", Elapsed(3661*time.Second))
	require.Equal(t, "2h00m", Elapsed(7200*time.Second))
	require.Equal(t, "0s", Elapsed(-1*time.Second))
}

func TestUnixStamp(t *testing.T) {
	ts := time.Date(2026, 7, 30, 1, 2, 3, 0, time.UTC)
	require.Equal(t, "2026-07-30T01:02:03Z", UnixStamp(ts))
}
