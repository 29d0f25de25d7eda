package classify

import (
	"testing"

	"github.com/dodogabrie/night-worker/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestClassifyRateLimitTakesPrecedence(t *testing.T) {
	res := Classify(Input{
		Log:      []byte("error: rate limit exceeded, please retry after 30s\ncontext window full too"),
		ExitCode: 1,
	})
	require.True(t, res.ShouldStop)
	require.Equal(t, types.StopReasonRateLimit, res.Reason)
}

func TestClassifyContextLimit(t *testing.T) {
	res := Classify(Input{
		Log:      []byte("fatal: maximum context length exceeded"),
		ExitCode: 1,
	})
	require.True(t, res.ShouldStop)
	require.Equal(t, types.StopReasonContextLimit, res.Reason)
}

func TestClassifyTransientBacksOffThenStops(t *testing.T) {
	in := Input{
		Log:                      []byte("upstream connect error: bad gateway"),
		ExitCode:                 1,
		MaxConsecutiveTransient: 3,
	}

	res := Classify(in)
	require.False(t, res.ShouldStop)
	require.Equal(t, types.StopReasonTransient, res.Reason)
	require.Equal(t, 1, res.ConsecutiveTransient)

	in.ConsecutiveTransient = 1
	res = Classify(in)
	require.False(t, res.ShouldStop)
	require.Equal(t, types.StopReasonTransient, res.Reason)
	require.Equal(t, 2, res.ConsecutiveTransient)

	in.ConsecutiveTransient = 2
	res = Classify(in)
	require.True(t, res.ShouldStop)
	require.Equal(t, types.StopReasonTransient, res.Reason)
	require.Equal(t, 3, res.ConsecutiveTransient)
}

func TestClassifyGenericNonzeroExit(t *testing.T) {
	res := Classify(Input{Log: []byte("boom"), ExitCode: 2})
	require.True(t, res.ShouldStop)
	require.Equal(t, types.NonzeroExitReason(2), res.Reason)
	require.True(t, types.IsNonzeroExit(res.Reason))
}

func TestClassifyCompleteSignal(t *testing.T) {
	res := Classify(Input{
		Log:            []byte("all done\nRALPH_COMPLETE\n"),
		ExitCode:       0,
		CompleteSignal: "RALPH_COMPLETE",
	})
	require.True(t, res.ShouldStop)
	require.Equal(t, types.StopReasonComplete, res.Reason)
}

func TestClassifyTimeoutContinuesUnlessLastIteration(t *testing.T) {
	res := Classify(Input{Log: []byte("still working"), ExitCode: 124})
	require.False(t, res.ShouldStop)

	res = Classify(Input{Log: []byte("still working"), ExitCode: 124, IsLastIteration: true})
	require.True(t, res.ShouldStop)
	require.Equal(t, types.StopReasonIterCap, res.Reason)
}

func TestClassifyCleanExitContinuesUnlessLastIteration(t *testing.T) {
	res := Classify(Input{Log: []byte("nothing interesting"), ExitCode: 0})
	require.False(t, res.ShouldStop)

	res = Classify(Input{Log: []byte("nothing interesting"), ExitCode: 0, IsLastIteration: true})
	require.True(t, res.ShouldStop)
	require.Equal(t, types.StopReasonIterCap, res.Reason)
}
