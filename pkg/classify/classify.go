// Package classify implements the pure regex taxonomy that maps one
// iteration's exit code and captured log bytes onto a stop decision. It has
// no side effects: given the same log bytes and exit code it always returns
// the same IterationResult.
package classify

import (
	"regexp"
	"strings"

	"github.com/dodogabrie/night-worker/pkg/types"
)

var (
	rateLimitRE = regexp.MustCompile(`(?i)rate.?limit|429|too many requests|retry after|quota exceeded`)
	transientRE = regexp.MustCompile(`(?i)status code 502|status code 503|status code 504|bad gateway|gateway timeout|service unavailable|temporarily unavailable|upstream`)
	contextRE   = regexp.MustCompile(`(?i)context length|maximum context|prompt too long|input too long|too many tokens|token limit|context window`)
)

// detect reports whether pattern matches anywhere in log.
func detect(pattern *regexp.Regexp, log []byte) bool {
	if len(log) == 0 {
		return false
	}
	return pattern.Match(log)
}

// Input bundles everything classification needs to reach a verdict for one
// iteration.
type Input struct {
	Log                  []byte
	ExitCode             int
	CompleteSignal       string
	ConsecutiveTransient int // count carried in from prior iterations
	MaxConsecutiveTransient int
	IsLastIteration      bool
}

// Classify maps one iteration's outcome onto the stop-reason taxonomy.
// Precedence (checked in order, first match wins): rate-limit, context-limit,
// transient (which may or may not hard-stop depending on the consecutive
// count), any other nonzero non-timeout exit, the completion signal. A
// timeout (exit code 124) that matches none of the above is not a hard stop
// by itself; it only becomes one via the final max-iteration check, matching
// the source behavior this was ported from.
func Classify(in Input) types.IterationResult {
	switch {
	case in.ExitCode != 0 && detect(rateLimitRE, in.Log):
		return types.IterationResult{
			Reason:     types.StopReasonRateLimit,
			ShouldStop: true,
			ExitCode:   in.ExitCode,
		}
	case in.ExitCode != 0 && detect(contextRE, in.Log):
		return types.IterationResult{
			Reason:     types.StopReasonContextLimit,
			ShouldStop: true,
			ExitCode:   in.ExitCode,
		}
	case in.ExitCode != 0 && detect(transientRE, in.Log):
		count := in.ConsecutiveTransient + 1
		stop := count >= in.MaxConsecutiveTransient
		return types.IterationResult{
			Reason:               types.StopReasonTransient,
			ShouldStop:           stop,
			ExitCode:             in.ExitCode,
			ConsecutiveTransient: count,
		}
	case in.ExitCode != 0 && in.ExitCode != 124:
		return types.IterationResult{
			Reason:     types.NonzeroExitReason(in.ExitCode),
			ShouldStop: true,
			ExitCode:   in.ExitCode,
		}
	case in.CompleteSignal != "" && strings.Contains(string(in.Log), in.CompleteSignal):
		return types.IterationResult{
			Reason:     types.StopReasonComplete,
			ShouldStop: true,
			ExitCode:   in.ExitCode,
		}
	default:
		// rc==124 (iteration timeout) with none of the above falls through
		// here and continues, unless this was the capped final iteration.
		if in.IsLastIteration {
			return types.IterationResult{
				Reason:     types.StopReasonIterCap,
				ShouldStop: true,
				ExitCode:   in.ExitCode,
			}
		}
		return types.IterationResult{
			ShouldStop: false,
			ExitCode:   in.ExitCode,
		}
	}
}
