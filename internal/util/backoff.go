package util

import (
	"math"
	"time"
)

// CalculateExponentialBackoff computes exponential backoff with optional jitter.
// Formula: baseDelay * 2^(exponentOffset+attempt), uncapped — callers that need
// a ceiling apply their own min() against the request deadline.
func CalculateExponentialBackoff(attempt, exponentOffset int, baseDelay time.Duration, jitterPercent float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(baseDelay) * math.Pow(2, float64(attempt+exponentOffset))

	if jitterPercent > 0 {
		// Time-based pseudo-random avoids importing math/rand on this hot path.
		pseudoRandom := float64(time.Now().UnixNano()%1000) / 1000.0
		jitter := backoff * jitterPercent * (pseudoRandom - 0.5)
		backoff += jitter
	}

	return time.Duration(backoff)
}
