package resilience

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// The sleep before attempt i+1 must lie in [base*mult^(i-1), base*mult^(i-1)+jitter).
func Test_BackOffDelayBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 1000
	properties := gopter.NewProperties(parameters)

	properties.Property("jittered exponential delays stay within bounds", prop.ForAll(
		func(baseMs int64, multTenths int64, jitterMs int64, steps int) bool {
			base := time.Duration(baseMs) * time.Millisecond
			mult := float64(multTenths) / 10.0
			jitter := time.Duration(jitterMs) * time.Millisecond

			b := &jitteredBackOff{
				base:        base,
				multiplier:  mult,
				exponential: true,
				maxJitter:   jitter,
			}

			for i := 0; i < steps; i++ {
				d := b.NextBackOff()
				lower := time.Duration(float64(base) * math.Pow(mult, float64(i)))
				upper := lower + jitter
				if d < lower || d > upper {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 1000),
		gen.Int64Range(10, 40),
		gen.Int64Range(0, 100),
		gen.IntRange(1, 8),
	))

	properties.Property("constant delays stay within bounds", prop.ForAll(
		func(baseMs int64, jitterMs int64, steps int) bool {
			base := time.Duration(baseMs) * time.Millisecond
			jitter := time.Duration(jitterMs) * time.Millisecond

			b := &jitteredBackOff{
				base:      base,
				maxJitter: jitter,
			}

			for i := 0; i < steps; i++ {
				d := b.NextBackOff()
				if d < base || d > base+jitter {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 1000),
		gen.Int64Range(0, 100),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
