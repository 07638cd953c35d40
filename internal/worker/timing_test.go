package worker

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNextSendAfterProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	maxWait := 30 * time.Minute
	created := epoch

	// ages in seconds from creation, steps in seconds
	ages := gen.Int64Range(0, int64(2*maxWait/time.Second))
	steps := gen.Int64Range(1, int64(10*time.Minute/time.Second))

	properties.Property("extension never passes created+maxWait", prop.ForAll(
		func(age, step int64) bool {
			now := created.Add(time.Duration(age) * time.Second)
			next, ok := NextSendAfter(now, created, time.Duration(step)*time.Second, maxWait)
			return !ok || !next.After(created.Add(maxWait))
		},
		ages, steps,
	))

	properties.Property("extension only moves the gate forward", prop.ForAll(
		func(age, step int64) bool {
			now := created.Add(time.Duration(age) * time.Second)
			next, ok := NextSendAfter(now, created, time.Duration(step)*time.Second, maxWait)
			return !ok || next.After(now)
		},
		ages, steps,
	))

	properties.Property("past the ceiling nothing is held", prop.ForAll(
		func(age, step int64) bool {
			now := created.Add(time.Duration(age) * time.Second)
			_, ok := NextSendAfter(now, created, time.Duration(step)*time.Second, maxWait)
			return ok == now.Before(created.Add(maxWait))
		},
		ages, steps,
	))

	properties.Property("repeated extension reaches the ceiling in bounded passes", prop.ForAll(
		func(step int64) bool {
			now := created
			d := time.Duration(step) * time.Second
			limit := int(maxWait/d) + 2
			for i := 0; i < limit; i++ {
				next, ok := NextSendAfter(now, created, d, maxWait)
				if !ok {
					return !now.After(created.Add(maxWait))
				}
				now = next
			}
			_, ok := NextSendAfter(now, created, d, maxWait)
			return !ok
		},
		steps,
	))

	properties.TestingRun(t)
}

func TestRetryDelayProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("backoff is non-decreasing and capped at an hour", prop.ForAll(
		func(attempt int) bool {
			a, b := RetryDelay(attempt), RetryDelay(attempt+1)
			return a <= b && b <= time.Hour && a >= time.Minute
		},
		gen.IntRange(-5, 50),
	))

	properties.TestingRun(t)
}

func TestNextSendAfter_ZeroStep(t *testing.T) {
	if _, ok := NextSendAfter(epoch, epoch, 0, time.Hour); ok {
		t.Fatal("zero step must never hold")
	}
}
