// Package plan turns a task's daily quota into an hourly plan and keeps one
// plan per task per calendar date.
package plan

import (
	"fmt"
	"math"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// MaxVariance is the largest accepted hourly variance.
const MaxVariance = 0.9

// boundsEpsilon absorbs float error so that e.g. 12*0.75 still floors to 9.
const boundsEpsilon = 1e-9

// Rand is the randomness a plan draw needs. *rand.Rand from math/rand/v2
// satisfies it.
type Rand interface {
	IntN(n int) int
}

// Generate spreads quota across hours. Each hour starts from an even share
// (the remainder going to the earliest hours) and is perturbed uniformly
// within ±variance of that share; the drift is then pushed back from the last
// hour towards the first so the total is exactly quota and every hour stays
// inside its own band.
func Generate(quota int, hours []int, variance float64, rng Rand) ([pacer.HoursPerDay]int, error) {
	var out [pacer.HoursPerDay]int
	if len(hours) == 0 {
		return out, pacer.ErrNoActiveHours
	}
	if variance < 0 || variance > MaxVariance || math.IsNaN(variance) {
		return out, fmt.Errorf("%w: hourly variance %v outside [0, %v]", pacer.ErrConfiguration, variance, MaxVariance)
	}
	if quota < 0 {
		return out, fmt.Errorf("%w: negative quota %d", pacer.ErrConfiguration, quota)
	}
	for _, h := range hours {
		if h < 0 || h >= pacer.HoursPerDay {
			return out, fmt.Errorf("%w: hour %d out of range", pacer.ErrConfiguration, h)
		}
	}
	if quota == 0 {
		return out, nil
	}

	n := len(hours)
	base, extra := quota/n, quota%n
	lo := make([]int, n)
	hi := make([]int, n)
	vals := make([]int, n)
	sum := 0
	for i := range hours {
		v := base
		if i < extra {
			v++
		}
		lo[i] = int(math.Ceil(float64(v)*(1-variance) - boundsEpsilon))
		hi[i] = int(math.Floor(float64(v)*(1+variance) + boundsEpsilon))
		vals[i] = lo[i]
		if span := hi[i] - lo[i]; span > 0 {
			vals[i] += rng.IntN(span + 1)
		}
		sum += vals[i]
	}

	drift := sum - quota
	for i := n - 1; i >= 0 && drift != 0; i-- {
		if drift > 0 {
			step := min(drift, vals[i]-lo[i])
			vals[i] -= step
			drift -= step
		} else {
			step := min(-drift, hi[i]-vals[i])
			vals[i] += step
			drift += step
		}
	}
	if drift != 0 {
		return out, fmt.Errorf("plan for quota %d left drift %d", quota, drift)
	}
	for i, h := range hours {
		out[h] = vals[i]
	}
	return out, nil
}
